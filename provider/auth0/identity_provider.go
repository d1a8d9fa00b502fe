package auth0

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/auth0/go-auth0"
	"github.com/auth0/go-auth0/management"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"

	auth "github.com/goliatone/go-clinic-auth"
)

const (
	// IdentifierProviderAuth0 is the provider name used for Auth0 identifiers.
	IdentifierProviderAuth0 = "auth0"
)

// IdentifierStore maps external identifiers (Auth0 user ids) to the
// shared profile id.
type IdentifierStore interface {
	FindUserID(ctx context.Context, provider, identifier string) (string, error)
	FindIdentifier(ctx context.Context, userID, provider string) (string, error)
	Upsert(ctx context.Context, userID, provider, identifier string) error
	Delete(ctx context.Context, userID, provider string) error
}

// UserManager is the subset of the management users API we call.
// *management.UserManager satisfies it.
type UserManager interface {
	Create(ctx context.Context, u *management.User, opts ...management.RequestOption) error
	Update(ctx context.Context, id string, u *management.User, opts ...management.RequestOption) error
	Delete(ctx context.Context, id string, opts ...management.RequestOption) error
	ListByEmail(ctx context.Context, email string, opts ...management.RequestOption) ([]*management.User, error)
}

// TicketManager issues change password tickets.
// *management.TicketManager satisfies it.
type TicketManager interface {
	ChangePassword(ctx context.Context, t *management.Ticket, opts ...management.RequestOption) error
}

// IdentityProvider implements auth.IdentityProvider and
// auth.AdminIdentityProvider on top of an Auth0 tenant. Users log in on
// Auth0's hosted pages; this side validates the resulting access tokens and
// drives invitations and recovery through change password tickets.
type IdentityProvider struct {
	auth.SessionNotifier

	config      Config
	users       UserManager
	tickets     TicketManager
	validator   SessionValidator
	identifiers IdentifierStore
	mailer      auth.Mailer
	logger      auth.Logger
	now         func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

// Option customizes an IdentityProvider.
type Option func(*IdentityProvider)

// WithUserManager replaces the management users client.
func WithUserManager(m UserManager) Option {
	return func(p *IdentityProvider) {
		if m != nil {
			p.users = m
		}
	}
}

func WithTicketManager(m TicketManager) Option {
	return func(p *IdentityProvider) {
		if m != nil {
			p.tickets = m
		}
	}
}

func WithSessionValidator(v SessionValidator) Option {
	return func(p *IdentityProvider) {
		if v != nil {
			p.validator = v
		}
	}
}

func WithMailer(m auth.Mailer) Option {
	return func(p *IdentityProvider) {
		if m != nil {
			p.mailer = m
		}
	}
}

func WithLogger(l auth.Logger) Option {
	return func(p *IdentityProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(p *IdentityProvider) {
		if clock != nil {
			p.now = clock
		}
	}
}

// NewIdentityProvider creates an Auth0-backed identity provider. The
// management and validation clients are built from cfg unless injected.
func NewIdentityProvider(ctx context.Context, cfg Config, identifiers IdentifierStore, opts ...Option) (*IdentityProvider, error) {
	if identifiers == nil {
		return nil, fmt.Errorf("auth0: identifier store is required")
	}

	p := &IdentityProvider{
		config:      cfg.withDefaults(),
		identifiers: identifiers,
		now:         time.Now,
		revoked:     map[string]time.Time{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if p.users == nil || p.tickets == nil {
		domain := p.config.managementDomain()
		if domain == "" {
			return nil, fmt.Errorf("auth0: management domain is required")
		}
		mgmt, err := management.New(
			domain,
			management.WithClientCredentials(ctx, p.config.ClientID, p.config.ClientSecret),
		)
		if err != nil {
			return nil, fmt.Errorf("auth0: failed to create management client: %w", err)
		}
		if p.users == nil {
			p.users = mgmt.User
		}
		if p.tickets == nil {
			p.tickets = mgmt.Ticket
		}
	}

	if p.validator == nil {
		v, err := NewTokenValidator(p.config)
		if err != nil {
			return nil, err
		}
		p.validator = v
	}

	if p.logger == nil {
		p.logger = nopLogger{}
	}
	if p.mailer == nil {
		p.mailer = auth.LogMailer{Logger: p.logger}
	}

	return p, nil
}

// GetSession validates an Auth0 access token and maps its subject to the
// shared profile id.
func (p *IdentityProvider) GetSession(ctx context.Context, accessToken string) (*auth.ProviderSession, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, auth.ErrUnauthenticated
	}

	token, err := p.validator.Validate(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	key := revocationKey(token, accessToken)
	if p.isRevoked(key) {
		return nil, auth.ErrUnauthenticated.Clone().WithMetadata(map[string]any{
			"provider": IdentifierProviderAuth0,
			"reason":   "signed_out",
		})
	}

	userID, err := p.identifiers.FindUserID(ctx, IdentifierProviderAuth0, token.Subject)
	if err != nil {
		if isNotFound(err) {
			return nil, auth.ErrUnauthenticated.Clone().WithMetadata(map[string]any{
				"provider": IdentifierProviderAuth0,
				"reason":   "unlinked",
			})
		}
		return nil, storageError(err, "failed to resolve auth0 identifier")
	}

	return &auth.ProviderSession{
		AccessToken: accessToken,
		TokenID:     key,
		IdentityID:  userID,
		Email:       token.Email,
		ExpiresAt:   token.ExpiresAt,
	}, nil
}

// SignInWithPassword is handled by Auth0's hosted login page.
func (p *IdentityProvider) SignInWithPassword(ctx context.Context, email, password string) (*auth.ProviderSession, error) {
	return nil, unsupported("sign_in_with_password")
}

// ExchangeOneTimeToken is handled by Auth0's hosted ticket page.
func (p *IdentityProvider) ExchangeOneTimeToken(ctx context.Context, token string, kind auth.OneTimeTokenType) (*auth.ProviderSession, error) {
	return nil, unsupported("exchange_one_time_token")
}

// SignOut revokes the access token in this process until it expires.
// Auth0 access tokens are stateless, so other instances only learn about
// it through the session change notification.
func (p *IdentityProvider) SignOut(ctx context.Context, accessToken string) error {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil
	}

	token, err := p.validator.Validate(ctx, accessToken)
	if err != nil {
		p.logger.Debug("auth0 sign out with unusable token: %v", err)
		return nil
	}

	p.revoke(revocationKey(token, accessToken), token.ExpiresAt)

	identityID := ""
	if userID, err := p.identifiers.FindUserID(ctx, IdentifierProviderAuth0, token.Subject); err == nil {
		identityID = userID
	}

	p.Notify(auth.SessionEvent{
		Type:        auth.SessionEventSignedOut,
		IdentityID:  identityID,
		AccessToken: accessToken,
	})
	return nil
}

// UpdateOwnCredential sets the password of the user behind accessToken.
func (p *IdentityProvider) UpdateOwnCredential(ctx context.Context, accessToken, newPassword string) error {
	if len(newPassword) < auth.MinPasswordLength {
		return auth.ErrPasswordTooShort
	}

	session, err := p.GetSession(ctx, accessToken)
	if err != nil {
		return err
	}

	auth0ID, err := p.identifiers.FindIdentifier(ctx, session.IdentityID, IdentifierProviderAuth0)
	if err != nil {
		if isNotFound(err) {
			return identityNotFound(session.IdentityID)
		}
		return storageError(err, "failed to resolve auth0 identifier")
	}

	err = p.users.Update(ctx, auth0ID, &management.User{
		Connection: auth0.String(p.config.Connection),
		Password:   auth0.String(newPassword),
	})
	if err != nil {
		return managementError(err, "failed to update auth0 credential")
	}

	p.Notify(auth.SessionEvent{
		Type:        auth.SessionEventCredentialUpdated,
		IdentityID:  session.IdentityID,
		AccessToken: accessToken,
		Session:     session,
	})
	return nil
}

// RequestRecovery sends a change password ticket to a known user.
func (p *IdentityProvider) RequestRecovery(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	user, err := p.userByEmail(ctx, email)
	if err != nil {
		return err
	}
	if user == nil {
		return auth.ErrIdentityNotFound.Clone().WithMetadata(map[string]any{"email": email})
	}
	return p.sendTicket(ctx, user, email, auth.TokenTypeRecovery)
}

// InviteByEmail creates the Auth0 user (or reuses one that never logged
// in) and mails an activation ticket. The returned id is the shared
// profile id.
func (p *IdentityProvider) InviteByEmail(ctx context.Context, email string) (string, error) {
	email = normalizeEmail(email)
	if email == "" {
		return "", auth.ErrIdentityNotFound
	}

	user, err := p.userByEmail(ctx, email)
	if err != nil {
		return "", err
	}

	var userID string
	if user != nil {
		if user.GetLoginsCount() > 0 {
			return "", auth.ErrIdentityExists.Clone().WithMetadata(map[string]any{"email": email})
		}
		userID, err = p.identifiers.FindUserID(ctx, IdentifierProviderAuth0, user.GetID())
		if err != nil && !isNotFound(err) {
			return "", storageError(err, "failed to resolve auth0 identifier")
		}
	}

	if userID == "" {
		id, err := hashid.NewUUID(email)
		if err != nil {
			return "", storageError(err, "failed to derive identity id")
		}
		userID = id.String()
	}

	if user == nil {
		user, err = p.createUser(ctx, email, userID)
		if err != nil {
			return "", err
		}
	}

	if err := p.identifiers.Upsert(ctx, userID, IdentifierProviderAuth0, user.GetID()); err != nil {
		return "", storageError(err, "failed to store auth0 identifier")
	}

	if err := p.sendTicket(ctx, user, email, auth.TokenTypeInvite); err != nil {
		return "", err
	}
	return userID, nil
}

// GenerateRecoveryLink is the administrative variant of RequestRecovery.
func (p *IdentityProvider) GenerateRecoveryLink(ctx context.Context, email string) error {
	return p.RequestRecovery(ctx, email)
}

// DeleteIdentity removes the Auth0 user and its identifier mapping. A user
// already gone from Auth0 only has its mapping removed.
func (p *IdentityProvider) DeleteIdentity(ctx context.Context, identityID string) error {
	id, err := uuid.Parse(strings.TrimSpace(identityID))
	if err != nil {
		return identityNotFound(identityID)
	}

	auth0ID, err := p.identifiers.FindIdentifier(ctx, id.String(), IdentifierProviderAuth0)
	if err != nil {
		if isNotFound(err) {
			return identityNotFound(identityID)
		}
		return storageError(err, "failed to resolve auth0 identifier")
	}

	if err := p.users.Delete(ctx, auth0ID); err != nil && managementStatus(err) != http.StatusNotFound {
		return managementError(err, "failed to delete auth0 user")
	}

	if err := p.identifiers.Delete(ctx, id.String(), IdentifierProviderAuth0); err != nil {
		return storageError(err, "failed to delete auth0 identifier")
	}
	return nil
}

func (p *IdentityProvider) createUser(ctx context.Context, email, userID string) (*management.User, error) {
	password, err := placeholderPassword()
	if err != nil {
		return nil, storageError(err, "failed to generate placeholder password")
	}

	user := &management.User{
		Connection:    auth0.String(p.config.Connection),
		Email:         auth0.String(email),
		Password:      auth0.String(password),
		EmailVerified: auth0.Bool(false),
		VerifyEmail:   auth0.Bool(false),
		AppMetadata: &map[string]interface{}{
			"clinic_user_id": userID,
		},
	}
	if err := p.users.Create(ctx, user); err != nil {
		return nil, managementError(err, "failed to create auth0 user")
	}
	return user, nil
}

func (p *IdentityProvider) userByEmail(ctx context.Context, email string) (*management.User, error) {
	users, err := p.users.ListByEmail(ctx, email)
	if err != nil {
		return nil, managementError(err, "failed to look up auth0 user")
	}
	for _, u := range users {
		if u != nil && strings.EqualFold(u.GetEmail(), email) {
			return u, nil
		}
	}
	return nil, nil
}

func (p *IdentityProvider) sendTicket(ctx context.Context, user *management.User, email string, kind auth.OneTimeTokenType) error {
	resultURL, ttl := p.config.ResetURL, p.config.RecoveryTTL
	if kind == auth.TokenTypeInvite {
		resultURL, ttl = p.config.ActivateURL, p.config.InviteTTL
	}

	ticket := &management.Ticket{
		UserID:              auth0.String(user.GetID()),
		TTLSec:              auth0.Int(int(ttl / time.Second)),
		MarkEmailAsVerified: auth0.Bool(true),
	}
	if resultURL != "" {
		ticket.ResultURL = auth0.String(resultURL)
	}

	if err := p.tickets.ChangePassword(ctx, ticket); err != nil {
		return managementError(err, "failed to create auth0 ticket")
	}

	msg := auth.LinkMessage{
		Email:     email,
		Kind:      kind,
		URL:       ticket.GetTicket(),
		ExpiresAt: p.now().Add(ttl),
	}
	if err := p.mailer.SendLink(ctx, msg); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to deliver link").
			WithCode(goerrors.CodeInternal).
			WithTextCode(auth.TextCodeProviderFailure).
			WithMetadata(map[string]any{"email": email, "kind": string(kind)})
	}
	return nil
}

func (p *IdentityProvider) isRevoked(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.revoked[key]
	return ok
}

func (p *IdentityProvider) revoke(key string, until time.Time) {
	now := p.now()
	if until.IsZero() {
		until = now.Add(24 * time.Hour)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for k, exp := range p.revoked {
		if !now.Before(exp) {
			delete(p.revoked, k)
		}
	}
	p.revoked[key] = until
}

// revocationKey prefers the jti; Auth0 omits it on some token types.
func revocationKey(token *AccessToken, raw string) string {
	if token != nil && token.TokenID != "" {
		return token.TokenID
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// placeholderPassword satisfies the connection's password policy until
// the user sets a real one through the ticket.
func placeholderPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf) + "aA1!", nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func unsupported(operation string) error {
	return auth.ErrUnsupported.Clone().WithMetadata(map[string]any{
		"provider":  IdentifierProviderAuth0,
		"operation": operation,
	})
}

func identityNotFound(identityID string) error {
	return auth.ErrIdentityNotFound.Clone().WithMetadata(map[string]any{
		"provider":    IdentifierProviderAuth0,
		"identity_id": identityID,
	})
}

func isNotFound(err error) bool {
	return repository.IsRecordNotFound(err) || errors.Is(err, sql.ErrNoRows)
}

func managementStatus(err error) int {
	var mErr management.Error
	if errors.As(err, &mErr) {
		return mErr.Status()
	}
	return 0
}

func managementError(err error, message string) error {
	meta := map[string]any{"provider": IdentifierProviderAuth0}
	switch managementStatus(err) {
	case http.StatusNotFound:
		return auth.ErrIdentityNotFound.Clone().WithMetadata(meta)
	case http.StatusConflict:
		return auth.ErrIdentityExists.Clone().WithMetadata(meta)
	case http.StatusTooManyRequests:
		return auth.ErrTooManyRequests.Clone().WithMetadata(meta)
	}
	return goerrors.Wrap(err, goerrors.CategoryOperation, message).
		WithCode(goerrors.CodeInternal).
		WithTextCode(auth.TextCodeProviderFailure).
		WithMetadata(meta)
}

func storageError(err error, message string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, message).
		WithCode(goerrors.CodeInternal).
		WithTextCode(auth.TextCodeProviderFailure)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

var (
	_ auth.IdentityProvider      = (*IdentityProvider)(nil)
	_ auth.AdminIdentityProvider = (*IdentityProvider)(nil)
	_ UserManager                = (*management.UserManager)(nil)
	_ TicketManager              = (*management.TicketManager)(nil)
)
