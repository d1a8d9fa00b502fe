package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	auth "github.com/goliatone/go-clinic-auth"
)

// Config configures the local provider.
type Config struct {
	SigningKey   []byte
	Issuer       string
	Audience     string
	SessionTTL   time.Duration
	InviteTTL    time.Duration
	RecoveryTTL  time.Duration
	BaseURL      string
	ActivatePath string
	ResetPath    string
	PasswordCost int
}

func (c Config) withDefaults() Config {
	if c.Issuer == "" {
		c.Issuer = "clinic-auth"
	}
	if c.Audience == "" {
		c.Audience = "clinic-app"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 12 * time.Hour
	}
	if c.InviteTTL <= 0 {
		c.InviteTTL = 72 * time.Hour
	}
	if c.RecoveryTTL <= 0 {
		c.RecoveryTTL = time.Hour
	}
	if c.ActivatePath == "" {
		c.ActivatePath = "/auth/activate"
	}
	if c.ResetPath == "" {
		c.ResetPath = "/auth/reset-password"
	}
	return c
}

// Provider is a self hosted identity backend. It implements both
// auth.IdentityProvider and auth.AdminIdentityProvider.
type Provider struct {
	auth.SessionNotifier

	db     bun.IDB
	config Config
	mailer auth.Mailer
	logger auth.Logger
	now    func() time.Time
}

// Option customizes a Provider.
type Option func(*Provider)

func WithMailer(m auth.Mailer) Option {
	return func(p *Provider) {
		if m != nil {
			p.mailer = m
		}
	}
}

func WithLogger(l auth.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock injects a clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(p *Provider) {
		if clock != nil {
			p.now = clock
		}
	}
}

// NewProvider creates a provider storing identities in db.
func NewProvider(db bun.IDB, cfg Config, opts ...Option) (*Provider, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, fmt.Errorf("local provider: signing key must be at least 32 bytes")
	}

	p := &Provider{
		db:     db,
		config: cfg.withDefaults(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = nopLogger{}
	}
	if p.mailer == nil {
		p.mailer = auth.LogMailer{Logger: p.logger}
	}
	return p, nil
}

// GetSession validates a session token and checks it was not revoked.
func (p *Provider) GetSession(ctx context.Context, accessToken string) (*auth.ProviderSession, error) {
	claims, err := p.parseSession(accessToken, false)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "expired"
		}
		return nil, auth.ErrUnauthenticated.Clone().WithMetadata(map[string]any{
			"reason": reason,
		})
	}

	revoked, err := p.db.NewSelect().
		Model((*RevokedSession)(nil)).
		Where("token_id = ?", claims.ID).
		Exists(ctx)
	if err != nil {
		return nil, storageError(err, "failed to check session revocation")
	}
	if revoked {
		return nil, auth.ErrUnauthenticated.Clone().WithMetadata(map[string]any{
			"reason": "revoked",
		})
	}

	return sessionFromClaims(accessToken, claims), nil
}

// SignInWithPassword verifies the credential and issues a session.
// Invited identities without a credential cannot sign in.
func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*auth.ProviderSession, error) {
	identity, err := p.identityByEmail(ctx, email)
	if err != nil {
		if isNoRows(err) {
			return nil, auth.ErrInvalidCredentials.Clone()
		}
		return nil, err
	}

	if err := ComparePasswordAndHash(password, identity.PasswordHash); err != nil {
		return nil, auth.ErrInvalidCredentials.Clone()
	}

	session, err := p.newSession(identity)
	if err != nil {
		return nil, err
	}

	p.Notify(auth.SessionEvent{
		Type:        auth.SessionEventSignedIn,
		IdentityID:  session.IdentityID,
		AccessToken: session.AccessToken,
		Session:     session,
	})
	return session, nil
}

// SignOut revokes the token. Expired tokens are accepted so a client can
// always clear its state.
func (p *Provider) SignOut(ctx context.Context, accessToken string) error {
	claims, err := p.parseSession(accessToken, true)
	if err != nil {
		return auth.ErrUnauthenticated.Clone().WithMetadata(map[string]any{
			"reason": "invalid",
		})
	}

	identityID, _ := uuid.Parse(claims.Subject)
	revoked := &RevokedSession{
		TokenID:    claims.ID,
		IdentityID: identityID,
		ExpiresAt:  expiresAt(claims).UTC(),
		RevokedAt:  p.now().UTC(),
	}
	if _, err := p.db.NewInsert().
		Model(revoked).
		On("CONFLICT (token_id) DO NOTHING").
		Exec(ctx); err != nil {
		return storageError(err, "failed to revoke session")
	}

	p.Notify(auth.SessionEvent{
		Type:        auth.SessionEventSignedOut,
		IdentityID:  claims.Subject,
		AccessToken: accessToken,
	})
	return nil
}

// UpdateOwnCredential sets the password of the identity behind accessToken.
func (p *Provider) UpdateOwnCredential(ctx context.Context, accessToken, newPassword string) error {
	session, err := p.GetSession(ctx, accessToken)
	if err != nil {
		return err
	}

	hash, err := HashPassword(newPassword, p.config.PasswordCost)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid password").
			WithCode(goerrors.CodeBadRequest).
			WithTextCode(auth.TextCodeValidation)
	}

	res, err := p.db.NewUpdate().
		Model((*Identity)(nil)).
		Set("password_hash = ?", hash).
		Set("updated_at = ?", p.now().UTC()).
		Where("id = ?", session.IdentityID).
		Exec(ctx)
	if err != nil {
		return storageError(err, "failed to update credential")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.ErrIdentityNotFound.Clone()
	}

	p.Notify(auth.SessionEvent{
		Type:        auth.SessionEventCredentialUpdated,
		IdentityID:  session.IdentityID,
		AccessToken: accessToken,
		Session:     session,
	})
	return nil
}

// ExchangeOneTimeToken consumes a link token and issues a session. The
// token is consumed with a single conditional update, so two concurrent
// exchanges cannot both succeed.
func (p *Provider) ExchangeOneTimeToken(ctx context.Context, token string, kind auth.OneTimeTokenType) (*auth.ProviderSession, error) {
	token = strings.TrimSpace(token)
	if token == "" || !kind.IsValid() {
		return nil, auth.ErrTokenInvalid.Clone()
	}

	digest := tokenDigest(token)
	now := p.now().UTC()

	res, err := p.db.NewUpdate().
		Model((*OneTimeToken)(nil)).
		Set("consumed_at = ?", now).
		Where("digest = ?", digest).
		Where("kind = ?", kind).
		Where("consumed_at IS NULL").
		Where("expires_at > ?", now).
		Exec(ctx)
	if err != nil {
		return nil, storageError(err, "failed to consume token")
	}

	record := new(OneTimeToken)
	if err := p.db.NewSelect().Model(record).Where("digest = ?", digest).Limit(1).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, auth.ErrTokenInvalid.Clone()
		}
		return nil, storageError(err, "failed to load token")
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return nil, classifyToken(record, kind, now)
	}

	identity := new(Identity)
	if err := p.db.NewSelect().Model(identity).Where("id = ?", record.IdentityID).Limit(1).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, auth.ErrTokenInvalid.Clone().WithMetadata(map[string]any{
				"reason": "identity deleted",
			})
		}
		return nil, storageError(err, "failed to load identity")
	}

	session, err := p.newSession(identity)
	if err != nil {
		return nil, err
	}

	p.Notify(auth.SessionEvent{
		Type:        auth.SessionEventTokenExchanged,
		IdentityID:  session.IdentityID,
		AccessToken: session.AccessToken,
		Session:     session,
	})
	return session, nil
}

// RequestRecovery mails a recovery link. Unknown emails return
// auth.ErrIdentityNotFound; callers decide whether to reveal that.
func (p *Provider) RequestRecovery(ctx context.Context, email string) error {
	identity, err := p.identityByEmail(ctx, email)
	if err != nil {
		if isNoRows(err) {
			return auth.ErrIdentityNotFound.Clone()
		}
		return err
	}
	return p.sendLink(ctx, identity, auth.TokenTypeRecovery, p.config.RecoveryTTL, p.config.ResetPath)
}

// InviteByEmail creates an identity without credential and mails an
// invitation link. The id is derived from the email, so a retried invite
// for an identity that never activated reuses it.
func (p *Provider) InviteByEmail(ctx context.Context, email string) (string, error) {
	email = auth.NormalizeEmail(email)

	identity, err := p.identityByEmail(ctx, email)
	switch {
	case err == nil && identity.HasCredential():
		return "", auth.ErrIdentityExists.Clone().WithMetadata(map[string]any{
			"email": email,
		})
	case err == nil:
	case isNoRows(err):
		identity, err = p.createIdentity(ctx, email, "")
		if err != nil {
			return "", err
		}
	default:
		return "", err
	}

	if err := p.sendLink(ctx, identity, auth.TokenTypeInvite, p.config.InviteTTL, p.config.ActivatePath); err != nil {
		return "", err
	}
	return identity.ID.String(), nil
}

// GenerateRecoveryLink mails a recovery link on behalf of an administrator.
func (p *Provider) GenerateRecoveryLink(ctx context.Context, email string) error {
	return p.RequestRecovery(ctx, email)
}

// DeleteIdentity removes the identity and its pending tokens.
func (p *Provider) DeleteIdentity(ctx context.Context, identityID string) error {
	id, err := uuid.Parse(identityID)
	if err != nil {
		return auth.ErrIdentityNotFound.Clone().WithMetadata(map[string]any{
			"identity_id": identityID,
		})
	}

	return p.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*OneTimeToken)(nil)).
			Where("identity_id = ?", id).
			Exec(ctx); err != nil {
			return storageError(err, "failed to delete identity tokens")
		}

		res, err := tx.NewDelete().
			Model((*Identity)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return storageError(err, "failed to delete identity")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return auth.ErrIdentityNotFound.Clone().WithMetadata(map[string]any{
				"identity_id": identityID,
			})
		}
		return nil
	})
}

// CreateIdentity creates an identity with a password. It backs the
// bootstrap command; staff accounts are created through InviteByEmail.
func (p *Provider) CreateIdentity(ctx context.Context, email, password string) (uuid.UUID, error) {
	email = auth.NormalizeEmail(email)
	if _, err := p.identityByEmail(ctx, email); err == nil {
		return uuid.Nil, auth.ErrIdentityExists.Clone().WithMetadata(map[string]any{
			"email": email,
		})
	} else if !isNoRows(err) {
		return uuid.Nil, err
	}

	hash, err := HashPassword(password, p.config.PasswordCost)
	if err != nil {
		return uuid.Nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid password").
			WithCode(goerrors.CodeBadRequest).
			WithTextCode(auth.TextCodeValidation)
	}

	identity, err := p.createIdentity(ctx, email, hash)
	if err != nil {
		return uuid.Nil, err
	}
	return identity.ID, nil
}

// PurgeExpired drops expired link tokens and revocations that can no
// longer match a live session.
func (p *Provider) PurgeExpired(ctx context.Context) (int64, error) {
	now := p.now().UTC()
	var total int64

	res, err := p.db.NewDelete().Model((*OneTimeToken)(nil)).Where("expires_at <= ?", now).Exec(ctx)
	if err != nil {
		return 0, storageError(err, "failed to purge tokens")
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = p.db.NewDelete().Model((*RevokedSession)(nil)).Where("expires_at <= ?", now).Exec(ctx)
	if err != nil {
		return total, storageError(err, "failed to purge revocations")
	}
	n, _ = res.RowsAffected()
	return total + n, nil
}

func (p *Provider) createIdentity(ctx context.Context, email, hash string) (*Identity, error) {
	id, err := hashid.NewUUID(email)
	if err != nil {
		id = uuid.New()
	}

	now := p.now().UTC()
	identity := &Identity{
		ID:           id,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := p.db.NewInsert().Model(identity).Exec(ctx); err != nil {
		return nil, storageError(err, "failed to create identity")
	}
	return identity, nil
}

func (p *Provider) identityByEmail(ctx context.Context, email string) (*Identity, error) {
	identity := new(Identity)
	err := p.db.NewSelect().
		Model(identity).
		Where("email = ?", auth.NormalizeEmail(email)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, storageError(err, "failed to load identity")
	}
	return identity, nil
}

func (p *Provider) sendLink(ctx context.Context, identity *Identity, kind auth.OneTimeTokenType, ttl time.Duration, path string) error {
	raw, digest, err := newRawToken()
	if err != nil {
		return storageError(err, "failed to generate token")
	}

	now := p.now().UTC()
	record := &OneTimeToken{
		ID:         uuid.New(),
		IdentityID: identity.ID,
		Kind:       kind,
		Digest:     digest,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	if _, err := p.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return storageError(err, "failed to store token")
	}

	link := strings.TrimSuffix(p.config.BaseURL, "/") + path + "?" +
		auth.LinkParams{TokenHash: raw, Type: string(kind)}.Encode()

	msg := auth.LinkMessage{
		Email:     identity.Email,
		Kind:      kind,
		URL:       link,
		ExpiresAt: record.ExpiresAt,
	}
	if err := p.mailer.SendLink(ctx, msg); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to deliver link").
			WithCode(goerrors.CodeInternal).
			WithTextCode(auth.TextCodeProviderFailure).
			WithMetadata(map[string]any{"kind": kind})
	}
	return nil
}

func (p *Provider) newSession(identity *Identity) (*auth.ProviderSession, error) {
	signed, claims, err := p.issueSession(identity)
	if err != nil {
		return nil, storageError(err, "failed to sign session")
	}
	return sessionFromClaims(signed, claims), nil
}

func sessionFromClaims(raw string, claims *sessionClaims) *auth.ProviderSession {
	return &auth.ProviderSession{
		AccessToken: raw,
		TokenID:     claims.ID,
		IdentityID:  claims.Subject,
		Email:       claims.Email,
		ExpiresAt:   expiresAt(claims),
	}
}

func classifyToken(record *OneTimeToken, kind auth.OneTimeTokenType, now time.Time) error {
	switch {
	case record.Kind != kind:
		return auth.ErrTokenInvalid.Clone().WithMetadata(map[string]any{"reason": "kind mismatch"})
	case record.ConsumedAt != nil:
		return auth.ErrTokenConsumed.Clone()
	case !record.ExpiresAt.After(now):
		return auth.ErrTokenExpired.Clone()
	default:
		return auth.ErrTokenInvalid.Clone()
	}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
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
	_ auth.IdentityProvider      = (*Provider)(nil)
	_ auth.AdminIdentityProvider = (*Provider)(nil)
)
