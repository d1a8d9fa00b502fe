package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// ProviderSession is the credential session issued by an identity provider.
type ProviderSession struct {
	AccessToken string    `json:"access_token"`
	TokenID     string    `json:"-"`
	IdentityID  string    `json:"identity_id"`
	Email       string    `json:"email"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *ProviderSession) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// UserID parses the identity id as the shared profile id.
func (s *ProviderSession) UserID() (uuid.UUID, error) {
	if s == nil {
		return uuid.Nil, ErrUnauthenticated
	}
	return uuid.Parse(s.IdentityID)
}

// SessionEventType enumerates provider session notifications.
type SessionEventType string

const (
	SessionEventSignedIn          SessionEventType = "signed_in"
	SessionEventSignedOut         SessionEventType = "signed_out"
	SessionEventCredentialUpdated SessionEventType = "credential_updated"
	SessionEventTokenExchanged    SessionEventType = "token_exchanged"
)

// SessionEvent is pushed by an IdentityProvider whenever a session changes.
type SessionEvent struct {
	Type        SessionEventType
	IdentityID  string
	AccessToken string
	Session     *ProviderSession
}

// Subscription is a cancellable registration with a push source.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

// Unsubscribe implements Subscription.
func (f SubscriptionFunc) Unsubscribe() {
	if f != nil {
		f()
	}
}

// OneTimeTokenType identifies what a link token was issued for.
type OneTimeTokenType string

const (
	TokenTypeInvite   OneTimeTokenType = "invite"
	TokenTypeRecovery OneTimeTokenType = "recovery"
)

// IsValid reports whether the token type is known.
func (t OneTimeTokenType) IsValid() bool {
	return t == TokenTypeInvite || t == TokenTypeRecovery
}

// IdentityProvider is the client scoped surface of the identity backend.
// Every call acts with the credentials of the end user, never with
// elevated ones.
type IdentityProvider interface {
	GetSession(ctx context.Context, accessToken string) (*ProviderSession, error)
	OnSessionChange(fn func(SessionEvent)) Subscription
	SignInWithPassword(ctx context.Context, email, password string) (*ProviderSession, error)
	SignOut(ctx context.Context, accessToken string) error
	UpdateOwnCredential(ctx context.Context, accessToken, newPassword string) error
	ExchangeOneTimeToken(ctx context.Context, token string, kind OneTimeTokenType) (*ProviderSession, error)
	RequestRecovery(ctx context.Context, email string) error
}

// AdminIdentityProvider holds the privileged operations. Implementations
// carry service credentials and must only be constructed server side.
type AdminIdentityProvider interface {
	InviteByEmail(ctx context.Context, email string) (identityID string, err error)
	GenerateRecoveryLink(ctx context.Context, email string) error
	DeleteIdentity(ctx context.Context, identityID string) error
}

// ProfileStore persists UserProfile rows.
type ProfileStore interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*UserProfile, error)
	GetProfileByEmail(ctx context.Context, email string) (*UserProfile, error)
	ListProfiles(ctx context.Context) ([]*UserProfile, error)
	InsertProfile(ctx context.Context, profile *UserProfile) (*UserProfile, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, patch ProfilePatch) (*UserProfile, error)
	// DeleteProfile publishes DeletedProfile(id) to the feed on success.
	DeleteProfile(ctx context.Context, id uuid.UUID) error
}

// ProfileFeed pushes row level profile changes to subscribers.
type ProfileFeed interface {
	Publish(ctx context.Context, profile *UserProfile) error
	Subscribe(ctx context.Context, id uuid.UUID, fn func(*UserProfile)) (Subscription, error)
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] AUTH "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] AUTH "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] AUTH "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] AUTH "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}
