package local

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	auth "github.com/goliatone/go-clinic-auth"
)

// Identity is the credential record behind a profile. It shares its ID
// with auth.UserProfile.
type Identity struct {
	bun.BaseModel `bun:"table:local_identities,alias:lid"`

	ID           uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Email        string    `bun:"email,notnull,unique" json:"email"`
	PasswordHash string    `bun:"password_hash" json:"-"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// HasCredential reports whether a password was ever set.
func (i *Identity) HasCredential() bool {
	return i != nil && i.PasswordHash != ""
}

// OneTimeToken is an invitation or recovery link token. Only the SHA-256
// digest of the raw token is stored.
type OneTimeToken struct {
	bun.BaseModel `bun:"table:local_one_time_tokens,alias:ott"`

	ID         uuid.UUID             `bun:"id,pk,type:uuid"`
	IdentityID uuid.UUID             `bun:"identity_id,notnull,type:uuid"`
	Kind       auth.OneTimeTokenType `bun:"kind,notnull"`
	Digest     string                `bun:"digest,notnull,unique"`
	ExpiresAt  time.Time             `bun:"expires_at,notnull"`
	ConsumedAt *time.Time            `bun:"consumed_at,nullzero"`
	CreatedAt  time.Time             `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// RevokedSession records a signed out session token id until it expires.
type RevokedSession struct {
	bun.BaseModel `bun:"table:local_revoked_sessions,alias:lrs"`

	TokenID    string    `bun:"token_id,pk"`
	IdentityID uuid.UUID `bun:"identity_id,notnull,type:uuid"`
	ExpiresAt  time.Time `bun:"expires_at,notnull"`
	RevokedAt  time.Time `bun:"revoked_at,notnull"`
}

// Models lists the tables owned by the local provider.
func Models() []any {
	return []any{
		(*Identity)(nil),
		(*OneTimeToken)(nil),
		(*RevokedSession)(nil),
	}
}
