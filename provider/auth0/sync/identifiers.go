// Package sync persists the mapping between Auth0 user ids and the shared
// profile ids.
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-clinic-auth/provider/auth0"
)

// IdentifierModel is the Bun model for user identifiers.
type IdentifierModel struct {
	bun.BaseModel `bun:"table:user_identifiers,alias:uid"`

	ID         uuid.UUID `bun:"id,pk,nullzero,type:uuid"`
	UserID     uuid.UUID `bun:"user_id,notnull,type:uuid"`
	Provider   string    `bun:"provider,notnull,unique:uq_user_identifiers_provider_id"`
	Identifier string    `bun:"identifier,notnull,unique:uq_user_identifiers_provider_id"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt  time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{(*IdentifierModel)(nil)}
}

// IdentifierStore implements auth0.IdentifierStore using Bun.
type IdentifierStore struct {
	db  bun.IDB
	now func() time.Time
}

// NewIdentifierStore creates a new Bun identifier store.
func NewIdentifierStore(db bun.IDB) *IdentifierStore {
	return &IdentifierStore{db: db, now: time.Now}
}

// FindUserID implements auth0.IdentifierStore.
func (s *IdentifierStore) FindUserID(ctx context.Context, provider, identifier string) (string, error) {
	provider = strings.TrimSpace(provider)
	identifier = strings.TrimSpace(identifier)
	if provider == "" || identifier == "" {
		return "", repository.NewRecordNotFound()
	}

	var model IdentifierModel
	err := s.db.NewSelect().
		Model(&model).
		Where("provider = ? AND identifier = ?", provider, identifier).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) || err == sql.ErrNoRows {
			return "", repository.NewRecordNotFound().WithMetadata(map[string]any{
				"provider":   provider,
				"identifier": identifier,
			})
		}
		return "", err
	}

	return model.UserID.String(), nil
}

// FindIdentifier returns the external identifier linked to userID.
func (s *IdentifierStore) FindIdentifier(ctx context.Context, userID, provider string) (string, error) {
	parsedID, err := uuid.Parse(strings.TrimSpace(userID))
	if err != nil {
		return "", repository.NewRecordNotFound()
	}

	var model IdentifierModel
	err = s.db.NewSelect().
		Model(&model).
		Where("user_id = ? AND provider = ?", parsedID, strings.TrimSpace(provider)).
		OrderExpr("updated_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) || err == sql.ErrNoRows {
			return "", repository.NewRecordNotFound().WithMetadata(map[string]any{
				"provider": provider,
				"user_id":  userID,
			})
		}
		return "", err
	}

	return model.Identifier, nil
}

// Upsert implements auth0.IdentifierStore.
func (s *IdentifierStore) Upsert(ctx context.Context, userID, provider, identifier string) error {
	provider = strings.TrimSpace(provider)
	identifier = strings.TrimSpace(identifier)
	if provider == "" || identifier == "" {
		return fmt.Errorf("identifier store: provider and identifier are required")
	}

	parsedID, err := uuid.Parse(strings.TrimSpace(userID))
	if err != nil {
		return fmt.Errorf("identifier store: invalid user ID: %w", err)
	}

	now := s.now().UTC()
	model := &IdentifierModel{
		ID:         uuid.New(),
		UserID:     parsedID,
		Provider:   provider,
		Identifier: identifier,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err = s.db.NewInsert().
		Model(model).
		On("CONFLICT (provider, identifier) DO UPDATE").
		Set("user_id = EXCLUDED.user_id").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// Delete removes every identifier of provider linked to userID.
func (s *IdentifierStore) Delete(ctx context.Context, userID, provider string) error {
	parsedID, err := uuid.Parse(strings.TrimSpace(userID))
	if err != nil {
		return fmt.Errorf("identifier store: invalid user ID: %w", err)
	}

	_, err = s.db.NewDelete().
		Model((*IdentifierModel)(nil)).
		Where("user_id = ? AND provider = ?", parsedID, strings.TrimSpace(provider)).
		Exec(ctx)
	return err
}

var _ auth0.IdentifierStore = (*IdentifierStore)(nil)
