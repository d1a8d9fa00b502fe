package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	auth "github.com/goliatone/go-clinic-auth"
)

// Profiles is the bun backed auth.ProfileStore. Every successful write
// is published to the feed so live sessions pick it up.
type Profiles struct {
	repo   repository.Repository[*auth.UserProfile]
	db     *bun.DB
	feed   auth.ProfileFeed
	logger auth.Logger
	now    func() time.Time
}

// ProfilesOption customizes Profiles.
type ProfilesOption func(*Profiles)

// WithProfilesFeed publishes writes to feed.
func WithProfilesFeed(feed auth.ProfileFeed) ProfilesOption {
	return func(p *Profiles) {
		p.feed = feed
	}
}

func WithProfilesLogger(logger auth.Logger) ProfilesOption {
	return func(p *Profiles) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithProfilesClock(clock func() time.Time) ProfilesOption {
	return func(p *Profiles) {
		if clock != nil {
			p.now = clock
		}
	}
}

// NewProfilesRepository creates a profile store on db.
func NewProfilesRepository(db *bun.DB, opts ...ProfilesOption) *Profiles {
	repo := repository.NewRepository[*auth.UserProfile](db, repository.ModelHandlers[*auth.UserProfile]{
		NewRecord: func() *auth.UserProfile { return &auth.UserProfile{} },
		GetID: func(p *auth.UserProfile) uuid.UUID {
			if p == nil {
				return uuid.Nil
			}
			return p.ID
		},
		SetID: func(p *auth.UserProfile, id uuid.UUID) {
			if p != nil {
				p.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	p := &Profiles{
		repo:   repo,
		db:     db,
		logger: nopLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// GetProfile implements auth.ProfileStore.
func (p *Profiles) GetProfile(ctx context.Context, id uuid.UUID) (*auth.UserProfile, error) {
	profile, err := p.repo.GetByID(ctx, id.String())
	if err != nil {
		return nil, mapError(err, map[string]any{"id": id.String()})
	}
	return profile, nil
}

// GetProfileByEmail implements auth.ProfileStore.
func (p *Profiles) GetProfileByEmail(ctx context.Context, email string) (*auth.UserProfile, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	profile, err := p.repo.GetByIdentifier(ctx, email)
	if err != nil {
		return nil, mapError(err, map[string]any{"email": email})
	}
	return profile, nil
}

// ListProfiles returns every profile ordered by creation time.
func (p *Profiles) ListProfiles(ctx context.Context) ([]*auth.UserProfile, error) {
	profiles := []*auth.UserProfile{}
	err := p.db.NewSelect().
		Model(&profiles).
		OrderExpr("?TableAlias.created_at ASC").
		OrderExpr("?TableAlias.email ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapError(err, nil)
	}
	return profiles, nil
}

// InsertProfile implements auth.ProfileStore.
func (p *Profiles) InsertProfile(ctx context.Context, profile *auth.UserProfile) (*auth.UserProfile, error) {
	if profile == nil {
		return nil, auth.ErrProfileNotFound
	}

	record := profile.Clone()
	record.Email = strings.ToLower(strings.TrimSpace(record.Email))
	record.EnsureStatus()
	if err := record.CheckInvariants(); err != nil {
		return nil, err
	}

	now := p.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	created, err := p.repo.Create(ctx, record)
	if err != nil {
		return nil, mapError(err, map[string]any{"email": record.Email})
	}

	p.publish(ctx, created)
	return created.Clone(), nil
}

// UpdateProfile applies patch and returns the stored row.
func (p *Profiles) UpdateProfile(ctx context.Context, id uuid.UUID, patch auth.ProfilePatch) (*auth.UserProfile, error) {
	var updated *auth.UserProfile

	err := p.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current := &auth.UserProfile{}
		if err := tx.NewSelect().Model(current).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx); err != nil {
			return err
		}

		if err := patch.CheckPrecondition(current); err != nil {
			return err
		}

		next := current.Clone()
		patch.Apply(next)
		if err := next.CheckInvariants(); err != nil {
			return err
		}
		if current.ActivatedAt != nil && next.Status == auth.UserStatusPending {
			return auth.ErrProfileInvariant.Clone().WithMetadata(map[string]any{
				"id":     id.String(),
				"reason": "activated profile cannot return to pending",
			})
		}
		next.UpdatedAt = p.now().UTC()

		q := tx.NewUpdate().
			Model(next).
			Column("updated_at").
			WherePK()
		if patch.Role != nil {
			q = q.Column("role")
		}
		if patch.Status != nil {
			q = q.Column("status")
		}
		if patch.FullName != nil {
			q = q.Column("full_name")
		}
		if patch.Phone != nil {
			q = q.Column("phone")
		}
		if patch.ProfilePicture != nil {
			q = q.Column("profile_picture")
		}
		if patch.ActivatedAt != nil {
			q = q.Column("activated_at")
		}

		if _, err := q.Exec(ctx); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, mapError(err, map[string]any{"id": id.String()})
	}

	p.publish(ctx, updated)
	return updated.Clone(), nil
}

// DeleteProfile implements auth.ProfileStore. Subscribers receive a
// tombstone for id.
func (p *Profiles) DeleteProfile(ctx context.Context, id uuid.UUID) error {
	res, err := p.db.NewDelete().
		Model((*auth.UserProfile)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return mapError(err, map[string]any{"id": id.String()})
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrProfileNotFound.Clone().WithMetadata(map[string]any{"id": id.String()})
	}

	p.publish(ctx, auth.DeletedProfile(id))
	return nil
}

func (p *Profiles) publish(ctx context.Context, profile *auth.UserProfile) {
	if p.feed == nil || profile == nil {
		return
	}
	if err := p.feed.Publish(ctx, profile.Clone()); err != nil {
		p.logger.Warn("profile feed publish failed for %s: %v", profile.ID, err)
	}
}

// mapError translates storage errors to the auth taxonomy.
func mapError(err error, metadata map[string]any) error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.TextCode != "" && !repository.IsRecordNotFound(err) {
		return err
	}

	if repository.IsRecordNotFound(err) || isNoRows(err) {
		return withMetadata(auth.ErrProfileNotFound, metadata)
	}

	if isUniqueViolation(err) {
		return withMetadata(auth.ErrIdentityExists, metadata)
	}

	wrapped := goerrors.Wrap(err, goerrors.CategoryInternal, "profile storage failure").
		WithCode(goerrors.CodeInternal).
		WithTextCode(auth.TextCodeProviderFailure)
	if len(metadata) > 0 {
		wrapped = wrapped.WithMetadata(metadata)
	}
	return wrapped
}

func withMetadata(base *goerrors.Error, metadata map[string]any) error {
	clone := base.Clone()
	if len(metadata) > 0 {
		clone = clone.WithMetadata(metadata)
	}
	return clone
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "sqlstate 23505")
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

var _ auth.ProfileStore = (*Profiles)(nil)
