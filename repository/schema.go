package repository

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	auth "github.com/goliatone/go-clinic-auth"
)

// Models lists the tables owned by the core.
func Models() []any {
	return []any{(*auth.UserProfile)(nil)}
}

type index struct {
	model   any
	name    string
	columns []string
}

var profileIndexes = []index{
	{model: (*auth.UserProfile)(nil), name: "idx_user_profiles_status", columns: []string{"status"}},
	{model: (*auth.UserProfile)(nil), name: "idx_user_profiles_created_at", columns: []string{"created_at"}},
}

// CreateSchema creates the core tables plus any extra provider models.
// Existing tables are left untouched.
func CreateSchema(ctx context.Context, db bun.IDB, extra ...any) error {
	models := append(Models(), extra...)
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}

	for _, idx := range profileIndexes {
		_, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}
