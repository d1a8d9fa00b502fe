package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-clinic-auth"
	"github.com/goliatone/go-clinic-auth/config"
	"github.com/goliatone/go-clinic-auth/feed"
	"github.com/goliatone/go-clinic-auth/repository"
)

func testApp(t *testing.T) *App {
	t.Helper()

	app := newApp(&config.Config{
		DBDialect:    config.DialectSQLite,
		DBDSN:        ":memory:",
		IdentityKind: config.ProviderLocal,
		SigningKey:   "0123456789abcdef0123456789abcdef",
		BaseURL:      "http://localhost:8572/",
	})
	require.NoError(t, app.openDB())
	t.Cleanup(app.Close)
	return app
}

func TestMigrateCreatesTables(t *testing.T) {
	app := testApp(t)
	ctx := context.Background()

	require.NoError(t, app.migrate(ctx))
	// running twice is safe
	require.NoError(t, app.migrate(ctx))

	var count int
	err := app.db.NewSelect().
		ColumnExpr("count(*)").
		Table("sqlite_master").
		Where("type = 'table' AND name IN (?)", []string{"user_profiles", "local_identities", "user_identifiers"}).
		Scan(ctx, &count)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestLocalBackendWiring(t *testing.T) {
	app := testApp(t)
	ctx := context.Background()
	require.NoError(t, app.migrate(ctx))

	idp, err := app.identityProvider(ctx)
	require.NoError(t, err)

	id, err := idp.InviteByEmail(ctx, "Nurse@Clinic.test")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	profileFeed, err := app.profileFeed(ctx)
	require.NoError(t, err)
	_, ok := profileFeed.(*feed.Memory)
	assert.True(t, ok, "memory feed without redis address")

	profiles := repository.NewProfilesRepository(app.db, repository.WithProfilesFeed(profileFeed))
	list, err := profiles.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8572/auth/activate", joinURL("http://localhost:8572/", "/auth/activate"))
	assert.Equal(t, "https://clinic.test/auth/activate", joinURL("https://clinic.test", "/auth/activate"))
}

func TestPrintfLoggerSatisfiesLogger(t *testing.T) {
	app := newApp(&config.Config{})
	var logger auth.Logger = app.GetLogger("test")
	assert.NotPanics(t, func() {
		logger.Info("user %s invited", "nurse@clinic.test")
	})
}
