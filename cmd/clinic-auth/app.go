package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	auth "github.com/goliatone/go-clinic-auth"
	"github.com/goliatone/go-clinic-auth/config"
	"github.com/goliatone/go-clinic-auth/feed"
	"github.com/goliatone/go-clinic-auth/provider/auth0"
	"github.com/goliatone/go-clinic-auth/provider/auth0/sync"
	"github.com/goliatone/go-clinic-auth/provider/local"
	"github.com/goliatone/go-clinic-auth/repository"
)

// identityBackend is what the lifecycle and session layers need from a
// provider.
type identityBackend interface {
	auth.IdentityProvider
	auth.AdminIdentityProvider
}

type App struct {
	config *config.Config
	db     *bun.DB
	logger *glog.BaseLogger
	redis  *redis.Client
}

func newApp(cfg *config.Config) *App {
	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Trace),
		glog.WithName("clinic-auth"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(errors.ToSlogAttributes),
	)
	return &App{config: cfg, logger: lgr}
}

func (a *App) GetLogger(name string) auth.Logger {
	return printfLogger{lgr: a.logger.GetLogger(name)}
}

func (a *App) openDB() error {
	var (
		sqldb *sql.DB
		err   error
	)

	switch a.config.DBDialect {
	case config.DialectPostgres:
		sqldb, err = sql.Open("pgx", a.config.DBDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.db = bun.NewDB(sqldb, pgdialect.New())
	default:
		sqldb, err = sql.Open(sqliteshim.ShimName, a.config.DBDSN)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		sqldb.SetMaxOpenConns(1)
		a.db = bun.NewDB(sqldb, sqlitedialect.New())
	}

	return a.db.PingContext(context.Background())
}

func (a *App) migrate(ctx context.Context) error {
	extra := append(local.Models(), sync.Models()...)
	return repository.CreateSchema(ctx, a.db, extra...)
}

// profileFeed picks the Redis feed when an address is configured so
// several instances see each other's profile writes.
func (a *App) profileFeed(ctx context.Context) (auth.ProfileFeed, error) {
	if a.config.RedisAddr == "" {
		return feed.NewMemory(), nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr: a.config.RedisAddr,
		DB:   a.config.RedisDB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", a.config.RedisAddr, err)
	}

	rf := feed.NewRedis(a.redis,
		feed.WithChannelPrefix(a.config.RedisChannel),
		feed.WithRedisLogger(a.GetLogger("feed")),
	)
	go func() {
		if err := rf.Run(ctx); err != nil && ctx.Err() == nil {
			a.GetLogger("feed").Error("profile feed stopped: %v", err)
		}
	}()
	return rf, nil
}

func (a *App) identityProvider(ctx context.Context) (identityBackend, error) {
	cfg := a.config
	switch cfg.IdentityKind {
	case config.ProviderAuth0:
		acfg := auth0.DefaultConfig(cfg.Auth0Domain, cfg.Auth0Audience)
		acfg.ClientID = cfg.Auth0ClientID
		acfg.ClientSecret = cfg.Auth0ClientSecret
		if cfg.Auth0Connection != "" {
			acfg.Connection = cfg.Auth0Connection
		}
		acfg.ActivateURL = joinURL(cfg.BaseURL, "/auth/activate")
		acfg.ResetURL = joinURL(cfg.BaseURL, "/auth/reset-password")
		acfg.InviteTTL = cfg.InviteTTL
		acfg.RecoveryTTL = cfg.RecoveryTTL

		idp, err := auth0.NewIdentityProvider(ctx, acfg, sync.NewIdentifierStore(a.db),
			auth0.WithLogger(a.GetLogger("idp:auth0")),
		)
		if err != nil {
			return nil, err
		}
		return idp, nil
	default:
		idp, err := a.localProvider()
		if err != nil {
			return nil, err
		}
		return idp, nil
	}
}

func (a *App) localProvider() (*local.Provider, error) {
	cfg := a.config
	return local.NewProvider(a.db, local.Config{
		SigningKey:  []byte(cfg.SigningKey),
		SessionTTL:  cfg.SessionTTL,
		InviteTTL:   cfg.InviteTTL,
		RecoveryTTL: cfg.RecoveryTTL,
		BaseURL:     cfg.BaseURL,
	}, local.WithLogger(a.GetLogger("idp:local")))
}

func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// printfLogger formats messages before handing them to glog, which
// expects key value pairs after the message.
type printfLogger struct {
	lgr glog.Logger
}

func (l printfLogger) Debug(format string, args ...any) { l.lgr.Debug(fmt.Sprintf(format, args...)) }
func (l printfLogger) Info(format string, args ...any)  { l.lgr.Info(fmt.Sprintf(format, args...)) }
func (l printfLogger) Warn(format string, args ...any)  { l.lgr.Warn(fmt.Sprintf(format, args...)) }
func (l printfLogger) Error(format string, args ...any) { l.lgr.Error(fmt.Sprintf(format, args...)) }
