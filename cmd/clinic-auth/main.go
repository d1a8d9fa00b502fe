package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	auth "github.com/goliatone/go-clinic-auth"
	"github.com/goliatone/go-clinic-auth/activitymap"
	"github.com/goliatone/go-clinic-auth/config"
	"github.com/goliatone/go-clinic-auth/metrics"
	"github.com/goliatone/go-clinic-auth/middleware/csrf"
	"github.com/goliatone/go-clinic-auth/repository"
)

const sessionCookie = "clinic_session"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "clinic-auth",
		Short: "Clinic staff accounts, roles and sessions",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(bootstrapAdminCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadApp(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := newApp(cfg)
	if cfg.Debug {
		fmt.Println(print.MaybeHighlightJSON(cfg))
	}

	if err := app.openDB(); err != nil {
		return nil, err
	}
	return app, nil
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the profile and identity tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			app.GetLogger("migrate").Info("schema ready on %s", app.config.DBDialect)
			return nil
		},
	}
}

func bootstrapAdminCmd(configPath *string) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "bootstrap-admin",
		Short: "Create the first active super admin (local provider only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			if app.config.IdentityKind != config.ProviderLocal {
				return fmt.Errorf("bootstrap-admin requires the local provider, got %q", app.config.IdentityKind)
			}

			ctx := cmd.Context()
			if err := app.migrate(ctx); err != nil {
				return err
			}

			idp, err := app.localProvider()
			if err != nil {
				return err
			}

			id, err := idp.CreateIdentity(ctx, email, password)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			profiles := repository.NewProfilesRepository(app.db)
			if _, err := profiles.InsertProfile(ctx, &auth.UserProfile{
				ID:          id,
				Email:       email,
				Role:        auth.RoleSuperAdmin,
				Status:      auth.UserStatusActive,
				ActivatedAt: &now,
			}); err != nil {
				_ = idp.DeleteIdentity(ctx, id.String())
				return err
			}

			app.GetLogger("bootstrap").Info("super admin %s created with id %s", email, id)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "admin email")
	cmd.Flags().StringVar(&password, "password", "", "admin password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the account and session HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if migrate {
				if err := app.migrate(ctx); err != nil {
					return err
				}
			}
			return serve(ctx, app)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "create tables before serving")
	return cmd
}

func serve(ctx context.Context, app *App) error {
	cfg := app.config

	profileFeed, err := app.profileFeed(ctx)
	if err != nil {
		return err
	}

	idp, err := app.identityProvider(ctx)
	if err != nil {
		return err
	}

	profiles := repository.NewProfilesRepository(app.db,
		repository.WithProfilesFeed(profileFeed),
		repository.WithProfilesLogger(app.GetLogger("profiles")),
	)

	sink := auth.MultiActivitySink{
		metrics.NewSink(prometheus.DefaultRegisterer),
		activitymap.LogSink(app.GetLogger("activity"), activitymap.WithRedactedKeys("email")),
	}

	lifecycle := auth.NewAccountLifecycle(idp, idp, profiles,
		auth.WithLifecycleActivitySink(sink),
		auth.WithLifecycleLogger(app.GetLogger("lifecycle")),
		auth.WithLifecycleRecoveryLimiter(auth.NewRecoveryLimiter(cfg.RecoveryEvery, cfg.RecoveryBurst)),
	)

	registry := auth.NewSessionRegistry(idp, profiles, profileFeed,
		auth.WithSessionRegistryLogger(app.GetLogger("sessions")),
	)
	defer registry.Close()

	guard := auth.NewRouteAuthenticator(registry,
		auth.WithRouteLogger(app.GetLogger("guard")),
		auth.WithRouteActivitySink(sink),
		auth.WithRouteTokenLookup("header:"+router.HeaderAuthorization+",cookie:"+sessionCookie),
	)

	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			AppName:           "Clinic Auth",
			EnablePrintRoutes: cfg.IsDev(),
			PassLocalsToViews: true,
		}))
	})

	srv.Router().Use(csrf.New(csrf.Config{
		SecureKey:  []byte(cfg.CSRFKey),
		CookieName: sessionCookie,
	}))

	auth.RegisterAccountRoutes(srv.Router(),
		auth.WithAccountLifecycle(lifecycle),
		auth.WithAccountRegistry(registry),
		auth.WithAccountIdentityProvider(idp),
		auth.WithAccountGuard(guard),
		auth.WithAccountLogger(app.GetLogger("auth:ctrl")),
		auth.WithAccountDebug(cfg.Debug),
		auth.WithAccountSessionCookie(sessionCookie, !cfg.IsDev()),
		auth.WithAccountFlowOptions(
			auth.WithFlowSessionWait(cfg.SessionWait),
			auth.WithFlowHomeLink(cfg.HomeLink),
			auth.WithFlowActivitySink(sink),
			auth.WithFlowLogger(app.GetLogger("auth:flow")),
		),
	)

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.GetLogger("metrics").Error("metrics listener: %v", err)
		}
	}()

	if purger, ok := idp.(interface {
		PurgeExpired(context.Context) (int64, error)
	}); ok {
		go purgeLoop(ctx, purger.PurgeExpired, app.GetLogger("idp:purge"))
	}

	go func() {
		if err := srv.Serve(cfg.HTTPAddr); err != nil {
			app.GetLogger("http").Error("http server: %v", err)
		}
	}()
	app.GetLogger("http").Info("listening on %s, metrics on %s", cfg.HTTPAddr, cfg.MetricsAddr)

	sig := WaitExitSignal()
	app.GetLogger("http").Info("received %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.GetLogger("http").Warn("http shutdown: %v", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		app.GetLogger("metrics").Warn("metrics shutdown: %v", err)
	}
	return nil
}

func purgeLoop(ctx context.Context, purge func(context.Context) (int64, error), logger auth.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purge(ctx)
			if err != nil {
				logger.Warn("purge expired tokens: %v", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged %d expired rows", n)
			}
		}
	}
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	return <-ch
}
