// Package config loads clinic-auth settings from an optional file and the
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ProviderLocal = "local"
	ProviderAuth0 = "auth0"

	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

type Config struct {
	Env         string `mapstructure:"ENV"`
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`
	MetricsAddr string `mapstructure:"METRICS_ADDR"`
	BaseURL     string `mapstructure:"BASE_URL"`
	HomeLink    string `mapstructure:"HOME_LINK"`
	Debug       bool   `mapstructure:"DEBUG"`

	DBDialect string `mapstructure:"DB_DIALECT"`
	DBDSN     string `mapstructure:"DB_DSN"`

	// RedisAddr enables the Redis profile feed when set.
	RedisAddr    string `mapstructure:"REDIS_ADDR"`
	RedisDB      int    `mapstructure:"REDIS_DB"`
	RedisChannel string `mapstructure:"REDIS_CHANNEL_PREFIX"`

	// CSRFKey signs CSRF tokens for cookie sessions. A random key is used
	// when empty, which breaks tokens across restarts and replicas.
	CSRFKey string `mapstructure:"CSRF_KEY"`

	IdentityKind  string        `mapstructure:"IDENTITY_PROVIDER"`
	SigningKey    string        `mapstructure:"SIGNING_KEY"`
	SessionTTL    time.Duration `mapstructure:"SESSION_TTL"`
	InviteTTL     time.Duration `mapstructure:"INVITE_TTL"`
	RecoveryTTL   time.Duration `mapstructure:"RECOVERY_TTL"`
	SessionWait   time.Duration `mapstructure:"SESSION_WAIT"`
	RecoveryEvery time.Duration `mapstructure:"RECOVERY_INTERVAL"`
	RecoveryBurst int           `mapstructure:"RECOVERY_BURST"`

	Auth0Domain       string   `mapstructure:"AUTH0_DOMAIN"`
	Auth0Audience     []string `mapstructure:"AUTH0_AUDIENCE"`
	Auth0ClientID     string   `mapstructure:"AUTH0_CLIENT_ID"`
	Auth0ClientSecret string   `mapstructure:"AUTH0_CLIENT_SECRET"`
	Auth0Connection   string   `mapstructure:"AUTH0_CONNECTION"`
}

var keys = []string{
	"ENV", "HTTP_ADDR", "METRICS_ADDR", "BASE_URL", "HOME_LINK", "DEBUG",
	"DB_DIALECT", "DB_DSN",
	"REDIS_ADDR", "REDIS_DB", "REDIS_CHANNEL_PREFIX",
	"CSRF_KEY", "IDENTITY_PROVIDER", "SIGNING_KEY",
	"SESSION_TTL", "INVITE_TTL", "RECOVERY_TTL", "SESSION_WAIT",
	"RECOVERY_INTERVAL", "RECOVERY_BURST",
	"AUTH0_DOMAIN", "AUTH0_AUDIENCE", "AUTH0_CLIENT_ID", "AUTH0_CLIENT_SECRET", "AUTH0_CONNECTION",
}

// Load reads path when given and overlays CLINIC_ prefixed environment
// variables. A missing path is an error, an empty path is not.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLINIC")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("HTTP_ADDR", ":8572")
	v.SetDefault("METRICS_ADDR", ":9572")
	v.SetDefault("BASE_URL", "http://localhost:8572")
	v.SetDefault("HOME_LINK", "/")
	v.SetDefault("DB_DIALECT", DialectSQLite)
	v.SetDefault("DB_DSN", "file:clinic-auth.db?cache=shared")
	v.SetDefault("REDIS_CHANNEL_PREFIX", "profile:")
	v.SetDefault("IDENTITY_PROVIDER", ProviderLocal)
	v.SetDefault("SESSION_TTL", 12*time.Hour)
	v.SetDefault("INVITE_TTL", 72*time.Hour)
	v.SetDefault("RECOVERY_TTL", time.Hour)
	v.SetDefault("SESSION_WAIT", 5*time.Second)
	v.SetDefault("RECOVERY_INTERVAL", time.Minute)
	v.SetDefault("RECOVERY_BURST", 3)

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.Auth0Audience) == 1 && strings.Contains(cfg.Auth0Audience[0], ",") {
		cfg.Auth0Audience = strings.Split(cfg.Auth0Audience[0], ",")
	}
	cfg.DBDialect = strings.ToLower(strings.TrimSpace(cfg.DBDialect))
	cfg.IdentityKind = strings.ToLower(strings.TrimSpace(cfg.IdentityKind))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings needed by the selected backends.
func (c *Config) Validate() error {
	switch c.DBDialect {
	case DialectSQLite, DialectPostgres:
	default:
		return fmt.Errorf("DB_DIALECT must be %q or %q, got %q", DialectSQLite, DialectPostgres, c.DBDialect)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}

	switch c.IdentityKind {
	case ProviderLocal:
		if len(c.SigningKey) < 32 {
			return fmt.Errorf("SIGNING_KEY must be at least 32 bytes for the local provider")
		}
	case ProviderAuth0:
		if c.Auth0Domain == "" {
			return fmt.Errorf("AUTH0_DOMAIN is required for the auth0 provider")
		}
		if len(c.Auth0Audience) == 0 {
			return fmt.Errorf("AUTH0_AUDIENCE is required for the auth0 provider")
		}
		if c.Auth0ClientID == "" || c.Auth0ClientSecret == "" {
			return fmt.Errorf("AUTH0_CLIENT_ID and AUTH0_CLIENT_SECRET are required for the auth0 provider")
		}
	default:
		return fmt.Errorf("IDENTITY_PROVIDER must be %q or %q, got %q", ProviderLocal, ProviderAuth0, c.IdentityKind)
	}

	if c.CSRFKey != "" && len(c.CSRFKey) < 32 {
		return fmt.Errorf("CSRF_KEY must be at least 32 bytes")
	}
	if c.RecoveryBurst < 1 {
		return fmt.Errorf("RECOVERY_BURST must be positive")
	}
	return nil
}
