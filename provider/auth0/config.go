package auth0

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the Auth0 tenant settings.
type Config struct {
	// Domain is the Auth0 tenant domain (e.g., "example.us.auth0.com").
	Domain string

	// Audience is the API identifier(s) access tokens are issued for.
	Audience []string

	// Issuer overrides the default issuer URL (optional).
	// Default: "https://{Domain}/".
	Issuer string

	// CacheTTL is how long to cache JWKS keys.
	// Default: 5 minutes.
	CacheTTL time.Duration

	// ClientID and ClientSecret are the M2M application credentials used by
	// the management API. Only the server process ever holds them.
	ClientID     string
	ClientSecret string

	// Connection is the database connection new users are created in.
	// Default: "Username-Password-Authentication".
	Connection string

	// ActivateURL and ResetURL are where Auth0 redirects after the user
	// sets a password through a ticket.
	ActivateURL string
	ResetURL    string

	// InviteTTL and RecoveryTTL bound the ticket lifetime.
	InviteTTL   time.Duration
	RecoveryTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(domain string, audience []string) Config {
	return Config{
		Domain:      domain,
		Audience:    audience,
		CacheTTL:    5 * time.Minute,
		Connection:  DefaultConnection,
		InviteTTL:   72 * time.Hour,
		RecoveryTTL: time.Hour,
	}
}

// DefaultConnection is the Auth0 database connection name.
const DefaultConnection = "Username-Password-Authentication"

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.Connection == "" {
		c.Connection = DefaultConnection
	}
	if c.InviteTTL <= 0 {
		c.InviteTTL = 72 * time.Hour
	}
	if c.RecoveryTTL <= 0 {
		c.RecoveryTTL = time.Hour
	}
	return c
}

func (c Config) issuerURL() string {
	if c.Issuer != "" {
		return normalizeIssuer(c.Issuer)
	}

	domain := strings.TrimSpace(c.Domain)
	if domain == "" {
		return ""
	}

	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return normalizeIssuer(domain)
	}

	return fmt.Sprintf("https://%s/", strings.TrimSuffix(domain, "/"))
}

func (c Config) managementDomain() string {
	domain := strings.TrimSpace(c.Domain)
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	return strings.TrimSuffix(domain, "/")
}

func normalizeIssuer(issuer string) string {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return issuer
	}
	if strings.HasSuffix(issuer, "/") {
		return issuer
	}
	return issuer + "/"
}
