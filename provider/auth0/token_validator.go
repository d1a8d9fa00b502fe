package auth0

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/golang-jwt/jwt/v5"

	auth "github.com/goliatone/go-clinic-auth"
)

// AccessToken is the validated content of an Auth0 access token.
type AccessToken struct {
	Subject   string
	TokenID   string
	Email     string
	ExpiresAt time.Time
}

// SessionValidator validates raw access tokens.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*AccessToken, error)
}

// TokenValidator validates Auth0-issued JWTs using JWKS.
type TokenValidator struct {
	validator *validator.Validator
}

// NewTokenValidator creates a new Auth0 token validator.
func NewTokenValidator(cfg Config) (*TokenValidator, error) {
	cfg = cfg.withDefaults()

	issuer := cfg.issuerURL()
	if issuer == "" {
		return nil, fmt.Errorf("auth0: issuer or domain is required")
	}

	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("auth0: invalid issuer URL: %w", err)
	}
	if issuerURL.Scheme == "" || issuerURL.Host == "" {
		return nil, fmt.Errorf("auth0: invalid issuer URL: %s", issuer)
	}

	provider := jwks.NewCachingProvider(issuerURL, cfg.CacheTTL)

	jwtValidator, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuerURL.String(),
		cfg.Audience,
		validator.WithCustomClaims(func() validator.CustomClaims {
			return &CustomClaims{}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("auth0: failed to create validator: %w", err)
	}

	return &TokenValidator{validator: jwtValidator}, nil
}

// Validate checks signature, issuer, audience and expiry.
func (v *TokenValidator) Validate(ctx context.Context, tokenString string) (*AccessToken, error) {
	token, err := v.validator.ValidateToken(ctx, tokenString)
	if err != nil {
		return nil, normalizeValidationError(err)
	}

	claims, ok := token.(*validator.ValidatedClaims)
	if !ok || claims == nil || claims.RegisteredClaims.Subject == "" {
		return nil, normalizeValidationError(stderrors.New("token has no subject"))
	}

	out := &AccessToken{
		Subject: claims.RegisteredClaims.Subject,
		TokenID: claims.RegisteredClaims.ID,
	}
	if claims.RegisteredClaims.Expiry > 0 {
		out.ExpiresAt = time.Unix(claims.RegisteredClaims.Expiry, 0).UTC()
	}
	if custom, ok := claims.CustomClaims.(*CustomClaims); ok && custom != nil {
		out.Email = custom.Email
	}
	return out, nil
}

func normalizeValidationError(err error) error {
	if err == nil {
		return nil
	}

	reason := "malformed"
	if stderrors.Is(err, jwt.ErrTokenExpired) || strings.Contains(strings.ToLower(err.Error()), "expired") {
		reason = "expired"
	}

	clone := auth.ErrUnauthenticated.Clone()
	clone.Source = err
	return clone.WithMetadata(map[string]any{
		"provider": "auth0",
		"reason":   reason,
		"cause":    err.Error(),
	})
}
