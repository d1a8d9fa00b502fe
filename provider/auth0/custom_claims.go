package auth0

import (
	"context"
)

// CustomClaims holds the non registered claims read from Auth0 access
// tokens. Email is only present when an Auth0 Action adds it.
type CustomClaims struct {
	Scope         string   `json:"scope"`
	Permissions   []string `json:"permissions"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
}

// Validate satisfies validator.CustomClaims.
func (c *CustomClaims) Validate(ctx context.Context) error {
	return nil
}
