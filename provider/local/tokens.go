package local

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const rawTokenBytes = 32

// newRawToken returns a random url safe token and its storage digest.
func newRawToken() (raw string, digest string, err error) {
	buf := make([]byte, rawTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("local: failed to read random token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, tokenDigest(raw), nil
}

func tokenDigest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// issueSession signs a session JWT for identity.
func (p *Provider) issueSession(identity *Identity) (string, *sessionClaims, error) {
	now := p.now().UTC()
	claims := &sessionClaims{
		Email: identity.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   identity.ID.String(),
			Issuer:    p.config.Issuer,
			Audience:  jwt.ClaimStrings{p.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.config.SessionTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.config.SigningKey)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// parseSession verifies signature, issuer and audience. With skipExpiry the
// time based claims are not checked, which sign out needs.
func (p *Provider) parseSession(raw string, skipExpiry bool) (*sessionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.config.Issuer),
		jwt.WithAudience(p.config.Audience),
		jwt.WithTimeFunc(p.now),
	}
	if skipExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return p.config.SigningKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, errors.New("session token is missing jti or sub")
	}
	return claims, nil
}

func expiresAt(claims *sessionClaims) time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
