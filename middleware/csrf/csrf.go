// Package csrf protects cookie authenticated requests against cross site
// request forgery. Tokens are stateless: an HMAC over an issue time, a
// nonce and a digest of the session cookie they were issued for.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"

	auth "github.com/goliatone/go-clinic-auth"
)

const (
	DefaultTokenLength = 32
	DefaultContextKey  = "csrf_token"
	DefaultHeaderName  = "X-CSRF-Token"
	DefaultCookieName  = "clinic_session"

	TextCodeTokenMissing = "CSRF_TOKEN_MISSING"
	TextCodeTokenInvalid = "CSRF_TOKEN_INVALID"
	TextCodeTokenExpired = "CSRF_TOKEN_EXPIRED"
)

var ErrTokenMissing = goerrors.New("CSRF token missing", goerrors.CategoryValidation).
	WithCode(goerrors.CodeBadRequest).
	WithTextCode(TextCodeTokenMissing)

var ErrTokenMismatch = goerrors.New("CSRF token mismatch", goerrors.CategoryAuthz).
	WithCode(goerrors.CodeForbidden).
	WithTextCode(TextCodeTokenInvalid)

var ErrTokenExpired = goerrors.New("CSRF token expired", goerrors.CategoryAuthz).
	WithCode(goerrors.CodeForbidden).
	WithTextCode(TextCodeTokenExpired)

// Config defines the configuration for the CSRF middleware.
type Config struct {
	// SecureKey signs tokens. It must be at least 32 bytes; a random key is
	// generated when empty, which only works for a single instance.
	SecureKey []byte

	// CookieName is the session cookie being protected. Requests without
	// it authenticate with a header and are not checked.
	CookieName string

	HeaderName  string
	ContextKey  string
	TokenLength int
	Expiration  time.Duration
	SafeMethods []string

	ErrorHandler func(router.Context, error) error
	Now          func() time.Time
}

// New creates the middleware. Safe requests get a fresh token in locals
// and in the response header; unsafe ones must echo a valid token.
func New(config ...Config) router.MiddlewareFunc {
	cfg := configDefault(config...)

	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			session := ctx.Cookies(cfg.CookieName)
			if session == "" {
				return ctx.Next()
			}

			if slices.Contains(cfg.SafeMethods, strings.ToUpper(ctx.Method())) {
				token, err := cfg.issue(session)
				if err != nil {
					return cfg.ErrorHandler(ctx, err)
				}
				ctx.Locals(cfg.ContextKey, token)
				ctx.SetHeader(cfg.HeaderName, token)
				return ctx.Next()
			}

			if err := cfg.validate(session, ctx.GetString(cfg.HeaderName, "")); err != nil {
				return cfg.ErrorHandler(ctx, err)
			}
			return ctx.Next()
		}
	}
}

// Token returns the token stored by the middleware for this request.
func Token(ctx router.Context, key string) string {
	if key == "" {
		key = DefaultContextKey
	}
	token, _ := ctx.Locals(key).(string)
	return token
}

func (cfg Config) issue(session string) (string, error) {
	nonce := make([]byte, cfg.TokenLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate CSRF token").
			WithCode(goerrors.CodeInternal)
	}

	payload := fmt.Sprintf("%d:%s", cfg.Now().UTC().Unix(), hex.EncodeToString(nonce))
	sig := cfg.sign(payload, session)
	return base64.RawURLEncoding.EncodeToString([]byte(payload + ":" + hex.EncodeToString(sig))), nil
}

func (cfg Config) validate(session, token string) error {
	if token == "" {
		return ErrTokenMissing.Clone()
	}

	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrTokenMismatch.Clone()
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 3 {
		return ErrTokenMismatch.Clone()
	}

	issued, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ErrTokenMismatch.Clone()
	}

	sig, err := hex.DecodeString(parts[2])
	if err != nil {
		return ErrTokenMismatch.Clone()
	}

	if !hmac.Equal(sig, cfg.sign(parts[0]+":"+parts[1], session)) {
		return ErrTokenMismatch.Clone()
	}

	if cfg.Expiration > 0 && cfg.Now().UTC().After(time.Unix(issued, 0).Add(cfg.Expiration)) {
		return ErrTokenExpired.Clone()
	}
	return nil
}

// sign binds payload to a digest of the session cookie so a token cannot
// be replayed with another session.
func (cfg Config) sign(payload, session string) []byte {
	digest := sha256.Sum256([]byte(session))
	mac := hmac.New(sha256.New, cfg.SecureKey)
	mac.Write([]byte(payload))
	mac.Write([]byte(":"))
	mac.Write(digest[:])
	return mac.Sum(nil)
}

func configDefault(config ...Config) Config {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.TokenLength == 0 {
		cfg.TokenLength = DefaultTokenLength
	}
	if cfg.ContextKey == "" {
		cfg.ContextKey = DefaultContextKey
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.SafeMethods == nil {
		cfg.SafeMethods = []string{"GET", "HEAD", "OPTIONS", "TRACE"}
	}
	if cfg.Expiration == 0 {
		cfg.Expiration = 12 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(ctx router.Context, err error) error {
			return auth.RenderError(ctx, nil, err)
		}
	}

	cfg.SecureKey = initializeSecureKey(cfg.SecureKey)
	return cfg
}

func initializeSecureKey(current []byte) []byte {
	if len(current) > 0 {
		if len(current) < 32 {
			panic(fmt.Errorf("csrf: secure key must be at least 32 bytes, got %d", len(current)))
		}
		return current
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		panic(fmt.Errorf("csrf: unable to initialize secure key: %w", err))
	}
	return key
}
