package auth

import (
	"context"

	"github.com/goliatone/go-router"
)

// DefaultSessionContextKey is the router locals key holding the *Session.
const DefaultSessionContextKey = "session"

var sessionCtxKey = &contextKey{"session"}

type contextKey struct {
	name string
}

// WithSessionContext sets the Session in the given context
func WithSessionContext(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey, session)
}

// SessionFromContext finds the session from the context.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	raw, ok := ctx.Value(sessionCtxKey).(*Session)
	return raw, ok && raw != nil
}

// GetRouterSession extracts the Session stored by the session middleware.
func GetRouterSession(ctx router.Context, key string) (*Session, bool) {
	if key == "" {
		key = DefaultSessionContextKey
	}
	raw := ctx.Locals(key)
	if raw == nil {
		return nil, false
	}
	session, ok := raw.(*Session)
	return session, ok && session != nil
}

// Can checks a capability against the session stored in ctx.
func Can(ctx context.Context, capability Capability) bool {
	session, _ := SessionFromContext(ctx)
	return IsAllowed(session, capability)
}

// CanFromRouter checks a capability against the router session
func CanFromRouter(ctx router.Context, capability Capability) bool {
	session, _ := GetRouterSession(ctx, "")
	return IsAllowed(session, capability)
}
