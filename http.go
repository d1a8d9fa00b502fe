package auth

import (
	"errors"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

var errTokenMissing = errors.New("missing or malformed access token")

const defaultTokenLookup = "header:" + router.HeaderAuthorization

// RouteAuthenticator resolves the request session and gates routes.
type RouteAuthenticator struct {
	registry     *SessionRegistry
	contextKey   string
	tokenLookup  string
	authScheme   string
	sink         ActivitySink
	now          func() time.Time
	Logger       Logger
	ErrorHandler func(c router.Context, err error) error
}

// RouteAuthenticatorOption customizes a RouteAuthenticator.
type RouteAuthenticatorOption func(*RouteAuthenticator)

// WithRouteContextKey sets the locals key the session is stored under.
func WithRouteContextKey(key string) RouteAuthenticatorOption {
	return func(a *RouteAuthenticator) {
		if key != "" {
			a.contextKey = key
		}
	}
}

// WithRouteTokenLookup sets where tokens are read from, for example
// "header:Authorization,cookie:clinic_session".
func WithRouteTokenLookup(lookup string) RouteAuthenticatorOption {
	return func(a *RouteAuthenticator) {
		if lookup != "" {
			a.tokenLookup = lookup
		}
	}
}

func WithRouteLogger(logger Logger) RouteAuthenticatorOption {
	return func(a *RouteAuthenticator) {
		if logger != nil {
			a.Logger = logger
		}
	}
}

func WithRouteActivitySink(sink ActivitySink) RouteAuthenticatorOption {
	return func(a *RouteAuthenticator) {
		a.sink = normalizeActivitySink(sink)
	}
}

func WithRouteErrorHandler(handler func(router.Context, error) error) RouteAuthenticatorOption {
	return func(a *RouteAuthenticator) {
		if handler != nil {
			a.ErrorHandler = handler
		}
	}
}

// NewRouteAuthenticator builds the HTTP session layer on top of registry.
func NewRouteAuthenticator(registry *SessionRegistry, opts ...RouteAuthenticatorOption) *RouteAuthenticator {
	a := &RouteAuthenticator{
		registry:    registry,
		contextKey:  DefaultSessionContextKey,
		tokenLookup: defaultTokenLookup,
		authScheme:  "Bearer",
		sink:        noopActivitySink{},
		now:         time.Now,
		Logger:      defLogger{},
	}
	a.ErrorHandler = a.defaultErrHandler

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// AccessToken returns the raw token carried by the request, if any.
func (a *RouteAuthenticator) AccessToken(ctx router.Context) string {
	for _, extract := range tokenExtractors(a.tokenLookup, a.authScheme) {
		if raw, err := extract(ctx); err == nil && raw != "" {
			return raw
		}
	}
	return ""
}

// SessionFromRequest resolves the request token through the registry.
// A missing or unusable token yields a nil session and no error.
func (a *RouteAuthenticator) SessionFromRequest(ctx router.Context) (*Session, error) {
	token := a.AccessToken(ctx)
	if token == "" {
		return nil, nil
	}
	return a.registry.Resolve(ctx.Context(), token)
}

// OptionalSession stores the session in locals when one resolves.
func (a *RouteAuthenticator) OptionalSession() router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			session, err := a.SessionFromRequest(ctx)
			if err != nil {
				a.Logger.Debug("optional session resolve failed: %v", err)
			}
			if session != nil {
				ctx.Locals(a.contextKey, session)
			}
			return ctx.Next()
		}
	}
}

// ProtectedRoute requires a resolved session. Pending accounts pass; use
// RequireRoute or RequireCapability to apply the pending gate.
func (a *RouteAuthenticator) ProtectedRoute() router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			session, err := a.SessionFromRequest(ctx)
			if err != nil {
				return a.ErrorHandler(ctx, err)
			}
			if session == nil {
				return a.ErrorHandler(ctx, errorWith(ErrUnauthenticated, map[string]any{
					"redirect": RouteSignIn,
				}))
			}
			ctx.Locals(a.contextKey, session)
			return ctx.Next()
		}
	}
}

// RequireRoute applies RouteAccess to the stored session. It runs on every
// request so a pending account is gated even with a cached session.
func (a *RouteAuthenticator) RequireRoute(route Route) router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			session, _ := GetRouterSession(ctx, a.contextKey)
			decision := RouteAccess(session, route)
			if decision.Allowed {
				return ctx.Next()
			}

			meta := map[string]any{
				"route":    decision.Route,
				"redirect": decision.Redirect,
				"reason":   decision.Reason,
			}
			a.recordDenied(ctx, session, "", decision.Reason)

			switch {
			case session == nil:
				return a.ErrorHandler(ctx, errorWith(ErrUnauthenticated, meta))
			case session.Profile.IsPending():
				return a.ErrorHandler(ctx, errorWith(ErrActivationRequired, meta))
			default:
				return a.ErrorHandler(ctx, errorWith(ErrForbidden, meta))
			}
		}
	}
}

// RequireCapability rejects sessions whose role lacks capability.
func (a *RouteAuthenticator) RequireCapability(capability Capability) router.MiddlewareFunc {
	return a.gate(capability, Authorize)
}

// RequireUserManagement is RequireCapability plus the exact super admin check.
func (a *RouteAuthenticator) RequireUserManagement(capability Capability) router.MiddlewareFunc {
	return a.gate(capability, AuthorizeUserManagement)
}

func (a *RouteAuthenticator) gate(capability Capability, check func(*Session, Capability) error) router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			session, _ := GetRouterSession(ctx, a.contextKey)
			if err := check(session, capability); err != nil {
				a.recordDenied(ctx, session, capability, TextCode(err))
				return a.ErrorHandler(ctx, err)
			}
			return ctx.Next()
		}
	}
}

func (a *RouteAuthenticator) recordDenied(ctx router.Context, session *Session, capability Capability, reason string) {
	meta := map[string]any{"reason": reason}
	if capability != "" {
		meta["capability"] = capability
	}
	recordActivity(ctx.Context(), a.sink, a.Logger, a.now, ActivityEvent{
		EventType: ActivityEventAccessDenied,
		Actor:     session.ActorRef(),
		UserID:    session.ActorRef().ID,
		Metadata:  meta,
	})
}

func (a *RouteAuthenticator) defaultErrHandler(c router.Context, err error) error {
	return RenderError(c, a.Logger, err)
}

// RenderError writes err as {"error": {...}} with the status from HTTPStatus.
// Errors without a rich error in their chain are reported as internal.
func RenderError(c router.Context, logger Logger, err error) error {
	status := HTTPStatus(err)

	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		richErr = goerrors.Wrap(err, goerrors.CategoryInternal, "An unexpected server error occurred").
			WithCode(goerrors.CodeInternal)
	}

	if logger != nil {
		if status >= 500 {
			logger.Error("request failed: %s (%v) %s", richErr.Message, err, print.MaybePrettyJSON(richErr.Metadata))
		} else {
			logger.Debug("request rejected: %d %s %s", status, richErr.TextCode, richErr.Message)
		}
	}

	body := map[string]any{
		"message":   richErr.Message,
		"text_code": richErr.TextCode,
	}
	if len(richErr.Metadata) > 0 && status < 500 {
		body["metadata"] = richErr.Metadata
	}

	return c.JSON(status, map[string]any{"error": body})
}

type tokenExtractor func(c router.Context) (string, error)

// tokenExtractors parses lookups of the form
// "header:Authorization,cookie:session,query:access_token".
func tokenExtractors(lookup, authScheme string) []tokenExtractor {
	extractors := make([]tokenExtractor, 0)
	for _, part := range strings.Split(lookup, ",") {
		source, name, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		switch strings.TrimSpace(source) {
		case "header":
			extractors = append(extractors, tokenFromHeader(name, authScheme))
		case "query":
			extractors = append(extractors, tokenFromQuery(name))
		case "cookie":
			extractors = append(extractors, tokenFromCookie(name))
		}
	}
	return extractors
}

func tokenFromHeader(header, authScheme string) tokenExtractor {
	authScheme = strings.TrimSpace(authScheme)
	return func(c router.Context) (string, error) {
		raw := c.GetString(header, "")
		l := len(authScheme)
		if l > 0 && len(raw) > l+1 && strings.EqualFold(raw[:l], authScheme) {
			return strings.TrimSpace(raw[l:]), nil
		}
		return "", errTokenMissing
	}
}

func tokenFromQuery(param string) tokenExtractor {
	return func(c router.Context) (string, error) {
		if token := c.Query(param, ""); token != "" {
			return token, nil
		}
		return "", errTokenMissing
	}
}

func tokenFromCookie(name string) tokenExtractor {
	return func(c router.Context) (string, error) {
		if token := c.Cookies(name); token != "" {
			return token, nil
		}
		return "", errTokenMissing
	}
}
