package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/google/uuid"
)

// ErrInvalidUserID is returned when a path id is not a uuid.
var ErrInvalidUserID = goerrors.New("user id must be a valid uuid", goerrors.CategoryBadInput).
	WithCode(goerrors.CodeBadRequest).
	WithTextCode(TextCodeValidation)

// RegisterAccountRoutes mounts the sign in, activation, recovery and user
// management endpoints.
func RegisterAccountRoutes[T any](app router.Router[T], opts ...AccountControllerOption) *AccountController {
	c := NewAccountController(opts...)
	guard := c.Guard
	routes := c.Routes

	app.Post(routes.SignIn, c.SignIn).SetName("sign-in.post")
	app.Post(routes.SignOut, c.SignOut, guard.ProtectedRoute()).SetName("sign-out.post")
	app.Get(routes.Session, c.CurrentSession, guard.ProtectedRoute()).SetName("session.get")
	app.Get(routes.RouteCheck+"/:route", c.RouteDecision, guard.OptionalSession()).SetName("route-check.get")

	// one gate per capability; the screens for patients and visits ask
	// before rendering actions a role cannot take
	for _, capability := range AllCapabilities() {
		app.Get(routes.Capabilities+"/"+string(capability), c.CapabilityGranted(capability),
			guard.ProtectedRoute(),
			guard.RequireRoute(RouteDashboard),
			guard.RequireCapability(capability),
		).SetName("capability." + string(capability) + ".get")
	}

	app.Get(routes.Activate, c.ActivationShow).SetName("activate.get")
	app.Post(routes.Activate, c.Activate,
		guard.ProtectedRoute(),
		guard.RequireRoute(RouteActivate),
	).SetName("activate.post")

	app.Post(routes.Recover, c.RequestRecovery).SetName("recover.post")
	app.Get(routes.ResetPassword, c.ResetPasswordShow).SetName("pwd-reset.get")
	app.Post(routes.ResetPassword, c.ResetPassword,
		guard.ProtectedRoute(),
		guard.RequireRoute(RouteResetPassword),
	).SetName("pwd-reset.post")

	app.Patch(routes.Profile, c.UpdateProfile,
		guard.ProtectedRoute(),
		guard.RequireRoute(RouteDashboard),
	).SetName("profile.patch")

	users := routes.Users
	member := users + "/:id"

	app.Get(users, c.ListUsers,
		guard.ProtectedRoute(),
		guard.RequireUserManagement(CanManageUsers),
	).SetName("users.list")
	app.Post(users, c.InviteUser,
		guard.ProtectedRoute(),
		guard.RequireUserManagement(CanManageUsers),
	).SetName("users.invite")
	app.Post(member+"/deactivate", c.DeactivateUser,
		guard.ProtectedRoute(),
		guard.RequireUserManagement(CanManageUsers),
	).SetName("users.deactivate")
	app.Post(member+"/reactivate", c.ReactivateUser,
		guard.ProtectedRoute(),
		guard.RequireUserManagement(CanManageUsers),
	).SetName("users.reactivate")
	app.Post(member+"/role", c.ChangeRole,
		guard.ProtectedRoute(),
		guard.RequireUserManagement(CanManageUsers),
	).SetName("users.role")
	app.Post(member+"/reset-password", c.ResetUserPassword,
		guard.ProtectedRoute(),
		guard.RequireUserManagement(CanResetPasswords),
	).SetName("users.reset-password")
	app.Delete(member, c.DeleteUser,
		guard.ProtectedRoute(),
		guard.RequireUserManagement(CanDeleteUsers),
	).SetName("users.delete")

	return c
}

type AccountControllerRoutes struct {
	SignIn        string
	SignOut       string
	Session       string
	RouteCheck    string
	Capabilities  string
	Activate      string
	Recover       string
	ResetPassword string
	Profile       string
	Users         string
}

type AccountController struct {
	Debug        bool
	Logger       Logger
	Lifecycle    *AccountLifecycle
	Registry     *SessionRegistry
	IDP          IdentityProvider
	Guard        *RouteAuthenticator
	Routes       *AccountControllerRoutes
	FlowOptions  []FlowOption
	LandingWait  time.Duration
	ErrorHandler func(router.Context, error) error

	// SessionCookie, when set, also hands the access token out as an
	// HttpOnly cookie.
	SessionCookie       string
	SessionCookieSecure bool
}

type AccountControllerOption func(*AccountController) *AccountController

func WithAccountLifecycle(l *AccountLifecycle) AccountControllerOption {
	return func(c *AccountController) *AccountController {
		c.Lifecycle = l
		return c
	}
}

func WithAccountRegistry(r *SessionRegistry) AccountControllerOption {
	return func(c *AccountController) *AccountController {
		c.Registry = r
		return c
	}
}

func WithAccountIdentityProvider(idp IdentityProvider) AccountControllerOption {
	return func(c *AccountController) *AccountController {
		c.IDP = idp
		return c
	}
}

func WithAccountGuard(g *RouteAuthenticator) AccountControllerOption {
	return func(c *AccountController) *AccountController {
		c.Guard = g
		return c
	}
}

func WithAccountLogger(logger Logger) AccountControllerOption {
	return func(c *AccountController) *AccountController {
		if logger != nil {
			c.Logger = logger
		}
		return c
	}
}

// WithAccountSessionCookie issues the access token as cookie name on sign
// in and landing exchanges, and clears it on sign out.
func WithAccountSessionCookie(name string, secure bool) AccountControllerOption {
	return func(c *AccountController) *AccountController {
		c.SessionCookie = name
		c.SessionCookieSecure = secure
		return c
	}
}

// WithAccountFlowOptions forwards options to activation and recovery flows.
func WithAccountFlowOptions(opts ...FlowOption) AccountControllerOption {
	return func(c *AccountController) *AccountController {
		c.FlowOptions = append(c.FlowOptions, opts...)
		return c
	}
}

func WithAccountDebug(debug bool) AccountControllerOption {
	return func(c *AccountController) *AccountController {
		c.Debug = debug
		return c
	}
}

// NewAccountController wires the controller. It panics when a required
// dependency is missing, since routes cannot be served without them.
func NewAccountController(opts ...AccountControllerOption) *AccountController {
	c := &AccountController{
		Logger:      defLogger{},
		LandingWait: 250 * time.Millisecond,
		Routes: &AccountControllerRoutes{
			SignIn:        "/auth/sign-in",
			SignOut:       "/auth/sign-out",
			Session:       "/auth/session",
			RouteCheck:    "/auth/routes",
			Capabilities:  "/auth/capabilities",
			Activate:      "/auth/activate",
			Recover:       "/auth/recover",
			ResetPassword: "/auth/reset-password",
			Profile:       "/auth/profile",
			Users:         "/admin/users",
		},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Lifecycle == nil {
		panic("Missing AccountLifecycle in account controller...")
	}

	if c.Registry == nil {
		panic("Missing SessionRegistry in account controller...")
	}

	if c.IDP == nil {
		panic("Missing IdentityProvider in account controller...")
	}

	if c.Guard == nil {
		c.Guard = NewRouteAuthenticator(c.Registry, WithRouteLogger(c.Logger))
	}

	if c.ErrorHandler == nil {
		c.ErrorHandler = c.Guard.ErrorHandler
	}

	return c
}

// LoginRequest payload
type LoginRequest struct {
	Email    string `form:"email" json:"email"`
	Password string `form:"password" json:"password"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() *goerrors.Error {
	return goerrors.ValidateWithOzzo(func() error {
		return validation.ValidateStruct(&r,
			validation.Field(&r.Email, validation.Required, is.Email),
			validation.Field(&r.Password, validation.Required),
		)
	}, "invalid sign in payload")
}

func (a *AccountController) SignIn(ctx router.Context) error {
	payload := new(LoginRequest)
	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, bindError(err))
	}

	if verr := payload.Validate(); verr != nil {
		return a.ErrorHandler(ctx, verr)
	}

	store := a.Registry.NewStore()
	session, err := store.SignIn(ctx.Context(), payload.Email, payload.Password)
	if err != nil {
		store.Close()
		a.Lifecycle.record(ctx.Context(), ActivityEvent{
			EventType: ActivityEventLoginFailure,
			Actor:     ActorRef{Type: "anonymous"},
			Metadata: map[string]any{
				"email":     NormalizeEmail(payload.Email),
				"text_code": TextCode(err),
			},
		})
		return a.ErrorHandler(ctx, err)
	}

	a.Registry.Adopt(store)
	a.setSessionCookie(ctx, session)
	a.Lifecycle.record(ctx.Context(), ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		Actor:     session.ActorRef(),
		UserID:    session.UserID().String(),
	})

	redirect := RouteDashboard
	if session.Profile.IsPending() {
		redirect = RouteActivate
	}

	return ctx.JSON(router.StatusOK, sessionPayload(session, redirect))
}

func (a *AccountController) SignOut(ctx router.Context) error {
	session, _ := GetRouterSession(ctx, a.Guard.contextKey)
	if err := a.Registry.SignOut(ctx.Context(), session.AccessToken()); err != nil {
		return a.ErrorHandler(ctx, err)
	}
	a.clearSessionCookie(ctx)
	return ctx.JSON(router.StatusOK, map[string]any{"signed_out": true})
}

func (a *AccountController) CurrentSession(ctx router.Context) error {
	session, ok := GetRouterSession(ctx, a.Guard.contextKey)
	if !ok {
		return a.ErrorHandler(ctx, ErrUnauthenticated.Clone())
	}
	return ctx.JSON(router.StatusOK, sessionPayload(session, ""))
}

func (a *AccountController) RouteDecision(ctx router.Context) error {
	session, _ := GetRouterSession(ctx, a.Guard.contextKey)
	decision := RouteAccess(session, Route(ctx.Param("route")))
	return ctx.JSON(router.StatusOK, decision)
}

// CapabilityGranted answers a capability gate that already passed.
func (a *AccountController) CapabilityGranted(capability Capability) router.HandlerFunc {
	return func(ctx router.Context) error {
		return ctx.JSON(router.StatusOK, map[string]any{
			"capability": capability,
			"allowed":    true,
		})
	}
}

// ActivationShow resolves an invitation link landing.
func (a *AccountController) ActivationShow(ctx router.Context) error {
	store, err := a.landingStore(ctx)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	flow := NewActivationFlow(a.IDP, store, a.flowOptions()...)
	result := flow.Run(ctx.Context(), linkParams(ctx))
	return a.renderFlow(ctx, store, result)
}

func (a *AccountController) Activate(ctx router.Context) error {
	session, _ := GetRouterSession(ctx, a.Guard.contextKey)

	payload := new(ActivateRequest)
	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, bindError(err))
	}

	profile, err := a.Lifecycle.Activate(ctx.Context(), session, *payload)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	a.refreshStore(ctx, session)

	return ctx.JSON(router.StatusOK, map[string]any{
		"profile":     profile,
		"permissions": PermissionsFor(profile.Role),
		"redirect":    RouteDashboard,
	})
}

func (a *AccountController) RequestRecovery(ctx router.Context) error {
	payload := new(RecoveryRequest)
	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, bindError(err))
	}

	if err := a.Lifecycle.RequestRecovery(ctx.Context(), *payload); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	return ctx.JSON(http.StatusAccepted, map[string]any{
		"message": "If an account exists for this email, a reset link is on its way.",
	})
}

// ResetPasswordShow resolves a recovery link landing.
func (a *AccountController) ResetPasswordShow(ctx router.Context) error {
	store, err := a.landingStore(ctx)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	flow := NewRecoveryFlow(a.IDP, store, a.flowOptions()...)
	result := flow.Run(ctx.Context(), linkParams(ctx))
	return a.renderFlow(ctx, store, result)
}

func (a *AccountController) ResetPassword(ctx router.Context) error {
	session, _ := GetRouterSession(ctx, a.Guard.contextKey)

	payload := new(ResetPasswordRequest)
	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, bindError(err))
	}

	if err := a.Lifecycle.CompleteRecovery(ctx.Context(), session, *payload); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]any{"password_updated": true})
}

func (a *AccountController) UpdateProfile(ctx router.Context) error {
	session, _ := GetRouterSession(ctx, a.Guard.contextKey)

	payload := new(ProfileUpdate)
	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, bindError(err))
	}

	profile, err := a.Lifecycle.UpdateOwnProfile(ctx.Context(), session, *payload)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]any{"profile": profile})
}

func (a *AccountController) ListUsers(ctx router.Context) error {
	session, _ := GetRouterSession(ctx, a.Guard.contextKey)

	users, err := a.Lifecycle.ListUsers(ctx.Context(), session)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]any{"users": users})
}

func (a *AccountController) InviteUser(ctx router.Context) error {
	session, _ := GetRouterSession(ctx, a.Guard.contextKey)

	payload := new(InviteRequest)
	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, bindError(err))
	}

	if a.Debug {
		fmt.Println("======= INVITE USER ======")
		fmt.Println(print.MaybePrettyJSON(payload))
		fmt.Println("==========================")
	}

	profile, err := a.Lifecycle.Invite(ctx.Context(), session, *payload)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	return ctx.JSON(http.StatusCreated, map[string]any{"profile": profile})
}

func (a *AccountController) DeactivateUser(ctx router.Context) error {
	return a.withTarget(ctx, func(session *Session, id uuid.UUID) error {
		profile, err := a.Lifecycle.Deactivate(ctx.Context(), session, id)
		if err != nil {
			return err
		}
		return ctx.JSON(router.StatusOK, map[string]any{"profile": profile})
	})
}

func (a *AccountController) ReactivateUser(ctx router.Context) error {
	return a.withTarget(ctx, func(session *Session, id uuid.UUID) error {
		profile, err := a.Lifecycle.Reactivate(ctx.Context(), session, id)
		if err != nil {
			return err
		}
		return ctx.JSON(router.StatusOK, map[string]any{"profile": profile})
	})
}

func (a *AccountController) ChangeRole(ctx router.Context) error {
	return a.withTarget(ctx, func(session *Session, id uuid.UUID) error {
		payload := new(ChangeRoleRequest)
		if err := ctx.Bind(payload); err != nil {
			return bindError(err)
		}
		profile, err := a.Lifecycle.ChangeRole(ctx.Context(), session, id, payload.Role)
		if err != nil {
			return err
		}
		return ctx.JSON(router.StatusOK, map[string]any{"profile": profile})
	})
}

func (a *AccountController) ResetUserPassword(ctx router.Context) error {
	return a.withTarget(ctx, func(session *Session, id uuid.UUID) error {
		if err := a.Lifecycle.ResetPassword(ctx.Context(), session, id); err != nil {
			return err
		}
		return ctx.JSON(http.StatusAccepted, map[string]any{"reset_link_sent": true})
	})
}

func (a *AccountController) DeleteUser(ctx router.Context) error {
	return a.withTarget(ctx, func(session *Session, id uuid.UUID) error {
		confirm := strings.EqualFold(ctx.Query("confirm", ""), "true")
		if err := a.Lifecycle.Delete(ctx.Context(), session, id, confirm); err != nil {
			return err
		}
		return ctx.JSON(router.StatusOK, map[string]any{"deleted": true})
	})
}

func (a *AccountController) withTarget(ctx router.Context, fn func(*Session, uuid.UUID) error) error {
	session, _ := GetRouterSession(ctx, a.Guard.contextKey)

	id, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		return a.ErrorHandler(ctx, errorWith(ErrInvalidUserID, map[string]any{
			"id": ctx.Param("id"),
		}))
	}

	if err := fn(session, id); err != nil {
		return a.ErrorHandler(ctx, err)
	}
	return nil
}

// landingStore starts a detached store, resumed from the request token
// when the visitor already has a session.
func (a *AccountController) landingStore(ctx router.Context) (*SessionStore, error) {
	store := a.Registry.NewStore()
	if _, err := store.Resume(ctx.Context(), a.Guard.AccessToken(ctx)); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func (a *AccountController) renderFlow(ctx router.Context, store *SessionStore, result FlowResult) error {
	body := map[string]any{
		"state":     result.State,
		"home_link": result.HomeLink,
	}
	if result.Message != "" {
		body["message"] = result.Message
	}

	if result.Session == nil {
		store.Close()
		status := HTTPStatus(result.Err)
		if result.Err != nil {
			body["text_code"] = TextCode(result.Err)
		}
		return ctx.JSON(status, body)
	}

	a.Registry.Adopt(store)
	a.setSessionCookie(ctx, result.Session)
	for k, v := range sessionPayload(result.Session, "") {
		body[k] = v
	}
	return ctx.JSON(router.StatusOK, body)
}

func (a *AccountController) refreshStore(ctx router.Context, session *Session) {
	store, ok := a.Registry.Store(session.AccessToken())
	if !ok {
		return
	}
	if _, err := store.Refresh(ctx.Context()); err != nil {
		a.Logger.Warn("session refresh after activation failed: %v", err)
	}
}

func (a *AccountController) setSessionCookie(ctx router.Context, session *Session) {
	if a.SessionCookie == "" || session == nil {
		return
	}
	expires := time.Now().Add(12 * time.Hour)
	if session.Provider != nil && !session.Provider.ExpiresAt.IsZero() {
		expires = session.Provider.ExpiresAt
	}
	ctx.Cookie(&router.Cookie{
		Name:     a.SessionCookie,
		Value:    session.AccessToken(),
		Path:     "/",
		Expires:  expires,
		Secure:   a.SessionCookieSecure,
		HTTPOnly: true,
		SameSite: "Lax",
	})
}

func (a *AccountController) clearSessionCookie(ctx router.Context) {
	if a.SessionCookie == "" {
		return
	}
	ctx.Cookie(&router.Cookie{
		Name:     a.SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Now().Add(-time.Hour * (24 * 365)),
		Secure:   a.SessionCookieSecure,
		HTTPOnly: true,
	})
}

func (a *AccountController) flowOptions() []FlowOption {
	opts := []FlowOption{
		WithFlowSessionWait(a.LandingWait),
		WithFlowLogger(a.Logger),
		WithFlowActivitySink(a.Lifecycle.sink),
	}
	return append(opts, a.FlowOptions...)
}

func linkParams(ctx router.Context) LinkParams {
	return LinkParams{
		TokenHash:        strings.TrimSpace(ctx.Query(LinkParamTokenHash, "")),
		Type:             strings.TrimSpace(ctx.Query(LinkParamType, "")),
		Error:            ctx.Query(LinkParamError, ""),
		ErrorDescription: ctx.Query(LinkParamErrorDescription, ""),
	}
}

func sessionPayload(session *Session, redirect Route) map[string]any {
	body := map[string]any{
		"access_token": session.AccessToken(),
		"profile":      session.Profile,
		"permissions":  session.Permissions(),
		"super_admin":  IsSuperAdmin(session),
	}
	if session.Provider != nil && !session.Provider.ExpiresAt.IsZero() {
		body["expires_at"] = session.Provider.ExpiresAt
	}
	if redirect != "" {
		body["redirect"] = redirect
	}
	return body
}

func bindError(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to parse request body").
		WithCode(goerrors.CodeBadRequest).
		WithTextCode(TextCodeValidation)
}
