package auth

// Route is a logical application route used for gating.
type Route string

const (
	RouteSignIn         Route = "sign-in"
	RouteActivate       Route = "activate"
	RouteForgotPassword Route = "forgot-password"
	RouteResetPassword  Route = "reset-password"
	RouteUserManagement Route = "user-management"
	RouteDashboard      Route = "dashboard"
	RoutePatients       Route = "patients"
	RouteVisits         Route = "visits"
)

// publicRoutes are reachable without a session.
var publicRoutes = map[Route]struct{}{
	RouteSignIn:         {},
	RouteActivate:       {},
	RouteForgotPassword: {},
	RouteResetPassword:  {},
}

// pendingRoutes are the only routes a pending account may reach.
var pendingRoutes = map[Route]struct{}{
	RouteActivate:       {},
	RouteForgotPassword: {},
	RouteResetPassword:  {},
}

// RouteDecision is the outcome of a navigation check.
type RouteDecision struct {
	Route    Route  `json:"route"`
	Allowed  bool   `json:"allowed"`
	Redirect Route  `json:"redirect,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// IsAllowed reports whether the session's current role grants capability.
// A nil session, a session without profile, or an unknown role is denied.
func IsAllowed(session *Session, capability Capability) bool {
	if session == nil || session.Profile == nil {
		return false
	}
	return PermissionsFor(session.Profile.Role).Has(capability)
}

// IsSuperAdmin checks the role by exact equality. User management screens
// require this in addition to the granular capability.
func IsSuperAdmin(session *Session) bool {
	if session == nil || session.Profile == nil {
		return false
	}
	return session.Profile.Role == RoleSuperAdmin
}

// Authorize turns a capability check into a structured error: 401 when
// there is no session, 403 when the capability is missing.
func Authorize(session *Session, capability Capability) error {
	if session == nil || session.Profile == nil {
		return errorWith(ErrUnauthenticated, map[string]any{
			"capability": capability,
		})
	}
	if session.Profile.IsPending() {
		return errorWith(ErrActivationRequired, map[string]any{
			"capability": capability,
		})
	}
	if !IsAllowed(session, capability) {
		return errorWith(ErrForbidden, map[string]any{
			"capability": capability,
			"role":       session.Profile.Role,
		})
	}
	return nil
}

// AuthorizeUserManagement guards the user management surface. It requires
// the super_admin role and the named capability.
func AuthorizeUserManagement(session *Session, capability Capability) error {
	if err := Authorize(session, capability); err != nil {
		return err
	}
	if !IsSuperAdmin(session) {
		return errorWith(ErrForbidden, map[string]any{
			"capability": capability,
			"role":       session.Profile.Role,
			"reason":     "user management requires super_admin",
		})
	}
	return nil
}

// RouteAccess decides whether the session may navigate to route. It is
// evaluated on every request and never cached.
func RouteAccess(session *Session, route Route) RouteDecision {
	decision := RouteDecision{Route: route}

	if session == nil || session.Profile == nil {
		if _, ok := publicRoutes[route]; ok {
			decision.Allowed = true
			return decision
		}
		decision.Redirect = RouteSignIn
		decision.Reason = "authentication required"
		return decision
	}

	if session.Profile.IsPending() {
		if _, ok := pendingRoutes[route]; ok {
			decision.Allowed = true
			return decision
		}
		decision.Redirect = RouteActivate
		decision.Reason = "account activation required"
		return decision
	}

	if route == RouteUserManagement {
		if IsSuperAdmin(session) && IsAllowed(session, CanManageUsers) {
			decision.Allowed = true
			return decision
		}
		decision.Redirect = RouteDashboard
		decision.Reason = "access denied"
		return decision
	}

	decision.Allowed = true
	return decision
}
