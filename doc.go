// Package auth provides role based access control and staff account
// lifecycle for the clinic admin tool, on top of a pluggable identity
// provider.
//
// Roles and access:
//   - Every staff member has one Role (super_admin, doctor, nurse or
//     receptionist). PermissionsFor maps a role to its fixed PermissionSet;
//     only super_admin may manage users.
//   - IsAllowed and Authorize check a Capability against a Session, and
//     RouteAccess decides whether a route may render or where to redirect.
//     Pending accounts are held on the activation page until they finish
//     onboarding.
//
// Sessions:
//   - A SessionStore combines a provider session with the user's profile and
//     keeps it current. It subscribes to the ProfileFeed for the signed in
//     user, so role or status changes made by an administrator reach the
//     open session without a new sign in.
//   - SessionRegistry caches one store per access token for the HTTP layer.
//     RouteAuthenticator resolves the request token through it and exposes
//     ProtectedRoute, RequireRoute and RequireCapability middleware.
//   - Deleting a profile publishes a DeletedProfile tombstone; stores
//     watching that user drop to anonymous.
//
// Account lifecycle:
//   - AccountLifecycle implements invite, activation, deactivation,
//     reactivation, role change, password reset and deletion. Status moves
//     go through ProfileStateMachine, which owns the transition graph and
//     the activated_at timestamp.
//   - Invitation and recovery links carry a single use token. ActivationFlow
//     and RecoveryFlow exchange it for a session and report a FlowState the
//     landing page renders.
//
// Errors are *goerrors.Error values with a stable TextCode; HTTPStatus and
// RenderError turn them into responses. Lifecycle and access events are
// emitted to an ActivitySink on a best effort basis.
package auth
