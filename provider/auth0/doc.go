// Package auth0 backs the clinic session and account lifecycle with an
// Auth0 tenant.
//
// Users sign in and set passwords on Auth0's hosted pages. This package
// validates the resulting access tokens against the tenant JWKS, maps the
// Auth0 user id to the shared profile id through an IdentifierStore, and
// uses the management API for invitations, recovery tickets, credential
// updates and deletion.
package auth0
