package auth

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeUnauthenticated     = "UNAUTHENTICATED"
	TextCodeForbidden           = "FORBIDDEN"
	TextCodeValidation          = "VALIDATION_FAILED"
	TextCodeInvalidCreds        = "INVALID_CREDENTIALS"
	TextCodeInvalidRole         = "INVALID_ROLE"
	TextCodePasswordTooShort    = "PASSWORD_TOO_SHORT"
	TextCodeTokenInvalid        = "TOKEN_INVALID"
	TextCodeTokenExpired        = "TOKEN_EXPIRED"
	TextCodeTokenConsumed       = "TOKEN_ALREADY_USED"
	TextCodeProfileNotFound     = "PROFILE_NOT_FOUND"
	TextCodeIdentityNotFound    = "IDENTITY_NOT_FOUND"
	TextCodeIdentityExists      = "IDENTITY_EXISTS"
	TextCodeAlreadyActive       = "ACCOUNT_ALREADY_ACTIVE"
	TextCodeActivationRequired  = "ACTIVATION_REQUIRED"
	TextCodeAccountInactive     = "ACCOUNT_INACTIVE"
	TextCodeInvalidTransition   = "INVALID_USER_STATE_TRANSITION"
	TextCodeConfirmationMissing = "CONFIRMATION_REQUIRED"
	TextCodeProfileInvariant    = "PROFILE_INVARIANT_VIOLATION"
	TextCodeTooManyRequests     = "TOO_MANY_REQUESTS"
	TextCodeProviderFailure     = "PROVIDER_FAILURE"
	TextCodeUnsupported         = "UNSUPPORTED_OPERATION"
	TextCodeSessionRequired     = "SESSION_REQUIRED"
)

// MinPasswordLength is the shortest credential accepted on activation
// and reset.
const MinPasswordLength = 8

// ErrUnauthenticated is returned when no valid session backs the request.
var ErrUnauthenticated = goerrors.New("authentication required", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized).
	WithTextCode(TextCodeUnauthenticated)

// ErrForbidden is returned when the session lacks the needed capability.
var ErrForbidden = goerrors.New("insufficient permissions", goerrors.CategoryAuthz).
	WithCode(goerrors.CodeForbidden).
	WithTextCode(TextCodeForbidden)

// ErrInvalidCredentials is returned on a failed password sign in
var ErrInvalidCredentials = goerrors.New("the credentials provided are invalid", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized).
	WithTextCode(TextCodeInvalidCreds)

var ErrInvalidRole = goerrors.New("role is not one of the valid roles", goerrors.CategoryValidation).
	WithCode(goerrors.CodeBadRequest).
	WithTextCode(TextCodeInvalidRole)

var ErrPasswordTooShort = goerrors.New("password must be at least 8 characters long", goerrors.CategoryValidation).
	WithCode(goerrors.CodeBadRequest).
	WithTextCode(TextCodePasswordTooShort)

// ErrTokenInvalid covers malformed, unknown and already consumed link tokens.
var ErrTokenInvalid = goerrors.New("the link is invalid or has already been used", goerrors.CategoryAuth).
	WithCode(goerrors.CodeBadRequest).
	WithTextCode(TextCodeTokenInvalid)

var ErrTokenExpired = goerrors.New("the link has expired", goerrors.CategoryAuth).
	WithCode(goerrors.CodeBadRequest).
	WithTextCode(TextCodeTokenExpired)

var ErrTokenConsumed = goerrors.New("the link has already been used", goerrors.CategoryAuth).
	WithCode(goerrors.CodeBadRequest).
	WithTextCode(TextCodeTokenConsumed)

var ErrProfileNotFound = goerrors.New("user profile not found", goerrors.CategoryNotFound).
	WithCode(goerrors.CodeNotFound).
	WithTextCode(TextCodeProfileNotFound)

var ErrIdentityNotFound = goerrors.New("identity not found", goerrors.CategoryNotFound).
	WithCode(goerrors.CodeNotFound).
	WithTextCode(TextCodeIdentityNotFound)

var ErrIdentityExists = goerrors.New("an account already exists for this email", goerrors.CategoryConflict).
	WithCode(goerrors.CodeConflict).
	WithTextCode(TextCodeIdentityExists)

// ErrAlreadyActive rejects a second activation of the same profile.
var ErrAlreadyActive = goerrors.New("account is already active", goerrors.CategoryConflict).
	WithCode(goerrors.CodeConflict).
	WithTextCode(TextCodeAlreadyActive)

// ErrActivationRequired is returned to pending users outside the activation routes.
var ErrActivationRequired = goerrors.New("account activation required", goerrors.CategoryAuthz).
	WithCode(goerrors.CodeForbidden).
	WithTextCode(TextCodeActivationRequired)

var ErrAccountInactive = goerrors.New("account is not active", goerrors.CategoryAuthz).
	WithCode(goerrors.CodeForbidden).
	WithTextCode(TextCodeAccountInactive)

// ErrInvalidTransition is returned when a requested status change is not allowed.
var ErrInvalidTransition = goerrors.New("invalid user state transition", goerrors.CategoryConflict).
	WithCode(goerrors.CodeConflict).
	WithTextCode(TextCodeInvalidTransition)

var ErrConfirmationRequired = goerrors.New("explicit confirmation is required", goerrors.CategoryBadInput).
	WithCode(goerrors.CodeBadRequest).
	WithTextCode(TextCodeConfirmationMissing)

var ErrProfileInvariant = goerrors.New("profile violates activation invariants", goerrors.CategoryInternal).
	WithCode(goerrors.CodeInternal).
	WithTextCode(TextCodeProfileInvariant)

var ErrTooManyRequests = goerrors.New("too many requests, try again later", goerrors.CategoryRateLimit).
	WithCode(http.StatusTooManyRequests).
	WithTextCode(TextCodeTooManyRequests)

var ErrUnsupported = goerrors.New("operation not supported by this identity provider", goerrors.CategoryOperation).
	WithCode(goerrors.CodeInternal).
	WithTextCode(TextCodeUnsupported)

var ErrSessionRequired = goerrors.New("a signed in session is required", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized).
	WithTextCode(TextCodeSessionRequired)

// errorWith clones base and attaches metadata, leaving the sentinel untouched.
func errorWith(base *goerrors.Error, metadata map[string]any) *goerrors.Error {
	clone := base.Clone()
	if len(metadata) > 0 {
		clone = clone.WithMetadata(metadata)
	}
	return clone
}

// providerError wraps a provider/storage failure, keeping rich errors as is.
func providerError(err error, message string) error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, message).
		WithCode(goerrors.CodeInternal).
		WithTextCode(TextCodeProviderFailure)
}

// TextCode returns the text code of a rich error or an empty string.
func TextCode(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode
	}
	return ""
}

// HasTextCode reports whether err carries the given text code.
func HasTextCode(err error, code string) bool {
	return err != nil && TextCode(err) == code
}

// IsUnauthorized reports a 401 class error
func IsUnauthorized(err error) bool {
	return HTTPStatus(err) == http.StatusUnauthorized
}

// IsForbidden reports a 403 class error
func IsForbidden(err error) bool {
	return HTTPStatus(err) == http.StatusForbidden
}

// IsValidation reports a 400 class error
func IsValidation(err error) bool {
	return HTTPStatus(err) == http.StatusBadRequest
}

// IsTokenError reports whether err came from a one time token exchange.
func IsTokenError(err error) bool {
	switch TextCode(err) {
	case TextCodeTokenInvalid, TextCodeTokenExpired, TextCodeTokenConsumed:
		return true
	}
	return false
}

// HTTPStatus maps any error to the status the HTTP layer should use.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return http.StatusInternalServerError
	}

	if richErr.Code >= 400 && richErr.Code < 600 {
		return richErr.Code
	}

	switch richErr.Category {
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryValidation, goerrors.CategoryBadInput:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
