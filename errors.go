package authkit

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds as constants
const (
	KindDuplicateKey        = "duplicate_key"
	KindStoreUnavailable    = "store_unavailable"
	KindProviderUnavailable = "provider_unavailable"
	KindInvalidCSRFToken    = "invalid_csrf_token"
	KindAlreadyLinked       = "already_linked"
	KindUnknownProvider     = "unknown_provider"
	KindSerializationError  = "serialization_error"
	KindSessionExpired      = "session_expired"
	KindLastAuthMethod      = "last_auth_method"
	KindInvalidToken        = "invalid_token"
	KindRateLimitExceeded   = "rate_limit_exceeded"
	KindServerError         = "server_error"
)

// AuthError represents a classified authentication subsystem error.
// The Kind is stable and safe to expose in error-view redirects; the
// Description is for logs and operators, not end users.
type AuthError struct {
	Kind        string // stable error kind (e.g. "duplicate_key")
	Description string // human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// NewAuthError creates a new classified error
func NewAuthError(kind, description string, status int) *AuthError {
	return &AuthError{
		Kind:        kind,
		Description: description,
		Status:      status,
	}
}

// KindOf returns the error kind for err, or "server_error" when err is not
// an *AuthError. Callers use this to build error-view redirects without
// leaking raw error detail.
func KindOf(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindServerError
}

// StatusOf returns the HTTP status for err, defaulting to 500.
func StatusOf(err error) int {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return http.StatusInternalServerError
}

// Common errors as reusable constructors
var (
	// ErrDuplicateKey indicates a uniqueness constraint was violated (email
	// or provider account already present)
	ErrDuplicateKey = func(desc string) *AuthError {
		return NewAuthError(KindDuplicateKey, desc, http.StatusConflict)
	}

	// ErrStoreUnavailable indicates the backing user or session store could
	// not be reached within the operation deadline
	ErrStoreUnavailable = func(desc string) *AuthError {
		return NewAuthError(KindStoreUnavailable, desc, http.StatusServiceUnavailable)
	}

	// ErrProviderUnavailable indicates the OAuth provider could not be
	// reached or returned a malformed response
	ErrProviderUnavailable = func(desc string) *AuthError {
		return NewAuthError(KindProviderUnavailable, desc, http.StatusBadGateway)
	}

	// ErrInvalidCSRFToken indicates the submitted form token does not match
	// the session's current token; the request is rejected before any side
	// effect
	ErrInvalidCSRFToken = func(desc string) *AuthError {
		return NewAuthError(KindInvalidCSRFToken, desc, http.StatusForbidden)
	}

	// ErrAlreadyLinked indicates another user already owns the
	// (provider, provider account id) pair
	ErrAlreadyLinked = func(desc string) *AuthError {
		return NewAuthError(KindAlreadyLinked, desc, http.StatusConflict)
	}

	// ErrUnknownProvider indicates a provider name not present in the
	// registry; a configuration bug, caught at startup where possible
	ErrUnknownProvider = func(desc string) *AuthError {
		return NewAuthError(KindUnknownProvider, desc, http.StatusNotFound)
	}

	// ErrSerialization indicates a user record without a usable identifier
	ErrSerialization = func(desc string) *AuthError {
		return NewAuthError(KindSerializationError, desc, http.StatusInternalServerError)
	}

	// ErrSessionExpired indicates the session exceeded its maximum idle age
	ErrSessionExpired = func(desc string) *AuthError {
		return NewAuthError(KindSessionExpired, desc, http.StatusUnauthorized)
	}

	// ErrLastAuthMethod indicates an unlink that would remove the user's
	// only remaining way to sign in
	ErrLastAuthMethod = func(desc string) *AuthError {
		return NewAuthError(KindLastAuthMethod, desc, http.StatusConflict)
	}

	// ErrInvalidVerificationToken indicates an email sign-in token that is
	// unknown, expired, or already consumed
	ErrInvalidVerificationToken = func(desc string) *AuthError {
		return NewAuthError(KindInvalidToken, desc, http.StatusBadRequest)
	}

	// ErrRateLimited indicates the caller exceeded the sign-in rate limit
	ErrRateLimited = func(desc string) *AuthError {
		return NewAuthError(KindRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)
