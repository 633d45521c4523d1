package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy for the authorization core. Callers dispatch with Is; the
// HTTP layer maps each sentinel to a status code and a stable error code.
var (
	// Callback errors
	ErrInvalidState        = errors.New("invalid state")
	ErrMissingVerifier     = errors.New("missing code verifier")
	ErrMissingCode         = errors.New("missing authorization code")
	ErrAuthorizationDenied = errors.New("authorization denied by provider")

	// Token endpoint errors
	ErrTokenExchange = errors.New("token exchange failed")
	ErrTokenRefresh  = errors.New("token refresh failed")

	// Credential errors
	ErrNoRefreshToken = errors.New("no refresh token")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrExpired        = errors.New("access token expired")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")

	// FHIR server errors
	ErrUpstream = errors.New("fhir request failed")

	// General errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternal       = errors.New("internal error")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Tag attaches a taxonomy sentinel to an underlying cause. Both remain
// reachable through errors.Is, but only the sentinel text is meant to be
// shown outside the process.
func Tag(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
