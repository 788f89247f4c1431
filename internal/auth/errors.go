package auth

import "errors"

var (
	// ErrTokenInvalid is returned for a token that fails signature, expiry
	// or claim checks.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrForbidden is returned when a valid token lacks a permission.
	ErrForbidden = errors.New("insufficient permissions")

	// ErrNoSecret is returned when signing or validating without a secret.
	ErrNoSecret = errors.New("jwt secret not configured")
)
