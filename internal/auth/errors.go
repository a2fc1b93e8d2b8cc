package auth

import "errors"

// Domain errors for authentication.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenMissing = errors.New("missing bearer token")
	ErrNoSecret     = errors.New("signing secret is empty")
	ErrInvalidTTL   = errors.New("token lifetime must be positive")
)
