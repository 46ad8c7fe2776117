package service

import "errors"

// Domain errors. Callers match them with errors.Is; anything else coming out
// of this package is an internal fault carrying an oops code.
var (
	ErrMissingInput          = errors.New("missing required input")
	ErrInvalidInput          = errors.New("invalid input")
	ErrDuplicateIdentity     = errors.New("email is already registered")
	ErrInvalidCredentials    = errors.New("invalid email or password")
	ErrInvalidOrExpiredToken = errors.New("reset token is invalid or has expired")
	ErrDeliveryFailed        = errors.New("could not send password reset email")
	ErrNotFound              = errors.New("account not found")
)
