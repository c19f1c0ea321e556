package auth

import "errors"

// Public, stable errors for callers.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrDuplicateUsername  = errors.New("duplicate username")
	ErrInvalidCredentials = errors.New("invalid credentials")
)
