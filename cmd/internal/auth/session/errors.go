package session

import "errors"

var (
	// ErrInvalid means a token or reference does not resolve to a live identity.
	// Callers treat it as "anonymous", never as a server failure.
	ErrInvalid = errors.New("invalid session")

	// ErrNotFound is returned by stores when no row matches a token hash.
	ErrNotFound = errors.New("session not found")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid session config")
)
