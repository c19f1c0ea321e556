package password

import "errors"

// Public, stable errors for callers.
var (
	ErrPasswordEmpty    = errors.New("password empty")
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
	ErrWeakPassword     = errors.New("weak password")
	ErrInvalidHash      = errors.New("invalid password hash")
)

// IsPolicyError reports whether err came from Validate.
func IsPolicyError(err error) bool {
	return errors.Is(err, ErrPasswordEmpty) ||
		errors.Is(err, ErrPasswordTooShort) ||
		errors.Is(err, ErrPasswordTooLong) ||
		errors.Is(err, ErrWeakPassword)
}
