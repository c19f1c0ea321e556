package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// trivialPasswords is the short deny list applied when RejectVeryWeak is set.
var trivialPasswords = map[string]struct{}{
	"password": {}, "password123": {}, "qwerty": {}, "qwerty123": {},
	"letmein": {}, "iloveyou": {}, "secret": {}, "secrets": {},
	"123456": {}, "123456789": {}, "11111111": {},
}

// Validate checks the password against the policy without changing it.
//
// Surrounding whitespace is kept and significant when hashing; a password
// made only of whitespace counts as empty. Lengths are in runes.
func (c Config) Validate(password string) error {
	if strings.TrimSpace(password) == "" {
		return ErrPasswordEmpty
	}
	switch n := utf8.RuneCountInString(password); {
	case n < c.Policy.MinLength:
		return ErrPasswordTooShort
	case n > c.Policy.MaxLength:
		return ErrPasswordTooLong
	}
	if c.Policy.RejectVeryWeak && looksVeryWeak(password) {
		return ErrWeakPassword
	}
	return nil
}

// looksVeryWeak catches only the most trivial choices: one repeated
// character, short PIN-like digit runs and a handful of classics.
func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}
	first, _ := utf8.DecodeRuneInString(s)
	if strings.Trim(s, string(first)) == "" {
		return true
	}
	if utf8.RuneCountInString(s) < 12 && strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
		return true
	}
	_, trivial := trivialPasswords[strings.ToLower(s)]
	return trivial
}
