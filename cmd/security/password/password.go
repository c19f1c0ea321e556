package password

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Hash validates password against the policy and returns its encoded Argon2id hash.
// Each call draws a fresh salt, so hashing the same password twice yields
// different strings.
func (c Config) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}
	return c.hash(password)
}

func (c Config) hash(password string) (string, error) {
	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	key := argon2.IDKey(
		[]byte(password),
		salt,
		c.Params.Iterations,
		c.Params.MemoryKiB,
		c.Params.Parallelism,
		c.Params.KeyLength,
	)
	return encode(c.Params, salt, key), nil
}

// Verify checks whether password matches the given encoded hash.
// Returns (true, nil) for a match, (false, nil) for mismatch,
// and (false, ErrInvalidHash) for malformed/unsupported hashes.
func (c Config) Verify(encodedHash, password string) (bool, error) {
	params, salt, expected, err := decode(encodedHash)
	if err != nil {
		return false, err
	}

	// Refuse attacker-sized parameters before spending memory on them.
	if !withinReasonableBounds(params, c.Params) {
		return false, ErrInvalidHash
	}

	key := argon2.IDKey(
		[]byte(password),
		salt,
		params.Iterations,
		params.MemoryKiB,
		params.Parallelism,
		uint32(len(expected)), // #nosec G115 -- expected length is bounded by decode(); safe conversion.
	)

	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

// NeedsRehash reports whether encodedHash was produced with parameters other
// than the current ones. Malformed hashes always need a rehash.
func (c Config) NeedsRehash(encodedHash string) bool {
	params, _, _, err := decode(encodedHash)
	if err != nil {
		return true
	}
	return params != c.Params
}

// DummyHash returns a well-formed hash of a random value using the current
// parameters. Verifying against it costs the same as a real verification and
// never matches.
func (c Config) DummyHash() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("dummy: %w", err)
	}
	return c.hash(string(buf))
}

func withinReasonableBounds(got Argon2idParams, limits Argon2idParams) bool {
	// Older, cheaper settings are fine; wildly larger ones are not.
	if got.MemoryKiB > limits.MemoryKiB*2 {
		return false
	}
	if got.Iterations > limits.Iterations*2 {
		return false
	}
	if uint32(got.Parallelism) > uint32(limits.Parallelism)*2 {
		return false
	}
	if got.SaltLength < 8 || got.SaltLength > 64 {
		return false
	}
	if got.KeyLength < 16 || got.KeyLength > 128 {
		return false
	}
	return true
}
