package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the token HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "SECRETS_TOKEN_HMAC_KEY"

	// MinHMACKeyBytes is the shortest key accepted in enforced mode.
	MinHMACKeyBytes = 32

	minTokenBytes = 16
	maxTokenBytes = 128
)

// Generate returns n random bytes encoded as unpadded base64url.
func Generate(n int) (string, error) {
	if n < minTokenBytes || n > maxTokenBytes {
		return "", ErrTokenSize
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Hasher turns raw tokens into storage keys.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher. A nil or empty key selects SHA-256 mode.
func NewHasher(key []byte) Hasher {
	if len(key) == 0 {
		return Hasher{}
	}
	return Hasher{key: append([]byte(nil), key...)}
}

// HasherFromEnv builds a Hasher from SECRETS_TOKEN_HMAC_KEY.
// With requireHMAC set, a missing key or one shorter than MinHMACKeyBytes is an error.
func HasherFromEnv(requireHMAC bool) (Hasher, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		if requireHMAC {
			return Hasher{}, ErrHMACKeyMissing
		}
		return Hasher{}, nil
	}
	if requireHMAC && len(raw) < MinHMACKeyBytes {
		return Hasher{}, ErrHMACKeyTooShort
	}
	return NewHasher([]byte(raw)), nil
}

// Keyed reports whether the hasher uses HMAC.
func (h Hasher) Keyed() bool { return len(h.key) > 0 }

// Hash returns the 64-char hex storage key for tok.
func (h Hasher) Hash(tok string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(tok)
	}
	return HashHMACSHA256Hex(tok, h.key)
}

// Equal compares two hex digests in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
