// Package token mints opaque session tokens and hashes them for server-side storage.
//
// Only the hash of a token is ever persisted. Hashing is HMAC-SHA256 when a key
// is configured (SECRETS_TOKEN_HMAC_KEY) and plain SHA-256 otherwise, which is
// acceptable for development only. Either way the output is 64 hex characters.
package token
