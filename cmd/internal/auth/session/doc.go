// Package session binds identities to browser sessions.
//
// A session is an opaque random token held by the client in a cookie. The
// server keeps only the token's hash (see security/token) next to the
// identity ID and an absolute expiry. Rows live in memory, Redis or Postgres.
//
// Codec turns an identity into the reference stored in a row and back. Gate
// answers whether a token currently maps to a live identity; anything else,
// including a row whose identity has vanished, is simply anonymous.
package session
