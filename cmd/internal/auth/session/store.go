package session

import (
	"context"
	"time"
)

// Row is one persisted session. TokenHash is the hex digest of the client's
// token; the token itself is never stored.
type Row struct {
	TokenHash  string    `json:"-"`
	IdentityID string    `json:"identity_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the row is no longer usable at now.
func (r Row) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Store abstracts persistence for session rows.
//
// Implementations must be safe for concurrent use. Get returns ErrNotFound
// for unknown hashes; Delete of a missing row is not an error.
type Store interface {
	Create(ctx context.Context, row Row) error
	Get(ctx context.Context, tokenHash string) (Row, error)
	Delete(ctx context.Context, tokenHash string) error
}

// Expirer is implemented by stores that need explicit cleanup of expired rows.
// Redis expires keys by itself and does not implement it.
type Expirer interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
