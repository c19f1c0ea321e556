package session

import (
	"context"
	"errors"

	"secrets/cmd/identity"
)

// Gate decides whether a token is authenticated.
type Gate struct {
	svc *Service
}

// NewGate wraps svc.
func NewGate(svc *Service) Gate {
	return Gate{svc: svc}
}

// IsAuthenticated reports whether tok resolves to a live identity.
func (g Gate) IsAuthenticated(ctx context.Context, tok string) bool {
	_, ok := g.Identity(ctx, tok)
	return ok
}

// Identity returns the identity for tok. Storage failures are logged and
// reported as unauthenticated.
func (g Gate) Identity(ctx context.Context, tok string) (identity.Identity, bool) {
	rec, err := g.svc.Resolve(ctx, tok)
	if err == nil {
		return rec, true
	}
	if !errors.Is(err, ErrInvalid) {
		g.svc.log.ErrorContext(ctx, "session.resolve.failed", "err", err)
	}
	return identity.Identity{}, false
}
