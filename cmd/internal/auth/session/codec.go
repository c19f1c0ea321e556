package session

import (
	"context"
	"fmt"
	"strings"

	"secrets/cmd/identity"
)

// Codec converts between an identity and the reference kept in a session row.
// The reference is the identity ID and nothing else.
type Codec struct {
	store identity.Store
}

// NewCodec returns a Codec that resolves references through store.
func NewCodec(store identity.Store) Codec {
	return Codec{store: store}
}

// Serialize returns the session reference for rec.
func (c Codec) Serialize(rec identity.Identity) (string, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return "", fmt.Errorf("%w: identity has no id", ErrInvalid)
	}
	return rec.ID, nil
}

// Deserialize loads the identity for ref. A blank or dangling reference is
// ErrInvalid; store failures are returned as they are.
func (c Codec) Deserialize(ctx context.Context, ref string) (identity.Identity, error) {
	if strings.TrimSpace(ref) == "" {
		return identity.Identity{}, ErrInvalid
	}
	rec, err := c.store.FindByID(ctx, ref)
	if identity.IsNotFound(err) {
		return identity.Identity{}, ErrInvalid
	}
	if err != nil {
		return identity.Identity{}, err
	}
	return rec, nil
}
