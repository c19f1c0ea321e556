package identity

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"
)

// Identity is the durable record for one user.
//
// A record may carry a local credential, any number of provider links, or
// both. Secrets are append-only and ordered oldest first.
type Identity struct {
	ID        string
	Local     *LocalCredential
	Links     map[string]string // provider -> subject
	Secrets   []Secret
	CreatedAt time.Time
}

// LocalCredential is a username/password pair verified by the service itself.
// PasswordHash is a PHC-encoded Argon2id string; the per-record salt lives inside it.
type LocalCredential struct {
	Username     string
	PasswordHash string
}

// Secret is one free-text entry submitted by an identity.
type Secret struct {
	ID         string
	IdentityID string
	Body       string
	CreatedAt  time.Time
}

// HasLink reports whether the identity owns (provider, subject).
func (i Identity) HasLink(provider, subject string) bool {
	if i.Links == nil {
		return false
	}
	got, ok := i.Links[NormalizeProvider(provider)]
	return ok && got == NormalizeSubject(subject)
}

// Providers returns the linked provider names, sorted.
func (i Identity) Providers() []string {
	return slices.Sorted(maps.Keys(i.Links))
}

// Clone returns a deep copy so callers never share maps/slices with a store.
func (i Identity) Clone() Identity {
	out := i
	if i.Local != nil {
		lc := *i.Local
		out.Local = &lc
	}
	if i.Links != nil {
		out.Links = maps.Clone(i.Links)
	}
	if i.Secrets != nil {
		out.Secrets = slices.Clone(i.Secrets)
	}
	return out
}

// CreateInput describes a new identity. At least one of Local or Links must be set.
type CreateInput struct {
	Local *LocalCredential
	Links map[string]string
	Now   time.Time
}

// Store is the credential store boundary.
//
// Contract shared by every backend:
//   - lookups that match nothing return an error satisfying IsNotFound;
//   - a duplicate username or provider link returns ConflictError;
//   - any other backend failure satisfies IsStorage;
//   - all methods are safe for concurrent use.
type Store interface {
	// Create persists a new identity and returns it with its assigned ID.
	Create(ctx context.Context, in CreateInput) (Identity, error)

	FindByID(ctx context.Context, id string) (Identity, error)
	FindByLocalUsername(ctx context.Context, username string) (Identity, error)
	FindByProviderLink(ctx context.Context, provider, subject string) (Identity, error)

	// AppendSecret appends a secret to the identity's list.
	AppendSecret(ctx context.Context, id, body string, now time.Time) (Secret, error)

	// Save replaces the mutable parts of an existing record: its local
	// credential and its provider links. Secrets are not touched.
	Save(ctx context.Context, rec Identity) error

	// ListSecrets returns the most recent secrets of all identities, newest first.
	ListSecrets(ctx context.Context, limit int) ([]Secret, error)

	Close() error
}

// Pinger is implemented by stores that can report backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	// MaxSecretChars bounds one secret body (runes).
	MaxSecretChars = 4000

	defaultListLimit = 100
	maxListLimit     = 500
)

// prepareCreate validates and normalizes a CreateInput. Shared by all backends.
func prepareCreate(op string, in CreateInput) (CreateInput, error) {
	out := CreateInput{Now: in.Now}
	if out.Now.IsZero() {
		out.Now = time.Now().UTC()
	}

	if in.Local != nil {
		lc, err := prepareLocal(op, *in.Local)
		if err != nil {
			return CreateInput{}, err
		}
		out.Local = &lc
	}

	links, err := prepareLinks(op, in.Links)
	if err != nil {
		return CreateInput{}, err
	}
	out.Links = links

	if out.Local == nil && len(out.Links) == 0 {
		return CreateInput{}, invalid(op, "local credential or provider link is required")
	}
	return out, nil
}

func prepareLocal(op string, lc LocalCredential) (LocalCredential, error) {
	// Usernames are matched exactly; only all-blank input is rejected.
	if strings.TrimSpace(lc.Username) == "" {
		return LocalCredential{}, invalid(op, "username is required")
	}
	if strings.TrimSpace(lc.PasswordHash) == "" {
		return LocalCredential{}, invalid(op, "password hash is required")
	}
	return lc, nil
}

func prepareLinks(op string, in map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for p, s := range in {
		p = NormalizeProvider(p)
		s = NormalizeSubject(s)
		if p == "" || s == "" {
			return nil, invalid(op, "provider and subject are required")
		}
		out[p] = s
	}
	return out, nil
}

func prepareSecret(op, id, body string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", invalid(op, "missing identity id")
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", invalid(op, "secret is empty")
	}
	if len([]rune(body)) > MaxSecretChars {
		return "", invalid(op, "secret is too long")
	}
	return body, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
