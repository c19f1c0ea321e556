package identity

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used when no database is configured,
// and by unit tests. Uniqueness is enforced under a single mutex, so the
// lookup-then-insert sequence in Create is atomic.
type MemoryStore struct {
	mu sync.Mutex

	byID       map[string]*Identity
	byUsername map[string]string // username -> id
	byLink     map[string]string // linkKey(provider, subject) -> id
	secrets    []Secret          // global order of submission
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*Identity),
		byUsername: make(map[string]string),
		byLink:     make(map[string]string),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Create inserts a new identity.
func (s *MemoryStore) Create(ctx context.Context, in CreateInput) (Identity, error) {
	const op = "identity.Create"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	in, err := prepareCreate(op, in)
	if err != nil {
		return Identity{}, err
	}

	id, err := NewULID(in.Now)
	if err != nil {
		return Identity{}, storageErr(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if in.Local != nil {
		if _, taken := s.byUsername[in.Local.Username]; taken {
			return Identity{}, ConflictError{Op: op, Field: FieldUsername}
		}
	}
	for p, sub := range in.Links {
		if _, taken := s.byLink[linkKey(p, sub)]; taken {
			return Identity{}, ConflictError{Op: op, Field: FieldProviderLink}
		}
	}

	rec := &Identity{
		ID:        id,
		Local:     in.Local,
		Links:     in.Links,
		CreatedAt: in.Now,
	}
	s.byID[id] = rec
	if rec.Local != nil {
		s.byUsername[rec.Local.Username] = id
	}
	for p, sub := range rec.Links {
		s.byLink[linkKey(p, sub)] = id
	}

	return rec.Clone(), nil
}

// FindByID loads an identity by ID.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (Identity, error) {
	const op = "identity.FindByID"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return Identity{}, notFound(op)
	}
	return rec.Clone(), nil
}

// FindByLocalUsername loads an identity by exact local username.
func (s *MemoryStore) FindByLocalUsername(ctx context.Context, username string) (Identity, error) {
	const op = "identity.FindByLocalUsername"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byUsername[username]
	if !ok {
		return Identity{}, notFound(op)
	}
	return s.byID[id].Clone(), nil
}

// FindByProviderLink loads the identity owning (provider, subject).
func (s *MemoryStore) FindByProviderLink(ctx context.Context, provider, subject string) (Identity, error) {
	const op = "identity.FindByProviderLink"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byLink[linkKey(NormalizeProvider(provider), NormalizeSubject(subject))]
	if !ok {
		return Identity{}, notFound(op)
	}
	return s.byID[id].Clone(), nil
}

// AppendSecret appends a secret to an identity.
func (s *MemoryStore) AppendSecret(ctx context.Context, id, body string, now time.Time) (Secret, error) {
	const op = "identity.AppendSecret"

	if err := ctx.Err(); err != nil {
		return Secret{}, err
	}
	body, err := prepareSecret(op, id, body)
	if err != nil {
		return Secret{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	secretID, err := NewULID(now)
	if err != nil {
		return Secret{}, storageErr(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return Secret{}, notFound(op)
	}

	sec := Secret{ID: secretID, IdentityID: id, Body: body, CreatedAt: now}
	rec.Secrets = append(rec.Secrets, sec)
	s.secrets = append(s.secrets, sec)
	return sec, nil
}

// Save replaces the local credential and provider links of an existing identity.
func (s *MemoryStore) Save(ctx context.Context, rec Identity) error {
	const op = "identity.Save"

	if err := ctx.Err(); err != nil {
		return err
	}

	var local *LocalCredential
	if rec.Local != nil {
		lc, err := prepareLocal(op, *rec.Local)
		if err != nil {
			return err
		}
		local = &lc
	}
	links, err := prepareLinks(op, rec.Links)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[rec.ID]
	if !ok {
		return notFound(op)
	}

	// Check every constraint before mutating anything.
	if local != nil {
		if owner, taken := s.byUsername[local.Username]; taken && owner != cur.ID {
			return ConflictError{Op: op, Field: FieldUsername}
		}
	}
	for p, sub := range links {
		if owner, taken := s.byLink[linkKey(p, sub)]; taken && owner != cur.ID {
			return ConflictError{Op: op, Field: FieldProviderLink}
		}
	}

	if cur.Local != nil {
		delete(s.byUsername, cur.Local.Username)
	}
	for p, sub := range cur.Links {
		delete(s.byLink, linkKey(p, sub))
	}

	cur.Local = local
	cur.Links = maps.Clone(links)

	if cur.Local != nil {
		s.byUsername[cur.Local.Username] = cur.ID
	}
	for p, sub := range cur.Links {
		s.byLink[linkKey(p, sub)] = cur.ID
	}
	return nil
}

// ListSecrets returns the most recent secrets, newest first.
func (s *MemoryStore) ListSecrets(ctx context.Context, limit int) ([]Secret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(limit, len(s.secrets))
	out := slices.Clone(s.secrets[len(s.secrets)-n:])
	slices.Reverse(out)
	return out, nil
}
