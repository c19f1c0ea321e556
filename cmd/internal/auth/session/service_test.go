package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"secrets/cmd/identity"
	"secrets/cmd/security/token"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ids      *identity.MemoryStore
	sessions *MemoryStore
	svc      *Service
	gate     Gate
	clock    *fakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	ids := identity.NewMemoryStore()
	sessions := NewMemoryStore()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	cfg := DefaultConfig()
	cfg.TTL = time.Hour
	svc, err := NewService(cfg, sessions, NewCodec(ids), token.NewHasher([]byte(strings.Repeat("k", 32))), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return fixture{ids: ids, sessions: sessions, svc: svc, gate: NewGate(svc), clock: clock}
}

func (f fixture) mustIdentity(t *testing.T, subject string) identity.Identity {
	t.Helper()
	rec, err := f.ids.Create(context.Background(), identity.CreateInput{Links: map[string]string{"google": subject}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func TestBindResolveUnbind(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	rec := f.mustIdentity(t, "g-1")

	issued, err := f.svc.Bind(ctx, rec)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if issued.Token == "" || issued.IdentityID != rec.ID {
		t.Fatalf("unexpected issue result: %+v", issued)
	}
	if !issued.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", issued.ExpiresAt)
	}

	// Only the hash is stored.
	if _, err := f.sessions.Get(ctx, issued.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("plain token must not be a storage key")
	}

	got, err := f.svc.Resolve(ctx, issued.Token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != rec.ID {
		t.Fatalf("resolved %q, want %q", got.ID, rec.ID)
	}
	if !f.gate.IsAuthenticated(ctx, issued.Token) {
		t.Fatalf("expected authenticated")
	}

	if err := f.svc.Unbind(ctx, issued.Token); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if f.gate.IsAuthenticated(ctx, issued.Token) {
		t.Fatalf("expected anonymous after unbind")
	}
	if err := f.svc.Unbind(ctx, issued.Token); err != nil {
		t.Fatalf("second Unbind must succeed: %v", err)
	}
	if err := f.svc.Unbind(ctx, ""); err != nil {
		t.Fatalf("blank Unbind must succeed: %v", err)
	}
}

func TestResolve_Expired(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.Bind(ctx, f.mustIdentity(t, "g-2"))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.svc.Resolve(ctx, issued.Token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if f.sessions.Len() != 0 {
		t.Fatalf("expired row should be deleted")
	}
}

type vanishingStore struct {
	identity.Store
}

func (vanishingStore) FindByID(context.Context, string) (identity.Identity, error) {
	return identity.Identity{}, identity.NotFoundError{Op: "test.FindByID", Resource: "identity"}
}

func TestResolve_DanglingIdentityIsAnonymous(t *testing.T) {
	t.Parallel()

	ids := identity.NewMemoryStore()
	rec, err := ids.Create(context.Background(), identity.CreateInput{Links: map[string]string{"google": "gone"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sessions := NewMemoryStore()
	binder, err := NewService(DefaultConfig(), sessions, NewCodec(ids), token.NewHasher(nil))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	issued, err := binder.Bind(context.Background(), rec)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	// Same session rows, but the identity no longer exists.
	svc, err := NewService(DefaultConfig(), sessions, NewCodec(vanishingStore{Store: ids}), token.NewHasher(nil))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := svc.Resolve(context.Background(), issued.Token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if NewGate(svc).IsAuthenticated(context.Background(), issued.Token) {
		t.Fatalf("dangling session must be anonymous")
	}
	if sessions.Len() != 0 {
		t.Fatalf("dangling row should be deleted")
	}
}

func TestResolve_GarbageTokens(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, tok := range []string{"", "   ", "not-a-session", strings.Repeat("x", maxTokenLen+1)} {
		if _, err := f.svc.Resolve(context.Background(), tok); !errors.Is(err, ErrInvalid) {
			t.Fatalf("Resolve(%.10q): expected ErrInvalid, got %v", tok, err)
		}
	}
}

type brokenSessions struct{ MemoryStore }

func (*brokenSessions) Get(context.Context, string) (Row, error) {
	return Row{}, errors.New("connection reset")
}

func TestGate_StorageFailureIsNotAuthenticated(t *testing.T) {
	t.Parallel()

	svc, err := NewService(DefaultConfig(), &brokenSessions{}, NewCodec(identity.NewMemoryStore()), token.NewHasher(nil))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := svc.Resolve(context.Background(), "tok"); err == nil || errors.Is(err, ErrInvalid) {
		t.Fatalf("storage failure must surface from Resolve, got %v", err)
	}
	if NewGate(svc).IsAuthenticated(context.Background(), "tok") {
		t.Fatalf("expected unauthenticated")
	}
}

func TestBind_RejectsIdentityWithoutID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.svc.Bind(context.Background(), identity.Identity{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestSweep(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	for _, sub := range []string{"s-1", "s-2"} {
		if _, err := f.svc.Bind(ctx, f.mustIdentity(t, sub)); err != nil {
			t.Fatalf("Bind: %v", err)
		}
	}
	f.clock.Advance(2 * time.Hour)

	n, err := f.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 || f.sessions.Len() != 0 {
		t.Fatalf("expected 2 swept, got %d (left %d)", n, f.sessions.Len())
	}
}

func TestNewService_RequireHMAC(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RequireTokenHMAC = true
	if _, err := NewService(cfg, NewMemoryStore(), NewCodec(identity.NewMemoryStore()), token.NewHasher(nil)); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
