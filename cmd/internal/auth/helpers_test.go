package auth

import (
	"sync"
	"testing"
	"time"

	"secrets/cmd/identity"
	"secrets/cmd/security/password"
)

func cheapPasswords() password.Config {
	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func newTestVerifier(t *testing.T, store identity.Store, opts ...VerifierOption) *Verifier {
	t.Helper()
	v, err := NewVerifier(store, cheapPasswords(), opts...)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func newTestReconciler(t *testing.T, store identity.Store, opts ...ReconcilerOption) *Reconciler {
	t.Helper()
	r, err := NewReconciler(store, opts...)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return r
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
	hashes int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{counts: map[string]int{}}
}

func (c *countingRecorder) Outcome(op, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[op+"/"+result]++
}

func (c *countingRecorder) HashDuration(string, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes++
}

func (c *countingRecorder) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}
