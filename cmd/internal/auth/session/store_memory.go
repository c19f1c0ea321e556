package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Sessions are lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Row
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Row)}
}

func (s *MemoryStore) Create(ctx context.Context, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRow(row); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.TokenHash] = row
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, tokenHash string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[tokenHash]
	if !ok {
		return Row{}, ErrNotFound
	}
	return row, nil
}

func (s *MemoryStore) Delete(ctx context.Context, tokenHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, tokenHash)
	return nil
}

// DeleteExpired drops every row expired at now.
func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, row := range s.rows {
		if row.Expired(now) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
