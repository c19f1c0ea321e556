package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

// runStoreContract checks the behaviour every session Store shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("CreateGetDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		row := Row{TokenHash: "h-1", IdentityID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		if err := s.Create(ctx, row); err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := s.Get(ctx, "h-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.TokenHash != "h-1" || got.IdentityID != row.IdentityID || !got.ExpiresAt.Equal(row.ExpiresAt) {
			t.Fatalf("unexpected row: %+v", got)
		}

		if err := s.Delete(ctx, "h-1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, "h-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete(ctx, "h-1"); err != nil {
			t.Fatalf("second Delete must succeed: %v", err)
		}
	})

	t.Run("UnknownHash", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RejectsIncompleteRow", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(context.Background(), Row{TokenHash: "h-2"}); err == nil {
			t.Fatalf("expected error for incomplete row")
		}
	})
}
