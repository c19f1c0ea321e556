package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("CreateLocalAndFind", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.Create(ctx, CreateInput{
			Local: &LocalCredential{Username: "alice@example.com", PasswordHash: "$argon2id$fake"},
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if len(created.ID) != 26 {
			t.Fatalf("expected ULID id, got %q", created.ID)
		}

		byID, err := s.FindByID(ctx, created.ID)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if byID.Local == nil || byID.Local.Username != "alice@example.com" || byID.Local.PasswordHash != "$argon2id$fake" {
			t.Fatalf("unexpected local credential: %+v", byID.Local)
		}

		byName, err := s.FindByLocalUsername(ctx, "alice@example.com")
		if err != nil {
			t.Fatalf("FindByLocalUsername: %v", err)
		}
		if byName.ID != created.ID {
			t.Fatalf("id mismatch: %q vs %q", byName.ID, created.ID)
		}
	})

	t.Run("UsernameIsExactMatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.Create(ctx, CreateInput{Local: &LocalCredential{Username: "Bob", PasswordHash: "h1"}}); err != nil {
			t.Fatalf("Create Bob: %v", err)
		}
		if _, err := s.FindByLocalUsername(ctx, "bob"); !IsNotFound(err) {
			t.Fatalf("expected NotFound for different case, got %v", err)
		}
		if _, err := s.Create(ctx, CreateInput{Local: &LocalCredential{Username: "bob", PasswordHash: "h2"}}); err != nil {
			t.Fatalf("Create bob: %v", err)
		}
	})

	t.Run("DuplicateUsernameConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.Create(ctx, CreateInput{Local: &LocalCredential{Username: "carol", PasswordHash: "h1"}})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		_, err = s.Create(ctx, CreateInput{Local: &LocalCredential{Username: "carol", PasswordHash: "h2"}})
		if !IsConflictOn(err, FieldUsername) {
			t.Fatalf("expected username conflict, got %v", err)
		}

		got, err := s.FindByLocalUsername(ctx, "carol")
		if err != nil {
			t.Fatalf("FindByLocalUsername: %v", err)
		}
		if got.ID != first.ID || got.Local.PasswordHash != "h1" {
			t.Fatalf("original record was replaced: %+v", got)
		}
	})

	t.Run("ProviderLinkUnique", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, err := s.Create(ctx, CreateInput{Links: map[string]string{"Google": " g-1 "}})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if !a.HasLink("google", "g-1") {
			t.Fatalf("expected normalized link, got %+v", a.Links)
		}

		found, err := s.FindByProviderLink(ctx, "google", "g-1")
		if err != nil {
			t.Fatalf("FindByProviderLink: %v", err)
		}
		if found.ID != a.ID {
			t.Fatalf("id mismatch")
		}

		_, err = s.Create(ctx, CreateInput{Links: map[string]string{"google": "g-1"}})
		if !IsConflictOn(err, FieldProviderLink) {
			t.Fatalf("expected provider_link conflict, got %v", err)
		}

		b, err := s.Create(ctx, CreateInput{Links: map[string]string{"google": "g-2"}})
		if err != nil {
			t.Fatalf("Create g-2: %v", err)
		}
		if b.ID == a.ID {
			t.Fatalf("different subjects must produce distinct identities")
		}

		// Same subject under another provider is a different link.
		if _, err := s.Create(ctx, CreateInput{Links: map[string]string{"facebook": "g-1"}}); err != nil {
			t.Fatalf("Create facebook g-1: %v", err)
		}
	})

	t.Run("ConcurrentCreateSameLink", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const n = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ok        int
			conflicts int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Create(ctx, CreateInput{Links: map[string]string{"google": "race-1"}})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case IsConflictOn(err, FieldProviderLink):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if ok != 1 || conflicts != n-1 {
			t.Fatalf("expected exactly one winner, got ok=%d conflicts=%d", ok, conflicts)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.FindByID(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV"); !IsNotFound(err) {
			t.Fatalf("FindByID: expected NotFound, got %v", err)
		}
		if _, err := s.FindByID(ctx, ""); !IsNotFound(err) {
			t.Fatalf("FindByID empty: expected NotFound, got %v", err)
		}
		if _, err := s.FindByLocalUsername(ctx, "nobody"); !IsNotFound(err) {
			t.Fatalf("FindByLocalUsername: expected NotFound, got %v", err)
		}
		if _, err := s.FindByProviderLink(ctx, "google", "nobody"); !IsNotFound(err) {
			t.Fatalf("FindByProviderLink: expected NotFound, got %v", err)
		}
		if _, err := s.AppendSecret(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV", "x", time.Time{}); !IsNotFound(err) {
			t.Fatalf("AppendSecret: expected NotFound, got %v", err)
		}
		err := s.Save(ctx, Identity{ID: "01ARZ3NDEKTSV4RRFFQ69G5FAV"})
		if !IsNotFound(err) {
			t.Fatalf("Save: expected NotFound, got %v", err)
		}
	})

	t.Run("CreateRequiresCredentialOrLink", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(context.Background(), CreateInput{})
		if !IsInvalidInput(err) {
			t.Fatalf("expected invalid input, got %v", err)
		}
		_, err = s.Create(context.Background(), CreateInput{Links: map[string]string{"google": "  "}})
		if !IsInvalidInput(err) {
			t.Fatalf("expected invalid input for blank subject, got %v", err)
		}
	})

	t.Run("AppendSecretKeepsOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec, err := s.Create(ctx, CreateInput{Local: &LocalCredential{Username: "dave", PasswordHash: "h"}})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		base := time.Now().UTC()
		bodies := []string{"first", "second", "third"}
		for i, b := range bodies {
			sec, err := s.AppendSecret(ctx, rec.ID, b, base.Add(time.Duration(i)*time.Millisecond))
			if err != nil {
				t.Fatalf("AppendSecret(%q): %v", b, err)
			}
			if sec.IdentityID != rec.ID || sec.Body != b {
				t.Fatalf("unexpected secret: %+v", sec)
			}
		}

		if _, err := s.AppendSecret(ctx, rec.ID, "   ", time.Time{}); !IsInvalidInput(err) {
			t.Fatalf("expected invalid input for blank secret, got %v", err)
		}

		got, err := s.FindByID(ctx, rec.ID)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if len(got.Secrets) != len(bodies) {
			t.Fatalf("expected %d secrets, got %d", len(bodies), len(got.Secrets))
		}
		for i, b := range bodies {
			if got.Secrets[i].Body != b {
				t.Fatalf("secret[%d]=%q want %q", i, got.Secrets[i].Body, b)
			}
		}

		list, err := s.ListSecrets(ctx, 2)
		if err != nil {
			t.Fatalf("ListSecrets: %v", err)
		}
		if len(list) != 2 || list[0].Body != "third" || list[1].Body != "second" {
			t.Fatalf("unexpected list order: %+v", list)
		}
	})

	t.Run("SaveReplacesCredentialAndLinks", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec, err := s.Create(ctx, CreateInput{Local: &LocalCredential{Username: "erin", PasswordHash: "old"}})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		other, err := s.Create(ctx, CreateInput{Links: map[string]string{"facebook": "fb-9"}})
		if err != nil {
			t.Fatalf("Create other: %v", err)
		}
		if _, err := s.AppendSecret(ctx, rec.ID, "kept", time.Time{}); err != nil {
			t.Fatalf("AppendSecret: %v", err)
		}

		rec.Local.PasswordHash = "new"
		rec.Links = map[string]string{"google": "g-erin"}
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save: %v", err)
		}

		got, err := s.FindByProviderLink(ctx, "google", "g-erin")
		if err != nil {
			t.Fatalf("FindByProviderLink: %v", err)
		}
		if got.ID != rec.ID || got.Local == nil || got.Local.PasswordHash != "new" {
			t.Fatalf("save not applied: %+v", got)
		}
		if len(got.Secrets) != 1 || got.Secrets[0].Body != "kept" {
			t.Fatalf("save must not touch secrets: %+v", got.Secrets)
		}

		rec.Links = map[string]string{"facebook": "fb-9"}
		if err := s.Save(ctx, rec); !IsConflictOn(err, FieldProviderLink) {
			t.Fatalf("expected provider_link conflict, got %v", err)
		}

		// A failed save leaves the previous state intact.
		again, err := s.FindByID(ctx, rec.ID)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if !again.HasLink("google", "g-erin") || again.HasLink("facebook", "fb-9") {
			t.Fatalf("failed save leaked changes: %+v", again.Links)
		}
		if owner, err := s.FindByProviderLink(ctx, "facebook", "fb-9"); err != nil || owner.ID != other.ID {
			t.Fatalf("other identity lost its link: %v", err)
		}
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec, err := s.Create(ctx, CreateInput{Links: map[string]string{"google": "copy-1"}})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		rec.Links["google"] = "mutated"

		got, err := s.FindByID(ctx, rec.ID)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if !got.HasLink("google", "copy-1") {
			t.Fatalf("store state leaked through returned map: %+v", got.Links)
		}
	})

	t.Run("CanceledContext", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.FindByID(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}
