package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"secrets/cmd/identity"
	"secrets/cmd/security/password"

	"golang.org/x/sync/semaphore"
)

const defaultHashConcurrency = 4

// Verifier registers and checks local credentials.
type Verifier struct {
	store identity.Store
	pw    password.Config
	log   *slog.Logger
	rec   Recorder
	now   func() time.Time

	hashSlots int64
	sem       *semaphore.Weighted

	// dummyHash is verified when no real hash exists so that unknown users
	// cost the same as wrong passwords.
	dummyHash string
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier) error

// WithHashConcurrency caps concurrent Argon2id computations.
func WithHashConcurrency(n int) VerifierOption {
	return func(v *Verifier) error {
		if n <= 0 {
			return fmt.Errorf("%w: hash concurrency must be positive", ErrInvalidInput)
		}
		v.hashSlots = int64(n)
		return nil
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) VerifierOption {
	return func(v *Verifier) error {
		if r != nil {
			v.rec = r
		}
		return nil
	}
}

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) error {
		if l != nil {
			v.log = l
		}
		return nil
	}
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) error {
		if now != nil {
			v.now = now
		}
		return nil
	}
}

// NewVerifier builds a Verifier over store using pw for hashing and policy.
func NewVerifier(store identity.Store, pw password.Config, opts ...VerifierOption) (*Verifier, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	v := &Verifier{
		store:     store,
		pw:        pw,
		log:       slog.Default(),
		rec:       nopRecorder{},
		now:       func() time.Time { return time.Now().UTC() },
		hashSlots: defaultHashConcurrency,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	v.sem = semaphore.NewWeighted(v.hashSlots)

	dummy, err := pw.DummyHash()
	if err != nil {
		return nil, err
	}
	v.dummyHash = dummy
	return v, nil
}

// Register creates a local account. The username is stored exactly as given.
func (v *Verifier) Register(ctx context.Context, username, plaintext string) (identity.Identity, error) {
	const op = "register"

	if strings.TrimSpace(username) == "" {
		v.rec.Outcome(op, ResultInvalid)
		return identity.Identity{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if err := v.pw.Validate(plaintext); err != nil {
		v.rec.Outcome(op, ResultInvalid)
		return identity.Identity{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	// Cheap pre-check; the unique constraint below is the real guard.
	if _, err := v.store.FindByLocalUsername(ctx, username); err == nil {
		v.rec.Outcome(op, ResultDuplicate)
		return identity.Identity{}, ErrDuplicateUsername
	} else if !identity.IsNotFound(err) {
		v.rec.Outcome(op, ResultError)
		return identity.Identity{}, err
	}

	var hash string
	err := v.withHashSlot(ctx, op, func() error {
		var herr error
		hash, herr = v.pw.Hash(plaintext)
		return herr
	})
	if err != nil {
		v.rec.Outcome(op, ResultError)
		return identity.Identity{}, err
	}

	rec, err := v.store.Create(ctx, identity.CreateInput{
		Local: &identity.LocalCredential{Username: username, PasswordHash: hash},
		Now:   v.now(),
	})
	switch {
	case identity.IsConflictOn(err, identity.FieldUsername):
		v.rec.Outcome(op, ResultDuplicate)
		return identity.Identity{}, ErrDuplicateUsername
	case err != nil:
		v.rec.Outcome(op, ResultError)
		return identity.Identity{}, err
	}

	v.rec.Outcome(op, ResultOK)
	v.log.InfoContext(ctx, "auth.register.ok", "identity_id", rec.ID)
	return rec, nil
}

// Verify checks a username/password pair and returns the matching identity.
// Every failure that depends on the credentials is ErrInvalidCredentials.
func (v *Verifier) Verify(ctx context.Context, username, plaintext string) (identity.Identity, error) {
	const op = "verify"

	if strings.TrimSpace(username) == "" || plaintext == "" {
		v.burnDummy(ctx, op, plaintext)
		v.rec.Outcome(op, ResultDenied)
		return identity.Identity{}, ErrInvalidCredentials
	}

	rec, err := v.store.FindByLocalUsername(ctx, username)
	if identity.IsNotFound(err) || (err == nil && rec.Local == nil) {
		v.burnDummy(ctx, op, plaintext)
		v.rec.Outcome(op, ResultDenied)
		return identity.Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		v.rec.Outcome(op, ResultError)
		return identity.Identity{}, err
	}

	ok, err := v.check(ctx, op, rec, plaintext)
	if err != nil {
		v.rec.Outcome(op, ResultError)
		return identity.Identity{}, err
	}
	if !ok {
		v.rec.Outcome(op, ResultDenied)
		return identity.Identity{}, ErrInvalidCredentials
	}

	v.upgradeHash(ctx, &rec, plaintext)
	v.rec.Outcome(op, ResultOK)
	return rec, nil
}

// ChangePassword replaces the local password of identityID after checking current.
func (v *Verifier) ChangePassword(ctx context.Context, identityID, current, next string) error {
	const op = "change_password"

	if err := v.pw.Validate(next); err != nil {
		v.rec.Outcome(op, ResultInvalid)
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	rec, err := v.store.FindByID(ctx, identityID)
	if err != nil {
		v.rec.Outcome(op, ResultError)
		return err
	}
	if rec.Local == nil {
		v.burnDummy(ctx, op, current)
		v.rec.Outcome(op, ResultDenied)
		return ErrInvalidCredentials
	}

	ok, err := v.check(ctx, op, rec, current)
	if err != nil {
		v.rec.Outcome(op, ResultError)
		return err
	}
	if !ok {
		v.rec.Outcome(op, ResultDenied)
		return ErrInvalidCredentials
	}

	var hash string
	if err := v.withHashSlot(ctx, op, func() error {
		var herr error
		hash, herr = v.pw.Hash(next)
		return herr
	}); err != nil {
		v.rec.Outcome(op, ResultError)
		return err
	}

	rec.Local.PasswordHash = hash
	if err := v.store.Save(ctx, rec); err != nil {
		v.rec.Outcome(op, ResultError)
		return err
	}
	v.rec.Outcome(op, ResultOK)
	v.log.InfoContext(ctx, "auth.password.changed", "identity_id", rec.ID)
	return nil
}

// check verifies plaintext against rec's stored hash. A malformed stored
// hash is logged and treated as a mismatch.
func (v *Verifier) check(ctx context.Context, op string, rec identity.Identity, plaintext string) (bool, error) {
	var ok bool
	err := v.withHashSlot(ctx, op, func() error {
		var verr error
		ok, verr = v.pw.Verify(rec.Local.PasswordHash, plaintext)
		return verr
	})
	if errors.Is(err, password.ErrInvalidHash) {
		v.log.WarnContext(ctx, "auth.hash.unreadable", "identity_id", rec.ID)
		return false, nil
	}
	return ok, err
}

func (v *Verifier) burnDummy(ctx context.Context, op, plaintext string) {
	_ = v.withHashSlot(ctx, op, func() error {
		_, err := v.pw.Verify(v.dummyHash, plaintext)
		return err
	})
}

// upgradeHash rehashes with current parameters after a successful login.
// Failures are logged; the login itself already succeeded.
func (v *Verifier) upgradeHash(ctx context.Context, rec *identity.Identity, plaintext string) {
	if !v.pw.NeedsRehash(rec.Local.PasswordHash) {
		return
	}
	var hash string
	if err := v.withHashSlot(ctx, "rehash", func() error {
		var herr error
		hash, herr = v.pw.Hash(plaintext)
		return herr
	}); err != nil {
		v.log.WarnContext(ctx, "auth.rehash.failed", "identity_id", rec.ID, "err", err)
		return
	}
	updated := rec.Clone()
	updated.Local.PasswordHash = hash
	if err := v.store.Save(ctx, updated); err != nil {
		v.log.WarnContext(ctx, "auth.rehash.failed", "identity_id", rec.ID, "err", err)
		return
	}
	*rec = updated
	v.log.InfoContext(ctx, "auth.rehash.ok", "identity_id", rec.ID)
}

func (v *Verifier) withHashSlot(ctx context.Context, op string, fn func() error) error {
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer v.sem.Release(1)

	start := time.Now()
	err := fn()
	v.rec.HashDuration(op, time.Since(start))
	return err
}
