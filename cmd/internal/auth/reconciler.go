package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"secrets/cmd/identity"

	"golang.org/x/sync/singleflight"
)

// lostRaceAttempts bounds create/re-fetch cycles for one FindOrCreate call.
const lostRaceAttempts = 3

// Reconciler maps federated (provider, subject) pairs onto identities.
type Reconciler struct {
	store identity.Store
	log   *slog.Logger
	rec   Recorder
	now   func() time.Time

	flight singleflight.Group
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerRecorder attaches a metrics recorder.
func WithReconcilerRecorder(r Recorder) ReconcilerOption {
	return func(rc *Reconciler) {
		if r != nil {
			rc.rec = r
		}
	}
}

// WithReconcilerLogger sets the logger; slog.Default() otherwise.
func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(rc *Reconciler) {
		if l != nil {
			rc.log = l
		}
	}
}

// NewReconciler returns a Reconciler over store.
func NewReconciler(store identity.Store, opts ...ReconcilerOption) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	rc := &Reconciler{
		store: store,
		log:   slog.Default(),
		rec:   nopRecorder{},
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(rc)
		}
	}
	return rc, nil
}

// FindOrCreate returns the identity linked to (provider, subject), creating
// it if none exists. Concurrent callers for the same pair all get the same
// identity and exactly one record is created.
func (r *Reconciler) FindOrCreate(ctx context.Context, provider, subject string) (identity.Identity, error) {
	provider = identity.NormalizeProvider(provider)
	subject = identity.NormalizeSubject(subject)
	if provider == "" || subject == "" {
		r.rec.Outcome("find_or_create", ResultInvalid)
		return identity.Identity{}, fmt.Errorf("%w: provider and subject are required", ErrInvalidInput)
	}

	// The shared call outlives any single caller's cancellation; each caller
	// still stops waiting when its own ctx ends.
	key := provider + "\x00" + subject
	ch := r.flight.DoChan(key, func() (any, error) {
		return r.findOrCreate(context.WithoutCancel(ctx), provider, subject)
	})

	select {
	case <-ctx.Done():
		return identity.Identity{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return identity.Identity{}, res.Err
		}
		// Shared callers must not alias each other's maps.
		return res.Val.(identity.Identity).Clone(), nil
	}
}

func (r *Reconciler) findOrCreate(ctx context.Context, provider, subject string) (identity.Identity, error) {
	const op = "find_or_create"

	for attempt := 0; attempt < lostRaceAttempts; attempt++ {
		found, err := r.store.FindByProviderLink(ctx, provider, subject)
		if err == nil {
			if attempt == 0 {
				r.rec.Outcome(op, ResultOK)
			} else {
				r.rec.Outcome(op, ResultRaceResolved)
			}
			return found, nil
		}
		if !identity.IsNotFound(err) {
			r.rec.Outcome(op, ResultError)
			return identity.Identity{}, err
		}

		created, err := r.store.Create(ctx, identity.CreateInput{
			Links: map[string]string{provider: subject},
			Now:   r.now(),
		})
		if err == nil {
			r.rec.Outcome(op, ResultCreated)
			r.log.InfoContext(ctx, "auth.federated.created", "identity_id", created.ID, "provider", provider)
			return created, nil
		}
		if !identity.IsConflictOn(err, identity.FieldProviderLink) {
			r.rec.Outcome(op, ResultError)
			return identity.Identity{}, err
		}
		// Another writer linked the pair first; loop to read its record.
		r.log.DebugContext(ctx, "auth.federated.race", "provider", provider, "attempt", attempt+1)
	}

	r.rec.Outcome(op, ResultError)
	return identity.Identity{}, fmt.Errorf("auth: %s link kept conflicting after %d attempts", provider, lostRaceAttempts)
}
