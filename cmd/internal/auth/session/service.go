package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"secrets/cmd/identity"
	"secrets/cmd/security/token"
)

// maxTokenLen bounds client-supplied tokens before hashing.
const maxTokenLen = 512

// Issued is the client-facing result of Bind.
type Issued struct {
	Token      string
	IdentityID string
	ExpiresAt  time.Time
}

// Service issues, resolves and revokes sessions.
type Service struct {
	cfg    Config
	store  Store
	codec  Codec
	hasher token.Hasher
	now    func() time.Time
	log    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService constructs a Service.
func NewService(cfg Config, store Store, codec Codec, hasher token.Hasher, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || codec.store == nil {
		return nil, fmt.Errorf("%w: store and codec are required", ErrConfig)
	}
	if cfg.RequireTokenHMAC && !hasher.Keyed() {
		return nil, fmt.Errorf("%w: token HMAC key required", ErrConfig)
	}
	s := &Service{
		cfg:    cfg,
		store:  store,
		codec:  codec,
		hasher: hasher,
		now:    func() time.Time { return time.Now().UTC() },
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// TTL returns the configured session lifetime.
func (s *Service) TTL() time.Duration { return s.cfg.TTL }

// Bind starts a session for rec and returns the token to hand to the client.
func (s *Service) Bind(ctx context.Context, rec identity.Identity) (Issued, error) {
	ref, err := s.codec.Serialize(rec)
	if err != nil {
		return Issued{}, err
	}

	tok, err := token.Generate(s.cfg.TokenBytes)
	if err != nil {
		return Issued{}, err
	}

	now := s.now()
	row := Row{
		TokenHash:  s.hasher.Hash(tok),
		IdentityID: ref,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.TTL),
	}
	if err := s.store.Create(ctx, row); err != nil {
		return Issued{}, err
	}

	return Issued{Token: tok, IdentityID: ref, ExpiresAt: row.ExpiresAt}, nil
}

// Resolve returns the identity bound to tok.
//
// Unknown, expired and dangling sessions all yield ErrInvalid; expired and
// dangling rows are deleted on the way out. Store failures are returned as-is.
func (s *Service) Resolve(ctx context.Context, tok string) (identity.Identity, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" || len(tok) > maxTokenLen {
		return identity.Identity{}, ErrInvalid
	}
	hash := s.hasher.Hash(tok)

	row, err := s.store.Get(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return identity.Identity{}, ErrInvalid
	}
	if err != nil {
		return identity.Identity{}, err
	}

	if row.Expired(s.now()) {
		s.drop(ctx, hash, "expired")
		return identity.Identity{}, ErrInvalid
	}

	rec, err := s.codec.Deserialize(ctx, row.IdentityID)
	if errors.Is(err, ErrInvalid) {
		s.drop(ctx, hash, "dangling")
		return identity.Identity{}, ErrInvalid
	}
	if err != nil {
		return identity.Identity{}, err
	}
	return rec, nil
}

// Unbind ends the session for tok. Unknown or blank tokens are not an error.
func (s *Service) Unbind(ctx context.Context, tok string) error {
	tok = strings.TrimSpace(tok)
	if tok == "" || len(tok) > maxTokenLen {
		return nil
	}
	return s.store.Delete(ctx, s.hasher.Hash(tok))
}

// Sweep deletes expired rows when the store needs it.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	exp, ok := s.store.(Expirer)
	if !ok {
		return 0, nil
	}
	return exp.DeleteExpired(ctx, s.now())
}

func (s *Service) drop(ctx context.Context, hash, reason string) {
	if err := s.store.Delete(ctx, hash); err != nil {
		s.log.WarnContext(ctx, "session.drop.failed", "reason", reason, "err", err)
		return
	}
	s.log.DebugContext(ctx, "session.dropped", "reason", reason)
}
