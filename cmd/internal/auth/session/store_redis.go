package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps sessions as JSON values under prefix+hash with a TTL
// matching the session expiry, so Redis drops them on its own.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("session: nil redis client")
	}
	if prefix == "" {
		prefix = DefaultConfig().RedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}, nil
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisStore) Create(ctx context.Context, row Row) error {
	if err := validateRow(row); err != nil {
		return err
	}
	ttl := row.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("session: expires_at must be in the future")
	}

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	if err := s.client.Set(ctx, s.key(row.TokenHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("session: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, tokenHash string) (Row, error) {
	val, err := s.client.Get(ctx, s.key(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("session: redis get: %w", err)
	}

	var row Row
	if err := json.Unmarshal(val, &row); err != nil {
		return Row{}, fmt.Errorf("session: unmarshal: %w", err)
	}
	row.TokenHash = tokenHash
	return row, nil
}

func (s *RedisStore) Delete(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("session: redis del: %w", err)
	}
	return nil
}

// Ping reports whether Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
