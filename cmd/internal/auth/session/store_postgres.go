package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a <schema>.sessions table.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string // sanitized, schema-qualified
	index string
	ddl   string
}

// NewPostgresStore creates a Postgres-backed session store in schema.
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("session: nil pool")
	}
	if schema == "" {
		schema = "secrets"
	}
	s := &PostgresStore{
		pool:  pool,
		table: pgx.Identifier{schema, "sessions"}.Sanitize(),
		index: pgx.Identifier{"idx_sessions_expires_at"}.Sanitize(),
	}
	s.ddl = fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS %s;
		CREATE TABLE IF NOT EXISTS %s (
			token_hash  TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %s ON %s (expires_at);
	`, pgx.Identifier{schema}.Sanitize(), s.table, s.index, s.table)
	return s, nil
}

// EnsureSchema creates the sessions table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, s.ddl); err != nil {
		return fmt.Errorf("session: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, row Row) error {
	if err := validateRow(row); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table+` (token_hash, identity_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`, row.TokenHash, row.IdentityID, row.CreatedAt.UTC(), row.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("session: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tokenHash string) (Row, error) {
	var row Row
	err := s.pool.QueryRow(ctx, `
		SELECT token_hash, identity_id, created_at, expires_at
		FROM `+s.table+`
		WHERE token_hash = $1
	`, tokenHash).Scan(&row.TokenHash, &row.IdentityID, &row.CreatedAt, &row.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("session: select: %w", err)
	}
	return row, nil
}

func (s *PostgresStore) Delete(ctx context.Context, tokenHash string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// DeleteExpired removes rows expired at now and returns how many went.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("session: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
