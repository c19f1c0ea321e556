package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements identity persistence over PostgreSQL.
//
// Design notes:
// - The pgx pool is owned by the caller; Close does NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// - Uniqueness is enforced by uq_local_credentials_username and uq_provider_links_subject;
//   violations are mapped to ConflictError.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the identity store (default "secrets").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "secrets",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// Schema returns the configured schema name.
func (s *PostgresStore) Schema() string { return s.schema }

// EnsureSchema creates the schema and tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const op = "identity.EnsureSchema"

	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return storageErr(op, err)
	}
	if _, err := s.pool.Exec(ctx, postgresSchema(s.schema)); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks a connection can be acquired.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts the identity, its credential and its links transactionally.
func (s *PostgresStore) Create(ctx context.Context, in CreateInput) (Identity, error) {
	const op = "identity.Create"

	if s == nil || s.pool == nil {
		return Identity{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	in, err := prepareCreate(op, in)
	if err != nil {
		return Identity{}, err
	}
	id, err := NewULID(in.Now)
	if err != nil {
		return Identity{}, storageErr(op, err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Identity{}, storageErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	identities := pgIdent(s.schema, "identities")
	creds := pgIdent(s.schema, "local_credentials")
	links := pgIdent(s.schema, "provider_links")

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+identities+` (id, created_at) VALUES ($1, $2)`,
		id, in.Now,
	); err != nil {
		return Identity{}, pgClassify(op, err)
	}

	if in.Local != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+creds+` (identity_id, username, password_hash, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $4)`,
			id, in.Local.Username, in.Local.PasswordHash, in.Now,
		); err != nil {
			return Identity{}, pgClassify(op, err)
		}
	}

	for p, sub := range in.Links {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+links+` (identity_id, provider, subject_id, created_at) VALUES ($1, $2, $3, $4)`,
			id, p, sub, in.Now,
		); err != nil {
			return Identity{}, pgClassify(op, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Identity{}, pgClassify(op, err)
	}

	return Identity{
		ID:        id,
		Local:     in.Local,
		Links:     in.Links,
		CreatedAt: in.Now,
	}, nil
}

// FindByID loads an identity by ID.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (Identity, error) {
	const op = "identity.FindByID"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	return s.load(ctx, op, strings.TrimSpace(id))
}

// FindByLocalUsername loads an identity by exact local username.
func (s *PostgresStore) FindByLocalUsername(ctx context.Context, username string) (Identity, error) {
	const op = "identity.FindByLocalUsername"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT identity_id FROM `+pgIdent(s.schema, "local_credentials")+` WHERE username = $1`,
		username,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, notFound(op)
		}
		return Identity{}, storageErr(op, err)
	}
	return s.load(ctx, op, id)
}

// FindByProviderLink loads the identity owning (provider, subject).
func (s *PostgresStore) FindByProviderLink(ctx context.Context, provider, subject string) (Identity, error) {
	const op = "identity.FindByProviderLink"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT identity_id FROM `+pgIdent(s.schema, "provider_links")+` WHERE provider = $1 AND subject_id = $2`,
		NormalizeProvider(provider), NormalizeSubject(subject),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, notFound(op)
		}
		return Identity{}, storageErr(op, err)
	}
	return s.load(ctx, op, id)
}

// AppendSecret appends a secret to an identity.
func (s *PostgresStore) AppendSecret(ctx context.Context, id, body string, now time.Time) (Secret, error) {
	const op = "identity.AppendSecret"

	if err := ctx.Err(); err != nil {
		return Secret{}, err
	}
	body, err := prepareSecret(op, id, body)
	if err != nil {
		return Secret{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	secretID, err := NewULID(now)
	if err != nil {
		return Secret{}, storageErr(op, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "secrets")+` (id, identity_id, body, created_at) VALUES ($1, $2, $3, $4)`,
		secretID, id, body, now,
	)
	if err != nil {
		if pgIsForeignKeyViolation(err) {
			return Secret{}, notFound(op)
		}
		return Secret{}, storageErr(op, err)
	}

	return Secret{ID: secretID, IdentityID: id, Body: body, CreatedAt: now}, nil
}

// Save replaces the local credential and provider links of an existing identity.
// The identity row is locked for the duration of the transaction.
func (s *PostgresStore) Save(ctx context.Context, rec Identity) error {
	const op = "identity.Save"

	if err := ctx.Err(); err != nil {
		return err
	}
	var local *LocalCredential
	if rec.Local != nil {
		lc, err := prepareLocal(op, *rec.Local)
		if err != nil {
			return err
		}
		local = &lc
	}
	links, err := prepareLinks(op, rec.Links)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return storageErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	identities := pgIdent(s.schema, "identities")
	creds := pgIdent(s.schema, "local_credentials")
	linksTbl := pgIdent(s.schema, "provider_links")

	var locked string
	if err := tx.QueryRow(ctx,
		`SELECT id FROM `+identities+` WHERE id = $1 FOR UPDATE`, rec.ID,
	).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(op)
		}
		return storageErr(op, err)
	}

	if local == nil {
		if _, err := tx.Exec(ctx, `DELETE FROM `+creds+` WHERE identity_id = $1`, rec.ID); err != nil {
			return storageErr(op, err)
		}
	} else {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+creds+` (identity_id, username, password_hash, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $4)
			 ON CONFLICT (identity_id) DO UPDATE
			    SET username = EXCLUDED.username,
			        password_hash = EXCLUDED.password_hash,
			        updated_at = EXCLUDED.updated_at`,
			rec.ID, local.Username, local.PasswordHash, now,
		); err != nil {
			return pgClassify(op, err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM `+linksTbl+` WHERE identity_id = $1`, rec.ID); err != nil {
		return storageErr(op, err)
	}
	for p, sub := range links {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+linksTbl+` (identity_id, provider, subject_id, created_at) VALUES ($1, $2, $3, $4)`,
			rec.ID, p, sub, now,
		); err != nil {
			return pgClassify(op, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return pgClassify(op, err)
	}
	return nil
}

// ListSecrets returns the most recent secrets, newest first.
func (s *PostgresStore) ListSecrets(ctx context.Context, limit int) ([]Secret, error) {
	const op = "identity.ListSecrets"

	rows, err := s.pool.Query(ctx,
		`SELECT id, identity_id, body, created_at FROM `+pgIdent(s.schema, "secrets")+`
		  ORDER BY id DESC
		  LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, storageErr(op, err)
	}
	out, err := pgx.CollectRows(rows, scanPgSecret)
	if err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

func (s *PostgresStore) load(ctx context.Context, op, id string) (Identity, error) {
	if id == "" {
		return Identity{}, notFound(op)
	}

	var (
		out      Identity
		username *string
		pwHash   *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT i.id, i.created_at, c.username, c.password_hash
		   FROM `+pgIdent(s.schema, "identities")+` i
		   LEFT JOIN `+pgIdent(s.schema, "local_credentials")+` c ON c.identity_id = i.id
		  WHERE i.id = $1`,
		id,
	).Scan(&out.ID, &out.CreatedAt, &username, &pwHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, notFound(op)
		}
		return Identity{}, storageErr(op, err)
	}
	if username != nil && pwHash != nil {
		out.Local = &LocalCredential{Username: *username, PasswordHash: *pwHash}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT provider, subject_id FROM `+pgIdent(s.schema, "provider_links")+` WHERE identity_id = $1`, id,
	)
	if err != nil {
		return Identity{}, storageErr(op, err)
	}
	out.Links = make(map[string]string)
	var p, sub string
	if _, err := pgx.ForEachRow(rows, []any{&p, &sub}, func() error {
		out.Links[p] = sub
		return nil
	}); err != nil {
		return Identity{}, storageErr(op, err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, identity_id, body, created_at FROM `+pgIdent(s.schema, "secrets")+`
		  WHERE identity_id = $1
		  ORDER BY id ASC`,
		id,
	)
	if err != nil {
		return Identity{}, storageErr(op, err)
	}
	secrets, err := pgx.CollectRows(rows, scanPgSecret)
	if err != nil {
		return Identity{}, storageErr(op, err)
	}
	if len(secrets) > 0 {
		out.Secrets = secrets
	}
	return out, nil
}

func scanPgSecret(row pgx.CollectableRow) (Secret, error) {
	var sec Secret
	err := row.Scan(&sec.ID, &sec.IdentityID, &sec.Body, &sec.CreatedAt)
	sec.CreatedAt = sec.CreatedAt.UTC()
	return sec, err
}

// ---- helpers ----

// pgIdentIsValid checks if a string is a safe Postgres identifier.
func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

// pgClassify maps constraint violations onto the store contract.
func pgClassify(op string, err error) error {
	if field, ok := pgClassifyUniqueViolation(err); ok {
		return ConflictError{Op: op, Field: field}
	}
	if pgIsForeignKeyViolation(err) {
		return notFound(op)
	}
	return storageErr(op, err)
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503" // foreign_key_violation
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	// Prefer stable schema constraint names. Fall back to heuristic substring matching.
	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))

	switch c {
	case "uq_local_credentials_username":
		return FieldUsername, true
	case "uq_provider_links_subject":
		return FieldProviderLink, true
	default:
		switch {
		case strings.Contains(c, "username"):
			return FieldUsername, true
		case strings.Contains(c, "provider"):
			return FieldProviderLink, true
		default:
			return "unique", true
		}
	}
}
