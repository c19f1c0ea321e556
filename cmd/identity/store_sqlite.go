package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store over a single SQLite file (modernc.org/sqlite, no cgo).
//
// The database handle is limited to one open connection: SQLite serializes
// writers anyway, and a single connection keeps ":memory:" databases alive and
// avoids lock-upgrade deadlocks between concurrent transactions.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the bootstrap schema.
// path may be ":memory:" for an ephemeral store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("identity: sqlite path is required")
	}
	if path != ":memory:" {
		path = filepath.Clean(path)
	}

	dsn := "file:" + path +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("identity: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("identity: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("identity: apply sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts the identity, its credential and links in one transaction.
func (s *SQLiteStore) Create(ctx context.Context, in CreateInput) (Identity, error) {
	const op = "identity.Create"

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
	ts := toMillis(in.Now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Identity{}, storageErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO identities (id, created_at) VALUES (?, ?)`, id, ts,
	); err != nil {
		return Identity{}, sqliteClassify(op, err)
	}

	if in.Local != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO local_credentials (identity_id, username, password_hash, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			id, in.Local.Username, in.Local.PasswordHash, ts, ts,
		); err != nil {
			return Identity{}, sqliteClassify(op, err)
		}
	}

	for p, sub := range in.Links {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO provider_links (identity_id, provider, subject_id, created_at) VALUES (?, ?, ?, ?)`,
			id, p, sub, ts,
		); err != nil {
			return Identity{}, sqliteClassify(op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Identity{}, sqliteClassify(op, err)
	}

	return Identity{
		ID:        id,
		Local:     in.Local,
		Links:     in.Links,
		CreatedAt: fromMillis(ts),
	}, nil
}

// FindByID loads an identity by ID.
func (s *SQLiteStore) FindByID(ctx context.Context, id string) (Identity, error) {
	const op = "identity.FindByID"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	return s.load(ctx, op, strings.TrimSpace(id))
}

// FindByLocalUsername loads an identity by exact local username.
func (s *SQLiteStore) FindByLocalUsername(ctx context.Context, username string) (Identity, error) {
	const op = "identity.FindByLocalUsername"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT identity_id FROM local_credentials WHERE username = ?`, username,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, notFound(op)
		}
		return Identity{}, storageErr(op, err)
	}
	return s.load(ctx, op, id)
}

// FindByProviderLink loads the identity owning (provider, subject).
func (s *SQLiteStore) FindByProviderLink(ctx context.Context, provider, subject string) (Identity, error) {
	const op = "identity.FindByProviderLink"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT identity_id FROM provider_links WHERE provider = ? AND subject_id = ?`,
		NormalizeProvider(provider), NormalizeSubject(subject),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, notFound(op)
		}
		return Identity{}, storageErr(op, err)
	}
	return s.load(ctx, op, id)
}

// AppendSecret appends a secret to an identity.
func (s *SQLiteStore) AppendSecret(ctx context.Context, id, body string, now time.Time) (Secret, error) {
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
	ts := toMillis(now)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO secrets (id, identity_id, body, created_at) VALUES (?, ?, ?, ?)`,
		secretID, id, body, ts,
	)
	if err != nil {
		if sqliteIsForeignKeyViolation(err) {
			return Secret{}, notFound(op)
		}
		return Secret{}, storageErr(op, err)
	}

	return Secret{ID: secretID, IdentityID: id, Body: body, CreatedAt: fromMillis(ts)}, nil
}

// Save replaces the local credential and provider links of an existing identity.
func (s *SQLiteStore) Save(ctx context.Context, rec Identity) error {
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
	ts := toMillis(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM identities WHERE id = ?`, rec.ID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(op)
		}
		return storageErr(op, err)
	}

	if local == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM local_credentials WHERE identity_id = ?`, rec.ID); err != nil {
			return storageErr(op, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO local_credentials (identity_id, username, password_hash, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (identity_id) DO UPDATE
			    SET username = excluded.username,
			        password_hash = excluded.password_hash,
			        updated_at = excluded.updated_at`,
			rec.ID, local.Username, local.PasswordHash, ts, ts,
		); err != nil {
			return sqliteClassify(op, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM provider_links WHERE identity_id = ?`, rec.ID); err != nil {
		return storageErr(op, err)
	}
	for p, sub := range links {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO provider_links (identity_id, provider, subject_id, created_at) VALUES (?, ?, ?, ?)`,
			rec.ID, p, sub, ts,
		); err != nil {
			return sqliteClassify(op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sqliteClassify(op, err)
	}
	return nil
}

// ListSecrets returns the most recent secrets, newest first.
func (s *SQLiteStore) ListSecrets(ctx context.Context, limit int) ([]Secret, error) {
	const op = "identity.ListSecrets"

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identity_id, body, created_at FROM secrets ORDER BY id DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	out, err := scanSQLiteSecrets(rows)
	if err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

// load assembles a full Identity from its four tables.
func (s *SQLiteStore) load(ctx context.Context, op, id string) (Identity, error) {
	if id == "" {
		return Identity{}, notFound(op)
	}

	var (
		out       Identity
		createdAt int64
		username  sql.NullString
		pwHash    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT i.id, i.created_at, c.username, c.password_hash
		   FROM identities i
		   LEFT JOIN local_credentials c ON c.identity_id = i.id
		  WHERE i.id = ?`,
		id,
	).Scan(&out.ID, &createdAt, &username, &pwHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, notFound(op)
		}
		return Identity{}, storageErr(op, err)
	}
	out.CreatedAt = fromMillis(createdAt)
	if username.Valid {
		out.Local = &LocalCredential{Username: username.String, PasswordHash: pwHash.String}
	}

	linkRows, err := s.db.QueryContext(ctx,
		`SELECT provider, subject_id FROM provider_links WHERE identity_id = ?`, id,
	)
	if err != nil {
		return Identity{}, storageErr(op, err)
	}
	out.Links = make(map[string]string)
	for linkRows.Next() {
		var p, sub string
		if err := linkRows.Scan(&p, &sub); err != nil {
			_ = linkRows.Close()
			return Identity{}, storageErr(op, err)
		}
		out.Links[p] = sub
	}
	if err := linkRows.Err(); err != nil {
		_ = linkRows.Close()
		return Identity{}, storageErr(op, err)
	}
	_ = linkRows.Close()

	secretRows, err := s.db.QueryContext(ctx,
		`SELECT id, identity_id, body, created_at FROM secrets WHERE identity_id = ? ORDER BY id ASC`, id,
	)
	if err != nil {
		return Identity{}, storageErr(op, err)
	}
	defer func() { _ = secretRows.Close() }()

	out.Secrets, err = scanSQLiteSecrets(secretRows)
	if err != nil {
		return Identity{}, storageErr(op, err)
	}
	return out, nil
}

func scanSQLiteSecrets(rows *sql.Rows) ([]Secret, error) {
	var out []Secret
	for rows.Next() {
		var (
			sec Secret
			ts  int64
		)
		if err := rows.Scan(&sec.ID, &sec.IdentityID, &sec.Body, &ts); err != nil {
			return nil, err
		}
		sec.CreatedAt = fromMillis(ts)
		out = append(out, sec)
	}
	return out, rows.Err()
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// sqliteClassify maps unique violations to ConflictError and everything else to a storage error.
func sqliteClassify(op string, err error) error {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return storageErr(op, err)
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "foreign key"):
			return notFound(op)
		case strings.Contains(msg, "local_credentials.username"):
			return ConflictError{Op: op, Field: FieldUsername}
		case strings.Contains(msg, "provider_links"):
			return ConflictError{Op: op, Field: FieldProviderLink}
		default:
			return ConflictError{Op: op, Field: "unique"}
		}
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return notFound(op)
	}
	return storageErr(op, err)
}

func sqliteIsForeignKeyViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY ||
		(code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(strings.ToLower(err.Error()), "foreign key"))
}
