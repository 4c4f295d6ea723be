package server

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore handles PostgreSQL persistence for the directory server.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool
// and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		address TEXT NOT NULL DEFAULT '',
		exchange_pub TEXT NOT NULL,
		signing_pub TEXT NOT NULL,
		token_hash TEXT NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS mailbox (
		id TEXT PRIMARY KEY,
		msg_id TEXT NOT NULL,
		to_user TEXT NOT NULL,
		from_user TEXT NOT NULL,
		ciphertext TEXT NOT NULL,
		signature TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_mailbox_to_user ON mailbox(to_user, id);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetUser retrieves a user by username, or (nil, nil) if absent.
func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	u := &User{}
	err := s.pool.QueryRow(ctx, `
		SELECT username, address, exchange_pub, signing_pub, token_hash, last_seen
		FROM users WHERE username = $1
	`, username).Scan(&u.Username, &u.Address, &u.ExchangePub, &u.SigningPub, &u.TokenHash, &u.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UpsertUser creates or replaces a user record keyed by username.
func (s *PostgresStore) UpsertUser(ctx context.Context, u *User) error {
	if u.LastSeen.IsZero() {
		u.LastSeen = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (username, address, exchange_pub, signing_pub, token_hash, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO UPDATE SET
			address = EXCLUDED.address,
			exchange_pub = EXCLUDED.exchange_pub,
			signing_pub = EXCLUDED.signing_pub,
			token_hash = EXCLUDED.token_hash,
			last_seen = EXCLUDED.last_seen
	`, u.Username, u.Address, u.ExchangePub, u.SigningPub, u.TokenHash, u.LastSeen)
	return err
}

// TouchUser updates last_seen and the current address for heartbeat.
func (s *PostgresStore) TouchUser(ctx context.Context, username, address string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET last_seen = $1, address = $2 WHERE username = $3
	`, at.UTC(), address, username)
	return err
}

// AppendRow appends one mailbox row.
func (s *PostgresStore) AppendRow(ctx context.Context, row *MailboxRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mailbox (id, msg_id, to_user, from_user, ciphertext, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, row.ID, row.MsgID, row.ToUser, row.FromUser, row.Ciphertext, row.Signature, row.CreatedAt)
	return err
}

// PendingRows returns all pending rows for username, oldest first.
func (s *PostgresStore) PendingRows(ctx context.Context, username string) ([]MailboxRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, msg_id, to_user, from_user, ciphertext, signature, created_at
		FROM mailbox WHERE to_user = $1 ORDER BY id ASC
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MailboxRow
	for rows.Next() {
		var row MailboxRow
		if err := rows.Scan(&row.ID, &row.MsgID, &row.ToUser, &row.FromUser, &row.Ciphertext, &row.Signature, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetRow retrieves one mailbox row by id, or (nil, nil) if absent.
func (s *PostgresStore) GetRow(ctx context.Context, id string) (*MailboxRow, error) {
	row := &MailboxRow{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, msg_id, to_user, from_user, ciphertext, signature, created_at
		FROM mailbox WHERE id = $1
	`, id).Scan(&row.ID, &row.MsgID, &row.ToUser, &row.FromUser, &row.Ciphertext, &row.Signature, &row.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// DeleteRow deletes one mailbox row, reporting whether it existed.
func (s *PostgresStore) DeleteRow(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mailbox WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
