package server

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore handles SQLite persistence for the directory server.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/directory.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/directory.db"
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		address TEXT DEFAULT '',
		exchange_pub TEXT NOT NULL,
		signing_pub TEXT NOT NULL,
		token_hash TEXT NOT NULL,
		last_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS mailbox (
		id TEXT PRIMARY KEY,
		msg_id TEXT NOT NULL,
		to_user TEXT NOT NULL,
		from_user TEXT NOT NULL,
		ciphertext TEXT NOT NULL,
		signature TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_mailbox_to_user ON mailbox(to_user, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by username, or (nil, nil) if absent.
func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT username, address, exchange_pub, signing_pub, token_hash, last_seen
		FROM users WHERE username = ?
	`, username).Scan(&u.Username, &u.Address, &u.ExchangePub, &u.SigningPub, &u.TokenHash, &u.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UpsertUser creates or replaces a user record keyed by username.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u *User) error {
	if u.LastSeen.IsZero() {
		u.LastSeen = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, address, exchange_pub, signing_pub, token_hash, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			address = excluded.address,
			exchange_pub = excluded.exchange_pub,
			signing_pub = excluded.signing_pub,
			token_hash = excluded.token_hash,
			last_seen = excluded.last_seen
	`, u.Username, u.Address, u.ExchangePub, u.SigningPub, u.TokenHash, u.LastSeen)
	return err
}

// TouchUser updates last_seen and the current address for heartbeat.
func (s *SQLiteStore) TouchUser(ctx context.Context, username, address string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_seen = ?, address = ? WHERE username = ?
	`, at.UTC(), address, username)
	return err
}

// AppendRow appends one mailbox row.
func (s *SQLiteStore) AppendRow(ctx context.Context, row *MailboxRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mailbox (id, msg_id, to_user, from_user, ciphertext, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, row.ID, row.MsgID, row.ToUser, row.FromUser, row.Ciphertext, row.Signature, row.CreatedAt)
	return err
}

// PendingRows returns all pending rows for username, oldest first.
func (s *SQLiteStore) PendingRows(ctx context.Context, username string) ([]MailboxRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, msg_id, to_user, from_user, ciphertext, signature, created_at
		FROM mailbox WHERE to_user = ? ORDER BY id ASC
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
func (s *SQLiteStore) GetRow(ctx context.Context, id string) (*MailboxRow, error) {
	row := &MailboxRow{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, msg_id, to_user, from_user, ciphertext, signature, created_at
		FROM mailbox WHERE id = ?
	`, id).Scan(&row.ID, &row.MsgID, &row.ToUser, &row.FromUser, &row.Ciphertext, &row.Signature, &row.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// DeleteRow deletes one mailbox row, reporting whether it existed.
func (s *SQLiteStore) DeleteRow(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mailbox WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
