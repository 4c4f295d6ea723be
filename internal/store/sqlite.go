package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/crypto"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/models"
)

// ErrIdentityExists is returned when SaveIdentity is called after an
// identity has already been created.
var ErrIdentityExists = errors.New("identity already exists")

// SQLiteStore implements LocalStore on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the node database at dbPath.
// If dbPath is empty, defaults to "./data/node.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/node.db"
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	// Single-writer discipline: one connection, serialized statements.
	db.SetMaxOpenConns(1)

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
	CREATE TABLE IF NOT EXISTS identity (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		exchange_pub TEXT NOT NULL,
		exchange_priv TEXT NOT NULL,
		signing_pub TEXT NOT NULL,
		signing_priv TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS contacts (
		username TEXT PRIMARY KEY,
		exchange_pub TEXT NOT NULL,
		signing_pub TEXT NOT NULL,
		address TEXT DEFAULT '',
		last_seen DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		msg_id TEXT PRIMARY KEY,
		peer TEXT NOT NULL,
		direction TEXT NOT NULL,
		plaintext TEXT NOT NULL,
		method TEXT NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS seen (
		msg_id TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(peer, created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func unb64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// LoadIdentity returns the node identity, or (nil, nil) if none exists yet.
func (s *SQLiteStore) LoadIdentity(ctx context.Context) (*crypto.Identity, error) {
	var exchPub, exchPriv, signPub, signPriv string
	err := s.db.QueryRowContext(ctx, `
		SELECT exchange_pub, exchange_priv, signing_pub, signing_priv
		FROM identity WHERE id = 1
	`).Scan(&exchPub, &exchPriv, &signPub, &signPriv)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	id := &crypto.Identity{}
	for _, f := range []struct {
		src string
		dst *[]byte
	}{
		{exchPub, &id.ExchangePub},
		{exchPriv, &id.ExchangePriv},
	} {
		b, err := unb64(f.src)
		if err != nil {
			return nil, fmt.Errorf("corrupt identity record: %w", err)
		}
		*f.dst = b
	}
	sp, err := unb64(signPub)
	if err != nil {
		return nil, fmt.Errorf("corrupt identity record: %w", err)
	}
	sk, err := unb64(signPriv)
	if err != nil {
		return nil, fmt.Errorf("corrupt identity record: %w", err)
	}
	id.SigningPub = sp
	id.SigningPriv = sk
	return id, nil
}

// SaveIdentity persists the identity. It may only be called once.
func (s *SQLiteStore) SaveIdentity(ctx context.Context, id *crypto.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity (id, exchange_pub, exchange_priv, signing_pub, signing_priv)
		VALUES (1, ?, ?, ?, ?)
	`, b64(id.ExchangePub), b64(id.ExchangePriv), b64(id.SigningPub), b64(id.SigningPriv))
	if err != nil {
		if existing, loadErr := s.LoadIdentity(ctx); loadErr == nil && existing != nil {
			return ErrIdentityExists
		}
		return err
	}
	return nil
}

// UpsertContact creates or refreshes a contact keyed by username.
func (s *SQLiteStore) UpsertContact(ctx context.Context, c *models.Contact) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (username, exchange_pub, signing_pub, address, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			exchange_pub = excluded.exchange_pub,
			signing_pub = excluded.signing_pub,
			address = excluded.address,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at
	`, c.Username, b64(c.ExchangePub), b64(c.SigningPub), c.Address, c.LastSeen, now, now)
	return err
}

// GetContact retrieves a contact, or (nil, nil) if unknown.
func (s *SQLiteStore) GetContact(ctx context.Context, username string) (*models.Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT username, exchange_pub, signing_pub, address, last_seen, created_at, updated_at
		FROM contacts WHERE username = ?
	`, username)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ListContacts returns all contacts ordered by username.
func (s *SQLiteStore) ListContacts(ctx context.Context) ([]models.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, exchange_pub, signing_pub, address, last_seen, created_at, updated_at
		FROM contacts ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(r rowScanner) (*models.Contact, error) {
	var c models.Contact
	var exchPub, signPub string
	var lastSeen sql.NullTime
	if err := r.Scan(&c.Username, &exchPub, &signPub, &c.Address, &lastSeen, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if c.ExchangePub, err = unb64(exchPub); err != nil {
		return nil, fmt.Errorf("corrupt contact record: %w", err)
	}
	if c.SigningPub, err = unb64(signPub); err != nil {
		return nil, fmt.Errorf("corrupt contact record: %w", err)
	}
	if lastSeen.Valid {
		c.LastSeen = lastSeen.Time
	}
	return &c, nil
}

// RemoveContact deletes a contact and its message history atomically.
func (s *SQLiteStore) RemoveContact(ctx context.Context, username string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE peer = ?`, username); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE username = ?`, username); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertRecord writes one delivery record.
func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *models.DeliveryRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (msg_id, peer, direction, plaintext, method, delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.MsgID, rec.Peer, rec.Direction, rec.Plaintext, rec.Method, rec.Delivered, rec.CreatedAt)
	return err
}

// ListRecords returns up to limit records exchanged with peer, oldest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, peer string, limit int) ([]models.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT msg_id, peer, direction, plaintext, method, delivered, created_at
		FROM messages WHERE peer = ?
		ORDER BY created_at ASC LIMIT ?
	`, peer, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.DeliveryRecord
	for rows.Next() {
		var rec models.DeliveryRecord
		if err := rows.Scan(&rec.MsgID, &rec.Peer, &rec.Direction, &rec.Plaintext, &rec.Method, &rec.Delivered, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetRecord retrieves one record by message id, or (nil, nil) if absent.
func (s *SQLiteStore) GetRecord(ctx context.Context, msgID string) (*models.DeliveryRecord, error) {
	var rec models.DeliveryRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT msg_id, peer, direction, plaintext, method, delivered, created_at
		FROM messages WHERE msg_id = ?
	`, msgID).Scan(&rec.MsgID, &rec.Peer, &rec.Direction, &rec.Plaintext, &rec.Method, &rec.Delivered, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Seen reports whether a message id has already been applied.
func (s *SQLiteStore) Seen(ctx context.Context, msgID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM seen WHERE msg_id = ?`, msgID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ApplyIncoming writes the record and marks the ledger in one transaction.
// A message id already present in the ledger is not re-applied. A message
// id colliding with an existing messages row is treated the same way: the
// stored record wins, and the caller may safely acknowledge the source.
func (s *SQLiteStore) ApplyIncoming(ctx context.Context, rec *models.DeliveryRecord, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO seen (msg_id, applied_at) VALUES (?, ?)
	`, rec.MsgID, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Already applied. Nothing to write.
		return false, tx.Commit()
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = at.UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (msg_id, peer, direction, plaintext, method, delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.MsgID, rec.Peer, rec.Direction, rec.Plaintext, rec.Method, rec.Delivered, rec.CreatedAt); err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
			return false, nil
		}
		return false, err
	}
	return true, tx.Commit()
}
