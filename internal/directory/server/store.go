// Package server implements the directory/mailbox service: username
// resolution, presence upserts, and the offline message queue consumed by
// chat nodes.
package server

import (
	"context"
	"time"
)

// User is a directory row keyed by username. Keys are stored base64.
type User struct {
	Username    string
	Address     string
	ExchangePub string
	SigningPub  string
	TokenHash   string // bcrypt hash of the owner token
	LastSeen    time.Time
}

// MailboxRow is one pending offline message. IDs are ULIDs, so lexical
// order is creation order.
type MailboxRow struct {
	ID         string
	MsgID      string
	ToUser     string
	FromUser   string
	Ciphertext string
	Signature  string
	CreatedAt  time.Time
}

// DataStore defines the interface for directory persistence. Both
// PostgresStore and SQLiteStore implement this interface.
type DataStore interface {
	Close()
	Ping(ctx context.Context) error

	// User operations
	GetUser(ctx context.Context, username string) (*User, error)
	UpsertUser(ctx context.Context, u *User) error
	TouchUser(ctx context.Context, username, address string, at time.Time) error

	// Mailbox operations
	AppendRow(ctx context.Context, row *MailboxRow) error
	PendingRows(ctx context.Context, username string) ([]MailboxRow, error)
	GetRow(ctx context.Context, id string) (*MailboxRow, error)
	DeleteRow(ctx context.Context, id string) (bool, error)
}
