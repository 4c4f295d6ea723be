// Package directory implements the client side of the directory/mailbox
// contract: username resolution, presence upkeep, and the remote offline
// queue.
package directory

import "time"

// UserRecord is a directory entry resolved by username. Keys are base64.
// Online is a derived hint computed by the server from heartbeat recency.
type UserRecord struct {
	Username    string    `json:"username"`
	Address     string    `json:"address"`
	ExchangePub string    `json:"exchange_pub"`
	SigningPub  string    `json:"signing_pub"`
	LastSeen    time.Time `json:"last_seen"`
	Online      bool      `json:"online"`
}

// RegisterRequest publishes this node's keys and address, keyed by
// username. The token establishes ownership of the username; subsequent
// heartbeats and mailbox access must present it.
type RegisterRequest struct {
	Username    string `json:"username"`
	Address     string `json:"address"`
	ExchangePub string `json:"exchange_pub"`
	SigningPub  string `json:"signing_pub"`
	Token       string `json:"token"`
}

// HeartbeatRequest refreshes last_seen and the current address.
type HeartbeatRequest struct {
	Address string `json:"address"`
}

// EnqueueRequest appends one mailbox row for offline delivery. MsgID is
// the sender-chosen message id, the correlation key between the mailbox
// row and the recipient's local delivery record.
type EnqueueRequest struct {
	MsgID      string `json:"msg_id"`
	To         string `json:"to"`
	From       string `json:"from"`
	Ciphertext string `json:"ciphertext"` // base64
	Signature  string `json:"signature"`  // base64
}

// EnqueueResponse carries the remote record id of the new mailbox row.
type EnqueueResponse struct {
	ID string `json:"id"`
}

// MailboxMessage is one pending mailbox row. ID is the remote record id
// used to acknowledge (delete) the row after local application.
type MailboxMessage struct {
	ID         string    `json:"id"`
	MsgID      string    `json:"msg_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Ciphertext string    `json:"ciphertext"`
	Signature  string    `json:"signature"`
	CreatedAt  time.Time `json:"created_at"`
}

// MailboxResponse is the drain result, ordered oldest first.
type MailboxResponse struct {
	Messages []MailboxMessage `json:"messages"`
}

// Authentication headers for owner-scoped routes.
const (
	HeaderUser  = "X-Chat-User"
	HeaderToken = "X-Chat-Token"
)
