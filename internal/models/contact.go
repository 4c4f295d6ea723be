package models

import "time"

// Contact is a known peer: username, public keys, and last known network
// location. Whether a contact is online is a derived view and is never
// persisted.
type Contact struct {
	Username    string    `json:"username"`
	ExchangePub []byte    `json:"exchange_pub"`
	SigningPub  []byte    `json:"signing_pub"`
	Address     string    `json:"address"`
	LastSeen    time.Time `json:"last_seen"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
