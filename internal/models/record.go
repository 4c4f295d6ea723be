package models

import "time"

// Message direction relative to the local node.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Delivery methods.
const (
	MethodDirect = "direct"
	MethodQueued = "queued"
)

// DeliveryRecord is the durable residue of a send or an apply step. MsgID
// is the correlation key shared with the remote mailbox row.
type DeliveryRecord struct {
	MsgID     string    `json:"msg_id"`
	Peer      string    `json:"peer"`
	Direction string    `json:"direction"`
	Plaintext string    `json:"plaintext"`
	Method    string    `json:"method"`
	Delivered bool      `json:"delivered"`
	CreatedAt time.Time `json:"created_at"`
}
