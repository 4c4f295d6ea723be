// Package wire defines the peer-to-peer envelope format and the
// length-prefixed framing used on the TCP transport.
package wire

import (
	"time"
)

// Envelope types.
const (
	TypeMessage = "message"
	TypeTyping  = "typing"
)

// Envelope is the wire-level record carrying one message between peers.
// It exists only during transit; the payload is ciphertext and the
// signature covers the raw ciphertext bytes.
type Envelope struct {
	Type       string `json:"type"`
	MsgID      string `json:"msg_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Ciphertext string `json:"ciphertext"` // base64
	Signature  string `json:"signature"`  // base64, over ciphertext bytes
	Timestamp  string `json:"timestamp"`  // ISO-8601
}

// Now returns the current UTC time formatted for the Timestamp field.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
