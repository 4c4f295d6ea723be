// Package crypto implements the node's key management, authenticated
// encryption, and detached signatures.
//
// Key exchange:  X25519 (static-static ECDH, HKDF-SHA256 key derivation)
// Encryption:    ChaCha20-Poly1305, fresh random nonce prepended to output
// Signing:       Ed25519 detached signatures, always over ciphertext bytes
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	protocolVersion = "p2pchat-box-v1"

	// KeySize is the length of X25519 public and private keys.
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16

	minBlobLen = nonceSize + tagSize
)

var (
	// ErrEncrypt is returned when an encryption primitive fails internally.
	ErrEncrypt = errors.New("encryption failed")
	// ErrAuthentication is returned on MAC mismatch: wrong key, tampering,
	// or corruption. No partial plaintext is ever returned alongside it.
	ErrAuthentication = errors.New("authentication failed")
	// ErrInvalidKeyLength is returned when key material is not exactly the
	// expected number of bytes.
	ErrInvalidKeyLength = errors.New("invalid key length")
)

// Identity holds the node's long-term key material: an X25519 exchange
// keypair and an Ed25519 signing keypair. It is persisted opaquely by the
// local store and must never be logged or transmitted.
type Identity struct {
	ExchangePub  []byte
	ExchangePriv []byte
	SigningPub   ed25519.PublicKey
	SigningPriv  ed25519.PrivateKey
}

// GenerateIdentity creates a fresh exchange keypair and signing keypair
// from the system CSPRNG.
func GenerateIdentity() (*Identity, error) {
	var exchPriv [KeySize]byte
	if _, err := rand.Read(exchPriv[:]); err != nil {
		return nil, err
	}
	exchPub, err := curve25519.X25519(exchPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &Identity{
		ExchangePub:  exchPub,
		ExchangePriv: exchPriv[:],
		SigningPub:   signPub,
		SigningPriv:  signPriv,
	}, nil
}

// Engine performs authenticated encryption and signing with a fixed local
// identity.
type Engine struct {
	id *Identity
}

// NewEngine creates an Engine bound to the given identity. The identity's
// key lengths are validated once here rather than on every call.
func NewEngine(id *Identity) (*Engine, error) {
	if len(id.ExchangePub) != KeySize || len(id.ExchangePriv) != KeySize {
		return nil, fmt.Errorf("%w: exchange keypair must be %d bytes", ErrInvalidKeyLength, KeySize)
	}
	if len(id.SigningPub) != ed25519.PublicKeySize || len(id.SigningPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: signing keypair must be %d/%d bytes", ErrInvalidKeyLength, ed25519.PublicKeySize, ed25519.PrivateKeySize)
	}
	return &Engine{id: id}, nil
}

// deriveKey derives the ChaCha20-Poly1305 key from the ECDH shared secret.
// The salt binds both parties' exchange public keys, sender first, so both
// sides derive the same key.
func deriveKey(sharedSecret, senderPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(senderPub)+len(recipientPub))
	salt = append(salt, senderPub...)
	salt = append(salt, recipientPub...)

	r := hkdf.New(sha256.New, sharedSecret, salt, []byte(protocolVersion))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt encrypts plaintext for the holder of recipientExchangePub.
// Output layout: nonce[12] || ciphertext+tag. The nonce is freshly
// randomized on every call.
func (e *Engine) Encrypt(plaintext, recipientExchangePub []byte) ([]byte, error) {
	if len(recipientExchangePub) != KeySize {
		return nil, fmt.Errorf("%w: recipient exchange key is %d bytes, expected %d", ErrInvalidKeyLength, len(recipientExchangePub), KeySize)
	}

	shared, err := curve25519.X25519(e.id.ExchangePriv, recipientExchangePub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncrypt, err)
	}

	key, err := deriveKey(shared, e.id.ExchangePub, recipientExchangePub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncrypt, err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncrypt, err)
	}

	blob := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(blob[:nonceSize]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncrypt, err)
	}

	return aead.Seal(blob, blob[:nonceSize], plaintext, nil), nil
}

// Decrypt decrypts a blob produced by the holder of senderExchangePub.
// Any corruption, truncation, or key mismatch fails with ErrAuthentication
// and the output must be discarded entirely.
func (e *Engine) Decrypt(blob, senderExchangePub []byte) ([]byte, error) {
	if len(senderExchangePub) != KeySize {
		return nil, fmt.Errorf("%w: sender exchange key is %d bytes, expected %d", ErrInvalidKeyLength, len(senderExchangePub), KeySize)
	}
	if len(blob) < minBlobLen {
		return nil, fmt.Errorf("%w: blob too short", ErrAuthentication)
	}

	shared, err := curve25519.X25519(e.id.ExchangePriv, senderExchangePub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	key, err := deriveKey(shared, senderExchangePub, e.id.ExchangePub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	plaintext, err := aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Sign computes a detached Ed25519 signature. Callers sign ciphertext, not
// plaintext, so receivers can authenticate before decrypting.
func (e *Engine) Sign(data []byte) []byte {
	return ed25519.Sign(e.id.SigningPriv, data)
}

// Verify reports whether sig is a valid signature over data by signerPub.
func Verify(data, sig []byte, signerPub []byte) bool {
	if len(signerPub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signerPub), data, sig)
}
