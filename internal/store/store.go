// Package store provides the node's durable local state: identity,
// contacts, delivery records, and the seen ledger.
package store

import (
	"context"
	"time"

	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/crypto"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/models"
)

// LocalStore defines the interface for the node's persistent state.
// Implementations must serialize writes; snapshot reads may be concurrent.
type LocalStore interface {
	Close() error

	// Identity is created exactly once; LoadIdentity returns (nil, nil)
	// before first run.
	LoadIdentity(ctx context.Context) (*crypto.Identity, error)
	SaveIdentity(ctx context.Context, id *crypto.Identity) error

	// Contact operations. RemoveContact deletes the contact and its entire
	// message history as one atomic operation.
	UpsertContact(ctx context.Context, c *models.Contact) error
	GetContact(ctx context.Context, username string) (*models.Contact, error)
	ListContacts(ctx context.Context) ([]models.Contact, error)
	RemoveContact(ctx context.Context, username string) error

	// Delivery records.
	InsertRecord(ctx context.Context, rec *models.DeliveryRecord) error
	ListRecords(ctx context.Context, peer string, limit int) ([]models.DeliveryRecord, error)
	GetRecord(ctx context.Context, msgID string) (*models.DeliveryRecord, error)

	// Seen ledger, used to make queued-message application idempotent.
	Seen(ctx context.Context, msgID string) (bool, error)

	// ApplyIncoming writes the delivery record and marks the message id
	// seen in a single transaction. Applying an already-seen id is a no-op
	// that reports applied=false.
	ApplyIncoming(ctx context.Context, rec *models.DeliveryRecord, at time.Time) (applied bool, err error)
}
