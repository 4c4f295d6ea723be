// Package delivery implements the central state machine of the node:
// encrypt, attempt direct delivery, fall back to the remote mailbox on
// send; verify, decrypt, deduplicate, apply, acknowledge on receive.
package delivery

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/crypto"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/directory"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/events"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/metrics"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/models"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/peer"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/store"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/wire"
)

var (
	// ErrUnknownPeer means the recipient has no contact entry and the
	// directory has no record of the username.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrSendFailed means both direct delivery and the mailbox fallback
	// failed. Retry policy belongs to the caller.
	ErrSendFailed = errors.New("send failed")
)

// typingPayload is the fixed plaintext of a typing envelope; carrying it
// through the normal encrypt+sign pipeline keeps the receive path's
// verify-first ordering uniform.
const typingPayload = "typing"

// Source of an inbound envelope.
type source int

const (
	sourceLive source = iota
	sourceMailbox
)

// Outcome reports how a send concluded.
type Outcome struct {
	MsgID     string
	Method    string
	Delivered bool
}

// Coordinator drives the send and receive paths. It is the only caller
// of the crypto engine, the peer supervisor, and the directory client;
// the local store and the event bus are its two output sinks.
type Coordinator struct {
	self       string
	engine     *crypto.Engine
	store      store.LocalStore
	dir        *directory.Client
	links      *peer.Supervisor
	bus        *events.Bus
	logger     zerolog.Logger
	contactTTL time.Duration
}

// NewCoordinator creates a Coordinator. The peer supervisor is attached
// separately because its envelope handler is the coordinator itself.
func NewCoordinator(self string, engine *crypto.Engine, st store.LocalStore, dir *directory.Client, bus *events.Bus, logger zerolog.Logger, contactTTL time.Duration) *Coordinator {
	if contactTTL <= 0 {
		contactTTL = 5 * time.Minute
	}
	return &Coordinator{
		self:       self,
		engine:     engine,
		store:      st,
		dir:        dir,
		bus:        bus,
		logger:     logger.With().Str("component", "delivery").Logger(),
		contactTTL: contactTTL,
	}
}

// AttachSupervisor wires the peer supervisor in after construction.
func (c *Coordinator) AttachSupervisor(s *peer.Supervisor) {
	c.links = s
}

// HandleEnvelope is the peer.Handler for envelopes arriving on live links.
func (c *Coordinator) HandleEnvelope(linkID uint64, env *wire.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.receive(ctx, env, sourceLive, "")
}

// Send encrypts, signs, and delivers one message: direct if the peer is
// reachable, otherwise one mailbox enqueue. There is no per-message retry
// loop. When the message has already left the node but recording it
// locally fails, the Outcome is returned alongside the error; callers must
// not resend in that case.
func (c *Coordinator) Send(ctx context.Context, to, plaintext string) (*Outcome, error) {
	contact, err := c.resolve(ctx, to)
	if err != nil {
		return nil, err
	}

	blob, err := c.engine.Encrypt([]byte(plaintext), contact.ExchangePub)
	if err != nil {
		return nil, err
	}
	sig := c.engine.Sign(blob)

	env := &wire.Envelope{
		Type:       wire.TypeMessage,
		MsgID:      uuid.NewString(),
		From:       c.self,
		To:         to,
		Ciphertext: base64.StdEncoding.EncodeToString(blob),
		Signature:  base64.StdEncoding.EncodeToString(sig),
		Timestamp:  wire.Now(),
	}

	directErr := c.sendDirect(ctx, contact.Address, env)
	if directErr == nil {
		rec := &models.DeliveryRecord{
			MsgID:     env.MsgID,
			Peer:      to,
			Direction: models.DirectionOut,
			Plaintext: plaintext,
			Method:    models.MethodDirect,
			Delivered: true,
		}
		out := &Outcome{MsgID: env.MsgID, Method: models.MethodDirect, Delivered: true}
		if err := c.store.InsertRecord(ctx, rec); err != nil {
			return out, fmt.Errorf("recording delivered message: %w", err)
		}
		metrics.MessagesSent.WithLabelValues(models.MethodDirect).Inc()
		c.bus.Publish(events.Event{Kind: events.KindDelivered, Peer: to, MsgID: env.MsgID, Method: models.MethodDirect})
		c.bus.Publish(events.Event{Kind: events.KindPeerOnline, Peer: to})
		return out, nil
	}

	c.logger.Debug().
		Str("peer", to).
		Str("msg_id", env.MsgID).
		Err(directErr).
		Msg("direct delivery failed, queueing")

	// One-shot fallback: a failed enqueue is surfaced immediately.
	_, queueErr := c.dir.Enqueue(ctx, directory.EnqueueRequest{
		MsgID:      env.MsgID,
		To:         to,
		From:       c.self,
		Ciphertext: env.Ciphertext,
		Signature:  env.Signature,
	})
	if queueErr != nil {
		metrics.SendFailures.Inc()
		c.bus.Publish(events.Event{Kind: events.KindSendFailed, Peer: to, MsgID: env.MsgID})
		return nil, fmt.Errorf("%w: direct: %v; enqueue: %v", ErrSendFailed, directErr, queueErr)
	}

	rec := &models.DeliveryRecord{
		MsgID:     env.MsgID,
		Peer:      to,
		Direction: models.DirectionOut,
		Plaintext: plaintext,
		Method:    models.MethodQueued,
		Delivered: false,
	}
	out := &Outcome{MsgID: env.MsgID, Method: models.MethodQueued, Delivered: false}
	if err := c.store.InsertRecord(ctx, rec); err != nil {
		return out, fmt.Errorf("recording queued message: %w", err)
	}
	metrics.MessagesSent.WithLabelValues(models.MethodQueued).Inc()
	c.bus.Publish(events.Event{Kind: events.KindQueued, Peer: to, MsgID: env.MsgID, Method: models.MethodQueued})
	c.bus.Publish(events.Event{Kind: events.KindPeerOffline, Peer: to})
	return out, nil
}

// SendTyping sends a typing hint over a direct link. Typing never queues
// and never persists; an unreachable peer simply misses the hint.
func (c *Coordinator) SendTyping(ctx context.Context, to string) error {
	contact, err := c.resolve(ctx, to)
	if err != nil {
		return err
	}

	blob, err := c.engine.Encrypt([]byte(typingPayload), contact.ExchangePub)
	if err != nil {
		return err
	}
	sig := c.engine.Sign(blob)

	env := &wire.Envelope{
		Type:       wire.TypeTyping,
		MsgID:      uuid.NewString(),
		From:       c.self,
		To:         to,
		Ciphertext: base64.StdEncoding.EncodeToString(blob),
		Signature:  base64.StdEncoding.EncodeToString(sig),
		Timestamp:  wire.Now(),
	}

	if err := c.sendDirect(ctx, contact.Address, env); err != nil {
		c.logger.Debug().Str("peer", to).Msg("typing hint dropped, peer unreachable")
	}
	return nil
}

// sendDirect dials the peer and writes exactly one frame.
func (c *Coordinator) sendDirect(ctx context.Context, address string, env *wire.Envelope) error {
	if address == "" {
		return peer.ErrUnreachable
	}
	link, err := c.links.Dial(ctx, address)
	if err != nil {
		return err
	}
	defer c.links.Close(link.ID)
	return link.Send(env)
}

// resolve returns the contact for username, refreshing it from the
// directory when missing or stale. A stale cached contact survives a
// transient directory failure; an unknown username is terminal.
func (c *Coordinator) resolve(ctx context.Context, username string) (*models.Contact, error) {
	cached, err := c.store.GetContact(ctx, username)
	if err != nil {
		return nil, err
	}
	if cached != nil && time.Since(cached.UpdatedAt) < c.contactTTL {
		return cached, nil
	}

	rec, err := c.dir.Lookup(ctx, username)
	if err != nil {
		if cached != nil {
			c.logger.Debug().Str("peer", username).Err(err).Msg("directory refresh failed, using cached contact")
			return cached, nil
		}
		if errors.Is(err, directory.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, username)
		}
		return nil, err
	}

	contact, err := contactFromRecord(rec)
	if err != nil {
		return nil, err
	}
	if err := c.store.UpsertContact(ctx, contact); err != nil {
		return nil, err
	}
	// Re-read so UpdatedAt reflects the persisted refresh time.
	stored, err := c.store.GetContact(ctx, username)
	if err != nil || stored == nil {
		return contact, nil
	}
	return stored, nil
}

func contactFromRecord(rec *directory.UserRecord) (*models.Contact, error) {
	exchPub, err := base64.StdEncoding.DecodeString(rec.ExchangePub)
	if err != nil {
		return nil, fmt.Errorf("directory returned invalid exchange key: %w", err)
	}
	signPub, err := base64.StdEncoding.DecodeString(rec.SigningPub)
	if err != nil {
		return nil, fmt.Errorf("directory returned invalid signing key: %w", err)
	}
	return &models.Contact{
		Username:    rec.Username,
		ExchangePub: exchPub,
		SigningPub:  signPub,
		Address:     rec.Address,
		LastSeen:    rec.LastSeen,
	}, nil
}

// AddContact resolves a username through the directory and stores the
// result as a contact. ErrUnknownPeer is terminal: the username cannot
// be added.
func (c *Coordinator) AddContact(ctx context.Context, username string) (*models.Contact, error) {
	return c.resolve(ctx, username)
}

// DrainMailbox fetches all pending mailbox rows and runs each through the
// receive path in arrival order. Called at startup and on a recurring
// timer.
func (c *Coordinator) DrainMailbox(ctx context.Context) error {
	rows, err := c.dir.Drain(ctx)
	if err != nil {
		return err
	}

	for _, row := range rows {
		env := &wire.Envelope{
			Type:       wire.TypeMessage,
			MsgID:      row.MsgID,
			From:       row.From,
			To:         row.To,
			Ciphertext: row.Ciphertext,
			Signature:  row.Signature,
			Timestamp:  row.CreatedAt.UTC().Format(time.RFC3339),
		}
		metrics.MailboxDrained.Inc()
		c.receive(ctx, env, sourceMailbox, row.ID)
	}
	return nil
}

// receive is the single inbound path for both live links and mailbox
// rows: verify, decrypt, deduplicate, apply, then acknowledge. Failures
// drop the envelope with a log line that never includes plaintext or key
// material.
func (c *Coordinator) receive(ctx context.Context, env *wire.Envelope, src source, rowID string) {
	log := c.logger.With().Str("msg_id", env.MsgID).Str("from", env.From).Logger()

	contact, err := c.store.GetContact(ctx, env.From)
	if err != nil {
		log.Error().Err(err).Msg("contact lookup failed")
		return
	}
	if contact == nil {
		metrics.EnvelopesDropped.WithLabelValues("unknown_sender").Inc()
		log.Warn().Msg("dropping envelope from unknown sender")
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		log.Warn().Msg("dropping envelope with invalid ciphertext encoding")
		return
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		log.Warn().Msg("dropping envelope with invalid signature encoding")
		return
	}

	// Fail-closed ordering: authenticate the sender before decrypting.
	if !crypto.Verify(ciphertext, sig, contact.SigningPub) {
		metrics.EnvelopesDropped.WithLabelValues("bad_signature").Inc()
		log.Warn().Msg("dropping envelope with invalid signature")
		return
	}

	plaintext, err := c.engine.Decrypt(ciphertext, contact.ExchangePub)
	if err != nil {
		metrics.EnvelopesDropped.WithLabelValues("decrypt_failed").Inc()
		log.Warn().Msg("dropping envelope that failed decryption")
		return
	}

	if env.Type == wire.TypeTyping {
		c.bus.Publish(events.Event{Kind: events.KindTyping, Peer: env.From})
		if src == sourceMailbox {
			c.acknowledge(ctx, rowID, log)
		}
		return
	}

	if _, err := uuid.Parse(env.MsgID); err != nil {
		metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		log.Warn().Msg("dropping envelope with invalid message id")
		return
	}

	method := models.MethodDirect
	if src == sourceMailbox {
		method = models.MethodQueued
	}
	rec := &models.DeliveryRecord{
		MsgID:     env.MsgID,
		Peer:      env.From,
		Direction: models.DirectionIn,
		Plaintext: string(plaintext),
		Method:    method,
		Delivered: true,
	}

	applied, err := c.store.ApplyIncoming(ctx, rec, time.Now())
	if err != nil {
		// Leave the mailbox row alone so the next drain retries.
		log.Error().Err(err).Msg("applying message failed")
		return
	}

	if applied {
		metrics.MessagesApplied.Inc()
		c.bus.Publish(events.Event{Kind: events.KindNewMessage, Peer: env.From, MsgID: env.MsgID, Method: method})
		if src == sourceLive {
			c.bus.Publish(events.Event{Kind: events.KindPeerOnline, Peer: env.From})
		}
	} else {
		log.Debug().Msg("message already applied")
	}

	// Local write happened (now or earlier); the remote row is safe to
	// delete either way.
	if src == sourceMailbox {
		c.acknowledge(ctx, rowID, log)
	}
}

func (c *Coordinator) acknowledge(ctx context.Context, rowID string, log zerolog.Logger) {
	if err := c.dir.Acknowledge(ctx, rowID); err != nil {
		// The seen ledger absorbs the redelivery on the next drain.
		log.Warn().Err(err).Str("row_id", rowID).Msg("mailbox acknowledge failed")
	}
}
