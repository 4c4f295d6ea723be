// Package node assembles the chat node: identity, local store, crypto
// engine, peer supervisor, directory client, and delivery coordinator,
// plus the background heartbeat and mailbox drain loops.
package node

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/config"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/crypto"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/delivery"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/directory"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/events"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/models"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/peer"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/store"
)

// Node is a running chat node. Create one with New, start it with Start,
// and stop it with Shutdown.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	store    store.LocalStore
	identity *crypto.Identity
	bus      *events.Bus
	dir      *directory.Client
	sup      *peer.Supervisor
	coord    *delivery.Coordinator

	listenAddr string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a node from configuration. The identity is loaded from the
// local store, or generated and persisted on first run.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Node, error) {
	if cfg.Username == "" {
		return nil, fmt.Errorf("username is required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	st, err := store.NewSQLiteStore(ctx, filepath.Join(cfg.DataDir, "node.db"))
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	id, err := st.LoadIdentity(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	if id == nil {
		id, err = crypto.GenerateIdentity()
		if err != nil {
			st.Close()
			return nil, err
		}
		if err := st.SaveIdentity(ctx, id); err != nil {
			st.Close()
			return nil, fmt.Errorf("persisting identity: %w", err)
		}
		logger.Info().Str("username", cfg.Username).Msg("generated new identity")
	}

	engine, err := crypto.NewEngine(id)
	if err != nil {
		st.Close()
		return nil, err
	}

	bus := events.NewBus()
	dir := directory.NewClient(cfg.DirectoryURL, cfg.Username, cfg.DirectoryToken, cfg.DirectoryTimeout, logger)
	coord := delivery.NewCoordinator(cfg.Username, engine, st, dir, bus, logger, cfg.ContactTTL)
	sup := peer.NewSupervisor(logger, coord.HandleEnvelope, cfg.DialTimeout)
	coord.AttachSupervisor(sup)

	return &Node{
		cfg:      cfg,
		logger:   logger.With().Str("component", "node").Logger(),
		store:    st,
		identity: id,
		bus:      bus,
		dir:      dir,
		sup:      sup,
		coord:    coord,
	}, nil
}

// Start opens the peer listener, registers with the directory, drains the
// mailbox once, and launches the heartbeat and drain loops.
func (n *Node) Start(ctx context.Context) error {
	addr, err := n.sup.Listen(n.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("peer listener: %w", err)
	}
	n.listenAddr = addr.String()

	advertise := n.cfg.AdvertiseAddr
	if advertise == "" || advertise == n.cfg.ListenAddr {
		advertise = n.listenAddr
	}

	err = n.dir.Register(ctx, directory.RegisterRequest{
		Username:    n.cfg.Username,
		Address:     advertise,
		ExchangePub: base64.StdEncoding.EncodeToString(n.identity.ExchangePub),
		SigningPub:  base64.StdEncoding.EncodeToString(n.identity.SigningPub),
		Token:       n.cfg.DirectoryToken,
	})
	if err != nil {
		return fmt.Errorf("directory registration: %w", err)
	}
	n.logger.Info().
		Str("username", n.cfg.Username).
		Str("listen", n.listenAddr).
		Str("advertise", advertise).
		Msg("node online")

	loopCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	// Startup drain catches messages queued while the node was down.
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.coord.DrainMailbox(loopCtx); err != nil {
			n.logger.Warn().Err(err).Msg("startup mailbox drain failed")
		}
	}()

	n.wg.Add(1)
	go n.heartbeatLoop(loopCtx, advertise)
	n.wg.Add(1)
	go n.drainLoop(loopCtx)

	return nil
}

func (n *Node) heartbeatLoop(ctx context.Context, advertise string) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.dir.Heartbeat(ctx, advertise); err != nil {
				n.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (n *Node) drainLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.coord.DrainMailbox(ctx); err != nil {
				n.logger.Warn().Err(err).Msg("mailbox drain failed")
			}
		}
	}
}

// ListenAddr returns the bound peer listener address. Empty before Start.
func (n *Node) ListenAddr() string {
	return n.listenAddr
}

// Events returns a subscription to node events. The cancel func must be
// called when the subscriber is done.
func (n *Node) Events(buffer int) (<-chan events.Event, func()) {
	return n.bus.Subscribe(buffer)
}

// Send delivers one message to a peer, directly or via the mailbox.
func (n *Node) Send(ctx context.Context, to, plaintext string) (*delivery.Outcome, error) {
	return n.coord.Send(ctx, to, plaintext)
}

// SendTyping sends a best-effort typing hint.
func (n *Node) SendTyping(ctx context.Context, to string) error {
	return n.coord.SendTyping(ctx, to)
}

// AddContact resolves a username through the directory and pins it as a
// contact. Messages from unknown senders are dropped, so this is how a
// peer becomes able to write to us.
func (n *Node) AddContact(ctx context.Context, username string) (*models.Contact, error) {
	return n.coord.AddContact(ctx, username)
}

// RemoveContact deletes a contact and its message history.
func (n *Node) RemoveContact(ctx context.Context, username string) error {
	return n.store.RemoveContact(ctx, username)
}

// Contacts lists all stored contacts.
func (n *Node) Contacts(ctx context.Context) ([]models.Contact, error) {
	return n.store.ListContacts(ctx)
}

// History returns up to limit records exchanged with a peer, oldest first.
func (n *Node) History(ctx context.Context, peer string, limit int) ([]models.DeliveryRecord, error) {
	return n.store.ListRecords(ctx, peer, limit)
}

// Shutdown stops the node: background loops first, then open links with a
// grace period, then the event bus and the local store.
func (n *Node) Shutdown() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	n.sup.Shutdown(n.cfg.ShutdownGrace)
	n.bus.Close()
	if err := n.store.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("closing local store")
	}
	n.logger.Info().Msg("node stopped")
}
