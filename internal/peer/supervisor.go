package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/metrics"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/wire"
)

// Handler receives every envelope decoded from a link's read loop. The
// link id, not the link itself, is passed so handlers never hold a
// reference that outlives the connection.
type Handler func(linkID uint64, env *wire.Envelope)

// Supervisor owns the listener, the link table, and all read loops.
type Supervisor struct {
	logger      zerolog.Logger
	handler     Handler
	dialTimeout time.Duration

	mu     sync.Mutex
	links  map[uint64]*Link
	nextID uint64
	ln     net.Listener
	closed bool

	wg sync.WaitGroup
}

// NewSupervisor creates a Supervisor routing envelopes to handler.
func NewSupervisor(logger zerolog.Logger, handler Handler, dialTimeout time.Duration) *Supervisor {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Supervisor{
		logger:      logger.With().Str("component", "peer").Logger(),
		handler:     handler,
		dialTimeout: dialTimeout,
		links:       make(map[uint64]*Link),
	}
}

// Listen binds the peer listener and starts the accept loop. The bound
// address is returned so callers may listen on ":0".
func (s *Supervisor) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil, errors.New("supervisor is shut down")
	}
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening for peers")
	return ln.Addr(), nil
}

// acceptLoop turns each inbound socket into a PeerLink. Accept failures
// are logged and do not stop the supervisor.
func (s *Supervisor) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		link := s.register(conn)
		if link == nil {
			conn.Close()
			return
		}
		s.logger.Debug().Uint64("link_id", link.ID).Str("remote", link.RemoteAddr).Msg("peer connected")

		s.wg.Add(1)
		go s.readLoop(link)
	}
}

// Dial performs a bounded-timeout connection attempt to address. Failure
// is reported as ErrUnreachable.
func (s *Supervisor) Dial(ctx context.Context, address string) (*Link, error) {
	d := net.Dialer{Timeout: s.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	link := s.register(conn)
	if link == nil {
		conn.Close()
		return nil, ErrLinkClosed
	}

	s.wg.Add(1)
	go s.readLoop(link)

	return link, nil
}

// register adds conn to the link table; returns nil during shutdown.
func (s *Supervisor) register(conn net.Conn) *Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.nextID++
	link := newLink(s.nextID, conn)
	s.links[link.ID] = link
	metrics.OpenLinks.Inc()
	return link
}

// Close closes one link and removes it from the table.
func (s *Supervisor) Close(linkID uint64) {
	s.mu.Lock()
	link, ok := s.links[linkID]
	delete(s.links, linkID)
	s.mu.Unlock()
	if ok {
		link.close()
	}
}

// readLoop decodes envelopes off the link until closure or framing error.
// A framing error closes the offending connection only.
func (s *Supervisor) readLoop(link *Link) {
	defer s.wg.Done()
	defer s.Close(link.ID)

	dec := wire.NewDecoder(link.conn)
	for {
		env, err := dec.Next()
		if err != nil {
			switch {
			case errors.Is(err, wire.ErrFrameTooLarge), errors.Is(err, wire.ErrMalformed):
				s.logger.Warn().
					Uint64("link_id", link.ID).
					Str("remote", link.RemoteAddr).
					Err(err).
					Msg("closing link after framing error")
			default:
				s.logger.Debug().Uint64("link_id", link.ID).Msg("peer disconnected")
			}
			return
		}
		s.handler(link.ID, env)
	}
}

// OpenLinks reports the number of links currently in the table.
func (s *Supervisor) OpenLinks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Shutdown stops accepting new connections, gives open links a grace
// period to flush pending writes, then force-closes them.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.ln = nil
	var open []*Link
	for _, l := range s.links {
		open = append(open, l)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, l := range open {
		l.beginClose()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		s.mu.Lock()
		for id, l := range s.links {
			delete(s.links, id)
			l.close()
		}
		s.mu.Unlock()
		<-done
	}
}
