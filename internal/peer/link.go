// Package peer manages TCP connections to other nodes: a PeerLink per
// connection plus a ConnectionSupervisor owning the accept loop and the
// link table.
//
// There is no transport-layer handshake; every inbound envelope is
// authenticated at the application layer by signature verification.
package peer

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/metrics"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/wire"
)

// Link states.
const (
	StateConnecting int32 = iota
	StateOpen
	StateClosing
	StateClosed
)

var (
	// ErrUnreachable is returned when a dial attempt fails. Callers treat
	// it as the signal to take the offline-queue fallback, not as fatal.
	ErrUnreachable = errors.New("peer unreachable")
	// ErrWriteFailed is returned when writing a frame fails; the link is
	// closed as a side effect.
	ErrWriteFailed = errors.New("write failed")
	// ErrLinkClosed is returned when sending on a link that is no longer
	// open.
	ErrLinkClosed = errors.New("link closed")
)

const writeTimeout = 10 * time.Second

// Link is one open connection to a peer.
type Link struct {
	ID         uint64
	RemoteAddr string

	conn    net.Conn
	state   atomic.Int32
	writeMu sync.Mutex
	closeMu sync.Once
}

func newLink(id uint64, conn net.Conn) *Link {
	l := &Link{
		ID:         id,
		RemoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
	}
	l.state.Store(StateOpen)
	return l
}

// State returns the link's current lifecycle state.
func (l *Link) State() int32 {
	return l.state.Load()
}

// Send writes exactly one frame. A write failure closes the link and
// returns ErrWriteFailed.
func (l *Link) Send(env *wire.Envelope) error {
	if l.state.Load() != StateOpen {
		return ErrLinkClosed
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := wire.Encode(l.conn, env); err != nil {
		l.close()
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// beginClose moves the link to Closing so in-flight writes can finish
// before the supervisor force-closes it.
func (l *Link) beginClose() {
	l.state.CompareAndSwap(StateOpen, StateClosing)
}

// close tears the connection down once.
func (l *Link) close() {
	l.closeMu.Do(func() {
		l.state.Store(StateClosed)
		l.conn.Close()
		metrics.OpenLinks.Dec()
	})
}
