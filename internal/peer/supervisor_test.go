package peer

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/wire"
)

type capture struct {
	mu   sync.Mutex
	envs []*wire.Envelope
	ch   chan struct{}
}

func newCapture() *capture {
	return &capture{ch: make(chan struct{}, 16)}
}

func (c *capture) handle(linkID uint64, env *wire.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *capture) wait(t *testing.T) *wire.Envelope {
	t.Helper()
	select {
	case <-c.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.envs[len(c.envs)-1]
}

func TestDialSendReceive(t *testing.T) {
	rec := newCapture()
	server := NewSupervisor(zerolog.Nop(), rec.handle, time.Second)
	addr, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer server.Shutdown(time.Second)

	client := NewSupervisor(zerolog.Nop(), func(uint64, *wire.Envelope) {}, time.Second)
	defer client.Shutdown(time.Second)

	link, err := client.Dial(context.Background(), addr.String())
	if err != nil {
		t.Fatal(err)
	}
	if link.State() != StateOpen {
		t.Fatalf("expected open link, state %d", link.State())
	}

	env := &wire.Envelope{Type: wire.TypeMessage, MsgID: "m1", From: "alice", To: "bob"}
	if err := link.Send(env); err != nil {
		t.Fatal(err)
	}

	got := rec.wait(t)
	if got.MsgID != "m1" || got.From != "alice" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
}

func TestDialUnreachable(t *testing.T) {
	// Bind and immediately close a port so nothing is listening on it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := ln.Addr().String()
	ln.Close()

	s := NewSupervisor(zerolog.Nop(), func(uint64, *wire.Envelope) {}, 500*time.Millisecond)
	defer s.Shutdown(time.Second)

	if _, err := s.Dial(context.Background(), dead); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	server := NewSupervisor(zerolog.Nop(), func(uint64, *wire.Envelope) {}, time.Second)
	addr, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer server.Shutdown(time.Second)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], wire.MaxFrameSize+1)
	if _, err := conn.Write(header[:]); err != nil {
		t.Fatal(err)
	}

	// The server must close the offending connection.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection to be closed by server")
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.OpenLinks() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("link not removed from table after framing error")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendOnClosedLink(t *testing.T) {
	server := NewSupervisor(zerolog.Nop(), func(uint64, *wire.Envelope) {}, time.Second)
	addr, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer server.Shutdown(time.Second)

	client := NewSupervisor(zerolog.Nop(), func(uint64, *wire.Envelope) {}, time.Second)
	defer client.Shutdown(time.Second)

	link, err := client.Dial(context.Background(), addr.String())
	if err != nil {
		t.Fatal(err)
	}
	client.Close(link.ID)

	err = link.Send(&wire.Envelope{Type: wire.TypeMessage})
	if !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("expected ErrLinkClosed, got %v", err)
	}
}

func TestShutdownClosesLinks(t *testing.T) {
	server := NewSupervisor(zerolog.Nop(), func(uint64, *wire.Envelope) {}, time.Second)
	addr, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	client := NewSupervisor(zerolog.Nop(), func(uint64, *wire.Envelope) {}, time.Second)
	defer client.Shutdown(time.Second)
	if _, err := client.Dial(context.Background(), addr.String()); err != nil {
		t.Fatal(err)
	}

	server.Shutdown(200 * time.Millisecond)

	if server.OpenLinks() != 0 {
		t.Fatal("links survived shutdown")
	}
	if _, err := server.Listen("127.0.0.1:0"); err == nil {
		t.Fatal("listen should fail after shutdown")
	}
}
