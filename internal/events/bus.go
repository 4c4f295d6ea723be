// Package events fans out delivery and presence notifications to
// observers. Events are eventually-consistent hints, not authoritative
// state snapshots; a slow observer loses events rather than stalling the
// delivery pipeline.
package events

import (
	"sync"
	"time"
)

// Kind identifies an event type.
type Kind string

const (
	KindNewMessage  Kind = "new_message"
	KindDelivered   Kind = "delivered"
	KindQueued      Kind = "queued"
	KindSendFailed  Kind = "send_failed"
	KindPeerOnline  Kind = "peer_online"
	KindPeerOffline Kind = "peer_offline"
	KindTyping      Kind = "typing"
)

// Event is one notification. MsgID and Method are set only for
// message-related kinds.
type Event struct {
	Kind   Kind      `json:"kind"`
	Peer   string    `json:"peer"`
	MsgID  string    `json:"msg_id,omitempty"`
	Method string    `json:"method,omitempty"`
	At     time.Time `json:"at"`
}

// Bus is a fan-out of events to subscriber channels.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers an observer. The returned cancel func must be called
// when the observer is done; the channel is closed on cancel or bus close.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers ev to every subscriber without blocking. Subscribers
// whose buffers are full miss the event.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
