// Package transport defines the duplex, message-oriented Transport
// interface of spec.md §6.2 and an in-memory implementation used by this
// module's own tests and by the demo command in place of a real network
// transport.
package transport

import (
	"context"
	"sync"

	"github.com/outlinesync/treecrdt"
)

// Unsubscribe detaches a handler previously registered with OnMessage.
type Unsubscribe func()

// Transport is spec.md §6.2's duplex, message-oriented interface. Every
// session in package sync is built only against this interface, never
// against a concrete transport.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	OnMessage(handler func(msg []byte)) Unsubscribe
	Close() error
}

// Pair returns two in-memory Transports wired to each other: messages
// sent on one are delivered, asynchronously, to the other's handlers.
func Pair() (Transport, Transport) {
	a := &memTransport{}
	b := &memTransport{}
	a.peer = b
	b.peer = a
	return a, b
}

// LossyPair is Pair with a deterministic drop pattern applied to one
// direction, the "lossy transport" testable property of spec.md §8:
// drop returns true for a message that should vanish in flight.
func LossyPair(drop func(msg []byte) bool) (Transport, Transport) {
	a := &memTransport{}
	b := &memTransport{}
	a.peer = b
	b.peer = a
	a.drop = drop
	return a, b
}

type memTransport struct {
	mu       sync.Mutex
	peer     *memTransport
	handlers []func(msg []byte)
	closed   bool
	drop     func(msg []byte) bool
}

func (t *memTransport) Send(ctx context.Context, msg []byte) error {
	t.mu.Lock()
	closed := t.closed
	peer := t.peer
	drop := t.drop
	t.mu.Unlock()

	if closed {
		return treecrdt.ErrTransportError
	}
	if drop != nil && drop(msg) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	go peer.deliver(msg)
	return nil
}

func (t *memTransport) deliver(msg []byte) {
	t.mu.Lock()
	handlers := make([]func(msg []byte), len(t.handlers))
	copy(handlers, t.handlers)
	t.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (t *memTransport) OnMessage(handler func(msg []byte)) Unsubscribe {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, handler)
	idx := len(t.handlers) - 1
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if idx < len(t.handlers) {
			t.handlers[idx] = nil
		}
	}
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
