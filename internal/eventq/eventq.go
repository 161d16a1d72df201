// Package eventq holds the channel helpers shared by the agents' mailboxes.
package eventq

import (
	"context"
	"sync/atomic"
)

// Offer performs a non-blocking send.
// It returns true when the value was sent and false when the channel is full
// or closed.
func Offer[T any](ch chan<- T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

// Mailbox is a bounded inbox. Sends never block the sender; messages that do
// not fit are dropped and counted, which the receiving side of every link
// tolerates (lost signals are part of the message model).
type Mailbox[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

// NewMailbox creates a mailbox with the given capacity (minimum 1).
func NewMailbox[T any](capacity int) *Mailbox[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Mailbox[T]{ch: make(chan T, capacity)}
}

// Post enqueues value without blocking. It reports whether the value was queued.
func (m *Mailbox[T]) Post(value T) bool {
	if Offer(m.ch, value) {
		return true
	}
	m.dropped.Add(1)
	return false
}

// PostContext enqueues value, waiting for room until ctx is done. Values
// abandoned on cancellation count as dropped.
func (m *Mailbox[T]) PostContext(ctx context.Context, value T) bool {
	select {
	case m.ch <- value:
		return true
	default:
	}
	select {
	case m.ch <- value:
		return true
	case <-ctx.Done():
		m.dropped.Add(1)
		return false
	}
}

// C exposes the receive side.
func (m *Mailbox[T]) C() <-chan T {
	return m.ch
}

// Dropped returns how many values were discarded because the mailbox was full.
func (m *Mailbox[T]) Dropped() int64 {
	return m.dropped.Load()
}
