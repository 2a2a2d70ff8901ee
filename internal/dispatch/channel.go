package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueFull is returned when the in-process buffer cannot take another
// message without blocking.
var ErrQueueFull = errors.New("queue buffer full")

// ErrClosed is returned for operations on a closed backend.
var ErrClosed = errors.New("queue closed")

// ChannelBackend is the in-process queue: a bounded buffered channel. It
// offers no durability; the daemon startup sweep rebuilds the queue from the
// record store after a restart.
type ChannelBackend struct {
	mu       sync.Mutex
	messages chan Message
	closed   bool
}

// NewChannelBackend builds an in-process backend holding up to buffer
// messages.
func NewChannelBackend(buffer int) *ChannelBackend {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelBackend{messages: make(chan Message, buffer)}
}

// Publish places the message in the buffer without blocking.
func (b *ChannelBackend) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.messages <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Receive waits up to the given duration for a message. Channel deliveries
// are consumed on receipt, so Ack is a no-op and Requeue republishes.
func (b *ChannelBackend) Receive(ctx context.Context, wait time.Duration) (*Delivery, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-timer.C:
		return nil, false, nil
	case msg, ok := <-b.messages:
		if !ok {
			return nil, false, ErrClosed
		}
		return &Delivery{
			Message: msg,
			requeue: func() error { return b.Publish(context.Background(), msg) },
		}, true, nil
	}
}

// Close drains nothing and closes the buffer. Pending messages are lost,
// which matches the backend's durability contract.
func (b *ChannelBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.messages)
	return nil
}
