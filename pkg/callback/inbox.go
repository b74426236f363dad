package callback

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when publishing to a closed inbox.
var ErrClosed = errors.New("callback inbox closed")

// Inbox is the inbound channel of completion messages. Any number of
// producers (database listeners, the HTTP endpoint) publish into it; the
// orchestrator's receive loop is its only consumer.
type Inbox struct {
	ch     chan Message
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// NewInbox creates an inbox with the given buffer size.
func NewInbox(buffer int) *Inbox {
	if buffer <= 0 {
		buffer = 256
	}
	return &Inbox{ch: make(chan Message, buffer), now: time.Now}
}

// Publish validates and enqueues a message, blocking while the buffer is
// full until ctx is done.
func (i *Inbox) Publish(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = i.now().UTC()
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return ErrClosed
	}
	select {
	case i.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages returns the receive side.
func (i *Inbox) Messages() <-chan Message {
	return i.ch
}

// Close stops accepting messages. Buffered messages remain readable.
func (i *Inbox) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.closed = true
	close(i.ch)
}
