// Package steering carries user text into a running agent loop. Senders
// never block; the loop drains queued text only at the start of a turn.
package steering

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Send once the run has terminated.
var ErrClosed = errors.New("steering: run has terminated")

// ErrEmpty is returned by Send for blank text.
var ErrEmpty = errors.New("steering: empty message")

// Channel is an unbounded FIFO mailbox. It is safe for concurrent use.
type Channel struct {
	mu      sync.Mutex
	queue   []string
	closed  bool
	notify  chan struct{}
	onClose []func()
}

// NewChannel returns an open channel.
func NewChannel() *Channel {
	return &Channel{notify: make(chan struct{}, 1)}
}

// Send queues text for the next turn.
func (c *Channel) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmpty
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.queue = append(c.queue, text)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes and returns all queued text in submission order.
func (c *Channel) Drain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

// Pending reports how many messages are queued.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Notify returns a channel that receives a value after Send queues text.
func (c *Channel) Notify() <-chan struct{} {
	return c.notify
}

// OnClose registers fn to run when the channel closes.
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// Close rejects further sends and returns anything still queued.
func (c *Channel) Close() []string {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	rest := c.queue
	c.queue = nil
	hooks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return rest
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Join concatenates drained messages into one user turn.
func Join(msgs []string) string {
	return strings.Join(msgs, "\n\n")
}
