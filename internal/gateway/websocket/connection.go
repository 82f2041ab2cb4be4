package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/courierdev/courier/pkg/events"
)

// State is a connection's position in its lifecycle state machine:
//
//	Accepted -> ProcessingReady -> Closing -> Closed
//
// Transitions only move forward. The connection id assigned at accept time
// is preserved through every state; replacing it would invalidate the state
// machine.
type State int

const (
	StateAccepted State = iota
	StateProcessingReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateProcessingReady:
		return "processing_ready"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Connection is one live client connection, owned exclusively by the
// Manager. The sink is never written outside the connection's own lock, and
// the closing flag is rechecked inside the send critical section so a close
// racing a send can never produce a send-after-close.
type Connection struct {
	ID     string
	UserID string

	ConnectedAt time.Time

	mu           sync.Mutex
	sink         Sink
	state        State
	closing      bool
	lastActivity time.Time
	metadata     map[string]any
}

// NewConnection wraps an accepted transport. The id must be the stable
// identifier assigned by the acceptance layer before authentication.
func NewConnection(id, userID string, sink Sink) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		UserID:       userID,
		ConnectedAt:  now,
		sink:         sink,
		state:        StateAccepted,
		lastActivity: now,
		metadata:     make(map[string]any),
	}
}

// MarkReady moves the connection to ProcessingReady once authentication
// completes. No-op if the connection is already closing.
func (c *Connection) MarkReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAccepted {
		c.state = StateProcessingReady
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsClosing reports whether sends are forbidden on this connection.
func (c *Connection) IsClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing || c.state >= StateClosing
}

// LastActivity returns the time of the most recent send or touch.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Touch refreshes the activity timestamp.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// SetMetadata records an attribute on the connection.
func (c *Connection) SetMetadata(key string, value any) {
	c.mu.Lock()
	c.metadata[key] = value
	c.mu.Unlock()
}

// Metadata returns a copy of the connection's attributes.
func (c *Connection) Metadata() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// send delivers one envelope on the sink. The pre-send check and the write
// happen under the same lock: the closing flag and the transport state are
// rechecked after acquiring it, which is the race-free close discipline.
// Holding the lock across the write also gives per-connection FIFO ordering
// for each caller.
func (c *Connection) send(ctx context.Context, env events.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing || c.state >= StateClosing {
		return errSinkClosed
	}
	if st := c.sink.State(); st != SinkConnected {
		c.closing = true
		return errSinkClosed
	}

	err := c.sink.SendJSON(ctx, env)
	if err != nil {
		if IsClosedError(err) {
			// Concurrent senders must abandon immediately.
			c.closing = true
		}
		return err
	}
	c.lastActivity = time.Now()
	return nil
}

// beginClose flips the connection into Closing and forbids further sends.
// Returns false if the close was already underway.
func (c *Connection) beginClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing && c.state >= StateClosing {
		return false
	}
	c.closing = true
	if c.state < StateClosing {
		c.state = StateClosing
	}
	return true
}

// finishClose closes the sink and marks the connection Closed. Tolerates a
// transport that already closed underneath us.
func (c *Connection) finishClose(code int, reason string) {
	c.beginClose()

	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		_ = sink.Close(code, reason)
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}
