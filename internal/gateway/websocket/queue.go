package websocket

import (
	"time"

	"github.com/courierdev/courier/pkg/events"
)

// QueuedEnvelope is one undelivered message held for recovery.
type QueuedEnvelope struct {
	Envelope events.Envelope
	Reason   string
	QueuedAt time.Time
}

// failedQueue is a bounded FIFO of undelivered envelopes for one user.
// On overflow the oldest entry is dropped. Not safe for concurrent use;
// the manager guards it with its failedDeliveries mutex.
type failedQueue struct {
	items []QueuedEnvelope
	cap   int
}

func newFailedQueue(capacity int) *failedQueue {
	return &failedQueue{cap: capacity}
}

// push appends an envelope, dropping the oldest entry when full.
// Returns true when an entry was dropped to make room.
func (q *failedQueue) push(env events.Envelope, reason string) (dropped bool) {
	if q.cap <= 0 {
		return true
	}
	if len(q.items) >= q.cap {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, QueuedEnvelope{
		Envelope: env,
		Reason:   reason,
		QueuedAt: time.Now(),
	})
	return dropped
}

// drain removes and returns all queued envelopes in FIFO order.
func (q *failedQueue) drain() []QueuedEnvelope {
	items := q.items
	q.items = nil
	return items
}

// hasRoom reports whether another envelope fits without dropping.
func (q *failedQueue) hasRoom() bool {
	return len(q.items) < q.cap
}

func (q *failedQueue) len() int {
	return len(q.items)
}
