// Package bus provides the event bus abstraction Courier ingests agent run
// events from. A single binary uses the in-memory bus; multi-process
// deployments put NATS between the agent runtime and the routing core.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one agent run event in flight on the bus. Business fields ride
// in Data; RunID and UserID are routing hints so consumers do not have to
// dig into the payload.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	RunID     string         `json:"run_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and the current time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// WithRun attaches run routing hints.
func (e *Event) WithRun(runID, userID string) *Event {
	e.RunID = runID
	e.UserID = userID
	return e
}

// Handler processes one event. Errors are logged by the bus, not retried.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the transport between event producers and the routing core.
// Subjects use NATS conventions: dot-separated tokens, with * matching one
// token and > matching the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
