package bridge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/courierdev/courier/internal/common/logger"
	courierevents "github.com/courierdev/courier/internal/events"
	"github.com/courierdev/courier/internal/events/bus"
	"github.com/courierdev/courier/internal/registry"
	"github.com/courierdev/courier/pkg/events"
)

// Ingest subscribes the routing core to the event bus. Producers publish
// run registration and run events on their subjects; Ingest feeds the
// registry and the bridge from them.
type Ingest struct {
	bus      bus.EventBus
	bridge   *Bridge
	registry *registry.Registry
	logger   *logger.Logger
	subs     []bus.Subscription
}

// NewIngest wires the bus consumer.
func NewIngest(eb bus.EventBus, b *Bridge, reg *registry.Registry, log *logger.Logger) *Ingest {
	return &Ingest{
		bus:      eb,
		bridge:   b,
		registry: reg,
		logger:   log.WithFields(zap.String("component", "event_ingest")),
	}
}

// Start registers the bus subscriptions.
func (i *Ingest) Start() error {
	subjects := []struct {
		subject string
		handler bus.Handler
	}{
		{courierevents.SubjectRunRegistered, i.handleRegistered},
		{courierevents.SubjectRunUnregistered, i.handleUnregistered},
		{courierevents.SubjectRunEventAll, i.handleRunEvent},
	}
	for _, s := range subjects {
		sub, err := i.bus.Subscribe(s.subject, s.handler)
		if err != nil {
			i.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
		}
		i.subs = append(i.subs, sub)
	}
	i.logger.Info("event ingest started", zap.Int("subscriptions", len(i.subs)))
	return nil
}

// Stop removes the bus subscriptions.
func (i *Ingest) Stop() {
	for _, sub := range i.subs {
		_ = sub.Unsubscribe()
	}
	i.subs = nil
}

func (i *Ingest) handleRegistered(ctx context.Context, event *bus.Event) error {
	runID := event.RunID
	threadID, _ := event.Data["thread_id"].(string)
	if runID == "" || threadID == "" {
		return fmt.Errorf("registration event missing run_id or thread_id")
	}

	metadata := map[string]any{"source": event.Source}
	if event.UserID != "" {
		metadata["user_id"] = event.UserID
	}
	if !i.registry.Register(runID, threadID, metadata) {
		return fmt.Errorf("registry rejected mapping %s -> %s", runID, threadID)
	}
	return nil
}

func (i *Ingest) handleUnregistered(ctx context.Context, event *bus.Event) error {
	if event.RunID == "" {
		return fmt.Errorf("unregistration event missing run_id")
	}
	i.registry.UnregisterRun(event.RunID)
	return nil
}

// handleRunEvent forwards one agent event to the user. Unknown types are
// rejected so producers cannot widen the wire contract by accident.
func (i *Ingest) handleRunEvent(ctx context.Context, event *bus.Event) error {
	t := events.Type(event.Type)
	if !events.Known(t) || t == events.TypeConnectionStatus {
		return fmt.Errorf("unsupported event type %q", event.Type)
	}
	if event.UserID == "" {
		return fmt.Errorf("run event %s has no user routing", event.ID)
	}

	data := make(map[string]any, len(event.Data))
	for k, v := range event.Data {
		data[k] = v
	}

	if !i.bridge.notify(ctx, event.UserID, event.RunID, t, data) {
		i.logger.Debug("run event not delivered",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.String("run_id", event.RunID))
	}
	return nil
}
