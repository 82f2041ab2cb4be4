// Package events defines the bus subjects Courier consumes and provides
// the configured EventBus implementation.
package events

import (
	"fmt"
	"strings"

	"github.com/courierdev/courier/internal/common/config"
	"github.com/courierdev/courier/internal/common/logger"
	"github.com/courierdev/courier/internal/events/bus"
)

// Subjects for agent run traffic. Producers publish lifecycle registration
// on SubjectRunRegistered and per-event traffic on SubjectRunEvent(type);
// the routing core subscribes with the wildcard forms.
const (
	SubjectRunRegistered   = "courier.run.registered"
	SubjectRunUnregistered = "courier.run.unregistered"
	subjectRunEventPrefix  = "courier.run.event."
	SubjectRunEventAll     = "courier.run.event.>"
)

// SubjectRunEvent returns the subject for one event type.
func SubjectRunEvent(eventType string) string {
	return subjectRunEventPrefix + eventType
}

// EventTypeFromSubject recovers the event type from a run-event subject.
func EventTypeFromSubject(subject string) (string, bool) {
	if !strings.HasPrefix(subject, subjectRunEventPrefix) {
		return "", false
	}
	t := subject[len(subjectRunEventPrefix):]
	return t, t != ""
}

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the configured event bus: NATS when a URL is set, the
// in-memory bus otherwise. The returned cleanup closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error {
		memBus.Close()
		return nil
	}, nil
}
