package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/courierdev/courier/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus used when no NATS URL is
// configured. Handlers run on their own goroutines so a slow consumer
// cannot stall the publisher.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
	logger *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil when the subject has no wildcards
	handler Handler

	mu     sync.Mutex
	active bool
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[string][]*memorySubscription),
		logger: log,
	}
}

// Publish delivers the event to every matching subscription.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for pattern, subs := range b.subs {
		if !subjectMatches(subject, pattern) {
			continue
		}
		for _, sub := range subs {
			if !sub.IsValid() {
				continue
			}
			go func(s *memorySubscription, e *Event) {
				if err := s.handler(ctx, e); err != nil {
					b.logger.Error("event handler failed",
						zap.String("subject", subject),
						zap.String("event_type", e.Type),
						zap.Error(err))
				}
			}(sub, event)
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
	}
	b.subs[subject] = append(b.subs[subject], sub)

	b.logger.Debug("subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close deactivates every subscription. Publishing afterwards fails.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	b.logger.Info("memory event bus closed")
}

// IsConnected reports whether the bus still accepts traffic.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// subjectMatches implements NATS wildcard semantics: * matches exactly one
// token, > matches one or more trailing tokens.
func subjectMatches(subject, pattern string) bool {
	if !strings.ContainsAny(pattern, "*>") {
		return subject == pattern
	}
	if re := compilePattern(pattern); re != nil {
		return re.MatchString(subject)
	}
	return false
}

func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
