package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/common/logger"
)

// MemoryEventBus implements EventBus with synchronous in-process delivery.
//
// The engine's scheduling passes depend on Publish returning only after all
// handlers ran, and on handlers firing in the order they subscribed. Emit
// iterates over a snapshot of the subscriber list taken under the lock, so
// handlers are free to subscribe, unsubscribe, or publish while a delivery
// is in progress.
type MemoryEventBus struct {
	subscriptions []*memorySubscription // in subscription order
	mu            sync.Mutex
	logger        *logger.Logger
	closed        bool
}

// memorySubscription represents an in-memory subscription.
type memorySubscription struct {
	bus     *MemoryEventBus
	pattern string
	regex   *regexp.Regexp // nil for exact-match patterns
	handler EventHandler
	active  bool
	mu      sync.Mutex
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{logger: log}
}

// Publish delivers the event to all matching subscribers, synchronously and
// in subscription order. Handler errors are logged and do not stop delivery.
func (b *MemoryEventBus) Publish(ctx context.Context, event *Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("event bus is closed")
	}

	// Snapshot under the lock; a subscriber added during delivery first
	// sees the next event.
	matching := make([]*memorySubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if matches(event.Type, sub.pattern, sub.regex) {
			matching = append(matching, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matching {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}

		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("event handler error",
				zap.String("topic", event.Type),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}

	b.logger.Debug("published event",
		zap.String("topic", event.Type),
		zap.String("event_id", event.ID))

	return nil
}

// Subscribe registers a handler for a topic pattern.
func (b *MemoryEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		regex:   compilePattern(pattern),
		handler: handler,
		active:  true,
	}
	b.subscriptions = append(b.subscriptions, sub)

	b.logger.Debug("subscribed to topic", zap.String("pattern", pattern))
	return sub, nil
}

// Close closes the event bus.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subscriptions {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subscriptions = nil
}

// IsConnected returns true until the bus is closed.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// matches checks if a topic matches a pattern.
// Supports NATS-style wildcards over colon-separated tokens:
// * (single token) and > (remaining tokens).
func matches(topic, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return topic == pattern
	}
	if regex != nil {
		return regex.MatchString(topic)
	}
	return false
}

// compilePattern converts a wildcard pattern to a regex.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^:]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
