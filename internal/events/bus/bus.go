// Package bus provides the in-process event bus for the pipeline engine.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus. Type doubles as the routing
// topic; Data carries one of the typed payload structs from the events
// package.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"` // component that produced the event
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event. A returned error is
// logged by the bus; it never stops delivery to later handlers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
//
// Delivery is synchronous and in subscription order: Publish returns after
// every matching handler has run. Handlers registered while an emit is in
// progress first see the next event.
type EventBus interface {
	// Publish delivers an event to every subscriber whose pattern matches
	// the event type.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a handler for a topic pattern. Patterns use
	// colon-separated tokens with NATS-style wildcards: "task:*" matches
	// one token, ">" matches the rest.
	Subscribe(pattern string, handler EventHandler) (Subscription, error)

	// Close shuts the bus down; further publishes fail.
	Close()

	// IsConnected returns whether the bus accepts events.
	IsConnected() bool
}
