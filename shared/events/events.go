// Package events carries domain events from the outbox to in-process handlers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Subscription event types.
const (
	SubscriptionCreated   = "subscription.created"
	SubscriptionActivated = "subscription.activated"
	SubscriptionPaused    = "subscription.paused"
	SubscriptionRenewed   = "subscription.renewed"
	SubscriptionCancelled = "subscription.cancelled"
)

// SubscriptionEventTypes lists every subscription event type.
func SubscriptionEventTypes() []string {
	return []string{
		SubscriptionCreated,
		SubscriptionActivated,
		SubscriptionPaused,
		SubscriptionRenewed,
		SubscriptionCancelled,
	}
}

var ErrInvalidHandler = errors.New("invalid handler")

// DomainEvent is the transient form of a recorded outbox event handed to handlers.
type DomainEvent struct {
	EventID       string          `json:"eventId"`
	OccurredOn    time.Time       `json:"occurredOn"`
	EventType     string          `json:"eventType"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Payload       json.RawMessage `json:"payload"`
}

// UnmarshalPayload decodes the event payload into v.
func (e *DomainEvent) UnmarshalPayload(v any) error {
	if len(e.Payload) == 0 {
		return errors.Errorf("event %s has an empty payload", e.EventID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.Wrapf(err, "failed to unmarshal payload of event %s", e.EventID)
	}
	return nil
}

// Handler reacts to one event type. Handlers must tolerate redelivery of the
// same event: dispatch is at-least-once.
type Handler interface {
	EventType() string
	Handle(ctx context.Context, event *DomainEvent) error
}

// Named is implemented by handlers that want a stable name in logs and errors.
type Named interface {
	Name() string
}

type handlerFunc struct {
	name      string
	eventType string
	fn        func(ctx context.Context, event *DomainEvent) error
}

// NewHandlerFunc adapts a function into a Handler.
func NewHandlerFunc(name, eventType string, fn func(ctx context.Context, event *DomainEvent) error) Handler {
	return &handlerFunc{name: name, eventType: eventType, fn: fn}
}

func (h *handlerFunc) Name() string      { return h.name }
func (h *handlerFunc) EventType() string { return h.eventType }

func (h *handlerFunc) Handle(ctx context.Context, event *DomainEvent) error {
	return h.fn(ctx, event)
}
