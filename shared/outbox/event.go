// Package outbox implements the transactional outbox: events are recorded in
// the same transaction as the state change that produced them and delivered
// to handlers later by a polling dispatcher, at least once.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/draftea/subscription-system/shared/events"
	"github.com/pkg/errors"
)

// MaxPayloadBytes bounds the serialized payload of one event.
const MaxPayloadBytes = 1 << 20

var (
	ErrTransactionRequired = errors.New("outbox events must be recorded inside a transaction")
	ErrTickInProgress      = errors.New("outbox dispatch already in progress")
	ErrEventNotFound       = errors.New("outbox event not found")
	ErrInvalidTransition   = errors.New("invalid outbox status transition")
	ErrInvalidEvent        = errors.New("invalid outbox event")
	ErrPayloadTooLarge     = errors.New("outbox payload too large")
	ErrPayloadNotJSON      = errors.New("outbox payload is not valid JSON")
)

// Status is the delivery state of an outbox event.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// CanTransitionTo reports whether the status can move to next.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessed || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	default:
		return false
	}
}

// Event is a persisted outbox record.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"lastError,omitempty"`
}

// NewEvent builds a PENDING event. payload may be a json.RawMessage or any
// value encoding/json can marshal.
func NewEvent(aggregateID, aggregateType, eventType string, payload any) (*Event, error) {
	if aggregateID == "" || aggregateType == "" || eventType == "" {
		return nil, errors.Wrap(ErrInvalidEvent, "aggregate id, aggregate type and event type are required")
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(ErrPayloadNotJSON, err.Error())
		}
		raw = b
	}

	if !json.Valid(raw) {
		return nil, ErrPayloadNotJSON
	}
	if len(raw) > MaxPayloadBytes {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(raw))
	}

	return &Event{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       raw,
		Status:        StatusPending,
	}, nil
}

// ToDomainEvent rebuilds the transient event handed to handlers.
func (e *Event) ToDomainEvent() *events.DomainEvent {
	return &events.DomainEvent{
		EventID:       e.ID,
		OccurredOn:    e.CreatedAt,
		EventType:     e.EventType,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Payload:       e.Payload,
	}
}
