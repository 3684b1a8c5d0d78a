package infrastructure

import (
	"encoding/json"
	"time"

	"github.com/draftea/subscription-system/shared/events"
	"github.com/pkg/errors"
)

// relayMessage is the envelope forwarded to brokers.
type relayMessage struct {
	ID            string          `json:"id"`
	EventType     string          `json:"eventType"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
}

func marshalRelayMessage(event *events.DomainEvent) ([]byte, error) {
	msg := relayMessage{
		ID:            event.EventID,
		EventType:     event.EventType,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		Payload:       event.Payload,
		Timestamp:     event.OccurredOn,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal relay message")
	}
	return body, nil
}
