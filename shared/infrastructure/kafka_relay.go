package infrastructure

import (
	"context"

	"github.com/draftea/subscription-system/shared/events"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// KafkaMessageWriter is the part of *kafka.Writer the relay uses.
type KafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a writer that routes by message topic and hashes
// keys so events of one aggregate land on the same partition.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// KafkaRelay forwards domain events to Kafka, one topic per event type.
type KafkaRelay struct {
	writer      KafkaMessageWriter
	topicPrefix string
}

// NewKafkaRelay creates a new KafkaRelay
func NewKafkaRelay(writer KafkaMessageWriter, topicPrefix string) *KafkaRelay {
	return &KafkaRelay{writer: writer, topicPrefix: topicPrefix}
}

// Handler returns the relay as a handler for eventType.
func (r *KafkaRelay) Handler(eventType string) events.Handler {
	return events.NewHandlerFunc("kafka-relay", eventType, r.Publish)
}

// Publish writes one event keyed by its aggregate id.
func (r *KafkaRelay) Publish(ctx context.Context, event *events.DomainEvent) error {
	body, err := marshalRelayMessage(event)
	if err != nil {
		return err
	}

	carrier := &kafkaHeaderCarrier{headers: []kafka.Header{
		{Key: "event_id", Value: []byte(event.EventID)},
		{Key: "event_type", Value: []byte(event.EventType)},
		{Key: "aggregate_type", Value: []byte(event.AggregateType)},
	}}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	msg := kafka.Message{
		Topic:   r.topicPrefix + event.EventType,
		Key:     []byte(event.AggregateID),
		Value:   body,
		Headers: carrier.headers,
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "failed to write event %s to kafka", event.EventID)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (r *KafkaRelay) Close() error {
	return r.writer.Close()
}

type kafkaHeaderCarrier struct {
	headers []kafka.Header
}

var _ propagation.TextMapCarrier = (*kafkaHeaderCarrier)(nil)

func (c *kafkaHeaderCarrier) Get(key string) string {
	for _, h := range c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *kafkaHeaderCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *kafkaHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}
