package infrastructure

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/draftea/subscription-system/shared/events"
	"github.com/pkg/errors"
)

// SNSPublishAPI is the part of the SNS client the relay uses.
type SNSPublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSRelay forwards domain events to an SNS topic. It runs as an outbox
// handler, so a failed publish is retried by the dispatcher.
type SNSRelay struct {
	client   SNSPublishAPI
	topicArn string
}

// NewSNSRelay creates a new SNSRelay
func NewSNSRelay(client SNSPublishAPI, topicArn string) *SNSRelay {
	return &SNSRelay{client: client, topicArn: topicArn}
}

// Handler returns the relay as a handler for eventType.
func (r *SNSRelay) Handler(eventType string) events.Handler {
	return events.NewHandlerFunc("sns-relay", eventType, r.Publish)
}

// Publish sends one event to the topic.
func (r *SNSRelay) Publish(ctx context.Context, event *events.DomainEvent) error {
	body, err := marshalRelayMessage(event)
	if err != nil {
		return err
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(r.topicArn),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.EventType),
			},
			"aggregate_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.AggregateType),
			},
		},
	}
	if strings.HasSuffix(r.topicArn, ".fifo") {
		input.MessageGroupId = aws.String(event.AggregateID)
		input.MessageDeduplicationId = aws.String(event.EventID)
	}

	if _, err := r.client.Publish(ctx, input); err != nil {
		return errors.Wrapf(err, "failed to publish event %s to SNS", event.EventID)
	}
	return nil
}
