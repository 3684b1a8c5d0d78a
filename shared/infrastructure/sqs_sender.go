package infrastructure

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/pkg/errors"
)

// SQSSendAPI is the part of the SQS client the sender uses.
type SQSSendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSender enqueues JSON messages tagged with a message type attribute.
type SQSSender struct {
	client   SQSSendAPI
	queueURL string
}

// NewSQSSender creates a new SQSSender
func NewSQSSender(client SQSSendAPI, queueURL string) *SQSSender {
	return &SQSSender{client: client, queueURL: queueURL}
}

// Send marshals body and enqueues it. It returns the SQS message id.
func (s *SQSSender) Send(ctx context.Context, messageType string, body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal SQS message")
	}

	out, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(raw)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"message_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(messageType),
			},
		},
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to send %s message to SQS", messageType)
	}
	return aws.ToString(out.MessageId), nil
}
