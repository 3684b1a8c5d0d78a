package infrastructure

import (
	"context"

	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/subscription-service/application"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	messageWelcome      = "subscription.welcome"
	messageCancellation = "subscription.cancellation"
)

// MessageSender enqueues a typed message and returns its id
type MessageSender interface {
	Send(ctx context.Context, messageType string, body any) (string, error)
}

// QueueNotifier hands notifications to the notification service's queue
type QueueNotifier struct {
	sender MessageSender
}

var _ application.Notifier = (*QueueNotifier)(nil)

func NewQueueNotifier(sender MessageSender) *QueueNotifier {
	return &QueueNotifier{sender: sender}
}

func (n *QueueNotifier) SendWelcome(ctx context.Context, msg application.Notification) (string, error) {
	id, err := n.sender.Send(ctx, messageWelcome, msg)
	if err != nil {
		return "", errors.Wrap(err, "failed to enqueue welcome notification")
	}
	return id, nil
}

func (n *QueueNotifier) SendCancellation(ctx context.Context, msg application.Notification) error {
	if _, err := n.sender.Send(ctx, messageCancellation, msg); err != nil {
		return errors.Wrap(err, "failed to enqueue cancellation notification")
	}
	return nil
}

// LogNotifier only logs notifications
type LogNotifier struct {
	logger *zap.Logger
}

var _ application.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendWelcome(ctx context.Context, msg application.Notification) (string, error) {
	id := models.GenerateUUID().String()
	n.logger.Info("welcome notification",
		zap.String("notification_id", id),
		zap.String("subscription_id", msg.SubscriptionID),
		zap.String("user_id", msg.UserID),
		zap.String("plan", msg.PlanName),
	)
	return id, nil
}

func (n *LogNotifier) SendCancellation(ctx context.Context, msg application.Notification) error {
	n.logger.Info("cancellation notification",
		zap.String("subscription_id", msg.SubscriptionID),
		zap.String("user_id", msg.UserID),
	)
	return nil
}
