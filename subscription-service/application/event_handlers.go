package application

import (
	"context"

	"github.com/draftea/subscription-system/shared/events"
	"github.com/draftea/subscription-system/shared/idempotency"
	"github.com/draftea/subscription-system/shared/logging"
	"github.com/draftea/subscription-system/subscription-service/domain"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SubscriptionCreatedHandler records new subscriptions in the service log
type SubscriptionCreatedHandler struct {
	logger *zap.Logger
}

func NewSubscriptionCreatedHandler(logger *zap.Logger) *SubscriptionCreatedHandler {
	return &SubscriptionCreatedHandler{logger: logger}
}

func (h *SubscriptionCreatedHandler) Name() string      { return "SubscriptionCreatedHandler" }
func (h *SubscriptionCreatedHandler) EventType() string { return events.SubscriptionCreated }

func (h *SubscriptionCreatedHandler) Handle(ctx context.Context, event *events.DomainEvent) error {
	var snap domain.SubscriptionSnapshot
	if err := event.UnmarshalPayload(&snap); err != nil {
		return err
	}

	logging.WithTrace(ctx, h.logger).Info("new subscription",
		zap.String("event_id", event.EventID),
		zap.String("subscription_id", snap.SubscriptionID),
		zap.String("user_id", snap.UserID),
		zap.String("plan_id", snap.PlanID),
		zap.String("status", string(snap.Status)),
	)
	return nil
}

// WelcomeEmailHandler welcomes the subscriber once a subscription becomes
// active. The guard keeps redeliveries and the saga's own welcome step from
// sending it twice.
type WelcomeEmailHandler struct {
	notifier Notifier
	guard    idempotency.Guard
	logger   *zap.Logger
}

func NewWelcomeEmailHandler(notifier Notifier, guard idempotency.Guard, logger *zap.Logger) *WelcomeEmailHandler {
	return &WelcomeEmailHandler{notifier: notifier, guard: guard, logger: logger}
}

func (h *WelcomeEmailHandler) Name() string      { return "WelcomeEmailHandler" }
func (h *WelcomeEmailHandler) EventType() string { return events.SubscriptionActivated }

func (h *WelcomeEmailHandler) Handle(ctx context.Context, event *events.DomainEvent) error {
	var snap domain.SubscriptionSnapshot
	if err := event.UnmarshalPayload(&snap); err != nil {
		return err
	}
	logger := logging.WithTrace(ctx, h.logger).With(
		zap.String("event_id", event.EventID),
		zap.String("subscription_id", snap.SubscriptionID),
	)

	var notificationID string
	ran, err := h.guard.Do(ctx, WelcomeKey(snap.SubscriptionID), func(ctx context.Context) error {
		plan, err := domain.FindPlan(snap.PlanID)
		if err != nil {
			logger.Warn("welcome email sent without plan name", zap.String("plan_id", snap.PlanID), zap.Error(err))
		}
		id, err := h.notifier.SendWelcome(ctx, Notification{
			SubscriptionID: snap.SubscriptionID,
			UserID:         snap.UserID,
			PlanID:         snap.PlanID,
			PlanName:       plan.Name,
		})
		notificationID = id
		return err
	})
	if err != nil {
		return errors.Wrap(err, "failed to send welcome email")
	}
	if !ran {
		logger.Debug("welcome email already sent")
		return nil
	}

	logger.Info("welcome email sent", zap.String("notification_id", notificationID))
	return nil
}
