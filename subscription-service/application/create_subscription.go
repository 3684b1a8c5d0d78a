package application

import (
	"context"
	"time"

	"github.com/draftea/subscription-system/shared/events"
	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/shared/outbox"
	"github.com/draftea/subscription-system/shared/storage"
	"github.com/draftea/subscription-system/subscription-service/domain"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrInvalidCommand marks input errors the caller can fix
var ErrInvalidCommand = errors.New("invalid command")

// CreateSubscriptionCommand represents the command to create a subscription
type CreateSubscriptionCommand struct {
	UserID string `json:"userId"`
	PlanID string `json:"planId"`
	Period string `json:"period"`
}

// SubscriptionResponse is the external view of a subscription
type SubscriptionResponse struct {
	SubscriptionID string    `json:"subscriptionId"`
	UserID         string    `json:"userId"`
	PlanID         string    `json:"planId"`
	Status         string    `json:"status"`
	Period         string    `json:"period"`
	StartsAt       time.Time `json:"startsAt"`
	NextBillingAt  time.Time `json:"nextBillingAt"`
	Version        int       `json:"version"`
}

func newSubscriptionResponse(sub *domain.Subscription) *SubscriptionResponse {
	return &SubscriptionResponse{
		SubscriptionID: sub.ID.String(),
		UserID:         sub.UserID.String(),
		PlanID:         sub.PlanID,
		Status:         string(sub.Status),
		Period:         string(sub.Term.Period),
		StartsAt:       sub.Term.StartsAt,
		NextBillingAt:  sub.Term.NextBillingAt,
		Version:        sub.Version.Value,
	}
}

// CreateSubscription stores a PENDING subscription together with its
// SubscriptionCreated event.
type CreateSubscription struct {
	store  *subscriptionStore
	logger *zap.Logger
}

// NewCreateSubscription creates a new CreateSubscription use case
func NewCreateSubscription(
	tx storage.TxRunner,
	repo domain.SubscriptionRepository,
	writer *outbox.Writer,
	logger *zap.Logger,
) *CreateSubscription {
	return &CreateSubscription{
		store:  newSubscriptionStore(tx, repo, writer),
		logger: logger,
	}
}

func (uc *CreateSubscription) Execute(ctx context.Context, cmd *CreateSubscriptionCommand) (*SubscriptionResponse, error) {
	if cmd.UserID == "" {
		return nil, errors.Wrap(ErrInvalidCommand, "user ID is required")
	}
	if _, err := domain.FindPlan(cmd.PlanID); err != nil {
		return nil, err
	}
	period, err := domain.ParseBillingPeriod(cmd.Period)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidCommand, err.Error())
	}

	sub, err := domain.NewSubscription(models.ID(cmd.UserID), cmd.PlanID, period, models.Now())
	if err != nil {
		return nil, errors.Wrap(ErrInvalidCommand, err.Error())
	}

	if err := uc.store.create(ctx, sub, events.SubscriptionCreated); err != nil {
		return nil, errors.Wrap(err, "failed to create subscription")
	}

	uc.logger.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", cmd.UserID),
		zap.String("plan_id", cmd.PlanID),
	)
	return newSubscriptionResponse(sub), nil
}
