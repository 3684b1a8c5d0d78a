package application

import (
	"context"

	"github.com/draftea/subscription-system/shared/events"
	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/shared/outbox"
	"github.com/draftea/subscription-system/shared/storage"
	"github.com/draftea/subscription-system/subscription-service/domain"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RenewSubscription starts the next term of an active subscription
type RenewSubscription struct {
	store  *subscriptionStore
	logger *zap.Logger
}

func NewRenewSubscription(tx storage.TxRunner, repo domain.SubscriptionRepository, writer *outbox.Writer, logger *zap.Logger) *RenewSubscription {
	return &RenewSubscription{store: newSubscriptionStore(tx, repo, writer), logger: logger}
}

func (uc *RenewSubscription) Execute(ctx context.Context, id string) (*SubscriptionResponse, error) {
	sub, err := uc.store.update(ctx, models.ID(id), events.SubscriptionRenewed, func(sub *domain.Subscription) error {
		return sub.Renew(models.Now())
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to renew subscription")
	}

	uc.logger.Info("subscription renewed",
		zap.String("subscription_id", id),
		zap.Time("next_billing_at", sub.Term.NextBillingAt),
	)
	return newSubscriptionResponse(sub), nil
}

// CancelSubscription cancels a subscription that is not cancelled yet
type CancelSubscription struct {
	store  *subscriptionStore
	logger *zap.Logger
}

func NewCancelSubscription(tx storage.TxRunner, repo domain.SubscriptionRepository, writer *outbox.Writer, logger *zap.Logger) *CancelSubscription {
	return &CancelSubscription{store: newSubscriptionStore(tx, repo, writer), logger: logger}
}

func (uc *CancelSubscription) Execute(ctx context.Context, id string) (*SubscriptionResponse, error) {
	sub, err := uc.store.update(ctx, models.ID(id), events.SubscriptionCancelled, (*domain.Subscription).Cancel)
	if err != nil {
		return nil, errors.Wrap(err, "failed to cancel subscription")
	}

	uc.logger.Info("subscription cancelled", zap.String("subscription_id", id))
	return newSubscriptionResponse(sub), nil
}

// GetSubscription reads one subscription
type GetSubscription struct {
	repo domain.SubscriptionRepository
}

func NewGetSubscription(repo domain.SubscriptionRepository) *GetSubscription {
	return &GetSubscription{repo: repo}
}

func (uc *GetSubscription) Execute(ctx context.Context, id string) (*SubscriptionResponse, error) {
	sub, err := uc.repo.FindByID(ctx, models.ID(id))
	if err != nil {
		return nil, err
	}
	return newSubscriptionResponse(sub), nil
}

// ListUserSubscriptions returns every subscription a user holds
type ListUserSubscriptions struct {
	repo domain.SubscriptionRepository
}

func NewListUserSubscriptions(repo domain.SubscriptionRepository) *ListUserSubscriptions {
	return &ListUserSubscriptions{repo: repo}
}

func (uc *ListUserSubscriptions) Execute(ctx context.Context, userID string) ([]*SubscriptionResponse, error) {
	if userID == "" {
		return nil, errors.Wrap(ErrInvalidCommand, "user ID is required")
	}
	subs, err := uc.repo.FindByUserID(ctx, models.ID(userID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list subscriptions")
	}

	out := make([]*SubscriptionResponse, len(subs))
	for i, sub := range subs {
		out[i] = newSubscriptionResponse(sub)
	}
	return out, nil
}

// ActivateSubscription activates a pending or paused subscription
type ActivateSubscription struct {
	store  *subscriptionStore
	logger *zap.Logger
}

func NewActivateSubscription(tx storage.TxRunner, repo domain.SubscriptionRepository, writer *outbox.Writer, logger *zap.Logger) *ActivateSubscription {
	return &ActivateSubscription{store: newSubscriptionStore(tx, repo, writer), logger: logger}
}

func (uc *ActivateSubscription) Execute(ctx context.Context, id string) (*SubscriptionResponse, error) {
	sub, err := uc.store.update(ctx, models.ID(id), events.SubscriptionActivated, (*domain.Subscription).Activate)
	if err != nil {
		return nil, errors.Wrap(err, "failed to activate subscription")
	}

	uc.logger.Info("subscription activated", zap.String("subscription_id", id))
	return newSubscriptionResponse(sub), nil
}

// PauseSubscription suspends an active subscription
type PauseSubscription struct {
	store  *subscriptionStore
	logger *zap.Logger
}

func NewPauseSubscription(tx storage.TxRunner, repo domain.SubscriptionRepository, writer *outbox.Writer, logger *zap.Logger) *PauseSubscription {
	return &PauseSubscription{store: newSubscriptionStore(tx, repo, writer), logger: logger}
}

func (uc *PauseSubscription) Execute(ctx context.Context, id string) (*SubscriptionResponse, error) {
	sub, err := uc.store.update(ctx, models.ID(id), events.SubscriptionPaused, (*domain.Subscription).Pause)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pause subscription")
	}

	uc.logger.Info("subscription paused", zap.String("subscription_id", id))
	return newSubscriptionResponse(sub), nil
}
