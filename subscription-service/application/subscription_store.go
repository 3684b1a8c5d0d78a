package application

import (
	"context"

	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/shared/outbox"
	"github.com/draftea/subscription-system/shared/storage"
	"github.com/draftea/subscription-system/subscription-service/domain"
	"github.com/pkg/errors"
)

// subscriptionStore saves a subscription and records the event describing
// the change in one transaction.
type subscriptionStore struct {
	tx     storage.TxRunner
	repo   domain.SubscriptionRepository
	outbox *outbox.Writer
}

func newSubscriptionStore(tx storage.TxRunner, repo domain.SubscriptionRepository, writer *outbox.Writer) *subscriptionStore {
	return &subscriptionStore{tx: tx, repo: repo, outbox: writer}
}

func (s *subscriptionStore) create(ctx context.Context, sub *domain.Subscription, eventType string) error {
	return s.tx.RunInTransaction(ctx, func(ctx context.Context) error {
		return s.saveWithEvent(ctx, sub, eventType)
	})
}

// update loads the subscription, applies mutate and saves it with its event.
// Nothing is written when mutate fails.
func (s *subscriptionStore) update(ctx context.Context, id models.ID, eventType string, mutate func(*domain.Subscription) error) (*domain.Subscription, error) {
	var updated *domain.Subscription
	err := s.tx.RunInTransaction(ctx, func(ctx context.Context) error {
		sub, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(sub); err != nil {
			return err
		}
		if err := s.saveWithEvent(ctx, sub, eventType); err != nil {
			return err
		}
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *subscriptionStore) saveWithEvent(ctx context.Context, sub *domain.Subscription, eventType string) error {
	if err := s.repo.Save(ctx, sub); err != nil {
		return errors.Wrap(err, "failed to save subscription")
	}
	if _, err := s.outbox.RecordNew(ctx, sub.ID.String(), domain.AggregateType, eventType, sub.Snapshot()); err != nil {
		return errors.Wrapf(err, "failed to record %s", eventType)
	}
	return nil
}
