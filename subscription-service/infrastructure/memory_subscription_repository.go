package infrastructure

import (
	"context"
	"sort"

	sharedinfra "github.com/draftea/subscription-system/shared/infrastructure"
	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/subscription-service/domain"
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

const tableSubscriptions = "subscriptions"

var _ domain.SubscriptionRepository = (*MemorySubscriptionRepository)(nil)

type memorySubscriptionRow struct {
	ID     string
	UserID string
	Sub    domain.Subscription
}

// SubscriptionTableSchema is the memdb table MemorySubscriptionRepository needs.
// Pass it to sharedinfra.NewMemoryDB.
func SubscriptionTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableSubscriptions,
		Indexes: map[string]*memdb.IndexSchema{
			"id":      {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
			"user_id": {Name: "user_id", Indexer: &memdb.StringFieldIndex{Field: "UserID"}},
		},
	}
}

// MemorySubscriptionRepository implements SubscriptionRepository on a MemoryDB
type MemorySubscriptionRepository struct {
	db *sharedinfra.MemoryDB
}

func NewMemorySubscriptionRepository(db *sharedinfra.MemoryDB) *MemorySubscriptionRepository {
	return &MemorySubscriptionRepository{db: db}
}

func (r *MemorySubscriptionRepository) Save(ctx context.Context, sub *domain.Subscription) error {
	return r.db.Write(ctx, func(txn *memdb.Txn) error {
		raw, err := txn.First(tableSubscriptions, "id", sub.ID.String())
		if err != nil {
			return errors.Wrap(err, "failed to find subscription")
		}

		switch {
		case raw == nil && !sub.Version.IsFirst():
			return errors.Wrapf(domain.ErrVersionConflict, "subscription %s does not exist", sub.ID)
		case raw != nil && raw.(*memorySubscriptionRow).Sub.Version.Value != sub.Version.Expected():
			return errors.Wrapf(domain.ErrVersionConflict, "subscription %s version %d", sub.ID, sub.Version.Expected())
		}

		row := &memorySubscriptionRow{ID: sub.ID.String(), UserID: sub.UserID.String(), Sub: *sub}
		return errors.Wrap(txn.Insert(tableSubscriptions, row), "failed to save subscription")
	})
}

func (r *MemorySubscriptionRepository) FindByID(ctx context.Context, id models.ID) (*domain.Subscription, error) {
	raw, err := r.db.Read(ctx).First(tableSubscriptions, "id", id.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to find subscription")
	}
	if raw == nil {
		return nil, errors.Wrap(domain.ErrSubscriptionNotFound, id.String())
	}
	sub := raw.(*memorySubscriptionRow).Sub
	return &sub, nil
}

func (r *MemorySubscriptionRepository) FindByUserID(ctx context.Context, userID models.ID) ([]*domain.Subscription, error) {
	it, err := r.db.Read(ctx).Get(tableSubscriptions, "user_id", userID.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to find subscriptions by user")
	}

	var subs []*domain.Subscription
	for obj := it.Next(); obj != nil; obj = it.Next() {
		sub := obj.(*memorySubscriptionRow).Sub
		subs = append(subs, &sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].Timestamps.CreatedAt.After(subs[j].Timestamps.CreatedAt)
	})
	return subs, nil
}
