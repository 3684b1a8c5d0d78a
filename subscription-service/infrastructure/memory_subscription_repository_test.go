package infrastructure

import (
	"context"
	"testing"
	"time"

	sharedinfra "github.com/draftea/subscription-system/shared/infrastructure"
	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/subscription-service/domain"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) (*MemorySubscriptionRepository, *sharedinfra.MemoryDB) {
	t.Helper()
	db, err := sharedinfra.NewMemoryDB(SubscriptionTableSchema())
	require.NoError(t, err)
	return NewMemorySubscriptionRepository(db), db
}

func newSubscription(t *testing.T, userID string, startsAt time.Time) *domain.Subscription {
	t.Helper()
	sub, err := domain.NewSubscription(models.ID(userID), "plano-basico", domain.PeriodMonthly, startsAt)
	require.NoError(t, err)
	sub.Timestamps.CreatedAt = startsAt
	return sub
}

func TestMemorySubscriptionRepository_SaveAndFind(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)
	sub := newSubscription(t, "user-1", time.Now())

	require.NoError(t, repo.Save(ctx, sub))

	found, err := repo.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, found.ID)
	assert.Equal(t, domain.StatusPending, found.Status)

	require.NoError(t, found.Activate())
	require.NoError(t, repo.Save(ctx, found))

	again, err := repo.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, again.Status)
	assert.Equal(t, 2, again.Version.Value)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}

func TestMemorySubscriptionRepository_RejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)
	sub := newSubscription(t, "user-1", time.Now())
	require.NoError(t, repo.Save(ctx, sub))

	first, err := repo.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	second, err := repo.FindByID(ctx, sub.ID)
	require.NoError(t, err)

	require.NoError(t, first.Activate())
	require.NoError(t, repo.Save(ctx, first))

	require.NoError(t, second.Cancel())
	assert.ErrorIs(t, repo.Save(ctx, second), domain.ErrVersionConflict)
}

func TestMemorySubscriptionRepository_FindByUserID(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)
	base := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	older := newSubscription(t, "user-1", base)
	newer := newSubscription(t, "user-1", base.Add(time.Hour))
	other := newSubscription(t, "user-2", base)
	for _, s := range []*domain.Subscription{older, newer, other} {
		require.NoError(t, repo.Save(ctx, s))
	}

	subs, err := repo.FindByUserID(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, newer.ID, subs[0].ID)
	assert.Equal(t, older.ID, subs[1].ID)
}

func TestMemorySubscriptionRepository_JoinsTransaction(t *testing.T) {
	ctx := context.Background()
	repo, db := newTestRepository(t)
	sub := newSubscription(t, "user-1", time.Now())

	rollback := errors.New("rollback")
	err := db.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := repo.Save(ctx, sub); err != nil {
			return err
		}
		found, err := repo.FindByID(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, sub.ID, found.ID)
		return rollback
	})
	assert.ErrorIs(t, err, rollback)

	_, err = repo.FindByID(ctx, sub.ID)
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}
