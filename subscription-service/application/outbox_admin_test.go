package application_test

import (
	"context"
	"testing"

	"github.com/draftea/subscription-system/shared/events"
	"github.com/draftea/subscription-system/shared/outbox"
	"github.com/draftea/subscription-system/subscription-service/application"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOutboxAdmin(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := application.NewCreateSubscription(e.db, e.repo, e.writer, zap.NewNop()).
		Execute(ctx, &application.CreateSubscriptionCommand{UserID: "user-1", PlanID: "plano-basico", Period: "MONTHLY"})
	require.NoError(t, err)

	dispatcher := outbox.NewDispatcher(e.outboxStore, events.NewPublisher(events.NewRegistry(), zap.NewNop()))
	admin := application.NewOutboxAdmin(e.outboxStore, dispatcher)

	stats, err := admin.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &application.OutboxStatsResponse{Pending: 1, Total: 1}, stats)
	pendingCount, err := admin.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pendingCount)

	result, err := admin.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	stats, err = admin.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Processed)
	pendingCount, err = admin.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pendingCount)

	pending, err := e.outboxStore.FindPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = admin.Event(ctx, "missing")
	assert.ErrorIs(t, err, outbox.ErrEventNotFound)
}
