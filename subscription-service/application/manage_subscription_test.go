package application_test

import (
	"context"
	"testing"

	"github.com/draftea/subscription-system/shared/events"
	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/subscription-service/application"
	"github.com/draftea/subscription-system/subscription-service/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCreateSubscription_Execute(t *testing.T) {
	tests := []struct {
		name    string
		command *application.CreateSubscriptionCommand
		wantErr error
	}{
		{name: "monthly", command: &application.CreateSubscriptionCommand{UserID: "user-1", PlanID: "plano-basico", Period: "MONTHLY"}},
		{name: "annual alias", command: &application.CreateSubscriptionCommand{UserID: "user-1", PlanID: "plano-premium", Period: "ANUAL"}},
		{name: "unknown plan", command: &application.CreateSubscriptionCommand{UserID: "user-1", PlanID: "plano-inexistente", Period: "MONTHLY"}, wantErr: domain.ErrPlanNotFound},
		{name: "bad period", command: &application.CreateSubscriptionCommand{UserID: "user-1", PlanID: "plano-basico", Period: "WEEKLY"}, wantErr: application.ErrInvalidCommand},
		{name: "missing user", command: &application.CreateSubscriptionCommand{PlanID: "plano-basico", Period: "MONTHLY"}, wantErr: application.ErrInvalidCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			uc := application.NewCreateSubscription(e.db, e.repo, e.writer, zap.NewNop())

			resp, err := uc.Execute(context.Background(), tt.command)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				pending, err := e.outboxStore.FindPending(context.Background(), 10)
				require.NoError(t, err)
				assert.Empty(t, pending)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, string(domain.StatusPending), resp.Status)
			assert.True(t, resp.NextBillingAt.After(resp.StartsAt))

			stored, err := e.repo.FindByID(context.Background(), models.ID(resp.SubscriptionID))
			require.NoError(t, err)
			assert.Equal(t, tt.command.PlanID, stored.PlanID)
			assert.Equal(t, []string{events.SubscriptionCreated}, e.eventTypes(t, resp.SubscriptionID))
		})
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	logger := zap.NewNop()

	created, err := application.NewCreateSubscription(e.db, e.repo, e.writer, logger).
		Execute(ctx, &application.CreateSubscriptionCommand{UserID: "user-1", PlanID: "plano-basico", Period: "MENSAL"})
	require.NoError(t, err)
	id := created.SubscriptionID

	_, err = application.NewRenewSubscription(e.db, e.repo, e.writer, logger).Execute(ctx, id)
	assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition, "pending subscriptions cannot be renewed")

	activated, err := application.NewActivateSubscription(e.db, e.repo, e.writer, logger).Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusActive), activated.Status)

	renewed, err := application.NewRenewSubscription(e.db, e.repo, e.writer, logger).Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, created.NextBillingAt.AddDate(0, 1, 0), renewed.NextBillingAt)

	paused, err := application.NewPauseSubscription(e.db, e.repo, e.writer, logger).Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusPaused), paused.Status)

	cancel := application.NewCancelSubscription(e.db, e.repo, e.writer, logger)
	cancelled, err := cancel.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCancelled), cancelled.Status)

	_, err = cancel.Execute(ctx, id)
	assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition)

	assert.Equal(t, []string{
		events.SubscriptionCreated,
		events.SubscriptionActivated,
		events.SubscriptionRenewed,
		events.SubscriptionPaused,
		events.SubscriptionCancelled,
	}, e.eventTypes(t, id))

	got, err := application.NewGetSubscription(e.repo).Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCancelled), got.Status)
	assert.Equal(t, 5, got.Version)

	list, err := application.NewListUserSubscriptions(e.repo).Execute(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGetSubscription_NotFound(t *testing.T) {
	e := newEnv(t)

	_, err := application.NewGetSubscription(e.repo).Execute(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)

	_, err = application.NewCancelSubscription(e.db, e.repo, e.writer, zap.NewNop()).Execute(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}
