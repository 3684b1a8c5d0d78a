package application_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/draftea/subscription-system/shared/events"
	sharedinfra "github.com/draftea/subscription-system/shared/infrastructure"
	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/shared/saga"
	"github.com/draftea/subscription-system/subscription-service/application"
	"github.com/draftea/subscription-system/subscription-service/domain"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func runSaga(t *testing.T, e *env, cmd *application.StartSubscriptionSagaCommand) *application.SagaStatusResponse {
	t.Helper()
	ctx := context.Background()

	started, err := application.NewStartSubscriptionSaga(e.orchestrator).Execute(ctx, cmd)
	require.NoError(t, err)
	e.orchestrator.Wait()

	status, err := application.NewGetSagaStatus(e.orchestrator).Execute(ctx, started.SagaID)
	require.NoError(t, err)
	return status
}

func stepStatuses(resp *application.SagaStatusResponse) []string {
	out := make([]string, len(resp.Steps))
	for i, s := range resp.Steps {
		out[i] = s.Status
	}
	return out
}

func stepState(t *testing.T, resp *application.SagaStatusResponse, name string) application.SubscriptionSagaState {
	t.Helper()
	for _, s := range resp.Steps {
		if s.Name == name {
			var state application.SubscriptionSagaState
			require.NoError(t, json.Unmarshal(s.Output, &state))
			return state
		}
	}
	t.Fatalf("step %s not found", name)
	return application.SubscriptionSagaState{}
}

func TestSubscriptionSaga_Completes(t *testing.T) {
	e := newEnv(t)
	e.notifier.On("SendWelcome", mock.Anything, mock.MatchedBy(func(n application.Notification) bool {
		return n.UserID == "user-1" && n.PlanName == "Premium"
	})).Return("notif-1", nil).Once()

	resp := runSaga(t, e, &application.StartSubscriptionSagaCommand{UserID: "user-1", PlanID: "plano-premium", Period: "MENSAL", PaymentMethod: "pm_card_visa"})

	assert.Equal(t, string(saga.StatusCompleted), resp.Status)
	assert.Equal(t, application.CreateSubscriptionSaga, resp.SagaType)
	assert.Equal(t, 4, resp.CurrentStep)
	assert.Equal(t, []string{"COMPLETED", "COMPLETED", "COMPLETED", "COMPLETED"}, stepStatuses(resp))

	final := stepState(t, resp, application.StepSendNotification)
	assert.Equal(t, "notif-1", final.NotificationID)
	assert.Equal(t, string(domain.PeriodMonthly), final.Period)
	require.NotNil(t, final.Amount)
	assert.Equal(t, int64(5990), final.Amount.Amount)

	sub, err := e.repo.FindByID(context.Background(), models.ID(final.SubscriptionID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Equal(t, []string{events.SubscriptionCreated, events.SubscriptionActivated}, e.eventTypes(t, final.SubscriptionID))
	assert.False(t, e.gateway.Refunded(final.PaymentID))
	e.notifier.AssertExpectations(t)
}

func TestSubscriptionSaga_PaymentDeclinedCompensates(t *testing.T) {
	e := newEnv(t, "plano-enterprise")

	resp := runSaga(t, e, &application.StartSubscriptionSagaCommand{UserID: "user-1", PlanID: "plano-enterprise", Period: "ANNUAL"})

	assert.Equal(t, string(saga.StatusCompensated), resp.Status)
	assert.Equal(t, 2, resp.CurrentStep)
	assert.Equal(t, []string{"COMPLETED", "COMPENSATED", "FAILED", "PENDING"}, stepStatuses(resp))
	require.NotNil(t, resp.LastError)
	assert.Contains(t, *resp.LastError, application.ErrPaymentDeclined.Error())

	created := stepState(t, resp, application.StepCreateSubscription)
	sub, err := e.repo.FindByID(context.Background(), models.ID(created.SubscriptionID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, sub.Status)
	assert.Equal(t, []string{events.SubscriptionCreated, events.SubscriptionCancelled}, e.eventTypes(t, created.SubscriptionID))
	e.notifier.AssertNotCalled(t, "SendWelcome", mock.Anything, mock.Anything)
}

func TestSubscriptionSaga_UnknownPlanFailsFirstStep(t *testing.T) {
	e := newEnv(t)

	resp := runSaga(t, e, &application.StartSubscriptionSagaCommand{UserID: "user-1", PlanID: "plano-inexistente", Period: "MONTHLY"})

	assert.Equal(t, string(saga.StatusCompensated), resp.Status)
	assert.Equal(t, 0, resp.CurrentStep)
	assert.Equal(t, []string{"FAILED", "PENDING", "PENDING", "PENDING"}, stepStatuses(resp))

	subs, err := e.repo.FindByUserID(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSubscriptionSaga_NotificationFailureRefunds(t *testing.T) {
	e := newEnv(t)
	e.notifier.On("SendWelcome", mock.Anything, mock.Anything).Return("", errors.New("smtp down")).Once()

	resp := runSaga(t, e, &application.StartSubscriptionSagaCommand{UserID: "user-1", PlanID: "plano-basico", Period: "MONTHLY"})

	assert.Equal(t, string(saga.StatusCompensated), resp.Status)
	assert.Equal(t, []string{"COMPLETED", "COMPENSATED", "COMPENSATED", "FAILED"}, stepStatuses(resp))

	paid := stepState(t, resp, application.StepProcessPayment)
	assert.True(t, e.gateway.Refunded(paid.PaymentID))

	sub, err := e.repo.FindByID(context.Background(), models.ID(paid.SubscriptionID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, sub.Status)

	// The failed welcome released its key so a later attempt may send it.
	ran, err := e.guard.Do(context.Background(), application.WelcomeKey(paid.SubscriptionID), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestStartSubscriptionSaga_Validation(t *testing.T) {
	e := newEnv(t)

	_, err := application.NewStartSubscriptionSaga(e.orchestrator).Execute(context.Background(), &application.StartSubscriptionSagaCommand{PlanID: "plano-basico"})
	assert.ErrorIs(t, err, application.ErrInvalidCommand)

	_, err = application.NewGetSagaStatus(e.orchestrator).Execute(context.Background(), "missing")
	assert.ErrorIs(t, err, saga.ErrSagaInstanceNotFound)
}

func TestSubscriptionSaga_UndecodablePayloadIsLoggedOnCompensation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	core, logs := observer.New(zapcore.DebugLevel)

	def, err := application.NewCreateSubscriptionSaga(application.SubscriptionSagaDependencies{
		Tx:       e.db,
		Repo:     e.repo,
		Outbox:   e.writer,
		Gateway:  e.gateway,
		Notifier: e.notifier,
		Guard:    e.guard,
		Logger:   zap.New(core),
	})
	require.NoError(t, err)
	registry := saga.NewRegistry()
	require.NoError(t, registry.Register(def))
	registry.Seal()

	store := sharedinfra.NewMemorySagaStore(e.db)
	orchestrator := saga.NewOrchestrator(registry, store, e.db)

	// An orphan whose payload is valid JSON but not a saga request.
	_, err = store.Create(ctx, application.CreateSubscriptionSaga, json.RawMessage(`["user-1"]`))
	require.NoError(t, err)

	recovered, err := orchestrator.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	decodeFailures := logs.FilterMessage("failed to decode compensated saga payload").All()
	require.Len(t, decodeFailures, 1)
	assert.Equal(t, zapcore.ErrorLevel, decodeFailures[0].Level)
	assert.Equal(t, 1, logs.FilterMessage("subscription saga compensated").Len())
}
