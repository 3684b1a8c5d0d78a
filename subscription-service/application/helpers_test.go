package application_test

import (
	"context"
	"testing"

	"github.com/draftea/subscription-system/shared/idempotency"
	sharedinfra "github.com/draftea/subscription-system/shared/infrastructure"
	"github.com/draftea/subscription-system/shared/outbox"
	"github.com/draftea/subscription-system/shared/saga"
	"github.com/draftea/subscription-system/subscription-service/application"
	"github.com/draftea/subscription-system/subscription-service/infrastructure"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendWelcome(ctx context.Context, n application.Notification) (string, error) {
	args := m.Called(ctx, n)
	return args.String(0), args.Error(1)
}

func (m *mockNotifier) SendCancellation(ctx context.Context, n application.Notification) error {
	return m.Called(ctx, n).Error(0)
}

type env struct {
	db           *sharedinfra.MemoryDB
	repo         *infrastructure.MemorySubscriptionRepository
	outboxStore  *sharedinfra.MemoryOutboxStore
	writer       *outbox.Writer
	gateway      *infrastructure.SimulatedGateway
	notifier     *mockNotifier
	guard        *idempotency.MemoryGuard
	orchestrator *saga.Orchestrator
}

func newEnv(t *testing.T, declinedPlans ...string) *env {
	t.Helper()
	db, err := sharedinfra.NewMemoryDB(infrastructure.SubscriptionTableSchema())
	require.NoError(t, err)

	e := &env{
		db:          db,
		repo:        infrastructure.NewMemorySubscriptionRepository(db),
		outboxStore: sharedinfra.NewMemoryOutboxStore(db),
		gateway:     infrastructure.NewSimulatedGateway(declinedPlans),
		notifier:    &mockNotifier{},
		guard:       idempotency.NewMemoryGuard(0),
	}
	e.writer = outbox.NewWriter(e.outboxStore)

	def, err := application.NewCreateSubscriptionSaga(application.SubscriptionSagaDependencies{
		Tx:       db,
		Repo:     e.repo,
		Outbox:   e.writer,
		Gateway:  e.gateway,
		Notifier: e.notifier,
		Guard:    e.guard,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	registry := saga.NewRegistry()
	require.NoError(t, registry.Register(def))
	registry.Seal()
	e.orchestrator = saga.NewOrchestrator(registry, sharedinfra.NewMemorySagaStore(db), db, saga.WithLogger(zaptest.NewLogger(t)))
	return e
}

// eventTypes lists the pending outbox events of one aggregate, oldest first.
func (e *env) eventTypes(t *testing.T, aggregateID string) []string {
	t.Helper()
	pending, err := e.outboxStore.FindPending(context.Background(), 1000)
	require.NoError(t, err)

	var out []string
	for _, ev := range pending {
		if ev.AggregateID == aggregateID {
			out = append(out, ev.EventType)
		}
	}
	return out
}
