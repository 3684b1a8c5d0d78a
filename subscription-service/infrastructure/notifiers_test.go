package infrastructure

import (
	"context"
	"testing"

	"github.com/draftea/subscription-system/subscription-service/application"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, messageType string, body any) (string, error) {
	args := m.Called(ctx, messageType, body)
	return args.String(0), args.Error(1)
}

func TestQueueNotifier(t *testing.T) {
	msg := application.Notification{SubscriptionID: "sub-1", UserID: "user-1", PlanID: "plano-basico"}
	sender := &mockSender{}
	sender.On("Send", mock.Anything, messageWelcome, msg).Return("msg-1", nil).Once()
	sender.On("Send", mock.Anything, messageCancellation, msg).Return("", errors.New("queue down")).Once()

	notifier := NewQueueNotifier(sender)

	id, err := notifier.SendWelcome(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	assert.Error(t, notifier.SendCancellation(context.Background(), msg))
	sender.AssertExpectations(t)
}

func TestLogNotifier(t *testing.T) {
	notifier := NewLogNotifier(zap.NewNop())

	id, err := notifier.SendWelcome(context.Background(), application.Notification{SubscriptionID: "sub-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, notifier.SendCancellation(context.Background(), application.Notification{SubscriptionID: "sub-1"}))
}
