package infrastructure

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/draftea/subscription-system/shared/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySagaStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySagaStore(newTestMemoryDB(t))

	inst, err := store.Create(ctx, "CreateSubscription", json.RawMessage(`{"userId":"u-1"}`))
	require.NoError(t, err)
	assert.Equal(t, saga.StatusStarted, inst.Status)
	assert.Equal(t, 0, inst.CurrentStep)

	// Steps are returned by order regardless of insertion order.
	second, err := store.AddStep(ctx, inst.ID, "second", 1)
	require.NoError(t, err)
	first, err := store.AddStep(ctx, inst.ID, "first", 0)
	require.NoError(t, err)

	_, err = store.AddStep(ctx, "missing", "x", 0)
	assert.ErrorIs(t, err, saga.ErrSagaInstanceNotFound)

	require.NoError(t, store.UpdateStepStatus(ctx, first.ID, saga.StepUpdate{
		Status: saga.StepCompleted,
		Input:  json.RawMessage(`{"userId":"u-1"}`),
		Output: json.RawMessage(`{"ok":true}`),
	}))
	require.NoError(t, store.UpdateSagaStatus(ctx, inst.ID, saga.SagaUpdate{Status: saga.StatusStarted, CurrentStep: 1}))

	inProgress, err := store.FindInProgress(ctx)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)

	msg := "declined"
	require.NoError(t, store.UpdateStepStatus(ctx, second.ID, saga.StepUpdate{Status: saga.StepFailed, Error: &msg}))
	require.NoError(t, store.UpdateSagaStatus(ctx, inst.ID, saga.SagaUpdate{Status: saga.StatusCompensating, CurrentStep: 1, Error: &msg}))
	require.NoError(t, store.UpdateStepStatus(ctx, first.ID, saga.StepUpdate{Status: saga.StepCompensated}))
	require.NoError(t, store.UpdateSagaStatus(ctx, inst.ID, saga.SagaUpdate{Status: saga.StatusCompensated, CurrentStep: 1}))

	loaded, err := store.FindByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, loaded.Status)
	assert.Equal(t, 1, loaded.CurrentStep)
	require.NotNil(t, loaded.LastError)
	assert.Equal(t, "declined", *loaded.LastError)
	assert.NotNil(t, loaded.CompletedAt)
	assert.Equal(t, []saga.StepStatus{saga.StepCompensated, saga.StepFailed}, loaded.StepStatuses())
	assert.JSONEq(t, `{"ok":true}`, string(loaded.Steps[0].Output))

	inProgress, err = store.FindInProgress(ctx)
	require.NoError(t, err)
	assert.Empty(t, inProgress)

	missing, err := store.FindByID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
