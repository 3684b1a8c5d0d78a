package infrastructure

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/draftea/subscription-system/shared/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sagaInstanceCols = []string{"id", "saga_type", "status", "current_step", "payload", "last_error", "created_at", "updated_at", "completed_at"}
	sagaStepCols     = []string{"id", "saga_id", "name", "step_order", "status", "input", "output", "error", "created_at", "updated_at"}
)

func TestPostgresSagaStore_UpdateStepStatusKeepsUnsetColumns(t *testing.T) {
	db, mock := newMockDB(t)

	// Compensation only sets the status, so input, output and error go in as
	// NULL and COALESCE keeps the stored values.
	mock.ExpectExec(`UPDATE saga_steps\s+SET status = \$2,\s+input = COALESCE\(\$3, input\),\s+output = COALESCE\(\$4, output\),\s+error = COALESCE\(\$5, error\)`).
		WithArgs("step-1", "COMPENSATED", nil, nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE saga_steps`).
		WithArgs("step-2", "COMPLETED", `{"n":1}`, `{"n":2}`, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresSagaStore(db)
	ctx := context.Background()

	require.NoError(t, store.UpdateStepStatus(ctx, "step-1", saga.StepUpdate{Status: saga.StepCompensated}))
	require.NoError(t, store.UpdateStepStatus(ctx, "step-2", saga.StepUpdate{
		Status: saga.StepCompleted,
		Input:  json.RawMessage(`{"n":1}`),
		Output: json.RawMessage(`{"n":2}`),
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSagaStore_UpdateStepStatusMissingStep(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`UPDATE saga_steps`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := NewPostgresSagaStore(db).UpdateStepStatus(context.Background(), "step-x", saga.StepUpdate{Status: saga.StepFailed})

	assert.ErrorContains(t, err, "saga step step-x not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSagaStore_UpdateSagaStatus(t *testing.T) {
	msg := "payment declined"
	tests := []struct {
		name      string
		update    saga.SagaUpdate
		errArg    any
		completed any
		updated   int64
		wantErr   error
	}{
		{
			name:      "step advance keeps last error",
			update:    saga.SagaUpdate{Status: saga.StatusStarted, CurrentStep: 2},
			errArg:    nil,
			completed: nil,
			updated:   1,
		},
		{
			name:      "terminal status stamps completion",
			update:    saga.SagaUpdate{Status: saga.StatusCompensated, CurrentStep: 2, Error: &msg},
			errArg:    msg,
			completed: notNull{},
			updated:   1,
		},
		{
			name:      "unknown instance",
			update:    saga.SagaUpdate{Status: saga.StatusCompleted, CurrentStep: 4},
			errArg:    nil,
			completed: notNull{},
			wantErr:   saga.ErrSagaInstanceNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)

			mock.ExpectExec(`UPDATE saga_instances\s+SET status = \$2,\s+current_step = \$3,\s+last_error = COALESCE\(\$4, last_error\),\s+updated_at = \$5,\s+completed_at = COALESCE\(\$6, completed_at\)`).
				WithArgs("saga-1", string(tt.update.Status), tt.update.CurrentStep, tt.errArg, sqlmock.AnyArg(), tt.completed).
				WillReturnResult(sqlmock.NewResult(0, tt.updated))

			err := NewPostgresSagaStore(db).UpdateSagaStatus(context.Background(), "saga-1", tt.update)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresSagaStore_FindInProgressGroupsSteps(t *testing.T) {
	db, mock := newMockDB(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM saga_instances\s+WHERE status = ANY\(\$1\)`).
		WillReturnRows(sqlmock.NewRows(sagaInstanceCols).
			AddRow("saga-1", "CreateSubscription", "STARTED", 1, `{}`, nil, at, at, nil).
			AddRow("saga-2", "CreateSubscription", "COMPENSATING", 2, `{}`, "payment declined", at, at, nil))
	mock.ExpectQuery(`FROM saga_steps\s+WHERE saga_id = ANY\(\$1\)`).
		WillReturnRows(sqlmock.NewRows(sagaStepCols).
			AddRow("s1-0", "saga-1", "ValidatePlan", 0, "COMPLETED", `{}`, `{"n":1}`, nil, at, at).
			AddRow("s1-1", "saga-1", "CreateSubscription", 1, "PENDING", nil, nil, nil, at, at).
			AddRow("s2-0", "saga-2", "ValidatePlan", 0, "COMPLETED", `{}`, `{}`, nil, at, at))

	found, err := NewPostgresSagaStore(db).FindInProgress(context.Background())

	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, []saga.StepStatus{saga.StepCompleted, saga.StepPending}, found[0].StepStatuses())
	assert.JSONEq(t, `{"n":1}`, string(found[0].StepAt(0).Output))
	assert.Nil(t, found[0].StepAt(1).Output)
	assert.Equal(t, saga.StatusCompensating, found[1].Status)
	require.NotNil(t, found[1].LastError)
	assert.Equal(t, "payment declined", *found[1].LastError)
	assert.Len(t, found[1].Steps, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSagaStore_FindInProgressEmpty(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`FROM saga_instances`).WillReturnRows(sqlmock.NewRows(sagaInstanceCols))

	found, err := NewPostgresSagaStore(db).FindInProgress(context.Background())

	require.NoError(t, err)
	assert.Empty(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}
