package saga

import (
	"context"
	"encoding/json"
)

// Store persists saga instances and their step records.
//
// Create and AddStep join the transaction carried by ctx. FindByID returns
// nil, nil when the instance does not exist. UpdateSagaStatus stamps
// CompletedAt when the new status is terminal.
type Store interface {
	Create(ctx context.Context, sagaType string, payload json.RawMessage) (*Instance, error)
	AddStep(ctx context.Context, sagaID, name string, order int) (*StepRecord, error)
	FindByID(ctx context.Context, id string) (*Instance, error)
	UpdateStepStatus(ctx context.Context, stepID string, update StepUpdate) error
	UpdateSagaStatus(ctx context.Context, sagaID string, update SagaUpdate) error
	FindInProgress(ctx context.Context) ([]*Instance, error)
}
