package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/draftea/subscription-system/shared/saga"
	"github.com/pkg/errors"
)

// StartSubscriptionSagaCommand starts the subscription saga
type StartSubscriptionSagaCommand struct {
	UserID        string `json:"userId"`
	PlanID        string `json:"planId"`
	Period        string `json:"period"`
	PaymentMethod string `json:"paymentMethod"`
}

type StartSagaResponse struct {
	SagaID string `json:"sagaId"`
}

// SagaStepView is one step of a saga status response
type SagaStepView struct {
	Name      string          `json:"name"`
	Order     int             `json:"order"`
	Status    string          `json:"status"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     *string         `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SagaStatusResponse is the snapshot returned for a saga instance
type SagaStatusResponse struct {
	SagaID      string         `json:"sagaId"`
	SagaType    string         `json:"sagaType"`
	Status      string         `json:"status"`
	CurrentStep int            `json:"currentStep"`
	LastError   *string        `json:"lastError,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Steps       []SagaStepView `json:"steps"`
}

// SagaExecutor is the part of the orchestrator the use cases need
type SagaExecutor interface {
	Execute(ctx context.Context, name string, payload any) (string, error)
	Status(ctx context.Context, id string) (*saga.Instance, error)
}

// StartSubscriptionSaga starts CreateSubscriptionSaga in the background
type StartSubscriptionSaga struct {
	sagas SagaExecutor
}

func NewStartSubscriptionSaga(sagas SagaExecutor) *StartSubscriptionSaga {
	return &StartSubscriptionSaga{sagas: sagas}
}

func (uc *StartSubscriptionSaga) Execute(ctx context.Context, cmd *StartSubscriptionSagaCommand) (*StartSagaResponse, error) {
	if cmd.UserID == "" || cmd.PlanID == "" || cmd.Period == "" {
		return nil, errors.Wrap(ErrInvalidCommand, "userId, planId and period are required")
	}

	id, err := uc.sagas.Execute(ctx, CreateSubscriptionSaga, SubscriptionSagaState{
		UserID:        cmd.UserID,
		PlanID:        cmd.PlanID,
		Period:        cmd.Period,
		PaymentMethod: cmd.PaymentMethod,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to start subscription saga")
	}
	return &StartSagaResponse{SagaID: id}, nil
}

// GetSagaStatus reads a saga instance with its steps
type GetSagaStatus struct {
	sagas SagaExecutor
}

func NewGetSagaStatus(sagas SagaExecutor) *GetSagaStatus {
	return &GetSagaStatus{sagas: sagas}
}

func (uc *GetSagaStatus) Execute(ctx context.Context, id string) (*SagaStatusResponse, error) {
	inst, err := uc.sagas.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &SagaStatusResponse{
		SagaID:      inst.ID,
		SagaType:    inst.SagaType,
		Status:      string(inst.Status),
		CurrentStep: inst.CurrentStep,
		LastError:   inst.LastError,
		CreatedAt:   inst.CreatedAt,
		UpdatedAt:   inst.UpdatedAt,
		CompletedAt: inst.CompletedAt,
		Steps:       make([]SagaStepView, len(inst.Steps)),
	}
	for i, step := range inst.Steps {
		resp.Steps[i] = SagaStepView{
			Name:      step.Name,
			Order:     step.Order,
			Status:    string(step.Status),
			Input:     step.Input,
			Output:    step.Output,
			Error:     step.Error,
			UpdatedAt: step.UpdatedAt,
		}
	}
	return resp, nil
}
