package saga

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/qmuntal/stateless"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensated  Status = "COMPENSATED"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCompensated
}

// StepStatus is the state of one step record.
type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepCompleted   StepStatus = "COMPLETED"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

// Instance is the durable record of one saga run.
type Instance struct {
	ID          string          `json:"id"`
	SagaType    string          `json:"sagaType"`
	Status      Status          `json:"status"`
	CurrentStep int             `json:"currentStep"`
	Payload     json.RawMessage `json:"payload"`
	LastError   *string         `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Steps       []*StepRecord   `json:"steps"`
}

// StepRecord is the durable record of one step of an instance.
type StepRecord struct {
	ID        string          `json:"id"`
	SagaID    string          `json:"sagaId"`
	Name      string          `json:"name"`
	Order     int             `json:"order"`
	Status    StepStatus      `json:"status"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     *string         `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// StepAt returns the record with the given order, or nil.
func (i *Instance) StepAt(order int) *StepRecord {
	for _, s := range i.Steps {
		if s.Order == order {
			return s
		}
	}
	return nil
}

// StepStatuses lists the step statuses in step order.
func (i *Instance) StepStatuses() []StepStatus {
	out := make([]StepStatus, len(i.Steps))
	for idx, s := range i.Steps {
		out[idx] = s.Status
	}
	return out
}

// StepUpdate changes a step record. Nil fields are left untouched.
type StepUpdate struct {
	Status StepStatus
	Input  json.RawMessage
	Output json.RawMessage
	Error  *string
}

// SagaUpdate changes an instance. A nil Error leaves LastError untouched.
type SagaUpdate struct {
	Status      Status
	CurrentStep int
	Error       *string
}

type trigger string

const (
	triggerComplete    trigger = "complete"
	triggerFail        trigger = "fail"
	triggerCompensated trigger = "compensated"
)

func newLifecycle(initial Status) *stateless.StateMachine {
	sm := stateless.NewStateMachine(initial)
	sm.Configure(StatusStarted).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerFail, StatusCompensating)
	sm.Configure(StatusCompensating).
		Permit(triggerCompensated, StatusCompensated)
	sm.Configure(StatusCompleted)
	sm.Configure(StatusCompensated)
	return sm
}

// nextStatus fires t on a lifecycle positioned at from.
func nextStatus(ctx context.Context, from Status, t trigger) (Status, error) {
	sm := newLifecycle(from)
	if err := sm.FireCtx(ctx, t); err != nil {
		return from, errors.Wrapf(ErrInvalidTransition, "%s from %s: %v", t, from, err)
	}
	return sm.MustState().(Status), nil
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	for _, t := range []trigger{triggerComplete, triggerFail, triggerCompensated} {
		sm := newLifecycle(from)
		if err := sm.Fire(t); err == nil && sm.MustState() == to {
			return true
		}
	}
	return false
}
