package saga

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrSagaNotFound          = errors.New("saga not found")
	ErrSagaInstanceNotFound  = errors.New("saga instance not found")
	ErrSagaCompensated       = errors.New("saga failed and compensated")
	ErrSagaInterrupted       = errors.New("saga interrupted before completion")
	ErrInvalidTransition     = errors.New("invalid saga status transition")
	ErrInvalidDefinition     = errors.New("invalid saga definition")
	ErrSagaAlreadyRegistered = errors.New("saga already registered")
	ErrRegistrySealed        = errors.New("saga registry is sealed")
	ErrInsideTransaction     = errors.New("saga cannot be started inside a transaction")
)

// StepExecutionError is the failure of a step's forward action.
type StepExecutionError struct {
	Step  string
	Index int
	Err   error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index, e.Step, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// CompensationError is the failure of a step's compensating action. It is
// logged and counted, never propagated.
type CompensationError struct {
	Step  string
	Index int
	Err   error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation of step %d (%s) failed: %v", e.Index, e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// CompensatedError is the cause handed to OnCompensated. It matches
// ErrSagaCompensated and unwraps to the originating step failure.
type CompensatedError struct {
	Failure *StepExecutionError
}

func (e *CompensatedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrSagaCompensated, e.Failure)
}

func (e *CompensatedError) Is(target error) bool { return target == ErrSagaCompensated }

func (e *CompensatedError) Unwrap() error { return e.Failure }
