package saga

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Step is one unit of a saga: a forward action and, optionally, the action
// that semantically undoes it. Inputs and outputs travel as JSON so they can
// be recorded and replayed from the store.
type Step interface {
	Name() string
	Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
	// Compensate receives the input the step ran with and the output it recorded.
	Compensate(ctx context.Context, input, output json.RawMessage) error
	// Compensable is false for read-only steps; they are skipped during compensation.
	Compensable() bool
}

type typedStep[In, Out any] struct {
	name       string
	invoke     func(ctx context.Context, input In) (Out, error)
	compensate func(ctx context.Context, input In, output Out) error
}

// NewStep builds a Step from typed functions. A nil compensate marks the step
// as read-only.
func NewStep[In, Out any](
	name string,
	invoke func(ctx context.Context, input In) (Out, error),
	compensate func(ctx context.Context, input In, output Out) error,
) Step {
	return &typedStep[In, Out]{name: name, invoke: invoke, compensate: compensate}
}

func (s *typedStep[In, Out]) Name() string { return s.name }

func (s *typedStep[In, Out]) Compensable() bool { return s.compensate != nil }

func (s *typedStep[In, Out]) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in In
	if err := decode(input, &in); err != nil {
		return nil, errors.Wrapf(err, "invalid input for step %s", s.name)
	}

	out, err := s.invoke(ctx, in)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal output of step %s", s.name)
	}
	return raw, nil
}

func (s *typedStep[In, Out]) Compensate(ctx context.Context, input, output json.RawMessage) error {
	if s.compensate == nil {
		return nil
	}

	var in In
	if err := decode(input, &in); err != nil {
		return errors.Wrapf(err, "invalid input for compensation of step %s", s.name)
	}
	var out Out
	if err := decode(output, &out); err != nil {
		return errors.Wrapf(err, "invalid output for compensation of step %s", s.name)
	}
	return s.compensate(ctx, in, out)
}

func decode(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
