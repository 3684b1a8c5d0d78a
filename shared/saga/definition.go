package saga

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// CompleteFunc runs once after every step succeeded. outputs are in step order.
type CompleteFunc func(ctx context.Context, payload json.RawMessage, outputs []json.RawMessage) error

// CompensatedFunc runs once after compensation finished. cause matches ErrSagaCompensated.
type CompensatedFunc func(ctx context.Context, payload json.RawMessage, cause error) error

// Definition is an immutable, named, ordered list of steps.
type Definition struct {
	name          string
	steps         []Step
	onComplete    CompleteFunc
	onCompensated CompensatedFunc
}

// DefinitionOption configures optional hooks of a Definition.
type DefinitionOption func(*Definition)

// WithOnComplete sets the hook called when the saga completes.
func WithOnComplete(fn CompleteFunc) DefinitionOption {
	return func(d *Definition) { d.onComplete = fn }
}

// WithOnCompensated sets the hook called when the saga ends compensated.
func WithOnCompensated(fn CompensatedFunc) DefinitionOption {
	return func(d *Definition) { d.onCompensated = fn }
}

// NewDefinition validates and builds a saga definition.
func NewDefinition(name string, steps []Step, opts ...DefinitionOption) (*Definition, error) {
	if name == "" {
		return nil, errors.Wrap(ErrInvalidDefinition, "name is required")
	}
	if len(steps) == 0 {
		return nil, errors.Wrapf(ErrInvalidDefinition, "saga %s has no steps", name)
	}

	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step == nil || step.Name() == "" {
			return nil, errors.Wrapf(ErrInvalidDefinition, "saga %s: step %d has no name", name, i)
		}
		if _, dup := seen[step.Name()]; dup {
			return nil, errors.Wrapf(ErrInvalidDefinition, "saga %s: duplicate step %s", name, step.Name())
		}
		seen[step.Name()] = struct{}{}
	}

	d := &Definition{name: name, steps: make([]Step, len(steps))}
	copy(d.steps, steps)
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Definition) Name() string { return d.name }

// Steps returns a copy of the step list.
func (d *Definition) Steps() []Step {
	out := make([]Step, len(d.steps))
	copy(out, d.steps)
	return out
}

func (d *Definition) StepCount() int { return len(d.steps) }

// Registry holds saga definitions by name. Definitions are registered during
// startup; Seal ends the registration phase.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	sealed      bool
}

// NewRegistry creates an empty, unsealed registry
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]*Definition)}
}

// Register adds a definition. Names are unique.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return errors.Wrap(ErrInvalidDefinition, "definition is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return errors.Wrapf(ErrRegistrySealed, "cannot register %s", def.Name())
	}
	if _, exists := r.definitions[def.Name()]; exists {
		return errors.Wrap(ErrSagaAlreadyRegistered, def.Name())
	}
	r.definitions[def.Name()] = def
	return nil
}

// Seal rejects any further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[name]
	if !ok {
		return nil, errors.Wrap(ErrSagaNotFound, name)
	}
	return def, nil
}
