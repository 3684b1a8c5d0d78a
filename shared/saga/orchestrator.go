package saga

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/draftea/subscription-system/shared/logging"
	"github.com/draftea/subscription-system/shared/storage"
	"github.com/draftea/subscription-system/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Orchestrator runs registered sagas step by step and compensates completed
// steps in reverse order when one fails. Every state change is persisted
// through the Store before the next action starts.
type Orchestrator struct {
	registry *Registry
	store    Store
	tx       storage.TxRunner
	logger   *zap.Logger
	tel      *telemetry.Telemetry

	wg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithTelemetry attaches telemetry to background runs, which outlive the
// request context that carried it.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *Orchestrator) { o.tel = tel }
}

// NewOrchestrator creates an orchestrator over a sealed or still-open registry.
func NewOrchestrator(registry *Registry, store Store, tx storage.TxRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		store:    store,
		tx:       tx,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute records a new instance of the named saga with all its steps PENDING
// and starts running it in the background. It returns the instance id as soon
// as the records are durable; the caller polls Status for the outcome.
func (o *Orchestrator) Execute(ctx context.Context, name string, payload any) (string, error) {
	if storage.HasTx(ctx) {
		return "", ErrInsideTransaction
	}

	def, err := o.registry.Get(name)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrapf(err, "failed to marshal payload for saga %s", name)
	}

	var inst *Instance
	err = o.tx.RunInTransaction(ctx, func(ctx context.Context) error {
		created, err := o.store.Create(ctx, def.Name(), raw)
		if err != nil {
			return errors.Wrap(err, "failed to create saga instance")
		}
		for i, step := range def.steps {
			rec, err := o.store.AddStep(ctx, created.ID, step.Name(), i)
			if err != nil {
				return errors.Wrapf(err, "failed to add step %s", step.Name())
			}
			created.Steps = append(created.Steps, rec)
		}
		inst = created
		return nil
	})
	if err != nil {
		return "", err
	}

	logging.WithTrace(ctx, o.logger).Info("saga started",
		zap.String("saga", def.Name()),
		zap.String("saga_id", inst.ID),
		zap.Int("steps", len(inst.Steps)),
	)

	runCtx := telemetry.WithTelemetry(context.WithoutCancel(ctx), o.tel)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(runCtx, def, inst)
	}()

	return inst.ID, nil
}

// Status returns a snapshot of the instance and its step records.
func (o *Orchestrator) Status(ctx context.Context, id string) (*Instance, error) {
	inst, err := o.store.FindByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load saga instance")
	}
	if inst == nil {
		return nil, errors.Wrap(ErrSagaInstanceNotFound, id)
	}
	return inst, nil
}

// Wait blocks until every background run started by Execute has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Recover drives instances left STARTED or COMPENSATING by a previous process
// to a terminal state. Instances whose every step completed are completed;
// the others are compensated from the first step that did not complete. Types
// that are no longer registered are skipped. It returns how many instances
// were resolved.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	if o.tel != nil {
		ctx = telemetry.WithTelemetry(ctx, o.tel)
	}
	logger := logging.WithTrace(ctx, o.logger)

	orphans, err := o.store.FindInProgress(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list sagas in progress")
	}

	recovered := 0
	for _, inst := range orphans {
		def, err := o.registry.Get(inst.SagaType)
		if err != nil {
			logger.Warn("skipping saga of unknown type",
				zap.String("saga", inst.SagaType),
				zap.String("saga_id", inst.ID),
			)
			continue
		}

		if err := o.recoverInstance(ctx, def, inst); err != nil {
			logger.Error("saga recovery failed", zap.String("saga_id", inst.ID), zap.Error(err))
			continue
		}
		recovered++
	}

	if len(orphans) > 0 {
		logger.Info("saga recovery finished", zap.Int("found", len(orphans)), zap.Int("recovered", recovered))
	}
	return recovered, nil
}

func (o *Orchestrator) run(ctx context.Context, def *Definition, inst *Instance) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "saga."+def.Name(),
		trace.WithAttributes(
			attribute.String("saga.name", def.Name()),
			attribute.String("saga.id", inst.ID),
		),
	)
	defer span.End()

	logger := logging.WithTrace(ctx, o.logger).With(
		zap.String("saga", def.Name()),
		zap.String("saga_id", inst.ID),
	)

	outcome := "error"
	defer func() {
		telemetry.RecordCounter(ctx, "saga_runs_total", "Total saga runs by final status", 1,
			attribute.String("saga", def.Name()),
			attribute.String("status", outcome),
		)
		telemetry.RecordHistogram(ctx, "saga_run_duration_seconds", "Saga run duration", time.Since(start).Seconds(),
			attribute.String("saga", def.Name()),
			attribute.String("status", outcome),
		)
	}()

	status := inst.Status
	outputs := make([]json.RawMessage, len(def.steps))

	for i, step := range def.steps {
		rec := inst.StepAt(i)
		if rec == nil {
			outcome = "error"
			logger.Error("step record missing", zap.Int("step", i))
			return
		}

		input := inst.Payload
		if i > 0 {
			input = outputs[i-1]
		}

		output, failure := o.runStep(ctx, def, step, i, input)
		if failure == nil {
			err := o.store.UpdateStepStatus(ctx, rec.ID, StepUpdate{Status: StepCompleted, Input: input, Output: output})
			if err == nil {
				err = o.store.UpdateSagaStatus(ctx, inst.ID, SagaUpdate{Status: status, CurrentStep: i + 1})
			}
			if err != nil {
				// The side effect happened but is not durable, so undo it here;
				// the compensation pass below only sees recorded steps.
				failure = &StepExecutionError{Step: step.Name(), Index: i, Err: errors.Wrap(err, "failed to record step result")}
				if step.Compensable() {
					if cerr := o.compensateStep(ctx, def, step, i, input, output); cerr != nil {
						logger.Error("compensation failed", zap.Error(cerr))
					}
				}
			}
		}

		if failure != nil {
			span.RecordError(failure)
			span.SetStatus(codes.Error, failure.Error())
			logger.Warn("saga step failed", zap.String("step", step.Name()), zap.Int("index", i), zap.Error(failure.Err))

			o.fail(ctx, def, inst, status, rec, input, failure)
			outcome = string(StatusCompensated)
			return
		}

		outputs[i] = output
	}

	next, err := nextStatus(ctx, status, triggerComplete)
	if err != nil {
		logger.Error("saga completion rejected", zap.Error(err))
		return
	}
	if err := o.store.UpdateSagaStatus(ctx, inst.ID, SagaUpdate{Status: next, CurrentStep: len(def.steps)}); err != nil {
		logger.Error("failed to mark saga completed", zap.Error(err))
		return
	}
	outcome = string(StatusCompleted)
	logger.Info("saga completed", zap.Duration("duration", time.Since(start)))

	if def.onComplete != nil {
		if err := def.onComplete(ctx, inst.Payload, outputs); err != nil {
			logger.Error("saga completion hook failed", zap.Error(err))
		}
	}
}

// fail records the failure of step i and runs compensation.
func (o *Orchestrator) fail(ctx context.Context, def *Definition, inst *Instance, status Status, rec *StepRecord, input json.RawMessage, failure *StepExecutionError) {
	logger := logging.WithTrace(ctx, o.logger).With(zap.String("saga", def.Name()), zap.String("saga_id", inst.ID))
	msg := failure.Err.Error()

	if err := o.store.UpdateStepStatus(ctx, rec.ID, StepUpdate{Status: StepFailed, Input: input, Error: &msg}); err != nil {
		logger.Error("failed to mark step failed", zap.Error(err))
	}

	next, err := nextStatus(ctx, status, triggerFail)
	if err != nil {
		logger.Error("saga failure rejected", zap.Error(err))
		return
	}
	if err := o.store.UpdateSagaStatus(ctx, inst.ID, SagaUpdate{Status: next, CurrentStep: failure.Index, Error: &msg}); err != nil {
		logger.Error("failed to mark saga compensating", zap.Error(err))
	}

	o.compensate(ctx, def, inst.ID, inst.Payload, next, failure)
}

// compensate undoes every completed step below the failed index, newest
// first, using the inputs and outputs recorded in the store. Failures are
// logged and the pass continues.
func (o *Orchestrator) compensate(ctx context.Context, def *Definition, sagaID string, payload json.RawMessage, status Status, failure *StepExecutionError) {
	logger := logging.WithTrace(ctx, o.logger).With(zap.String("saga", def.Name()), zap.String("saga_id", sagaID))

	fresh, err := o.store.FindByID(ctx, sagaID)
	if err != nil || fresh == nil {
		logger.Error("failed to reload saga for compensation", zap.Error(err))
		return
	}

	for j := failure.Index - 1; j >= 0; j-- {
		rec := fresh.StepAt(j)
		step := def.steps[j]
		if rec == nil || rec.Status != StepCompleted || !step.Compensable() {
			continue
		}

		if err := o.compensateStep(ctx, def, step, j, rec.Input, rec.Output); err != nil {
			logger.Error("compensation failed", zap.Error(err))
			continue
		}
		if err := o.store.UpdateStepStatus(ctx, rec.ID, StepUpdate{Status: StepCompensated}); err != nil {
			logger.Error("failed to mark step compensated", zap.String("step", step.Name()), zap.Error(err))
		}
	}

	next, err := nextStatus(ctx, status, triggerCompensated)
	if err != nil {
		logger.Error("saga compensation rejected", zap.Error(err))
		return
	}
	if err := o.store.UpdateSagaStatus(ctx, sagaID, SagaUpdate{Status: next, CurrentStep: failure.Index}); err != nil {
		logger.Error("failed to mark saga compensated", zap.Error(err))
		return
	}
	logger.Info("saga compensated", zap.String("failed_step", failure.Step))

	if def.onCompensated != nil {
		if err := def.onCompensated(ctx, payload, &CompensatedError{Failure: failure}); err != nil {
			logger.Error("saga compensation hook failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) runStep(ctx context.Context, def *Definition, step Step, index int, input json.RawMessage) (output json.RawMessage, failure *StepExecutionError) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "saga.step."+step.Name(),
		trace.WithAttributes(attribute.Int("saga.step.index", index)),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			failure = &StepExecutionError{Step: step.Name(), Index: index, Err: errors.Errorf("step panicked: %v", r)}
		}

		status := "success"
		if failure != nil {
			status = "failed"
			span.RecordError(failure)
			span.SetStatus(codes.Error, failure.Error())
		}
		telemetry.RecordHistogram(ctx, "saga_step_duration_seconds", "Saga step duration", time.Since(start).Seconds(),
			attribute.String("saga", def.Name()),
			attribute.String("step", step.Name()),
			attribute.String("status", status),
		)
	}()

	out, err := step.Invoke(ctx, input)
	if err != nil {
		return nil, &StepExecutionError{Step: step.Name(), Index: index, Err: err}
	}
	return out, nil
}

func (o *Orchestrator) compensateStep(ctx context.Context, def *Definition, step Step, index int, input, output json.RawMessage) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "saga.compensate."+step.Name(),
		trace.WithAttributes(attribute.Int("saga.step.index", index)),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("compensation panicked: %v", r)
		}
		if err != nil {
			err = &CompensationError{Step: step.Name(), Index: index, Err: err}
			span.RecordError(err)
			telemetry.RecordCounter(ctx, "saga_compensation_failures_total", "Total failed compensations", 1,
				attribute.String("saga", def.Name()),
				attribute.String("step", step.Name()),
			)
		}
	}()

	return step.Compensate(ctx, input, output)
}

func (o *Orchestrator) recoverInstance(ctx context.Context, def *Definition, inst *Instance) error {
	logger := logging.WithTrace(ctx, o.logger).With(zap.String("saga", def.Name()), zap.String("saga_id", inst.ID))

	index := resumeIndex(def, inst)

	if inst.Status == StatusStarted && index >= len(def.steps) {
		next, err := nextStatus(ctx, inst.Status, triggerComplete)
		if err != nil {
			return err
		}
		if err := o.store.UpdateSagaStatus(ctx, inst.ID, SagaUpdate{Status: next, CurrentStep: len(def.steps)}); err != nil {
			return errors.Wrap(err, "failed to mark recovered saga completed")
		}
		logger.Info("recovered saga completed")

		if def.onComplete != nil {
			outputs := make([]json.RawMessage, len(def.steps))
			for i := range outputs {
				if rec := inst.StepAt(i); rec != nil {
					outputs[i] = rec.Output
				}
			}
			if err := def.onComplete(ctx, inst.Payload, outputs); err != nil {
				logger.Error("saga completion hook failed", zap.Error(err))
			}
		}
		return nil
	}

	stepName := ""
	if index < len(def.steps) {
		stepName = def.steps[index].Name()
	}
	failure := &StepExecutionError{Step: stepName, Index: index, Err: ErrSagaInterrupted}

	status := inst.Status
	if status == StatusStarted {
		msg := ErrSagaInterrupted.Error()
		if rec := inst.StepAt(index); rec != nil && rec.Status == StepPending {
			if err := o.store.UpdateStepStatus(ctx, rec.ID, StepUpdate{Status: StepFailed, Error: &msg}); err != nil {
				return errors.Wrap(err, "failed to mark interrupted step failed")
			}
		}

		next, err := nextStatus(ctx, status, triggerFail)
		if err != nil {
			return err
		}
		if err := o.store.UpdateSagaStatus(ctx, inst.ID, SagaUpdate{Status: next, CurrentStep: index, Error: &msg}); err != nil {
			return errors.Wrap(err, "failed to mark interrupted saga compensating")
		}
		status = next
	}

	logger.Warn("compensating interrupted saga", zap.Int("current_step", index))
	o.compensate(ctx, def, inst.ID, inst.Payload, status, failure)
	return nil
}

// resumeIndex returns the first step at or after CurrentStep whose record is
// not COMPLETED. A step can be recorded COMPLETED before CurrentStep advances
// past it, and that step has to be compensated too.
func resumeIndex(def *Definition, inst *Instance) int {
	index := inst.CurrentStep
	if index < 0 {
		index = 0
	}
	for index < len(def.steps) {
		rec := inst.StepAt(index)
		if rec == nil || rec.Status != StepCompleted {
			break
		}
		index++
	}
	if index > len(def.steps) {
		index = len(def.steps)
	}
	return index
}
