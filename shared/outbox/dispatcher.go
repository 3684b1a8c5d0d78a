package outbox

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/draftea/subscription-system/shared/events"
	"github.com/draftea/subscription-system/shared/logging"
	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultBatchSize   = 50
	DefaultMaxAttempts = 3
)

// Publisher delivers one event to its handlers.
type Publisher interface {
	Publish(ctx context.Context, event *events.DomainEvent) error
}

// Result summarizes one dispatch tick.
type Result struct {
	Fetched   int   `json:"fetched"`
	Processed int   `json:"processed"`
	Failed    int   `json:"failed"`
	Retried   int64 `json:"retried"`
}

// Dispatcher polls the store for pending events and publishes them. Delivery
// is at-least-once: an event whose handlers succeeded but whose PROCESSED
// mark was lost is delivered again on a later tick.
type Dispatcher struct {
	store     Store
	publisher Publisher
	logger    *zap.Logger
	tel       *telemetry.Telemetry

	interval    time.Duration
	batchSize   int
	maxAttempts int

	inFlight atomic.Bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.interval = d
		}
	}
}

// WithBatchSize sets how many pending events one tick fetches.
func WithBatchSize(n int) DispatcherOption {
	return func(dp *Dispatcher) {
		if n > 0 {
			dp.batchSize = n
		}
	}
}

// WithMaxAttempts sets the attempt budget before an event stays FAILED.
func WithMaxAttempts(n int) DispatcherOption {
	return func(dp *Dispatcher) {
		if n > 0 {
			dp.maxAttempts = n
		}
	}
}

func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(dp *Dispatcher) {
		if logger != nil {
			dp.logger = logger
		}
	}
}

func WithTelemetry(tel *telemetry.Telemetry) DispatcherOption {
	return func(dp *Dispatcher) { dp.tel = tel }
}

// NewDispatcher creates a dispatcher with a 10s interval, batches of 50 and
// three attempts per event unless overridden.
func NewDispatcher(store Store, publisher Publisher, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		publisher:   publisher,
		logger:      zap.NewNop(),
		interval:    DefaultInterval,
		batchSize:   DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run ticks once immediately and then on every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ctx = telemetry.WithTelemetry(ctx, d.tel)
	d.logger.Info("outbox dispatcher started",
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
		zap.Int("max_attempts", d.maxAttempts),
	)

	d.tickAndLog(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			d.tickAndLog(ctx)
		}
	}
}

// RunNow triggers a tick outside the schedule.
func (d *Dispatcher) RunNow(ctx context.Context) (Result, error) {
	return d.Tick(telemetry.WithTelemetry(ctx, d.tel))
}

// Tick processes one batch. Overlapping calls return ErrTickInProgress
// immediately instead of queueing.
func (d *Dispatcher) Tick(ctx context.Context) (Result, error) {
	logger := logging.WithTrace(ctx, d.logger)
	if !d.inFlight.CompareAndSwap(false, true) {
		logger.Debug("outbox tick skipped, previous tick still running")
		return Result{}, ErrTickInProgress
	}
	defer d.inFlight.Store(false)

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "outbox.tick")
	defer span.End()

	var result Result
	defer func() {
		telemetry.RecordHistogram(ctx, "outbox_tick_duration_seconds", "Outbox dispatch tick duration", time.Since(start).Seconds())
	}()

	pending, err := d.store.FindPending(ctx, d.batchSize)
	if err != nil {
		span.RecordError(err)
		return result, errors.Wrap(err, "failed to fetch pending outbox events")
	}
	result.Fetched = len(pending)

	for _, event := range pending {
		if ctx.Err() != nil {
			break
		}
		if d.dispatch(ctx, event) {
			result.Processed++
		} else {
			result.Failed++
		}
	}

	retried, err := d.store.RetryFailedEvents(ctx, d.maxAttempts)
	if err != nil {
		logger.Error("failed to reschedule failed outbox events", zap.Error(err))
	} else if retried > 0 {
		result.Retried = retried
		telemetry.RecordCounter(ctx, "outbox_events_retried_total", "Outbox events moved back to pending", retried)
	}

	d.recordBacklog(ctx)

	if result.Fetched > 0 || result.Retried > 0 {
		logger.Info("outbox tick finished",
			zap.Int("fetched", result.Fetched),
			zap.Int("processed", result.Processed),
			zap.Int("failed", result.Failed),
			zap.Int64("retried", result.Retried),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return result, nil
}

// dispatch publishes one event and records the outcome. It reports success.
func (d *Dispatcher) dispatch(ctx context.Context, event *Event) bool {
	logger := logging.WithTrace(ctx, d.logger).With(
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.String("aggregate_id", event.AggregateID),
	)
	typeAttr := attribute.String("event_type", event.EventType)

	pubErr := d.publisher.Publish(ctx, event.ToDomainEvent())
	if pubErr == nil {
		if err := d.store.MarkProcessed(ctx, event.ID, models.Now()); err != nil {
			// Handlers ran; the event stays PENDING and will be delivered again.
			logger.Error("failed to mark outbox event processed", zap.Error(err))
			return false
		}
		telemetry.RecordCounter(ctx, "outbox_events_processed_total", "Outbox events delivered", 1, typeAttr)
		return true
	}

	attempts := event.Attempts + 1
	if err := d.store.MarkFailed(ctx, event.ID, pubErr.Error()); err != nil {
		logger.Error("failed to mark outbox event failed", zap.Error(err))
		return false
	}
	telemetry.RecordCounter(ctx, "outbox_events_failed_total", "Outbox event delivery failures", 1, typeAttr)

	if attempts >= d.maxAttempts {
		logger.Error("outbox event exhausted its attempts and requires manual intervention",
			zap.Int("attempts", attempts),
			zap.Error(pubErr),
		)
	} else {
		logger.Warn("outbox event delivery failed", zap.Int("attempts", attempts), zap.Error(pubErr))
	}
	return false
}

func (d *Dispatcher) recordBacklog(ctx context.Context) {
	counts, err := d.store.CountBacklog(ctx)
	if err != nil {
		d.logger.Debug("failed to count outbox backlog", zap.Error(err))
		return
	}
	for status, n := range counts {
		telemetry.RecordGauge(ctx, "outbox_events", "Outbox events by status", float64(n),
			attribute.String("status", string(status)),
		)
	}
	telemetry.RecordGauge(ctx, "outbox_pending_events", "Outbox events waiting for delivery", float64(counts[StatusPending]))
}

func (d *Dispatcher) tickAndLog(ctx context.Context) {
	if _, err := d.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
		d.logger.Error("outbox tick failed", zap.Error(err))
	}
}
