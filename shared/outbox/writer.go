package outbox

import (
	"context"

	"github.com/draftea/subscription-system/shared/storage"
	"github.com/pkg/errors"
)

// Writer records events as part of the caller's business transaction. It is
// the only way events enter the pipeline.
type Writer struct {
	store Store
}

// NewWriter creates a writer over store
func NewWriter(store Store) *Writer {
	return &Writer{store: store}
}

// Record stores event as PENDING within the transaction carried by ctx.
func (w *Writer) Record(ctx context.Context, event *Event) (*Event, error) {
	if !storage.HasTx(ctx) {
		return nil, ErrTransactionRequired
	}
	if event == nil {
		return nil, errors.Wrap(ErrInvalidEvent, "event is nil")
	}

	event.Status = StatusPending
	event.Attempts = 0
	event.LastError = nil
	event.ProcessedAt = nil

	saved, err := w.store.AddEvent(ctx, event)
	if err != nil {
		return nil, errors.Wrap(err, "failed to record outbox event")
	}
	return saved, nil
}

// RecordNew builds and records an event in one call.
func (w *Writer) RecordNew(ctx context.Context, aggregateID, aggregateType, eventType string, payload any) (*Event, error) {
	event, err := NewEvent(aggregateID, aggregateType, eventType, payload)
	if err != nil {
		return nil, err
	}
	return w.Record(ctx, event)
}
