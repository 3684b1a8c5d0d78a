package application

import (
	"context"

	"github.com/draftea/subscription-system/shared/outbox"
	"github.com/pkg/errors"
)

// OutboxStatsResponse counts outbox events by status
type OutboxStatsResponse struct {
	Pending   int64 `json:"pending"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// OutboxDispatcher triggers a dispatch tick on demand
type OutboxDispatcher interface {
	RunNow(ctx context.Context) (outbox.Result, error)
}

// OutboxAdmin exposes outbox inspection and manual dispatch
type OutboxAdmin struct {
	store      outbox.Store
	dispatcher OutboxDispatcher
}

func NewOutboxAdmin(store outbox.Store, dispatcher OutboxDispatcher) *OutboxAdmin {
	return &OutboxAdmin{store: store, dispatcher: dispatcher}
}

// Event returns one outbox event or outbox.ErrEventNotFound
func (a *OutboxAdmin) Event(ctx context.Context, id string) (*outbox.Event, error) {
	event, err := a.store.FindByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load outbox event")
	}
	if event == nil {
		return nil, errors.Wrap(outbox.ErrEventNotFound, id)
	}
	return event, nil
}

func (a *OutboxAdmin) Stats(ctx context.Context) (*OutboxStatsResponse, error) {
	counts, err := a.store.CountByStatus(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count outbox events")
	}

	resp := &OutboxStatsResponse{
		Pending:   counts[outbox.StatusPending],
		Processed: counts[outbox.StatusProcessed],
		Failed:    counts[outbox.StatusFailed],
	}
	resp.Total = resp.Pending + resp.Processed + resp.Failed
	return resp, nil
}

// Pending counts events still waiting for delivery without counting the
// processed history.
func (a *OutboxAdmin) Pending(ctx context.Context) (int64, error) {
	counts, err := a.store.CountBacklog(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count outbox backlog")
	}
	return counts[outbox.StatusPending], nil
}

// Dispatch runs one tick now. It returns outbox.ErrTickInProgress when a
// tick is already running.
func (a *OutboxAdmin) Dispatch(ctx context.Context) (*outbox.Result, error) {
	res, err := a.dispatcher.RunNow(ctx)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
