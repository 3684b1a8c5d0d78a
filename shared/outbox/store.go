package outbox

import (
	"context"
	"time"
)

// Store persists outbox events.
//
// AddEvent joins the transaction carried by ctx. FindPending returns at most
// limit PENDING events, oldest first. MarkProcessed and MarkFailed only apply
// to PENDING events and return ErrInvalidTransition otherwise; MarkFailed
// increments Attempts. RetryFailedEvents moves FAILED events with
// Attempts < maxAttempts back to PENDING and returns how many moved.
// CountBacklog counts only PENDING and FAILED events; CountByStatus counts
// every status.
type Store interface {
	AddEvent(ctx context.Context, event *Event) (*Event, error)
	FindPending(ctx context.Context, limit int) ([]*Event, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	RetryFailedEvents(ctx context.Context, maxAttempts int) (int64, error)
	FindByID(ctx context.Context, id string) (*Event, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	CountBacklog(ctx context.Context) (map[Status]int64, error)
}
