package infrastructure

import (
	"context"
	"sort"
	"time"

	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/shared/outbox"
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

var _ outbox.Store = (*MemoryOutboxStore)(nil)

type memoryOutboxRow struct {
	outbox.Event
	Seq uint64
}

// MemoryOutboxStore implements outbox.Store on a MemoryDB.
type MemoryOutboxStore struct {
	db *MemoryDB
}

// NewMemoryOutboxStore creates a new MemoryOutboxStore
func NewMemoryOutboxStore(db *MemoryDB) *MemoryOutboxStore {
	return &MemoryOutboxStore{db: db}
}

func (s *MemoryOutboxStore) AddEvent(ctx context.Context, event *outbox.Event) (*outbox.Event, error) {
	row := &memoryOutboxRow{Event: *event, Seq: s.db.NextSeq()}
	if row.ID == "" {
		row.ID = models.GenerateUUID().String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = models.Now()
	}
	if row.Status == "" {
		row.Status = outbox.StatusPending
	}

	err := s.db.Write(ctx, func(txn *memdb.Txn) error {
		return txn.Insert(tableOutboxEvents, row)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert outbox event")
	}

	saved := row.Event
	return &saved, nil
}

func (s *MemoryOutboxStore) FindPending(ctx context.Context, limit int) ([]*outbox.Event, error) {
	rows, err := s.byStatus(s.db.Read(ctx), outbox.StatusPending)
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].Seq < rows[j].Seq
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]*outbox.Event, len(rows))
	for i, row := range rows {
		ev := row.Event
		out[i] = &ev
	}
	return out, nil
}

func (s *MemoryOutboxStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, outbox.StatusProcessed, func(ev *outbox.Event) {
		processedAt := at
		ev.ProcessedAt = &processedAt
	})
}

func (s *MemoryOutboxStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return s.transition(ctx, id, outbox.StatusFailed, func(ev *outbox.Event) {
		msg := errMsg
		ev.Attempts++
		ev.LastError = &msg
	})
}

func (s *MemoryOutboxStore) RetryFailedEvents(ctx context.Context, maxAttempts int) (int64, error) {
	var moved int64
	err := s.db.Write(ctx, func(txn *memdb.Txn) error {
		rows, err := s.byStatus(txn, outbox.StatusFailed)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.Attempts >= maxAttempts {
				continue
			}
			updated := *row
			updated.Status = outbox.StatusPending
			if err := txn.Insert(tableOutboxEvents, &updated); err != nil {
				return errors.Wrap(err, "failed to reschedule outbox event")
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

func (s *MemoryOutboxStore) FindByID(ctx context.Context, id string) (*outbox.Event, error) {
	raw, err := s.db.Read(ctx).First(tableOutboxEvents, "id", id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find outbox event")
	}
	if raw == nil {
		return nil, nil
	}
	ev := raw.(*memoryOutboxRow).Event
	return &ev, nil
}

func (s *MemoryOutboxStore) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	return s.count(ctx, outbox.StatusPending, outbox.StatusProcessed, outbox.StatusFailed)
}

func (s *MemoryOutboxStore) CountBacklog(ctx context.Context) (map[outbox.Status]int64, error) {
	return s.count(ctx, outbox.StatusPending, outbox.StatusFailed)
}

func (s *MemoryOutboxStore) count(ctx context.Context, statuses ...outbox.Status) (map[outbox.Status]int64, error) {
	txn := s.db.Read(ctx)
	counts := make(map[outbox.Status]int64, len(statuses))
	for _, status := range statuses {
		rows, err := s.byStatus(txn, status)
		if err != nil {
			return nil, err
		}
		counts[status] = int64(len(rows))
	}
	return counts, nil
}

func (s *MemoryOutboxStore) transition(ctx context.Context, id string, next outbox.Status, mutate func(*outbox.Event)) error {
	return s.db.Write(ctx, func(txn *memdb.Txn) error {
		raw, err := txn.First(tableOutboxEvents, "id", id)
		if err != nil {
			return errors.Wrap(err, "failed to find outbox event")
		}
		if raw == nil {
			return errors.Wrap(outbox.ErrEventNotFound, id)
		}

		updated := *raw.(*memoryOutboxRow)
		if !updated.Status.CanTransitionTo(next) || updated.Status != outbox.StatusPending {
			return errors.Wrapf(outbox.ErrInvalidTransition, "event %s: %s -> %s", id, updated.Status, next)
		}
		updated.Status = next
		mutate(&updated.Event)

		return errors.Wrap(txn.Insert(tableOutboxEvents, &updated), "failed to update outbox event")
	})
}

func (s *MemoryOutboxStore) byStatus(txn *memdb.Txn, status outbox.Status) ([]*memoryOutboxRow, error) {
	it, err := txn.Get(tableOutboxEvents, "status", string(status))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list outbox events")
	}
	var rows []*memoryOutboxRow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*memoryOutboxRow))
	}
	return rows, nil
}
