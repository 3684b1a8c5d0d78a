package infrastructure

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/draftea/subscription-system/shared/outbox"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

// notNull matches any non-NULL argument.
type notNull struct{}

func (notNull) Match(v driver.Value) bool { return v != nil }

func outboxRow(id string, status outbox.Status) *sqlmock.Rows {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "aggregate_id", "aggregate_type", "event_type", "payload",
		"status", "created_at", "processed_at", "attempts", "last_error",
	}).AddRow(id, "sub-1", "Subscription", "SubscriptionCreated", `{"id":"sub-1"}`,
		string(status), created, nil, 0, nil)
}

func TestPostgresOutboxStore_MarkProcessed(t *testing.T) {
	tests := []struct {
		name    string
		updated int64
		current *sqlmock.Rows
		wantErr error
	}{
		{name: "pending event", updated: 1},
		{name: "already processed", current: outboxRow("evt-1", outbox.StatusProcessed), wantErr: outbox.ErrInvalidTransition},
		{name: "missing event", current: sqlmock.NewRows([]string{"id"}), wantErr: outbox.ErrEventNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			at := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)

			mock.ExpectExec(`UPDATE outbox_events\s+SET status = \$2, processed_at = \$3\s+WHERE id = \$1 AND status = \$4`).
				WithArgs("evt-1", "PROCESSED", at, "PENDING").
				WillReturnResult(sqlmock.NewResult(0, tt.updated))
			if tt.current != nil {
				mock.ExpectQuery(`FROM outbox_events WHERE id = \$1`).WithArgs("evt-1").WillReturnRows(tt.current)
			}

			err := NewPostgresOutboxStore(db).MarkProcessed(context.Background(), "evt-1", at)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresOutboxStore_MarkFailedOnlyFromPending(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`SET status = \$2, attempts = attempts \+ 1, last_error = \$3\s+WHERE id = \$1 AND status = \$4`).
		WithArgs("evt-2", "FAILED", "broker down", "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM outbox_events WHERE id = \$1`).
		WithArgs("evt-2").
		WillReturnRows(outboxRow("evt-2", outbox.StatusFailed))

	err := NewPostgresOutboxStore(db).MarkFailed(context.Background(), "evt-2", "broker down")

	assert.ErrorIs(t, err, outbox.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "FAILED -> FAILED")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOutboxStore_RetryFailedEvents(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`UPDATE outbox_events\s+SET status = \$1\s+WHERE status = \$2 AND attempts < \$3`).
		WithArgs("PENDING", "FAILED", 3).
		WillReturnResult(sqlmock.NewResult(0, 2))

	moved, err := NewPostgresOutboxStore(db).RetryFailedEvents(context.Background(), 3)

	require.NoError(t, err)
	assert.Equal(t, int64(2), moved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOutboxStore_CountBacklog(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`FROM outbox_events WHERE status IN \(\$1, \$2\) GROUP BY status`).
		WithArgs("PENDING", "FAILED").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("PENDING", 4))

	counts, err := NewPostgresOutboxStore(db).CountBacklog(context.Background())

	require.NoError(t, err)
	assert.Equal(t, map[outbox.Status]int64{outbox.StatusPending: 4, outbox.StatusFailed: 0}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOutboxStore_AddEventJoinsTransaction(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO outbox_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewPostgresOutboxStore(db)
	var saved *outbox.Event
	err := NewPostgresTxRunner(db).RunInTransaction(context.Background(), func(ctx context.Context) error {
		ev, err := outbox.NewEvent("sub-1", "Subscription", "SubscriptionCreated", map[string]string{"id": "sub-1"})
		if err != nil {
			return err
		}
		saved, err = store.AddEvent(ctx, ev)
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, saved.Status)
	assert.NotEmpty(t, saved.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOutboxStore_AddEventRollsBackOnFailure(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO outbox_events`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	store := NewPostgresOutboxStore(db)
	err := NewPostgresTxRunner(db).RunInTransaction(context.Background(), func(ctx context.Context) error {
		ev, err := outbox.NewEvent("sub-1", "Subscription", "SubscriptionCreated", map[string]string{})
		if err != nil {
			return err
		}
		_, err = store.AddEvent(ctx, ev)
		return err
	})

	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}
