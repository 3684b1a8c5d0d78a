package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/shared/outbox"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var _ outbox.Store = (*PostgresOutboxStore)(nil)

// PostgresOutboxStore implements outbox.Store using PostgreSQL
type PostgresOutboxStore struct {
	db *sqlx.DB
}

// NewPostgresOutboxStore creates a new PostgresOutboxStore
func NewPostgresOutboxStore(db *sqlx.DB) *PostgresOutboxStore {
	return &PostgresOutboxStore{db: db}
}

// postgresOutboxEvent represents an outbox event in database
type postgresOutboxEvent struct {
	ID            string     `db:"id"`
	AggregateID   string     `db:"aggregate_id"`
	AggregateType string     `db:"aggregate_type"`
	EventType     string     `db:"event_type"`
	Payload       string     `db:"payload"`
	Status        string     `db:"status"`
	CreatedAt     time.Time  `db:"created_at"`
	ProcessedAt   *time.Time `db:"processed_at"`
	Attempts      int        `db:"attempts"`
	LastError     *string    `db:"last_error"`
}

const outboxColumns = `id, aggregate_id, aggregate_type, event_type, payload, status, created_at, processed_at, attempts, last_error`

func (s *PostgresOutboxStore) AddEvent(ctx context.Context, event *outbox.Event) (*outbox.Event, error) {
	row := s.toPostgres(event)
	if row.ID == "" {
		row.ID = models.GenerateUUID().String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = models.Now()
	}
	if row.Status == "" {
		row.Status = string(outbox.StatusPending)
	}

	query := `
		INSERT INTO outbox_events (
			id, aggregate_id, aggregate_type, event_type, payload,
			status, created_at, processed_at, attempts, last_error
		) VALUES (
			:id, :aggregate_id, :aggregate_type, :event_type, :payload,
			:status, :created_at, :processed_at, :attempts, :last_error
		)`

	if _, err := Executor(ctx, s.db).NamedExecContext(ctx, query, row); err != nil {
		return nil, errors.Wrap(err, "failed to insert outbox event")
	}

	return s.toDomain(row), nil
}

func (s *PostgresOutboxStore) FindPending(ctx context.Context, limit int) ([]*outbox.Event, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = $1
		ORDER BY created_at ASC, seq ASC
		LIMIT $2`

	var rows []postgresOutboxEvent
	if err := Executor(ctx, s.db).SelectContext(ctx, &rows, query, string(outbox.StatusPending), limit); err != nil {
		return nil, errors.Wrap(err, "failed to find pending outbox events")
	}

	out := make([]*outbox.Event, len(rows))
	for i := range rows {
		out[i] = s.toDomain(&rows[i])
	}
	return out, nil
}

func (s *PostgresOutboxStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE outbox_events
		SET status = $2, processed_at = $3
		WHERE id = $1 AND status = $4`

	res, err := Executor(ctx, s.db).ExecContext(ctx, query,
		id, string(outbox.StatusProcessed), at, string(outbox.StatusPending))
	if err != nil {
		return errors.Wrap(err, "failed to mark outbox event processed")
	}
	return s.checkTransition(ctx, res, id, outbox.StatusProcessed)
}

func (s *PostgresOutboxStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	query := `
		UPDATE outbox_events
		SET status = $2, attempts = attempts + 1, last_error = $3
		WHERE id = $1 AND status = $4`

	res, err := Executor(ctx, s.db).ExecContext(ctx, query,
		id, string(outbox.StatusFailed), errMsg, string(outbox.StatusPending))
	if err != nil {
		return errors.Wrap(err, "failed to mark outbox event failed")
	}
	return s.checkTransition(ctx, res, id, outbox.StatusFailed)
}

func (s *PostgresOutboxStore) RetryFailedEvents(ctx context.Context, maxAttempts int) (int64, error) {
	query := `
		UPDATE outbox_events
		SET status = $1
		WHERE status = $2 AND attempts < $3`

	res, err := Executor(ctx, s.db).ExecContext(ctx, query,
		string(outbox.StatusPending), string(outbox.StatusFailed), maxAttempts)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reschedule failed outbox events")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rescheduled count")
	}
	return n, nil
}

func (s *PostgresOutboxStore) FindByID(ctx context.Context, id string) (*outbox.Event, error) {
	var row postgresOutboxEvent
	err := Executor(ctx, s.db).GetContext(ctx, &row, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find outbox event")
	}
	return s.toDomain(&row), nil
}

type statusCount struct {
	Status string `db:"status"`
	Count  int64  `db:"count"`
}

func (s *PostgresOutboxStore) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	var rows []statusCount
	err := Executor(ctx, s.db).SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS count FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count outbox events")
	}
	return countsOf(rows, outbox.StatusPending, outbox.StatusProcessed, outbox.StatusFailed), nil
}

// CountBacklog reads only PENDING and FAILED rows through idx_outbox_events_pending.
func (s *PostgresOutboxStore) CountBacklog(ctx context.Context) (map[outbox.Status]int64, error) {
	var rows []statusCount
	err := Executor(ctx, s.db).SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS count FROM outbox_events WHERE status IN ($1, $2) GROUP BY status`,
		string(outbox.StatusPending), string(outbox.StatusFailed))
	if err != nil {
		return nil, errors.Wrap(err, "failed to count outbox backlog")
	}
	return countsOf(rows, outbox.StatusPending, outbox.StatusFailed), nil
}

func countsOf(rows []statusCount, statuses ...outbox.Status) map[outbox.Status]int64 {
	counts := make(map[outbox.Status]int64, len(statuses))
	for _, status := range statuses {
		counts[status] = 0
	}
	for _, row := range rows {
		counts[outbox.Status(row.Status)] = row.Count
	}
	return counts
}

// checkTransition turns a zero-row update into ErrEventNotFound or ErrInvalidTransition.
func (s *PostgresOutboxStore) checkTransition(ctx context.Context, res sql.Result, id string, next outbox.Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n > 0 {
		return nil
	}

	current, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return errors.Wrap(outbox.ErrEventNotFound, id)
	}
	return errors.Wrapf(outbox.ErrInvalidTransition, "event %s: %s -> %s", id, current.Status, next)
}

// toPostgres converts the domain event to postgres model
func (s *PostgresOutboxStore) toPostgres(event *outbox.Event) *postgresOutboxEvent {
	return &postgresOutboxEvent{
		ID:            event.ID,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     event.EventType,
		Payload:       string(event.Payload),
		Status:        string(event.Status),
		CreatedAt:     event.CreatedAt,
		ProcessedAt:   event.ProcessedAt,
		Attempts:      event.Attempts,
		LastError:     event.LastError,
	}
}

// toDomain converts postgres model to the domain event
func (s *PostgresOutboxStore) toDomain(row *postgresOutboxEvent) *outbox.Event {
	return &outbox.Event{
		ID:            row.ID,
		AggregateID:   row.AggregateID,
		AggregateType: row.AggregateType,
		EventType:     row.EventType,
		Payload:       json.RawMessage(row.Payload),
		Status:        outbox.Status(row.Status),
		CreatedAt:     row.CreatedAt,
		ProcessedAt:   row.ProcessedAt,
		Attempts:      row.Attempts,
		LastError:     row.LastError,
	}
}
