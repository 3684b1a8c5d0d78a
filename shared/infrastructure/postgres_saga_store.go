package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/shared/saga"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var _ saga.Store = (*PostgresSagaStore)(nil)

// PostgresSagaStore implements saga.Store using PostgreSQL
type PostgresSagaStore struct {
	db *sqlx.DB
}

// NewPostgresSagaStore creates a new PostgresSagaStore
func NewPostgresSagaStore(db *sqlx.DB) *PostgresSagaStore {
	return &PostgresSagaStore{db: db}
}

// postgresSagaInstance represents a saga instance in database
type postgresSagaInstance struct {
	ID          string     `db:"id"`
	SagaType    string     `db:"saga_type"`
	Status      string     `db:"status"`
	CurrentStep int        `db:"current_step"`
	Payload     string     `db:"payload"`
	LastError   *string    `db:"last_error"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// postgresSagaStep represents a saga step in database
type postgresSagaStep struct {
	ID        string    `db:"id"`
	SagaID    string    `db:"saga_id"`
	Name      string    `db:"name"`
	StepOrder int       `db:"step_order"`
	Status    string    `db:"status"`
	Input     *string   `db:"input"`
	Output    *string   `db:"output"`
	Error     *string   `db:"error"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const sagaInstanceColumns = `id, saga_type, status, current_step, payload, last_error, created_at, updated_at, completed_at`

const sagaStepColumns = `id, saga_id, name, step_order, status, input, output, error, created_at, updated_at`

func (s *PostgresSagaStore) Create(ctx context.Context, sagaType string, payload json.RawMessage) (*saga.Instance, error) {
	now := models.Now()
	row := &postgresSagaInstance{
		ID:        models.GenerateUUID().String(),
		SagaType:  sagaType,
		Status:    string(saga.StatusStarted),
		Payload:   string(payload),
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO saga_instances (
			id, saga_type, status, current_step, payload, created_at, updated_at
		) VALUES (
			:id, :saga_type, :status, :current_step, :payload, :created_at, :updated_at
		)`

	if _, err := Executor(ctx, s.db).NamedExecContext(ctx, query, row); err != nil {
		return nil, errors.Wrap(err, "failed to insert saga instance")
	}

	return s.toDomain(row, nil), nil
}

func (s *PostgresSagaStore) AddStep(ctx context.Context, sagaID, name string, order int) (*saga.StepRecord, error) {
	now := models.Now()
	row := &postgresSagaStep{
		ID:        models.GenerateUUID().String(),
		SagaID:    sagaID,
		Name:      name,
		StepOrder: order,
		Status:    string(saga.StepPending),
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO saga_steps (
			id, saga_id, name, step_order, status, created_at, updated_at
		) VALUES (
			:id, :saga_id, :name, :step_order, :status, :created_at, :updated_at
		)`

	if _, err := Executor(ctx, s.db).NamedExecContext(ctx, query, row); err != nil {
		return nil, errors.Wrap(err, "failed to insert saga step")
	}

	return stepToDomain(row), nil
}

func (s *PostgresSagaStore) FindByID(ctx context.Context, id string) (*saga.Instance, error) {
	exec := Executor(ctx, s.db)

	var row postgresSagaInstance
	err := exec.GetContext(ctx, &row, `SELECT `+sagaInstanceColumns+` FROM saga_instances WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find saga instance")
	}

	var steps []postgresSagaStep
	err = exec.SelectContext(ctx, &steps,
		`SELECT `+sagaStepColumns+` FROM saga_steps WHERE saga_id = $1 ORDER BY step_order ASC`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find saga steps")
	}

	return s.toDomain(&row, steps), nil
}

func (s *PostgresSagaStore) UpdateStepStatus(ctx context.Context, stepID string, update saga.StepUpdate) error {
	query := `
		UPDATE saga_steps
		SET status = $2,
			input = COALESCE($3, input),
			output = COALESCE($4, output),
			error = COALESCE($5, error),
			updated_at = $6
		WHERE id = $1`

	res, err := Executor(ctx, s.db).ExecContext(ctx, query,
		stepID,
		string(update.Status),
		nullableString(update.Input),
		nullableString(update.Output),
		update.Error,
		models.Now(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to update saga step")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("saga step %s not found", stepID)
	}
	return nil
}

func (s *PostgresSagaStore) UpdateSagaStatus(ctx context.Context, sagaID string, update saga.SagaUpdate) error {
	now := models.Now()
	var completedAt *time.Time
	if update.Status.IsTerminal() {
		completedAt = &now
	}

	query := `
		UPDATE saga_instances
		SET status = $2,
			current_step = $3,
			last_error = COALESCE($4, last_error),
			updated_at = $5,
			completed_at = COALESCE($6, completed_at)
		WHERE id = $1`

	res, err := Executor(ctx, s.db).ExecContext(ctx, query,
		sagaID,
		string(update.Status),
		update.CurrentStep,
		update.Error,
		now,
		completedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update saga instance")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrap(saga.ErrSagaInstanceNotFound, sagaID)
	}
	return nil
}

func (s *PostgresSagaStore) FindInProgress(ctx context.Context) ([]*saga.Instance, error) {
	exec := Executor(ctx, s.db)

	var rows []postgresSagaInstance
	err := exec.SelectContext(ctx, &rows,
		`SELECT `+sagaInstanceColumns+` FROM saga_instances
		WHERE status = ANY($1)
		ORDER BY created_at ASC`,
		pq.Array([]string{string(saga.StatusStarted), string(saga.StatusCompensating)}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find sagas in progress")
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}

	var steps []postgresSagaStep
	err = exec.SelectContext(ctx, &steps,
		`SELECT `+sagaStepColumns+` FROM saga_steps
		WHERE saga_id = ANY($1)
		ORDER BY saga_id, step_order ASC`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find saga steps")
	}

	bySaga := make(map[string][]postgresSagaStep, len(rows))
	for _, step := range steps {
		bySaga[step.SagaID] = append(bySaga[step.SagaID], step)
	}

	out := make([]*saga.Instance, len(rows))
	for i := range rows {
		out[i] = s.toDomain(&rows[i], bySaga[rows[i].ID])
	}
	return out, nil
}

// toDomain converts postgres rows to the domain model
func (s *PostgresSagaStore) toDomain(row *postgresSagaInstance, steps []postgresSagaStep) *saga.Instance {
	inst := &saga.Instance{
		ID:          row.ID,
		SagaType:    row.SagaType,
		Status:      saga.Status(row.Status),
		CurrentStep: row.CurrentStep,
		Payload:     json.RawMessage(row.Payload),
		LastError:   row.LastError,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		CompletedAt: row.CompletedAt,
	}
	for i := range steps {
		inst.Steps = append(inst.Steps, stepToDomain(&steps[i]))
	}
	return inst
}

func stepToDomain(row *postgresSagaStep) *saga.StepRecord {
	return &saga.StepRecord{
		ID:        row.ID,
		SagaID:    row.SagaID,
		Name:      row.Name,
		Order:     row.StepOrder,
		Status:    saga.StepStatus(row.Status),
		Input:     rawOrNil(row.Input),
		Output:    rawOrNil(row.Output),
		Error:     row.Error,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}
