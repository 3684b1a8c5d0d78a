package infrastructure

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/shared/saga"
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

var _ saga.Store = (*MemorySagaStore)(nil)

// memdb objects must not be mutated once inserted; updates insert copies.
type memorySagaRow struct {
	saga.Instance
	Seq uint64
}

// MemorySagaStore implements saga.Store on a MemoryDB.
type MemorySagaStore struct {
	db *MemoryDB
}

// NewMemorySagaStore creates a new MemorySagaStore
func NewMemorySagaStore(db *MemoryDB) *MemorySagaStore {
	return &MemorySagaStore{db: db}
}

func (s *MemorySagaStore) Create(ctx context.Context, sagaType string, payload json.RawMessage) (*saga.Instance, error) {
	now := models.Now()
	row := &memorySagaRow{
		Instance: saga.Instance{
			ID:        models.GenerateUUID().String(),
			SagaType:  sagaType,
			Status:    saga.StatusStarted,
			Payload:   payload,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Seq: s.db.NextSeq(),
	}

	err := s.db.Write(ctx, func(txn *memdb.Txn) error {
		return txn.Insert(tableSagaInstances, row)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert saga instance")
	}

	inst := row.Instance
	return &inst, nil
}

func (s *MemorySagaStore) AddStep(ctx context.Context, sagaID, name string, order int) (*saga.StepRecord, error) {
	now := models.Now()
	rec := &saga.StepRecord{
		ID:        models.GenerateUUID().String(),
		SagaID:    sagaID,
		Name:      name,
		Order:     order,
		Status:    saga.StepPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.Write(ctx, func(txn *memdb.Txn) error {
		existing, err := txn.First(tableSagaInstances, "id", sagaID)
		if err != nil {
			return err
		}
		if existing == nil {
			return errors.Wrap(saga.ErrSagaInstanceNotFound, sagaID)
		}
		return txn.Insert(tableSagaSteps, rec)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert saga step")
	}

	out := *rec
	return &out, nil
}

func (s *MemorySagaStore) FindByID(ctx context.Context, id string) (*saga.Instance, error) {
	txn := s.db.Read(ctx)

	raw, err := txn.First(tableSagaInstances, "id", id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find saga instance")
	}
	if raw == nil {
		return nil, nil
	}

	return s.load(txn, raw.(*memorySagaRow))
}

func (s *MemorySagaStore) UpdateStepStatus(ctx context.Context, stepID string, update saga.StepUpdate) error {
	return s.db.Write(ctx, func(txn *memdb.Txn) error {
		raw, err := txn.First(tableSagaSteps, "id", stepID)
		if err != nil {
			return errors.Wrap(err, "failed to find saga step")
		}
		if raw == nil {
			return errors.Errorf("saga step %s not found", stepID)
		}

		rec := *raw.(*saga.StepRecord)
		rec.Status = update.Status
		if update.Input != nil {
			rec.Input = update.Input
		}
		if update.Output != nil {
			rec.Output = update.Output
		}
		if update.Error != nil {
			msg := *update.Error
			rec.Error = &msg
		}
		rec.UpdatedAt = models.Now()

		return errors.Wrap(txn.Insert(tableSagaSteps, &rec), "failed to update saga step")
	})
}

func (s *MemorySagaStore) UpdateSagaStatus(ctx context.Context, sagaID string, update saga.SagaUpdate) error {
	return s.db.Write(ctx, func(txn *memdb.Txn) error {
		raw, err := txn.First(tableSagaInstances, "id", sagaID)
		if err != nil {
			return errors.Wrap(err, "failed to find saga instance")
		}
		if raw == nil {
			return errors.Wrap(saga.ErrSagaInstanceNotFound, sagaID)
		}

		row := *raw.(*memorySagaRow)
		now := models.Now()
		row.Status = update.Status
		row.CurrentStep = update.CurrentStep
		if update.Error != nil {
			msg := *update.Error
			row.LastError = &msg
		}
		row.UpdatedAt = now
		if update.Status.IsTerminal() {
			row.CompletedAt = &now
		}

		return errors.Wrap(txn.Insert(tableSagaInstances, &row), "failed to update saga instance")
	})
}

func (s *MemorySagaStore) FindInProgress(ctx context.Context) ([]*saga.Instance, error) {
	txn := s.db.Read(ctx)

	var rows []*memorySagaRow
	for _, status := range []saga.Status{saga.StatusStarted, saga.StatusCompensating} {
		it, err := txn.Get(tableSagaInstances, "status", string(status))
		if err != nil {
			return nil, errors.Wrap(err, "failed to list saga instances")
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			rows = append(rows, obj.(*memorySagaRow))
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })

	out := make([]*saga.Instance, 0, len(rows))
	for _, row := range rows {
		inst, err := s.load(txn, row)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (s *MemorySagaStore) load(txn *memdb.Txn, row *memorySagaRow) (*saga.Instance, error) {
	inst := row.Instance

	it, err := txn.Get(tableSagaSteps, "saga_id", inst.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list saga steps")
	}
	inst.Steps = nil
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rec := *obj.(*saga.StepRecord)
		inst.Steps = append(inst.Steps, &rec)
	}
	sort.Slice(inst.Steps, func(i, j int) bool { return inst.Steps[i].Order < inst.Steps[j].Order })

	return &inst, nil
}
