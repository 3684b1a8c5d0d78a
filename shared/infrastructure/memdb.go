package infrastructure

import (
	"context"
	"sync/atomic"

	"github.com/draftea/subscription-system/shared/storage"
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

const (
	tableSagaInstances = "saga_instances"
	tableSagaSteps     = "saga_steps"
	tableOutboxEvents  = "outbox_events"
)

var _ storage.TxRunner = (*MemoryDB)(nil)

// MemoryDB is an in-process database backed by go-memdb. Write transactions
// are serialized by memdb; RunInTransaction places the write txn on the
// context so every store called inside it commits or aborts together.
type MemoryDB struct {
	db  *memdb.MemDB
	seq atomic.Uint64
}

// NewMemoryDB creates the saga and outbox tables plus any extra tables the
// caller needs (e.g. a service's aggregates).
func NewMemoryDB(extra ...*memdb.TableSchema) (*MemoryDB, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableSagaInstances: {
				Name: tableSagaInstances,
				Indexes: map[string]*memdb.IndexSchema{
					"id":     {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"status": {Name: "status", Indexer: &memdb.StringFieldIndex{Field: "Status"}},
				},
			},
			tableSagaSteps: {
				Name: tableSagaSteps,
				Indexes: map[string]*memdb.IndexSchema{
					"id":      {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"saga_id": {Name: "saga_id", Indexer: &memdb.StringFieldIndex{Field: "SagaID"}},
				},
			},
			tableOutboxEvents: {
				Name: tableOutboxEvents,
				Indexes: map[string]*memdb.IndexSchema{
					"id":     {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"status": {Name: "status", Indexer: &memdb.StringFieldIndex{Field: "Status"}},
				},
			},
		},
	}
	for _, table := range extra {
		if _, exists := schema.Tables[table.Name]; exists {
			return nil, errors.Errorf("table %s already defined", table.Name)
		}
		schema.Tables[table.Name] = table
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create memory database")
	}
	return &MemoryDB{db: db}, nil
}

// RunInTransaction runs fn inside one write txn, committed only when fn
// returns nil. Nested calls join the outer txn.
func (m *MemoryDB) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := TxnFromContext(ctx); ok {
		return fn(ctx)
	}

	txn := m.db.Txn(true)
	defer txn.Abort()

	if err := fn(storage.ContextWithTx(ctx, txn)); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Write runs fn in the txn carried by ctx, or in a fresh write txn that is
// committed when fn succeeds.
func (m *MemoryDB) Write(ctx context.Context, fn func(txn *memdb.Txn) error) error {
	if txn, ok := TxnFromContext(ctx); ok {
		return fn(txn)
	}

	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := fn(txn); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Read returns the txn carried by ctx, so reads see uncommitted writes of the
// same transaction, or a read-only snapshot.
func (m *MemoryDB) Read(ctx context.Context) *memdb.Txn {
	if txn, ok := TxnFromContext(ctx); ok {
		return txn
	}
	return m.db.Txn(false)
}

// NextSeq returns a process-wide increasing number used to keep insertion order.
func (m *MemoryDB) NextSeq() uint64 {
	return m.seq.Add(1)
}

// TxnFromContext returns the memdb write txn carried by ctx.
func TxnFromContext(ctx context.Context) (*memdb.Txn, bool) {
	tx, ok := storage.TxFromContext(ctx)
	if !ok {
		return nil, false
	}
	txn, ok := tx.(*memdb.Txn)
	return txn, ok
}
