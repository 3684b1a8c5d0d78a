package infrastructure

import (
	"context"
	"database/sql"
	"io/fs"
	"sort"
	"time"

	"github.com/draftea/subscription-system/shared/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

var _ storage.TxRunner = (*PostgresTxRunner)(nil)

// SQLExecutor is satisfied by both *sqlx.DB and *sqlx.Tx.
type SQLExecutor interface {
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Executor returns the *sqlx.Tx carried by ctx, or db when there is none.
func Executor(ctx context.Context, db *sqlx.DB) SQLExecutor {
	if tx, ok := storage.TxFromContext(ctx); ok {
		if sqlTx, ok := tx.(*sqlx.Tx); ok {
			return sqlTx
		}
	}
	return db
}

// PostgresTxRunner implements storage.TxRunner with database transactions.
type PostgresTxRunner struct {
	db *sqlx.DB
}

// NewPostgresTxRunner creates a new PostgresTxRunner
func NewPostgresTxRunner(db *sqlx.DB) *PostgresTxRunner {
	return &PostgresTxRunner{db: db}
}

func (r *PostgresTxRunner) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if tx, ok := storage.TxFromContext(ctx); ok {
		if _, ok := tx.(*sqlx.Tx); ok {
			return fn(ctx)
		}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(storage.ContextWithTx(ctx, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}

	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// ConnectPostgres opens a connection pool, retrying with exponential backoff
// while the database is not reachable yet.
func ConnectPostgres(ctx context.Context, dsn string, maxRetries uint64, logger *zap.Logger) (*sqlx.DB, error) {
	var db *sqlx.DB
	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(500*time.Millisecond))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		conn, err := sqlx.ConnectContext(ctx, "postgres", dsn)
		if err != nil {
			logger.Warn("database not reachable yet", zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		db = conn
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Migrate executes every .sql file of fsys in lexical order. The scripts are
// idempotent.
func Migrate(ctx context.Context, db *sqlx.DB, fsys fs.FS) error {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return errors.Wrap(err, "failed to list migrations")
	}
	sort.Strings(names)

	for _, name := range names {
		script, err := fs.ReadFile(fsys, name)
		if err != nil {
			return errors.Wrapf(err, "failed to read migration %s", name)
		}
		if _, err := db.ExecContext(ctx, string(script)); err != nil {
			return errors.Wrapf(err, "failed to apply migration %s", name)
		}
	}
	return nil
}

func nullableString(b []byte) *string {
	if b == nil {
		return nil
	}
	s := string(b)
	return &s
}

func rawOrNil(s *string) []byte {
	if s == nil {
		return nil
	}
	return []byte(*s)
}
