package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/asaidimu/go-recordbase/core/persistence"
	"github.com/asaidimu/go-recordbase/core/query"
	"github.com/asaidimu/go-recordbase/core/schema"
)

// dbRunner abstracts the common methods of *sql.DB and *sql.Tx, allowing the
// same code to run inside and outside a transaction.
type dbRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Interactor implements persistence.DatabaseInteractor for a Dialect. It
// operates in transactional mode when created by StartTransaction.
type Interactor struct {
	db        *sql.DB
	tx        *sql.Tx
	dialect   Dialect
	generator *Generator
	logger    *zap.Logger
	options   *persistence.InteractorOptions
}

var _ persistence.DatabaseInteractor = (*Interactor)(nil)

// New creates a non-transactional Interactor.
func New(db *sql.DB, dialect Dialect, logger *zap.Logger, options *persistence.InteractorOptions) *Interactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options == nil {
		options = &persistence.InteractorOptions{}
	}
	i := &Interactor{
		db:      db,
		dialect: dialect,
		logger:  logger,
		options: options,
	}
	i.generator = NewGenerator(dialect, i.tableName)
	return i
}

// Generator returns the SQL generator bound to this interactor's table names.
func (i *Interactor) Generator() *Generator {
	return i.generator
}

// Dialect returns the dialect of the interactor.
func (i *Interactor) Dialect() Dialect {
	return i.dialect
}

func (i *Interactor) runner() dbRunner {
	if i.tx != nil {
		return i.tx
	}
	return i.db
}

// tableName applies the configured prefix. The metadata table is never
// prefixed.
func (i *Interactor) tableName(name string) string {
	if name == persistence.MetadataCollection {
		return name
	}
	return i.options.TablePrefix + name
}

func (i *Interactor) queryRows(ctx context.Context, c *schema.Collection, kind, sqlQuery string, params []any) ([]schema.Record, error) {
	i.logger.Debug("Executing SQL "+kind, zap.String("sql", sqlQuery), zap.Any("params", params))
	rows, err := i.runner().QueryContext(ctx, sqlQuery, params...)
	if err != nil {
		i.logger.Error("Failed to execute "+kind+" query", zap.Error(err), zap.String("sql", sqlQuery))
		return nil, fmt.Errorf("failed to execute %s query: %w", kind, err)
	}
	defer rows.Close()
	return readRows(i.logger, c, i.dialect.RowIDColumn(), rows)
}

func (i *Interactor) execAffected(ctx context.Context, kind, sqlQuery string, params []any) (int64, error) {
	i.logger.Debug("Executing SQL "+kind, zap.String("sql", sqlQuery), zap.Any("params", params))
	result, err := i.runner().ExecContext(ctx, sqlQuery, params...)
	if err != nil {
		i.logger.Error("Failed to execute "+kind+" query", zap.Error(err), zap.String("sql", sqlQuery))
		return 0, fmt.Errorf("failed to execute %s query: %w", kind, err)
	}
	return result.RowsAffected()
}

// SelectRecords executes a SELECT query against the database.
func (i *Interactor) SelectRecords(ctx context.Context, c *schema.Collection, dsl *query.QueryDSL) ([]schema.Record, error) {
	sqlQuery, params, err := i.generator.SelectSQL(c, dsl)
	if err != nil {
		return nil, err
	}
	return i.queryRows(ctx, c, "SELECT", sqlQuery, params)
}

// CountRecords executes a COUNT query against the database.
func (i *Interactor) CountRecords(ctx context.Context, c *schema.Collection, dsl *query.QueryDSL) (int, error) {
	sqlQuery, params, err := i.generator.CountSQL(c, dsl)
	if err != nil {
		return 0, err
	}
	i.logger.Debug("Executing SQL COUNT", zap.String("sql", sqlQuery), zap.Any("params", params))
	var n int
	if err := i.runner().QueryRowContext(ctx, sqlQuery, params...).Scan(&n); err != nil {
		i.logger.Error("Failed to execute COUNT query", zap.Error(err), zap.String("sql", sqlQuery))
		return 0, fmt.Errorf("failed to execute COUNT query: %w", err)
	}
	return n, nil
}

// InsertRecords executes an INSERT ... RETURNING query against the database.
func (i *Interactor) InsertRecords(ctx context.Context, c *schema.Collection, records []schema.Record) ([]schema.Record, error) {
	if len(records) == 0 {
		return []schema.Record{}, nil
	}
	sqlQuery, params, err := i.generator.InsertSQL(c, records)
	if err != nil {
		return nil, err
	}
	return i.queryRows(ctx, c, "INSERT", sqlQuery, params)
}

// UpdateRecords executes an UPDATE query against the database.
func (i *Interactor) UpdateRecords(ctx context.Context, c *schema.Collection, changes persistence.Changes, filters *query.QueryFilter) (int64, error) {
	sqlQuery, params, err := i.generator.UpdateSQL(c, changes, filters)
	if err != nil {
		return 0, err
	}
	return i.execAffected(ctx, "UPDATE", sqlQuery, params)
}

// DeleteRecords executes a DELETE query against the database.
func (i *Interactor) DeleteRecords(ctx context.Context, c *schema.Collection, filters *query.QueryFilter, unsafeDelete bool) (int64, error) {
	sqlQuery, params, err := i.generator.DeleteSQL(c, filters, unsafeDelete)
	if err != nil {
		return 0, err
	}
	return i.execAffected(ctx, "DELETE", sqlQuery, params)
}

// Bootstrap applies the dialect's embedded migrations.
func (i *Interactor) Bootstrap(ctx context.Context) error {
	if i.tx != nil {
		return fmt.Errorf("bootstrap cannot run inside a transaction")
	}
	i.logger.Debug("Applying bootstrap migrations", zap.String("dialect", i.dialect.Name()))
	return i.dialect.Migrate(ctx, i.db)
}

// IsUniqueViolation reports whether err was raised by a unique constraint.
func (i *Interactor) IsUniqueViolation(err error) bool {
	return i.dialect.IsUniqueViolation(err)
}

// StartTransaction begins a new database transaction and returns a new
// Interactor scoped to it.
func (i *Interactor) StartTransaction(ctx context.Context) (persistence.DatabaseInteractor, error) {
	if i.tx != nil {
		return nil, fmt.Errorf("cannot start a new transaction from an existing transactional interactor")
	}
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	i.logger.Debug("Transaction initiated, returning new transactional interactor")
	return &Interactor{
		db:        i.db,
		tx:        tx,
		dialect:   i.dialect,
		generator: i.generator,
		logger:    i.logger,
		options:   i.options,
	}, nil
}

// Commit commits the current transaction.
func (i *Interactor) Commit(ctx context.Context) error {
	if i.tx == nil {
		return fmt.Errorf("commit not applicable: not in a transactional context")
	}
	i.logger.Debug("Committing transaction")
	return i.tx.Commit()
}

// Rollback rolls back the current transaction.
func (i *Interactor) Rollback(ctx context.Context) error {
	if i.tx == nil {
		return fmt.Errorf("rollback not applicable: not in a transactional context")
	}
	i.logger.Debug("Rolling back transaction")
	return i.tx.Rollback()
}
