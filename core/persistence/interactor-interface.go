package persistence

import (
	"context"

	"github.com/asaidimu/go-recordbase/core/query"
	"github.com/asaidimu/go-recordbase/core/schema"
)

// InteractorOptions provides configuration for the interactor.
type InteractorOptions struct {
	// TablePrefix adds a prefix to the physical table of every user collection.
	// The metadata table is never prefixed. View queries are stored verbatim,
	// so they must reference prefixed table names themselves.
	TablePrefix string
}

// Changes describes a partial update. Set assigns values; Increment adds a
// signed delta to numeric columns atomically (col = COALESCE(col, 0) + delta).
type Changes struct {
	Set       map[string]any
	Increment map[string]float64
}

// IsEmpty reports whether the update would not touch any column.
func (c Changes) IsEmpty() bool {
	return len(c.Set) == 0 && len(c.Increment) == 0
}

// DatabaseInteractor defines the interface for interacting with the database.
// It can operate in either a non-transactional (default) or transactional mode.
// Note: the transactional methods only become meaningful on an instance
// returned by StartTransaction.
//
// Queries passed to SelectRecords and CountRecords may carry resolved
// FieldPaths; conditions without one are treated as plain column references.
type DatabaseInteractor interface {
	SelectRecords(ctx context.Context, c *schema.Collection, dsl *query.QueryDSL) ([]schema.Record, error)
	CountRecords(ctx context.Context, c *schema.Collection, dsl *query.QueryDSL) (int, error)
	InsertRecords(ctx context.Context, c *schema.Collection, records []schema.Record) ([]schema.Record, error)
	UpdateRecords(ctx context.Context, c *schema.Collection, changes Changes, filters *query.QueryFilter) (int64, error)
	DeleteRecords(ctx context.Context, c *schema.Collection, filters *query.QueryFilter, unsafeDelete bool) (int64, error)

	// Bootstrap applies the embedded migrations that create the metadata table.
	Bootstrap(ctx context.Context) error

	// CreateCollection creates the table and its indexes, or the SQL view of a
	// view collection.
	CreateCollection(ctx context.Context, c *schema.Collection) error

	// DropCollection drops the table or view if it exists.
	DropCollection(ctx context.Context, c *schema.Collection) error

	// ReplaceView drops and recreates the SQL view of a view collection.
	ReplaceView(ctx context.Context, c *schema.Collection) error

	// CollectionExists checks if a table or view exists for the collection name.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// AddColumn adds the column of f, and its index when the field needs one.
	AddColumn(ctx context.Context, c *schema.Collection, f *schema.FieldSchema) error

	// DropColumn drops the indexes of f and then its column.
	DropColumn(ctx context.Context, c *schema.Collection, f *schema.FieldSchema) error

	// CreateIndex creates the secondary index f needs, if any.
	CreateIndex(ctx context.Context, c *schema.Collection, f *schema.FieldSchema) error

	// DropIndex drops every secondary index f may have.
	DropIndex(ctx context.Context, c *schema.Collection, f *schema.FieldSchema) error

	// IsUniqueViolation reports whether err was raised by a unique constraint.
	IsUniqueViolation(err error) bool

	// StartTransaction initiates a new database transaction.
	// It returns a *new* instance of DatabaseInteractor that operates
	// within the scope of that transaction.
	// The original interactor instance remains non-transactional.
	StartTransaction(ctx context.Context) (DatabaseInteractor, error)

	// Commit commits the transaction. Calling it on a non-transactional
	// interactor is an error.
	Commit(ctx context.Context) error

	// Rollback rolls back the transaction. Calling it on a non-transactional
	// interactor is an error.
	Rollback(ctx context.Context) error
}
