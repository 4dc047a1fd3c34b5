package persistence

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/query"
	"github.com/asaidimu/go-recordbase/core/schema"
)

// LookupFactory returns a collection lookup bound to a request context.
type LookupFactory func(ctx context.Context) query.CollectionLookup

// Executor sits between a record store and the DatabaseInteractor. It folds
// the search term into the filter tree, resolves dotted field paths and maps
// storage failures onto the error taxonomy.
type Executor struct {
	interactor DatabaseInteractor
	lookup     LookupFactory
	logger     *zap.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(interactor DatabaseInteractor, lookup LookupFactory, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{interactor: interactor, lookup: lookup, logger: logger}
}

// prepare validates pagination, ANDs the search group onto the filters and
// resolves every field reference.
func (e *Executor) prepare(ctx context.Context, c *schema.Collection, dsl *query.QueryDSL) (*query.QueryDSL, error) {
	if dsl == nil {
		dsl = &query.QueryDSL{}
	}
	if p := dsl.Pagination; p != nil {
		if p.Limit < 0 {
			return nil, core.BadRequest("limit cannot be negative")
		}
		if p.Offset != nil && *p.Offset < 0 {
			return nil, core.BadRequest("offset cannot be negative")
		}
	}

	prepared := *dsl
	search := searchFilter(c, dsl.Search, dsl.SearchFields)
	if search == nil && dsl.Search != "" {
		e.logger.Debug("Search ignored, collection has no searchable fields", zap.String("collection", c.Name))
	}
	prepared.Filters = query.And(dsl.Filters, search)
	prepared.Search, prepared.SearchFields = "", nil

	var lookup query.CollectionLookup
	if e.lookup != nil {
		lookup = e.lookup(ctx)
	} else {
		lookup = func(name string) (*schema.Collection, error) {
			return nil, core.NotFound("collection %q not found", name)
		}
	}
	return query.Resolve(c, &prepared, lookup)
}

// searchFilter builds the case-insensitive OR group of the search term over
// fields, defaulting to the searchable fields of c.
func searchFilter(c *schema.Collection, term string, fields []string) *query.QueryFilter {
	if term == "" {
		return nil
	}
	if len(fields) == 0 {
		for _, f := range c.Fields {
			if f.IsSearchable() {
				fields = append(fields, f.Name)
			}
		}
	}
	if len(fields) == 0 {
		return nil
	}
	group := &query.FilterGroup{Operator: query.LogicalOperatorOr}
	for _, name := range fields {
		group.Conditions = append(group.Conditions, query.QueryFilter{Condition: &query.FilterCondition{
			Field:    name,
			Operator: query.ComparisonOperatorLike,
			Value:    term,
		}})
	}
	if len(group.Conditions) == 1 {
		return &group.Conditions[0]
	}
	return &query.QueryFilter{Group: group}
}

// Query runs a select against the database.
func (e *Executor) Query(ctx context.Context, c *schema.Collection, dsl *query.QueryDSL) ([]schema.Record, error) {
	prepared, err := e.prepare(ctx, c, dsl)
	if err != nil {
		return nil, err
	}
	records, err := e.interactor.SelectRecords(ctx, c, prepared)
	if err != nil {
		return nil, e.storageError(c, "list", err)
	}
	e.logger.Debug("Fetched records", zap.String("collection", c.Name), zap.Int("count", len(records)))
	return records, nil
}

// Count counts the records a query matches, ignoring sort and pagination.
func (e *Executor) Count(ctx context.Context, c *schema.Collection, dsl *query.QueryDSL) (int, error) {
	prepared, err := e.prepare(ctx, c, dsl)
	if err != nil {
		return 0, err
	}
	n, err := e.interactor.CountRecords(ctx, c, prepared)
	if err != nil {
		return 0, e.storageError(c, "count", err)
	}
	return n, nil
}

// Insert inserts records and returns them as stored.
func (e *Executor) Insert(ctx context.Context, c *schema.Collection, records []schema.Record) ([]schema.Record, error) {
	rows, err := e.interactor.InsertRecords(ctx, c, records)
	if err != nil {
		return nil, e.storageError(c, "create", err)
	}
	return rows, nil
}

// Update applies changes to the records matching filters.
func (e *Executor) Update(ctx context.Context, c *schema.Collection, changes Changes, filters *query.QueryFilter) (int64, error) {
	n, err := e.interactor.UpdateRecords(ctx, c, changes, filters)
	if err != nil {
		return 0, e.storageError(c, "update", err)
	}
	return n, nil
}

// Delete removes the records matching filters.
func (e *Executor) Delete(ctx context.Context, c *schema.Collection, filters *query.QueryFilter) (int64, error) {
	n, err := e.interactor.DeleteRecords(ctx, c, filters, false)
	if err != nil {
		return 0, e.storageError(c, "delete", err)
	}
	return n, nil
}

func (e *Executor) storageError(c *schema.Collection, op string, err error) error {
	var engineErr *core.Error
	if errors.As(err, &engineErr) {
		return err
	}
	if e.interactor.IsUniqueViolation(err) {
		return core.Conflict("%s in %q violates a unique constraint", op, c.Name).WithCause(err)
	}
	return core.Internal(op+" failed in "+c.Name, err)
}
