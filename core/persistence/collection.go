package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/query"
	"github.com/asaidimu/go-recordbase/core/schema"
)

// CollectionBase implements RecordStore on top of an Executor. It performs no
// validation or authorization; the record orchestrator does that before
// calling it.
type CollectionBase struct {
	schema   *schema.Collection
	executor *Executor
	now      func() time.Time
}

// NewCollection creates the record store of c, wrapped so that successful
// writes emit change events on bus.
func NewCollection(c *schema.Collection, executor *Executor, bus *EventBus) RecordStore {
	return NewEventEmittingCollection(&CollectionBase{
		schema:   c,
		executor: executor,
		now:      nowUTC,
	}, bus)
}

func nowUTC() time.Time { return time.Now().UTC() }

// Schema returns the collection the store is bound to.
func (cb *CollectionBase) Schema() *schema.Collection {
	return cb.schema
}

func (cb *CollectionBase) timestamp() string {
	return cb.now().Format(schema.TimeLayout)
}

func (cb *CollectionBase) writable() error {
	if cb.schema.IsView() {
		return core.BadRequest("collection %q is a view and is read-only", cb.schema.Name)
	}
	return nil
}

func idFilter(id string) *query.QueryFilter {
	return &query.QueryFilter{Condition: &query.FilterCondition{
		Field:    schema.FieldID,
		Operator: query.ComparisonOperatorEq,
		Value:    id,
	}}
}

// Create inserts data as a new record.
func (cb *CollectionBase) Create(ctx context.Context, data map[string]any) (schema.Record, error) {
	if err := cb.writable(); err != nil {
		return nil, err
	}
	record := make(schema.Record, len(data)+3)
	for k, v := range data {
		record[k] = v
	}

	id, _ := data[schema.FieldID].(string)
	if id == "" {
		id = uuid.New().String()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, core.BadRequest("record id %q is not a valid uuid", id)
	}
	now := cb.timestamp()
	record[schema.FieldID] = id
	record[schema.FieldCreated] = now
	record[schema.FieldUpdated] = now

	rows, err := cb.executor.Insert(ctx, cb.schema, []schema.Record{record})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, core.Internal("insert returned no row for "+cb.schema.Name, nil)
	}
	return rows[0], nil
}

// Get returns the record with the given id.
func (cb *CollectionBase) Get(ctx context.Context, id string) (schema.Record, error) {
	rows, err := cb.executor.Query(ctx, cb.schema, &query.QueryDSL{
		Filters:    idFilter(id),
		Pagination: &query.PaginationOptions{Limit: 1},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, core.NotFound("record %q not found in %q", id, cb.schema.Name)
	}
	return rows[0], nil
}

// List returns the records matching dsl.
func (cb *CollectionBase) List(ctx context.Context, dsl *query.QueryDSL) ([]schema.Record, error) {
	rows, err := cb.executor.Query(ctx, cb.schema, dsl)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []schema.Record{}
	}
	return rows, nil
}

// Count returns the number of records matching dsl, ignoring pagination.
func (cb *CollectionBase) Count(ctx context.Context, dsl *query.QueryDSL) (int, error) {
	return cb.executor.Count(ctx, cb.schema, dsl)
}

// Update applies changes to the record with the given id.
func (cb *CollectionBase) Update(ctx context.Context, id string, changes Changes) (schema.Record, error) {
	if err := cb.writable(); err != nil {
		return nil, err
	}
	set := make(map[string]any, len(changes.Set)+1)
	for k, v := range changes.Set {
		switch k {
		case schema.FieldID, schema.FieldCreated, schema.FieldUpdated:
			continue
		}
		set[k] = v
	}
	set[schema.FieldUpdated] = cb.timestamp()

	n, err := cb.executor.Update(ctx, cb.schema, Changes{Set: set, Increment: changes.Increment}, idFilter(id))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, core.NotFound("record %q not found in %q", id, cb.schema.Name)
	}
	return cb.Get(ctx, id)
}

// Delete removes the record with the given id.
func (cb *CollectionBase) Delete(ctx context.Context, id string) (bool, error) {
	if err := cb.writable(); err != nil {
		return false, err
	}
	n, err := cb.executor.Delete(ctx, cb.schema, idFilter(id))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FindByIDs fetches the records with the given ids in one query. Order is
// not guaranteed and missing ids are skipped.
func (cb *CollectionBase) FindByIDs(ctx context.Context, ids []string) ([]schema.Record, error) {
	if len(ids) == 0 {
		return []schema.Record{}, nil
	}
	values := make([]any, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		values = append(values, id)
	}
	return cb.List(ctx, &query.QueryDSL{
		Filters: &query.QueryFilter{Condition: &query.FilterCondition{
			Field:    schema.FieldID,
			Operator: query.ComparisonOperatorIn,
			Value:    values,
		}},
		Sort: []query.SortConfiguration{{Field: schema.FieldID, Direction: query.SortDirectionAsc}},
	})
}
