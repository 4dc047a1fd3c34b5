package persistence

import (
	"context"
	"time"

	"github.com/asaidimu/go-recordbase/core/query"
	"github.com/asaidimu/go-recordbase/core/schema"
)

// Collection wraps a CollectionBase, records operation metrics and emits a
// change event after every successful write.
type Collection struct {
	collection *CollectionBase
	bus        *EventBus
	schema     *schema.Collection
}

// NewEventEmittingCollection creates a new event-emitting collection wrapper.
func NewEventEmittingCollection(collection *CollectionBase, bus *EventBus) *Collection {
	return &Collection{
		collection: collection,
		bus:        bus,
		schema:     collection.schema,
	}
}

// observe times fn and counts it under operation.
func (e *Collection) observe(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	RecordOperations.WithLabelValues(e.schema.Name, operation, outcome).Inc()
	RecordOperationDuration.WithLabelValues(e.schema.Name, operation).Observe(time.Since(start).Seconds())
	return err
}

func (e *Collection) emit(kind ChangeKind, record schema.Record) {
	if e.bus != nil {
		e.bus.Emit(newChangeEvent(kind, e.schema.Name, record))
	}
}

// Schema returns the collection the store is bound to.
func (e *Collection) Schema() *schema.Collection {
	return e.schema
}

// Create wraps the collection's Create method with event emission.
func (e *Collection) Create(ctx context.Context, data map[string]any) (schema.Record, error) {
	var record schema.Record
	err := e.observe("create", func() (err error) {
		record, err = e.collection.Create(ctx, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.emit(ChangeCreated, record)
	return record, nil
}

// Get delegates to the underlying collection.
func (e *Collection) Get(ctx context.Context, id string) (schema.Record, error) {
	var record schema.Record
	err := e.observe("view", func() (err error) {
		record, err = e.collection.Get(ctx, id)
		return err
	})
	return record, err
}

// List delegates to the underlying collection.
func (e *Collection) List(ctx context.Context, dsl *query.QueryDSL) ([]schema.Record, error) {
	var records []schema.Record
	err := e.observe("list", func() (err error) {
		records, err = e.collection.List(ctx, dsl)
		return err
	})
	return records, err
}

// Count delegates to the underlying collection.
func (e *Collection) Count(ctx context.Context, dsl *query.QueryDSL) (int, error) {
	var n int
	err := e.observe("count", func() (err error) {
		n, err = e.collection.Count(ctx, dsl)
		return err
	})
	return n, err
}

// Update wraps the collection's Update method with event emission.
func (e *Collection) Update(ctx context.Context, id string, changes Changes) (schema.Record, error) {
	var record schema.Record
	err := e.observe("update", func() (err error) {
		record, err = e.collection.Update(ctx, id, changes)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.emit(ChangeUpdated, record)
	return record, nil
}

// Delete wraps the collection's Delete method with event emission. The
// deleted record is read first so the event can carry its last state.
func (e *Collection) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	var before schema.Record
	err := e.observe("delete", func() (err error) {
		before, _ = e.collection.Get(ctx, id)
		deleted, err = e.collection.Delete(ctx, id)
		return err
	})
	if err != nil {
		return false, err
	}
	if deleted {
		if before == nil {
			before = schema.Record{schema.FieldID: id}
		}
		e.emit(ChangeDeleted, before)
	}
	return deleted, nil
}

// FindByIDs delegates to the underlying collection.
func (e *Collection) FindByIDs(ctx context.Context, ids []string) ([]schema.Record, error) {
	var records []schema.Record
	err := e.observe("find", func() (err error) {
		records, err = e.collection.FindByIDs(ctx, ids)
		return err
	})
	return records, err
}
