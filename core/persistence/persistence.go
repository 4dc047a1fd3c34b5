// Package persistence is the management plane of the engine. It stores
// collection metadata, compiles and migrates the physical tables behind it
// through a DatabaseInteractor, caches the collection models and hands out
// record stores that emit change events.
package persistence

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/query"
	"github.com/asaidimu/go-recordbase/core/rules"
	"github.com/asaidimu/go-recordbase/core/schema"
)

// Persistence is the main implementation of PersistenceInterface.
type Persistence struct {
	interactor DatabaseInteractor
	metadata   *schema.Collection
	executor   *Executor
	evaluator  *rules.Evaluator
	bus        *EventBus
	ownsBus    bool
	logger     *zap.Logger

	mu         sync.RWMutex
	cache      map[string]*schema.Collection
	generation uint64
	locks      *keyedMutex
}

var _ PersistenceInterface = (*Persistence)(nil)

// Option configures a Persistence.
type Option func(*Persistence)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Persistence) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithEvaluator sets the evaluator used to reject malformed rules.
func WithEvaluator(e *rules.Evaluator) Option {
	return func(p *Persistence) {
		if e != nil {
			p.evaluator = e
		}
	}
}

// WithEventBus shares an existing event bus.
func WithEventBus(bus *EventBus) Option {
	return func(p *Persistence) {
		if bus != nil {
			p.bus = bus
		}
	}
}

// NewPersistence creates a new instance of the Persistence service. It applies
// the bootstrap migrations so the metadata table exists before any call.
func NewPersistence(ctx context.Context, interactor DatabaseInteractor, opts ...Option) (*Persistence, error) {
	p := &Persistence{
		interactor: interactor,
		metadata:   metadataCollection(),
		logger:     zap.NewNop(),
		cache:      make(map[string]*schema.Collection),
		locks:      newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.evaluator == nil {
		evaluator, err := rules.NewEvaluator(rules.WithLogger(p.logger))
		if err != nil {
			return nil, err
		}
		p.evaluator = evaluator
	}
	if p.bus == nil {
		bus, err := NewEventBus(p.logger)
		if err != nil {
			return nil, err
		}
		p.bus = bus
		p.ownsBus = true
	}

	if err := interactor.Bootstrap(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to bootstrap metadata table: %w", err)
	}

	p.executor = NewExecutor(interactor, p.Lookup, p.logger)
	return p, nil
}

// Close stops event delivery when the bus was created by NewPersistence. A
// bus passed with WithEventBus belongs to the caller.
func (p *Persistence) Close() {
	if p.ownsBus {
		if err := p.bus.Close(); err != nil {
			p.logger.Warn("Failed to close event bus", zap.Error(err))
		}
	}
}

// Bus returns the change-event bus.
func (p *Persistence) Bus() *EventBus { return p.bus }

// Evaluator returns the rule evaluator.
func (p *Persistence) Evaluator() *rules.Evaluator { return p.evaluator }

// Interactor returns the underlying database interactor.
func (p *Persistence) Interactor() DatabaseInteractor { return p.interactor }

// Lookup adapts Collection for relation path resolution.
func (p *Persistence) Lookup(ctx context.Context) query.CollectionLookup {
	return func(name string) (*schema.Collection, error) {
		return p.Collection(ctx, name)
	}
}

// Collection returns the model of the named collection. Models are cached
// until the next metadata write; callers must treat them as read-only.
func (p *Persistence) Collection(ctx context.Context, name string) (*schema.Collection, error) {
	p.mu.RLock()
	c, ok := p.cache[name]
	generation := p.generation
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := p.load(ctx, p.executor, name)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.cache[name]; ok {
		return cached, nil
	}
	// A metadata write during the load may have made c stale.
	if p.generation == generation {
		p.cache[name] = c
	}
	return c, nil
}

func (p *Persistence) invalidate(name string) {
	p.mu.Lock()
	delete(p.cache, name)
	p.generation++
	p.mu.Unlock()
}

// load reads a collection from the metadata table, bypassing the cache.
func (p *Persistence) load(ctx context.Context, executor *Executor, name string) (*schema.Collection, error) {
	rows, err := executor.Query(ctx, p.metadata, &query.QueryDSL{
		Filters: &query.QueryFilter{Condition: &query.FilterCondition{
			Field: "name", Operator: query.ComparisonOperatorEq, Value: name,
		}},
		Pagination: &query.PaginationOptions{Limit: 1},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, core.NotFound("collection %q not found", name)
	}
	return recordToCollection(rows[0])
}

// Collections returns every collection ordered by name.
func (p *Persistence) Collections(ctx context.Context) ([]*schema.Collection, error) {
	rows, err := p.executor.Query(ctx, p.metadata, &query.QueryDSL{
		Sort: []query.SortConfiguration{{Field: "name", Direction: query.SortDirectionAsc}},
	})
	if err != nil {
		return nil, fmt.Errorf("error reading collection metadata: %w", err)
	}
	out := make([]*schema.Collection, 0, len(rows))
	for _, row := range rows {
		c, err := recordToCollection(row)
		if err != nil {
			p.logger.Warn("Skipping unreadable collection metadata", zap.Any("name", row["name"]), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Store returns the record store of the named collection.
func (p *Persistence) Store(ctx context.Context, name string) (RecordStore, error) {
	c, err := p.Collection(ctx, name)
	if err != nil {
		return nil, err
	}
	return NewCollection(c, p.executor, p.bus), nil
}

// checkDefinition validates structure, rules and relation targets. self is
// the name under which the definition will be stored, so self relations pass.
func (p *Persistence) checkDefinition(ctx context.Context, c *schema.Collection) error {
	if problems := c.Validate(); len(problems) > 0 {
		return core.BadRequest("invalid collection %q: %s", c.Name, strings.Join(problems, "; "))
	}
	if err := p.evaluator.Validate(c); err != nil {
		return err
	}
	for _, f := range c.Fields {
		if f.Type != schema.FieldTypeRelation || f.Relation == nil {
			continue
		}
		targets := []string{}
		if f.Relation.Cardinality != schema.CardinalityPolymorphic {
			targets = append(targets, f.Relation.Collection)
		}
		if f.Relation.Junction != nil {
			targets = append(targets, f.Relation.Junction.Collection)
		}
		for _, target := range targets {
			if target == c.Name {
				continue
			}
			if _, err := p.Collection(ctx, target); err != nil {
				if core.IsKind(err, core.ErrNotFound) {
					return core.BadRequest("relation field %q targets unknown collection %q", f.Name, target)
				}
				return err
			}
		}
	}
	return nil
}

// CreateCollection stores the metadata row and creates the physical table or
// view in one transaction.
func (p *Persistence) CreateCollection(ctx context.Context, def *schema.Collection) (*schema.Collection, error) {
	if def == nil {
		return nil, core.BadRequest("collection definition is required")
	}
	c := def.Clone()
	c.ID, c.Created, c.Updated = "", "", ""
	c.Normalize()
	if strings.HasPrefix(c.Name, "_") {
		return nil, core.BadRequest("collection names starting with '_' are reserved")
	}
	if err := p.checkDefinition(ctx, c); err != nil {
		return nil, err
	}

	unlock := p.locks.Lock(c.Name)
	defer unlock()

	if _, err := p.load(ctx, p.executor, c.Name); err == nil {
		return nil, core.Conflict("a collection named %q already exists", c.Name)
	} else if !core.IsKind(err, core.ErrNotFound) {
		return nil, err
	}
	exists, err := p.interactor.CollectionExists(ctx, c.Name)
	if err != nil {
		return nil, fmt.Errorf("error accessing database: %w", err)
	}
	if exists {
		return nil, core.Conflict("a table or view named %q already exists", c.Name)
	}

	var created *schema.Collection
	err = withTransaction(ctx, p.interactor, p.logger, func(tx DatabaseInteractor) error {
		store := NewCollection(p.metadata, NewExecutor(tx, nil, p.logger), nil)
		row, err := store.Create(ctx, collectionToRecord(c))
		if err != nil {
			if core.IsKind(err, core.ErrConflict) {
				return core.Conflict("a collection named %q already exists", c.Name)
			}
			return err
		}
		if created, err = recordToCollection(row); err != nil {
			return err
		}
		if err := tx.CreateCollection(ctx, created); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", c.Name, err)
		}
		return nil
	})
	if err != nil {
		SchemaMigrations.WithLabelValues(c.Name, OutcomeError).Inc()
		return nil, err
	}

	p.invalidate(c.Name)
	SchemaMigrations.WithLabelValues(c.Name, OutcomeSuccess).Inc()
	p.logger.Info("Collection created", zap.String("collection", c.Name), zap.String("kind", string(c.Kind)), zap.Int("fields", len(c.Fields)))
	return created, nil
}

// UpdateCollection migrates a collection to def. Column changes are applied
// one by one; a failing step is logged, recorded in the report and skipped.
// The stored field list always reflects the physical table.
func (p *Persistence) UpdateCollection(ctx context.Context, name string, def *schema.Collection) (*schema.Collection, *schema.MigrationReport, error) {
	if def == nil {
		return nil, nil, core.BadRequest("collection definition is required")
	}
	unlock := p.locks.Lock(name)
	defer unlock()

	old, err := p.load(ctx, p.executor, name)
	if err != nil {
		return nil, nil, err
	}
	if old.System {
		return nil, nil, core.BadRequest("system collection %q cannot be modified", name)
	}

	next := def.Clone()
	if next.Name != "" && next.Name != name {
		return nil, nil, core.BadRequest("collection %q cannot be renamed", name)
	}
	if next.Kind != "" && next.Kind != old.Kind {
		return nil, nil, core.BadRequest("collection %q cannot change kind from %s to %s", name, old.Kind, next.Kind)
	}
	next.Name, next.Kind = old.Name, old.Kind
	next.ID, next.Created, next.System = old.ID, old.Created, old.System
	next.Normalize()
	if err := p.checkDefinition(ctx, next); err != nil {
		return nil, nil, err
	}
	for _, f := range old.Fields {
		if f.System && next.Field(f.Name) == nil {
			return nil, nil, core.BadRequest("system field %q cannot be removed", f.Name)
		}
	}

	report := schema.NewMigrationReport()
	if next.IsView() {
		p.migrateView(ctx, old, next, report)
	} else {
		if err := p.migrateTable(ctx, old, next, report); err != nil {
			return nil, nil, err
		}
	}

	err = withTransaction(ctx, p.interactor, p.logger, func(tx DatabaseInteractor) error {
		executor := NewExecutor(tx, nil, p.logger)
		set := collectionToRecord(next)
		delete(set, schema.FieldID)
		delete(set, schema.FieldCreated)
		store := &CollectionBase{schema: p.metadata, executor: executor, now: nowUTC}
		row, err := store.Update(ctx, old.ID, Changes{Set: set})
		if err != nil {
			return err
		}
		next, err = recordToCollection(row)
		return err
	})
	p.invalidate(name)
	if err != nil {
		SchemaMigrations.WithLabelValues(name, OutcomeError).Inc()
		return nil, report, err
	}

	outcome := OutcomeSuccess
	if report.Partial() {
		outcome = OutcomePartial
	}
	SchemaMigrations.WithLabelValues(name, outcome).Inc()
	p.logger.Info("Collection migrated",
		zap.String("collection", name),
		zap.Strings("added", report.Added),
		zap.Strings("removed", report.Removed),
		zap.Int("failed", len(report.Failed)))
	return next, report, nil
}

func (p *Persistence) migrateView(ctx context.Context, old, next *schema.Collection, report *schema.MigrationReport) {
	if strings.TrimSpace(old.ViewQuery) == strings.TrimSpace(next.ViewQuery) {
		return
	}
	if err := p.interactor.ReplaceView(ctx, next); err != nil {
		p.logger.Warn("Failed to replace view", zap.String("collection", next.Name), zap.Error(err))
		report.Fail(next.Name, schema.MigrationOpView, err)
		// restore the previous view so the table and metadata agree
		if restoreErr := p.interactor.ReplaceView(ctx, old); restoreErr != nil {
			p.logger.Error("Failed to restore view", zap.String("collection", old.Name), zap.Error(restoreErr))
		}
		next.ViewQuery = old.ViewQuery
	}
}

func (p *Persistence) migrateTable(ctx context.Context, old, next *schema.Collection, report *schema.MigrationReport) error {
	diff := schema.Diff(old.Fields, next.Fields)
	for _, f := range next.Fields {
		if of := old.Field(f.Name); of != nil && schema.CompileField(of).Kind != schema.CompileField(f).Kind {
			return core.BadRequest("field %q cannot change its column type; remove it and add it back", f.Name)
		}
	}

	for _, f := range diff.Added {
		if err := p.interactor.AddColumn(ctx, next, f); err != nil {
			p.logger.Warn("Failed to add column", zap.String("collection", next.Name), zap.String("field", f.Name), zap.Error(err))
			report.Fail(f.Name, schema.MigrationOpAdd, err)
			next.Fields = removeField(next.Fields, f.Name)
			continue
		}
		report.Added = append(report.Added, f.Name)
	}
	for _, f := range diff.Removed {
		if err := p.interactor.DropColumn(ctx, old, f); err != nil {
			p.logger.Warn("Failed to drop column", zap.String("collection", next.Name), zap.String("field", f.Name), zap.Error(err))
			report.Fail(f.Name, schema.MigrationOpDrop, err)
			next.Fields = append(next.Fields, f)
			continue
		}
		report.Removed = append(report.Removed, f.Name)
	}
	for _, change := range diff.Reindexed {
		err := p.interactor.DropIndex(ctx, old, change.Old)
		if err == nil {
			err = p.interactor.CreateIndex(ctx, next, change.New)
		}
		if err != nil {
			p.logger.Warn("Failed to sync index", zap.String("collection", next.Name), zap.String("field", change.New.Name), zap.Error(err))
			report.Fail(change.New.Name, schema.MigrationOpReindex, err)
			change.New.Validation.Unique = change.Old.Validation.Unique
			if restoreErr := p.interactor.CreateIndex(ctx, old, change.Old); restoreErr != nil {
				p.logger.Error("Failed to restore index", zap.String("field", change.Old.Name), zap.Error(restoreErr))
			}
		}
	}
	return nil
}

func removeField(fields []*schema.FieldSchema, name string) []*schema.FieldSchema {
	out := fields[:0:0]
	for _, f := range fields {
		if f.Name != name {
			out = append(out, f)
		}
	}
	return out
}

// DeleteCollection drops the physical table or view and then the metadata
// row, in one transaction.
func (p *Persistence) DeleteCollection(ctx context.Context, name string) error {
	unlock := p.locks.Lock(name)
	defer unlock()

	c, err := p.load(ctx, p.executor, name)
	if err != nil {
		return err
	}
	if c.System {
		return core.BadRequest("system collection %q cannot be deleted", name)
	}

	all, err := p.Collections(ctx)
	if err != nil {
		return err
	}
	for _, other := range all {
		if other.Name == name {
			continue
		}
		for _, f := range other.Fields {
			if f.Type != schema.FieldTypeRelation || f.Relation == nil {
				continue
			}
			junction := f.Relation.Junction != nil && f.Relation.Junction.Collection == name
			if f.Relation.Collection == name || junction {
				return core.Conflict("collection %q is referenced by %s.%s", name, other.Name, f.Name)
			}
		}
	}

	err = withTransaction(ctx, p.interactor, p.logger, func(tx DatabaseInteractor) error {
		if err := tx.DropCollection(ctx, c); err != nil {
			return fmt.Errorf("failed to drop collection %s: %w", name, err)
		}
		_, err := NewExecutor(tx, nil, p.logger).Delete(ctx, p.metadata, idFilter(c.ID))
		return err
	})
	p.invalidate(name)
	if err != nil {
		return err
	}
	p.logger.Info("Collection deleted", zap.String("collection", name))
	return nil
}

// Subscribe registers a change-event subscription.
func (p *Persistence) Subscribe(opts SubscriptionOptions) (string, error) {
	return p.bus.Subscribe(opts)
}

// Unsubscribe removes a subscription by its id.
func (p *Persistence) Unsubscribe(id string) bool {
	return p.bus.Unsubscribe(id)
}

// Subscriptions returns all currently active subscriptions.
func (p *Persistence) Subscriptions() []SubscriptionInfo {
	return p.bus.Subscriptions()
}
