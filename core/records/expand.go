package records

import (
	"context"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/query"
	"github.com/asaidimu/go-recordbase/core/rules"
	"github.com/asaidimu/go-recordbase/core/schema"
)

const viaSeparator = "_via_"

// expandTree is the parsed form of the requested expand paths: each key is
// one relation and its value holds the nested paths below it.
type expandTree map[string]expandTree

func parseExpand(paths []string) expandTree {
	tree := expandTree{}
	for _, p := range paths {
		for _, entry := range strings.Split(p, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			node := tree
			for _, seg := range strings.Split(entry, ".") {
				if seg == "" {
					break
				}
				child, ok := node[seg]
				if !ok {
					child = expandTree{}
					node[seg] = child
				}
				node = child
			}
		}
	}
	return tree
}

// expand fills record["expand"][key] for every key of tree. Relation keys are
// fetched concurrently on the pool and run inline when the pool is saturated.
// A failing key is logged and skipped.
func (s *Service) expand(ctx context.Context, c *schema.Collection, records []schema.Record, tree expandTree, auth *rules.AuthInfo, depth int) {
	if len(records) == 0 || len(tree) == 0 {
		return
	}
	if depth >= s.maxDepth {
		s.logger.Debug("Expansion depth reached", zap.String("collection", c.Name), zap.Int("depth", depth))
		return
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	expanded := make(map[string]map[string]any, len(tree))
	keys := make([]string, 0, len(tree))
	for key := range tree {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		children := tree[key]
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results, err := s.expandKey(ctx, c, records, key, children, auth, depth)
			if err != nil {
				s.logger.Warn("Relation expansion failed",
					zap.String("collection", c.Name), zap.String("path", key), zap.Error(err))
				return
			}
			mu.Lock()
			expanded[key] = results
			mu.Unlock()
		}
		if err := s.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()

	// records are only written once every key has read them
	for _, key := range keys {
		if results, ok := expanded[key]; ok {
			attach(records, key, results)
		}
	}
}

func attach(records []schema.Record, key string, results map[string]any) {
	for _, r := range records {
		value, ok := results[r.ID()]
		if !ok {
			continue
		}
		expanded, _ := r[schema.FieldExpand].(map[string]any)
		if expanded == nil {
			expanded = make(map[string]any)
			r[schema.FieldExpand] = expanded
		}
		expanded[key] = value
	}
}

func (s *Service) expandKey(ctx context.Context, c *schema.Collection, records []schema.Record, key string, children expandTree, auth *rules.AuthInfo, depth int) (map[string]any, error) {
	if i := strings.Index(key, viaSeparator); i > 0 {
		return s.expandReverse(ctx, c, records, key[:i], key[i+len(viaSeparator):], children, auth, depth)
	}

	f := c.Field(key)
	if f == nil || f.Type != schema.FieldTypeRelation || f.Relation == nil {
		return nil, core.BadRequest("%q is not a relation field of %q", key, c.Name)
	}
	if !s.withinDepth(f, depth) {
		return nil, nil
	}
	switch {
	case f.Relation.Cardinality == schema.CardinalityPolymorphic:
		return s.expandPolymorphic(ctx, records, f, children, auth, depth)
	case f.Relation.Junction != nil:
		return s.expandJunction(ctx, records, f, children, auth, depth)
	}

	target, err := s.persistence.Collection(ctx, f.Relation.Collection)
	if err != nil {
		return nil, err
	}
	byID, err := s.fetch(ctx, target, collectIDs(records, f.Name), children, auth, depth)
	if err != nil {
		return nil, err
	}
	results := make(map[string]any, len(records))
	for _, r := range records {
		if value := pick(byID, refs(r[f.Name]), f.IsMultiple()); value != nil {
			results[r.ID()] = s.display(f, value)
		}
	}
	return results, nil
}

// withinDepth applies the lower of the service limit and the field's own
// max_depth.
func (s *Service) withinDepth(f *schema.FieldSchema, depth int) bool {
	limit := s.maxDepth
	if f.Relation != nil && f.Relation.MaxDepth > 0 && f.Relation.MaxDepth < limit {
		limit = f.Relation.MaxDepth
	}
	return depth < limit
}

// fetch loads ids from target in chunks of batchSize, one query per chunk,
// keeps the records the caller may view and expands the nested paths on them.
func (s *Service) fetch(ctx context.Context, target *schema.Collection, ids []string, children expandTree, auth *rules.AuthInfo, depth int) (map[string]schema.Record, error) {
	byID := make(map[string]schema.Record, len(ids))
	if len(ids) == 0 {
		return byID, nil
	}
	store, err := s.persistence.Store(ctx, target.Name)
	if err != nil {
		return nil, err
	}
	program, err := s.evaluator.Compile(target.ViewRule)
	if err != nil {
		return nil, err
	}

	var fetched []schema.Record
	for chunk := range slices.Chunk(ids, s.batchSize) {
		rows, err := store.FindByIDs(ctx, chunk)
		if err != nil {
			return nil, err
		}
		fetched = append(fetched, rows...)
	}
	fetched = s.visible(target, schema.OperationView, program, auth, fetched)
	s.expand(ctx, target, fetched, children, auth, depth+1)

	for _, r := range fetched {
		byID[r.ID()] = r
	}
	return byID, nil
}

func (s *Service) expandPolymorphic(ctx context.Context, records []schema.Record, f *schema.FieldSchema, children expandTree, auth *rules.AuthInfo, depth int) (map[string]any, error) {
	groups := make(map[string][]schema.Record)
	for _, r := range records {
		if kind, _ := r[f.Relation.TypeField].(string); kind != "" {
			groups[kind] = append(groups[kind], r)
		}
	}

	results := make(map[string]any, len(records))
	for kind, members := range groups {
		target, err := s.persistence.Collection(ctx, kind)
		if err != nil {
			s.logger.Warn("Polymorphic target not found",
				zap.String("field", f.Name), zap.String("collection", kind), zap.Error(err))
			continue
		}
		byID, err := s.fetch(ctx, target, collectIDs(members, f.Name), children, auth, depth)
		if err != nil {
			return nil, err
		}
		for _, r := range members {
			if value := pick(byID, refs(r[f.Name]), f.IsMultiple()); value != nil {
				results[r.ID()] = s.display(f, value)
			}
		}
	}
	return results, nil
}

// expandJunction resolves a many-to-many relation through its junction
// collection: source ids select junction rows whose target ids are then
// fetched in batches.
func (s *Service) expandJunction(ctx context.Context, records []schema.Record, f *schema.FieldSchema, children expandTree, auth *rules.AuthInfo, depth int) (map[string]any, error) {
	j := f.Relation.Junction
	junction, err := s.persistence.Store(ctx, j.Collection)
	if err != nil {
		return nil, err
	}
	target, err := s.persistence.Collection(ctx, f.Relation.Collection)
	if err != nil {
		return nil, err
	}

	links := make(map[string][]string)
	var targetIDs []string
	seen := make(map[string]struct{})
	for chunk := range slices.Chunk(recordIDs(records), s.batchSize) {
		rows, err := junction.List(ctx, &query.QueryDSL{Filters: inFilter(j.SourceField, chunk)})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			source, _ := row[j.SourceField].(string)
			for _, id := range refs(row[j.TargetField]) {
				links[source] = append(links[source], id)
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					targetIDs = append(targetIDs, id)
				}
			}
		}
	}

	byID, err := s.fetch(ctx, target, targetIDs, children, auth, depth)
	if err != nil {
		return nil, err
	}
	results := make(map[string]any, len(records))
	for _, r := range records {
		if value := pick(byID, links[r.ID()], true); value != nil {
			results[r.ID()] = s.display(f, value)
		}
	}
	return results, nil
}

// expandReverse handles "<collection>_via_<field>": the records of collection
// whose relation field points at the current ones.
func (s *Service) expandReverse(ctx context.Context, c *schema.Collection, records []schema.Record, collection, field string, children expandTree, auth *rules.AuthInfo, depth int) (map[string]any, error) {
	target, err := s.persistence.Collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	f := target.Field(field)
	if f == nil || f.Type != schema.FieldTypeRelation || f.Relation == nil ||
		f.Relation.Cardinality == schema.CardinalityPolymorphic || f.Relation.Collection != c.Name {
		return nil, core.BadRequest("%s.%s is not a relation to %q", collection, field, c.Name)
	}
	if !s.withinDepth(f, depth) {
		return nil, nil
	}

	store, err := s.persistence.Store(ctx, target.Name)
	if err != nil {
		return nil, err
	}
	program, err := s.evaluator.Compile(target.ViewRule)
	if err != nil {
		return nil, err
	}

	operator := query.ComparisonOperatorIn
	if f.IsMultiple() {
		operator = query.ComparisonOperatorAnyEq
	}
	parents := make(map[string]struct{}, len(records))
	for _, r := range records {
		parents[r.ID()] = struct{}{}
	}

	var rows []schema.Record
	for chunk := range slices.Chunk(recordIDs(records), s.batchSize) {
		var filter *query.QueryFilter
		if operator == query.ComparisonOperatorIn {
			filter = inFilter(f.Name, chunk)
		} else {
			group := &query.FilterGroup{Operator: query.LogicalOperatorOr}
			for _, id := range chunk {
				group.Conditions = append(group.Conditions, query.QueryFilter{Condition: &query.FilterCondition{
					Field: f.Name, Operator: operator, Value: id,
				}})
			}
			filter = &query.QueryFilter{Group: group}
		}
		page, err := store.List(ctx, &query.QueryDSL{Filters: filter})
		if err != nil {
			return nil, err
		}
		rows = append(rows, page...)
	}
	rows = s.visible(target, schema.OperationView, program, auth, rows)
	s.expand(ctx, target, rows, children, auth, depth+1)

	grouped := make(map[string][]schema.Record)
	for _, row := range rows {
		for _, id := range refs(row[f.Name]) {
			if _, ok := parents[id]; ok {
				grouped[id] = append(grouped[id], row)
			}
		}
	}
	results := make(map[string]any, len(grouped))
	for id, matches := range grouped {
		if f.Relation.Cardinality == schema.CardinalityOneToOne {
			results[id] = s.display(f, matches[0])
			continue
		}
		results[id] = s.display(f, matches)
	}
	return results, nil
}

// display projects expanded records onto the field's display fields, keeping
// the id and any nested expansion.
func (s *Service) display(f *schema.FieldSchema, value any) any {
	if f.Relation == nil || len(f.Relation.DisplayFields) == 0 {
		return value
	}
	keep := func(r schema.Record) schema.Record {
		out := schema.Record{schema.FieldID: r[schema.FieldID]}
		for _, name := range f.Relation.DisplayFields {
			if v, ok := r[name]; ok {
				out[name] = v
			}
		}
		if expanded, ok := r[schema.FieldExpand]; ok {
			out[schema.FieldExpand] = expanded
		}
		return out
	}
	switch v := value.(type) {
	case schema.Record:
		return keep(v)
	case []schema.Record:
		out := make([]schema.Record, len(v))
		for i, r := range v {
			out[i] = keep(r)
		}
		return out
	}
	return value
}

// pick returns the fetched records for ids: a slice for multiple relations, a
// single record otherwise, or nil when nothing visible was found.
func pick(byID map[string]schema.Record, ids []string, multiple bool) any {
	if !multiple {
		if len(ids) == 0 {
			return nil
		}
		if r, ok := byID[ids[0]]; ok {
			return r
		}
		return nil
	}
	out := make([]schema.Record, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// refs returns the non-empty id strings held by a relation value.
func refs(v any) []string {
	var out []string
	for _, item := range query.ValueList(v) {
		if id, ok := item.(string); ok && id != "" {
			out = append(out, id)
		}
	}
	return out
}

// collectIDs returns the distinct ids referenced by field across records, in
// first-seen order.
func collectIDs(records []schema.Record, field string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range records {
		for _, id := range refs(r[field]) {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

func recordIDs(records []schema.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		if id := r.ID(); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func inFilter(field string, ids []string) *query.QueryFilter {
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	return &query.QueryFilter{Condition: &query.FilterCondition{
		Field:    field,
		Operator: query.ComparisonOperatorIn,
		Value:    values,
	}}
}
