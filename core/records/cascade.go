package records

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/persistence"
	"github.com/asaidimu/go-recordbase/core/query"
	"github.com/asaidimu/go-recordbase/core/schema"
)

// reference is a relation field of some collection that can point at records
// of the collection being deleted from.
type reference struct {
	collection *schema.Collection
	field      *schema.FieldSchema
}

// filter matches the records whose field references id.
func (r reference) filter(target, id string) *query.QueryFilter {
	op := query.ComparisonOperatorEq
	if r.field.IsMultiple() {
		op = query.ComparisonOperatorAnyEq
	}
	match := &query.QueryFilter{Condition: &query.FilterCondition{Field: r.field.Name, Operator: op, Value: id}}
	if r.field.Relation.Cardinality != schema.CardinalityPolymorphic {
		return match
	}
	return query.And(match, &query.QueryFilter{Condition: &query.FilterCondition{
		Field: r.field.Relation.TypeField, Operator: query.ComparisonOperatorEq, Value: target,
	}})
}

// deletion is one step of a delete plan: the records to unlink first, then
// the record itself.
type deletion struct {
	collection *schema.Collection
	id         string
	unlink     []unlink
}

type unlink struct {
	collection *schema.Collection
	id         string
	field      *schema.FieldSchema
	value      any
}

// deleteWithPolicies plans the delete of id and every cascaded record, failing
// with a conflict before anything changes when a restrict relation still
// references one of them. The plan is then applied record by record; the
// steps are not atomic across rows. Cascaded deletes do not check rules.
func (s *Service) deleteWithPolicies(ctx context.Context, c *schema.Collection, store persistence.RecordStore, id string) error {
	refs, err := s.referenceIndex(ctx)
	if err != nil {
		return err
	}
	var plan []deletion
	if err := s.plan(ctx, refs, c, id, make(map[string]struct{}), &plan); err != nil {
		return err
	}

	for _, step := range plan {
		for _, u := range step.unlink {
			target, err := s.persistence.Store(ctx, u.collection.Name)
			if err != nil {
				return err
			}
			_, err = target.Update(ctx, u.id, persistence.Changes{Set: map[string]any{u.field.Name: u.value}})
			if err != nil && !core.IsKind(err, core.ErrNotFound) {
				return err
			}
		}
		target := store
		if step.collection.Name != c.Name {
			if target, err = s.persistence.Store(ctx, step.collection.Name); err != nil {
				return err
			}
		}
		if _, err := target.Delete(ctx, step.id); err != nil {
			return err
		}
		if step.collection.Name != c.Name || step.id != id {
			s.logger.Debug("Cascaded delete", zap.String("collection", step.collection.Name), zap.String("id", step.id))
		}
	}
	return nil
}

// referenceIndex maps every collection name to the relation fields that can
// point at it. Polymorphic relations are listed under every collection.
func (s *Service) referenceIndex(ctx context.Context) (map[string][]reference, error) {
	all, err := s.persistence.Collections(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[string][]reference)
	var polymorphic []reference
	for _, other := range all {
		if other.IsView() {
			continue
		}
		for _, f := range other.Fields {
			if f.Type != schema.FieldTypeRelation || f.Relation == nil || f.Relation.Junction != nil {
				continue
			}
			ref := reference{collection: other, field: f}
			if f.Relation.Cardinality == schema.CardinalityPolymorphic {
				polymorphic = append(polymorphic, ref)
				continue
			}
			index[f.Relation.Collection] = append(index[f.Relation.Collection], ref)
		}
	}
	for _, other := range all {
		index[other.Name] = append(index[other.Name], polymorphic...)
	}
	return index, nil
}

// plan appends the steps deleting id from c in dependency order: cascaded
// records come before the records they reference.
func (s *Service) plan(ctx context.Context, index map[string][]reference, c *schema.Collection, id string, visited map[string]struct{}, plan *[]deletion) error {
	key := c.Name + "/" + id
	if _, done := visited[key]; done {
		return nil
	}
	visited[key] = struct{}{}

	refs := index[c.Name]
	for _, ref := range refs {
		if ref.field.Cascade() != schema.CascadeRestrict {
			continue
		}
		store, err := s.persistence.Store(ctx, ref.collection.Name)
		if err != nil {
			return err
		}
		n, err := store.Count(ctx, &query.QueryDSL{Filters: ref.filter(c.Name, id)})
		if err != nil {
			return err
		}
		if n > 0 {
			return core.Conflict("record %q of %q is still referenced by %d record(s) of %q through %q",
				id, c.Name, n, ref.collection.Name, ref.field.Name)
		}
	}

	step := deletion{collection: c, id: id}
	for _, ref := range refs {
		policy := ref.field.Cascade()
		if policy != schema.CascadeDelete && policy != schema.CascadeSetNull {
			continue
		}
		store, err := s.persistence.Store(ctx, ref.collection.Name)
		if err != nil {
			return err
		}
		rows, err := store.List(ctx, &query.QueryDSL{Filters: ref.filter(c.Name, id)})
		if err != nil {
			return err
		}
		for _, row := range rows {
			if policy == schema.CascadeDelete {
				if err := s.plan(ctx, index, ref.collection, row.ID(), visited, plan); err != nil {
					return err
				}
				continue
			}
			step.unlink = append(step.unlink, unlink{
				collection: ref.collection,
				id:         row.ID(),
				field:      ref.field,
				value:      remaining(ref.field, row[ref.field.Name], id),
			})
		}
	}
	*plan = append(*plan, step)
	return nil
}

// remaining is the value a relation keeps once id is removed from it.
func remaining(f *schema.FieldSchema, value any, id string) any {
	if !f.IsMultiple() {
		return nil
	}
	ids := slices.DeleteFunc(refs(value), func(ref string) bool { return ref == id })
	if len(ids) == 0 {
		return nil
	}
	return ids
}
