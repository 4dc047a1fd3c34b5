package query

import (
	"strings"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/schema"
)

var systemColumns = map[string]struct{}{
	schema.FieldID:      {},
	schema.FieldCreated: {},
	schema.FieldUpdated: {},
}

// ResolvePath resolves a dotted field reference against c. Every segment but
// the last must name a relation field, except that json and geopoint fields
// end the walk and keep the remaining segments as a JSON path.
func ResolvePath(c *schema.Collection, field string, lookup CollectionLookup) (*FieldPath, error) {
	parts := strings.Split(field, ".")
	path := &FieldPath{}
	current := c
	for i, part := range parts {
		last := i == len(parts)-1
		if _, ok := systemColumns[part]; ok {
			if !last {
				return nil, core.BadRequest("%q cannot be traversed in %q", part, field)
			}
			path.Name = part
			return path, nil
		}
		f := current.Field(part)
		if f == nil && last && current.IsView() && schema.IsIdentifier(part) {
			// view columns come from the query and need not be declared
			path.Name = part
			return path, nil
		}
		if f == nil {
			return nil, core.BadRequest("unknown field %q in %q", part, field)
		}
		if last {
			path.Field, path.Name = f, f.Name
			return path, nil
		}
		switch f.Type {
		case schema.FieldTypeJSON, schema.FieldTypeGeoPoint:
			path.Field, path.Name = f, f.Name
			path.JSONPath = parts[i+1:]
			return path, nil
		case schema.FieldTypeRelation:
			if f.Relation == nil || f.Relation.Cardinality == schema.CardinalityPolymorphic {
				return nil, core.BadRequest("relation %q cannot be traversed in %q", part, field)
			}
			target, err := lookup(f.Relation.Collection)
			if err != nil {
				return nil, err
			}
			path.Hops = append(path.Hops, RelationHop{Field: f, Target: target})
			current = target
		default:
			return nil, core.BadRequest("field %q is not a relation in %q", part, field)
		}
	}
	return path, nil
}

// Resolve fills FieldPath on every condition and sort of dsl. The filter tree
// is copied so a shared parsed expression is never mutated.
func Resolve(c *schema.Collection, dsl *QueryDSL, lookup CollectionLookup) (*QueryDSL, error) {
	if dsl == nil {
		return &QueryDSL{}, nil
	}
	out := *dsl
	if dsl.Filters != nil {
		f, err := resolveFilter(c, dsl.Filters, lookup)
		if err != nil {
			return nil, err
		}
		out.Filters = f
	}
	out.Sort = make([]SortConfiguration, 0, len(dsl.Sort))
	for _, s := range dsl.Sort {
		if s.Field != SortRandom && s.Field != SortRowID {
			p, err := ResolvePath(c, s.Field, lookup)
			if err != nil {
				return nil, err
			}
			s.Path = p
		}
		out.Sort = append(out.Sort, s)
	}
	return &out, nil
}

func resolveFilter(c *schema.Collection, f *QueryFilter, lookup CollectionLookup) (*QueryFilter, error) {
	if f.Condition != nil {
		if !f.Condition.Operator.IsValid() {
			return nil, core.BadRequest("unknown operator %q", f.Condition.Operator)
		}
		cond := *f.Condition
		p, err := ResolvePath(c, cond.Field, lookup)
		if err != nil {
			return nil, err
		}
		cond.Path = p
		return &QueryFilter{Condition: &cond}, nil
	}
	if f.Group == nil {
		return nil, core.BadRequest("empty filter node")
	}
	group := &FilterGroup{Operator: f.Group.Operator}
	if group.Operator != LogicalOperatorAnd && group.Operator != LogicalOperatorOr {
		return nil, core.BadRequest("unknown logical operator %q", group.Operator)
	}
	for i := range f.Group.Conditions {
		member, err := resolveFilter(c, &f.Group.Conditions[i], lookup)
		if err != nil {
			return nil, err
		}
		group.Conditions = append(group.Conditions, *member)
	}
	return &QueryFilter{Group: group}, nil
}
