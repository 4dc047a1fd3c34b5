// Package query defines the filter tree, sort and pagination structures used to
// query a collection, the textual filter parser that produces them, and an
// in-memory processor that evaluates filters and field projections over
// already-loaded records.
package query

import (
	"github.com/asaidimu/go-recordbase/core/schema"
)

// LogicalOperator combines the members of a filter group.
type LogicalOperator string

// Logical operators for combining filter conditions.
const (
	LogicalOperatorAnd LogicalOperator = "and"
	LogicalOperatorOr  LogicalOperator = "or"
)

// ComparisonOperator defines the set of operators that can be used in a filter condition.
type ComparisonOperator string

// Scalar comparison operators. The textual grammar produces eq, neq, gt, lt,
// gte, lte, like, nlike and any_eq.
const (
	ComparisonOperatorEq      ComparisonOperator = "eq"
	ComparisonOperatorNeq     ComparisonOperator = "neq"
	ComparisonOperatorLt      ComparisonOperator = "lt"
	ComparisonOperatorLte     ComparisonOperator = "lte"
	ComparisonOperatorGt      ComparisonOperator = "gt"
	ComparisonOperatorGte     ComparisonOperator = "gte"
	ComparisonOperatorLike    ComparisonOperator = "like"
	ComparisonOperatorNotLike ComparisonOperator = "nlike"
	ComparisonOperatorIn      ComparisonOperator = "in"
	ComparisonOperatorNin     ComparisonOperator = "nin"
)

// Array operators. A condition holds when at least one element satisfies the
// comparison, except any_not_like, which holds only when no element matches.
const (
	ComparisonOperatorAnyEq      ComparisonOperator = "any_eq"
	ComparisonOperatorAnyNeq     ComparisonOperator = "any_neq"
	ComparisonOperatorAnyGt      ComparisonOperator = "any_gt"
	ComparisonOperatorAnyGte     ComparisonOperator = "any_gte"
	ComparisonOperatorAnyLt      ComparisonOperator = "any_lt"
	ComparisonOperatorAnyLte     ComparisonOperator = "any_lte"
	ComparisonOperatorAnyLike    ComparisonOperator = "any_like"
	ComparisonOperatorAnyNotLike ComparisonOperator = "any_not_like"
)

// ComparisonOperatorGeoWithin matches geopoints inside the bounding box of a
// GeoDistance value.
const ComparisonOperatorGeoWithin ComparisonOperator = "geo_within"

var arrayOperators = map[ComparisonOperator]ComparisonOperator{
	ComparisonOperatorAnyEq:      ComparisonOperatorEq,
	ComparisonOperatorAnyNeq:     ComparisonOperatorNeq,
	ComparisonOperatorAnyGt:      ComparisonOperatorGt,
	ComparisonOperatorAnyGte:     ComparisonOperatorGte,
	ComparisonOperatorAnyLt:      ComparisonOperatorLt,
	ComparisonOperatorAnyLte:     ComparisonOperatorLte,
	ComparisonOperatorAnyLike:    ComparisonOperatorLike,
	ComparisonOperatorAnyNotLike: ComparisonOperatorLike,
}

// IsArray reports whether the operator compares element-wise.
func (c ComparisonOperator) IsArray() bool {
	_, ok := arrayOperators[c]
	return ok
}

// Scalar returns the element comparison of an array operator, or c itself.
// any_not_like maps to like; the negation is applied around the whole array.
func (c ComparisonOperator) Scalar() ComparisonOperator {
	if s, ok := arrayOperators[c]; ok {
		return s
	}
	return c
}

// IsValid reports whether c is a known operator.
func (c ComparisonOperator) IsValid() bool {
	switch c {
	case ComparisonOperatorEq, ComparisonOperatorNeq, ComparisonOperatorLt, ComparisonOperatorLte,
		ComparisonOperatorGt, ComparisonOperatorGte, ComparisonOperatorLike, ComparisonOperatorNotLike,
		ComparisonOperatorIn, ComparisonOperatorNin, ComparisonOperatorGeoWithin:
		return true
	}
	return c.IsArray()
}

// FilterValue represents the value used in a filter condition.
type FilterValue any

// FunctionCall represents a named modifier call such as excerpt(200, true).
type FunctionCall struct {
	Function  string        // The registered modifier name.
	Arguments []FilterValue // Literal arguments, typed like filter values.
}

// FilterCondition defines a single condition for filtering the results of a query.
// Field may be a dotted path: relation hops resolve to subqueries and json or
// geopoint fields resolve to a JSON path.
type FilterCondition struct {
	Field    string             // The field to apply the filter on.
	Operator ComparisonOperator // The comparison operator to use.
	Value    FilterValue        // The value to compare against.
	// Path is filled in by the record store before SQL generation. It carries
	// the resolved relation hops of a dotted field.
	Path *FieldPath `json:"-"`
}

// RelationHop is one step through a relation field into its target collection.
type RelationHop struct {
	Field  *schema.FieldSchema
	Target *schema.Collection
}

// FieldPath is the resolved form of a dotted field reference.
type FieldPath struct {
	Hops []RelationHop
	// Field is the final field in the last collection reached.
	Field *schema.FieldSchema
	// Name is the final column name; it may be a system column with no FieldSchema.
	Name string
	// JSONPath holds the remaining segments into a json or geopoint value.
	JSONPath []string
}

// FilterGroup combines multiple filter conditions using a logical operator.
type FilterGroup struct {
	Operator   LogicalOperator // The logical operator (AND, OR) to combine the conditions.
	Conditions []QueryFilter   // The list of conditions or nested groups.
}

// QueryFilter is a union type that can represent either a single filter condition
// or a group of conditions.
type QueryFilter struct {
	Condition *FilterCondition `json:",omitempty"` // A single filter condition.
	Group     *FilterGroup     `json:",omitempty"` // A group of filter conditions.
}

// GeoDistance is the value of a geo_within condition.
type GeoDistance struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Radius float64 `json:"radius"`
	Unit   string  `json:"unit,omitempty"` // km (default), m or mi
}

// SortDirection specifies the direction for sorting.
type SortDirection string

// Supported sort directions.
const (
	SortDirectionAsc  SortDirection = "asc"
	SortDirectionDesc SortDirection = "desc"
)

// Reserved sort pseudo-fields.
const (
	SortRandom = "@random"
	SortRowID  = "@rowid"
)

// SortConfiguration defines the sorting order for a specific field.
type SortConfiguration struct {
	Field     string        // The field to sort by.
	Direction SortDirection // The direction of the sort (ascending or descending).
	// Path is filled in by the record store for dotted relation sorts.
	Path *FieldPath `json:"-"`
}

// PaginationOptions defines how the query results should be paginated.
type PaginationOptions struct {
	Limit  int  // The maximum number of records to return; 0 means no limit.
	Offset *int `json:",omitempty"` // The number of records to skip.
}

// ProjectionField defines a field to be included in, or excluded from, a result.
type ProjectionField struct {
	Name     string        // The name of the field.
	Modifier *FunctionCall `json:",omitempty"` // An optional value transform.
}

// ProjectionConfiguration defines which fields should be returned in the query result.
// When Include is non-empty, Exclude is ignored.
type ProjectionConfiguration struct {
	Include []ProjectionField `json:",omitempty"` // A list of fields to include.
	Exclude []ProjectionField `json:",omitempty"` // A list of fields to exclude.
}

// QueryDSL is the top-level structure that represents a complete record query.
type QueryDSL struct {
	Filters      *QueryFilter             `json:",omitempty"`
	Sort         []SortConfiguration      `json:",omitempty"`
	Pagination   *PaginationOptions       `json:",omitempty"`
	Projection   *ProjectionConfiguration `json:",omitempty"`
	Search       string                   `json:",omitempty"`
	SearchFields []string                 `json:",omitempty"`
}

// And combines filters into an AND group, skipping nil entries. A single
// filter is returned unchanged.
func And(filters ...*QueryFilter) *QueryFilter {
	var members []QueryFilter
	for _, f := range filters {
		if f != nil {
			members = append(members, *f)
		}
	}
	switch len(members) {
	case 0:
		return nil
	case 1:
		return &members[0]
	}
	return &QueryFilter{Group: &FilterGroup{Operator: LogicalOperatorAnd, Conditions: members}}
}

// Leaves returns the conditions of a filter tree in left-to-right order.
func (f *QueryFilter) Leaves() []FilterCondition {
	if f == nil {
		return nil
	}
	if f.Condition != nil {
		return []FilterCondition{*f.Condition}
	}
	var out []FilterCondition
	if f.Group != nil {
		for i := range f.Group.Conditions {
			out = append(out, f.Group.Conditions[i].Leaves()...)
		}
	}
	return out
}
