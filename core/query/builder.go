package query

import (
	"fmt"
	"strings"
)

// QueryBuilder provides a fluent API for building QueryDSL structures. It is
// the only way to construct the extended predicates (any_* and geo_within),
// which the textual filter grammar does not produce.
type QueryBuilder struct {
	query QueryDSL
}

// NewQueryBuilder creates a new, empty query builder instance.
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

// Build returns the constructed QueryDSL object.
func (qb *QueryBuilder) Build() QueryDSL {
	return qb.query
}

// Clone returns an independent copy of the builder. Slices are copied so that
// appending to the clone does not affect the original.
func (qb *QueryBuilder) Clone() *QueryBuilder {
	q := qb.query
	q.Sort = append([]SortConfiguration(nil), qb.query.Sort...)
	q.SearchFields = append([]string(nil), qb.query.SearchFields...)
	if qb.query.Pagination != nil {
		p := *qb.query.Pagination
		if p.Offset != nil {
			off := *p.Offset
			p.Offset = &off
		}
		q.Pagination = &p
	}
	if qb.query.Projection != nil {
		q.Projection = &ProjectionConfiguration{
			Include: append([]ProjectionField(nil), qb.query.Projection.Include...),
			Exclude: append([]ProjectionField(nil), qb.query.Projection.Exclude...),
		}
	}
	return &QueryBuilder{query: q}
}

// Reset clears all configurations from the query builder.
func (qb *QueryBuilder) Reset() *QueryBuilder {
	qb.query = QueryDSL{}
	return qb
}

func (qb *QueryBuilder) and(f QueryFilter) *QueryBuilder {
	qb.query.Filters = And(qb.query.Filters, &f)
	return qb
}

// Where starts a condition on field. Successive Where calls are ANDed.
func (qb *QueryBuilder) Where(field string) *ConditionBuilder[*QueryBuilder] {
	return &ConditionBuilder[*QueryBuilder]{field: field, add: func(c FilterCondition) *QueryBuilder {
		return qb.and(QueryFilter{Condition: &c})
	}}
}

// Filter parses a textual filter and ANDs it with the current filters.
func (qb *QueryBuilder) Filter(expr string) (*QueryBuilder, error) {
	parsed, err := ParseFilter(expr)
	if err != nil {
		return qb, err
	}
	if f := parsed.QueryFilter(); f != nil {
		qb.and(*f)
	}
	return qb, nil
}

// WhereGroup starts a nested group combined with operator.
func (qb *QueryBuilder) WhereGroup(operator LogicalOperator) *FilterGroupBuilder {
	return &FilterGroupBuilder{operator: operator, done: func(f QueryFilter) {
		qb.and(f)
	}, root: qb}
}

// ConditionBuilder builds a single condition and hands it to its parent T.
type ConditionBuilder[T any] struct {
	field string
	add   func(FilterCondition) T
}

func (cb *ConditionBuilder[T]) op(operator ComparisonOperator, value FilterValue) T {
	return cb.add(FilterCondition{Field: cb.field, Operator: operator, Value: value})
}

// Eq adds an equality condition.
func (cb *ConditionBuilder[T]) Eq(value FilterValue) T { return cb.op(ComparisonOperatorEq, value) }

// Neq adds a not-equal condition.
func (cb *ConditionBuilder[T]) Neq(value FilterValue) T { return cb.op(ComparisonOperatorNeq, value) }

// Lt adds a less-than condition.
func (cb *ConditionBuilder[T]) Lt(value FilterValue) T { return cb.op(ComparisonOperatorLt, value) }

// Lte adds a less-than-or-equal condition.
func (cb *ConditionBuilder[T]) Lte(value FilterValue) T { return cb.op(ComparisonOperatorLte, value) }

// Gt adds a greater-than condition.
func (cb *ConditionBuilder[T]) Gt(value FilterValue) T { return cb.op(ComparisonOperatorGt, value) }

// Gte adds a greater-than-or-equal condition.
func (cb *ConditionBuilder[T]) Gte(value FilterValue) T { return cb.op(ComparisonOperatorGte, value) }

// Like adds a case-insensitive substring condition.
func (cb *ConditionBuilder[T]) Like(value FilterValue) T { return cb.op(ComparisonOperatorLike, value) }

// NotLike negates Like.
func (cb *ConditionBuilder[T]) NotLike(value FilterValue) T {
	return cb.op(ComparisonOperatorNotLike, value)
}

// In checks that the field's value is within a set of values.
func (cb *ConditionBuilder[T]) In(values ...FilterValue) T {
	return cb.op(ComparisonOperatorIn, values)
}

// Nin checks that the field's value is not within a set of values.
func (cb *ConditionBuilder[T]) Nin(values ...FilterValue) T {
	return cb.op(ComparisonOperatorNin, values)
}

// AnyEq holds when at least one array element equals value.
func (cb *ConditionBuilder[T]) AnyEq(value FilterValue) T {
	return cb.op(ComparisonOperatorAnyEq, value)
}

// AnyNeq holds when at least one array element differs from value.
func (cb *ConditionBuilder[T]) AnyNeq(value FilterValue) T {
	return cb.op(ComparisonOperatorAnyNeq, value)
}

// AnyGt holds when at least one array element exceeds value.
func (cb *ConditionBuilder[T]) AnyGt(value FilterValue) T {
	return cb.op(ComparisonOperatorAnyGt, value)
}

// AnyGte holds when at least one array element is at or above value.
func (cb *ConditionBuilder[T]) AnyGte(value FilterValue) T {
	return cb.op(ComparisonOperatorAnyGte, value)
}

// AnyLt holds when at least one array element is below value.
func (cb *ConditionBuilder[T]) AnyLt(value FilterValue) T {
	return cb.op(ComparisonOperatorAnyLt, value)
}

// AnyLte holds when at least one array element is at or below value.
func (cb *ConditionBuilder[T]) AnyLte(value FilterValue) T {
	return cb.op(ComparisonOperatorAnyLte, value)
}

// AnyLike holds when at least one array element contains value.
func (cb *ConditionBuilder[T]) AnyLike(value FilterValue) T {
	return cb.op(ComparisonOperatorAnyLike, value)
}

// AnyNotLike holds only when no array element contains value.
func (cb *ConditionBuilder[T]) AnyNotLike(value FilterValue) T {
	return cb.op(ComparisonOperatorAnyNotLike, value)
}

// Near matches geopoints inside the bounding box around d.
func (cb *ConditionBuilder[T]) Near(d GeoDistance) T {
	return cb.op(ComparisonOperatorGeoWithin, d)
}

// Custom adds a condition with an arbitrary operator.
func (cb *ConditionBuilder[T]) Custom(operator ComparisonOperator, value FilterValue) T {
	return cb.op(operator, value)
}

// FilterGroupBuilder collects conditions into one group.
type FilterGroupBuilder struct {
	operator   LogicalOperator
	conditions []QueryFilter
	parent     *FilterGroupBuilder
	done       func(QueryFilter)
	root       *QueryBuilder
}

// Where adds a condition to the group.
func (gb *FilterGroupBuilder) Where(field string) *ConditionBuilder[*FilterGroupBuilder] {
	return &ConditionBuilder[*FilterGroupBuilder]{field: field, add: func(c FilterCondition) *FilterGroupBuilder {
		gb.conditions = append(gb.conditions, QueryFilter{Condition: &c})
		return gb
	}}
}

// WhereGroup opens a nested group. Close it with EndGroup.
func (gb *FilterGroupBuilder) WhereGroup(operator LogicalOperator) *FilterGroupBuilder {
	return &FilterGroupBuilder{operator: operator, parent: gb, root: gb.root}
}

// EndGroup closes a nested group and returns to the enclosing one.
func (gb *FilterGroupBuilder) EndGroup() *FilterGroupBuilder {
	if gb.parent == nil {
		return gb
	}
	if len(gb.conditions) > 0 {
		gb.parent.conditions = append(gb.parent.conditions, gb.filter())
	}
	return gb.parent
}

// End closes every open group and returns to the query builder.
func (gb *FilterGroupBuilder) End() *QueryBuilder {
	g := gb
	for g.parent != nil {
		g = g.EndGroup()
	}
	if len(g.conditions) > 0 {
		g.done(g.filter())
	}
	return g.root
}

func (gb *FilterGroupBuilder) filter() QueryFilter {
	if len(gb.conditions) == 1 {
		return gb.conditions[0]
	}
	return QueryFilter{Group: &FilterGroup{Operator: gb.operator, Conditions: gb.conditions}}
}

// OrderBy adds a sorting configuration to the query.
func (qb *QueryBuilder) OrderBy(field string, direction SortDirection) *QueryBuilder {
	qb.query.Sort = append(qb.query.Sort, SortConfiguration{Field: field, Direction: direction})
	return qb
}

// OrderByAsc adds an ascending sort order for a specific field.
func (qb *QueryBuilder) OrderByAsc(field string) *QueryBuilder {
	return qb.OrderBy(field, SortDirectionAsc)
}

// OrderByDesc adds a descending sort order for a specific field.
func (qb *QueryBuilder) OrderByDesc(field string) *QueryBuilder {
	return qb.OrderBy(field, SortDirectionDesc)
}

// Sort parses and appends a textual sort list such as "-created,title".
func (qb *QueryBuilder) Sort(spec string) (*QueryBuilder, error) {
	sorts, err := ParseSort(spec)
	if err != nil {
		return qb, err
	}
	qb.query.Sort = append(qb.query.Sort, sorts...)
	return qb, nil
}

// Limit sets the maximum number of records to be returned by the query.
func (qb *QueryBuilder) Limit(limit int) *QueryBuilder {
	if qb.query.Pagination == nil {
		qb.query.Pagination = &PaginationOptions{}
	}
	qb.query.Pagination.Limit = limit
	return qb
}

// Offset sets the number of records to skip.
func (qb *QueryBuilder) Offset(offset int) *QueryBuilder {
	if qb.query.Pagination == nil {
		qb.query.Pagination = &PaginationOptions{}
	}
	qb.query.Pagination.Offset = &offset
	return qb
}

// Search sets a case-insensitive term matched against fields (or the
// collection's searchable fields when none are given).
func (qb *QueryBuilder) Search(term string, fields ...string) *QueryBuilder {
	qb.query.Search = term
	qb.query.SearchFields = fields
	return qb
}

// ProjectionBuilder builds the projection part of a query.
type ProjectionBuilder struct {
	parent *QueryBuilder
	config *ProjectionConfiguration
}

// Select begins the construction of the projection for the query.
func (qb *QueryBuilder) Select() *ProjectionBuilder {
	if qb.query.Projection == nil {
		qb.query.Projection = &ProjectionConfiguration{}
	}
	return &ProjectionBuilder{parent: qb, config: qb.query.Projection}
}

// Include specifies which fields should be included in the result set.
func (pb *ProjectionBuilder) Include(fields ...string) *ProjectionBuilder {
	for _, field := range fields {
		pb.config.Include = append(pb.config.Include, ProjectionField{Name: field})
	}
	return pb
}

// Modify includes field transformed by a registered modifier.
func (pb *ProjectionBuilder) Modify(field, modifier string, args ...FilterValue) *ProjectionBuilder {
	pb.config.Include = append(pb.config.Include, ProjectionField{
		Name:     field,
		Modifier: &FunctionCall{Function: modifier, Arguments: args},
	})
	return pb
}

// Exclude specifies which fields should be excluded from the result set.
func (pb *ProjectionBuilder) Exclude(fields ...string) *ProjectionBuilder {
	for _, field := range fields {
		pb.config.Exclude = append(pb.config.Exclude, ProjectionField{Name: field})
	}
	return pb
}

// End finalizes the projection and returns to the main query builder.
func (pb *ProjectionBuilder) End() *QueryBuilder {
	return pb.parent
}

// QueryValidationError represents an error found during query validation.
type QueryValidationError struct {
	Field   string
	Message string
}

// Error returns the error message for a QueryValidationError.
func (ve QueryValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// QueryValidationResult contains the results of a query validation.
type QueryValidationResult struct {
	IsValid bool
	Errors  []QueryValidationError
}

// Validate checks the built query for structural errors: negative pagination,
// unknown operators and malformed geo conditions.
func (qb *QueryBuilder) Validate() QueryValidationResult {
	var errs []QueryValidationError

	if p := qb.query.Pagination; p != nil {
		if p.Limit < 0 {
			errs = append(errs, QueryValidationError{Field: "pagination.limit", Message: "limit cannot be negative"})
		}
		if p.Offset != nil && *p.Offset < 0 {
			errs = append(errs, QueryValidationError{Field: "pagination.offset", Message: "offset cannot be negative"})
		}
	}

	for i, c := range qb.query.Filters.Leaves() {
		path := fmt.Sprintf("filters[%d]", i)
		if !fieldPathPattern.MatchString(c.Field) {
			errs = append(errs, QueryValidationError{Field: path + ".field", Message: fmt.Sprintf("invalid field %q", c.Field)})
		}
		if !c.Operator.IsValid() {
			errs = append(errs, QueryValidationError{Field: path + ".operator", Message: fmt.Sprintf("unknown operator %q", c.Operator)})
		}
		if c.Operator == ComparisonOperatorGeoWithin {
			if _, err := AsGeoDistance(c.Value); err != nil {
				errs = append(errs, QueryValidationError{Field: path + ".value", Message: err.Error()})
			}
		}
	}

	for i, s := range qb.query.Sort {
		if s.Field != SortRandom && s.Field != SortRowID && !fieldPathPattern.MatchString(s.Field) {
			errs = append(errs, QueryValidationError{Field: fmt.Sprintf("sort[%d]", i), Message: fmt.Sprintf("invalid field %q", s.Field)})
		}
	}

	return QueryValidationResult{IsValid: len(errs) == 0, Errors: errs}
}

// String returns a human-readable representation of the built query.
func (qb *QueryBuilder) String() string {
	var parts []string

	if leaves := qb.query.Filters.Leaves(); len(leaves) > 0 {
		parts = append(parts, fmt.Sprintf("FILTERS: %d", len(leaves)))
	}

	if len(qb.query.Sort) > 0 {
		sortFields := make([]string, len(qb.query.Sort))
		for i, sort := range qb.query.Sort {
			sortFields[i] = fmt.Sprintf("%s %s", sort.Field, sort.Direction)
		}
		parts = append(parts, fmt.Sprintf("ORDER BY: %s", strings.Join(sortFields, ", ")))
	}

	if qb.query.Pagination != nil {
		parts = append(parts, fmt.Sprintf("LIMIT: %d", qb.query.Pagination.Limit))
		if qb.query.Pagination.Offset != nil {
			parts = append(parts, fmt.Sprintf("OFFSET: %d", *qb.query.Pagination.Offset))
		}
	}

	if qb.query.Search != "" {
		parts = append(parts, fmt.Sprintf("SEARCH: %q", qb.query.Search))
	}

	if qb.query.Projection != nil {
		if len(qb.query.Projection.Include) > 0 {
			fields := make([]string, len(qb.query.Projection.Include))
			for i, field := range qb.query.Projection.Include {
				fields[i] = field.Name
			}
			parts = append(parts, fmt.Sprintf("SELECT: %s", strings.Join(fields, ", ")))
		}
		if len(qb.query.Projection.Exclude) > 0 {
			fields := make([]string, len(qb.query.Projection.Exclude))
			for i, field := range qb.query.Projection.Exclude {
				fields[i] = field.Name
			}
			parts = append(parts, fmt.Sprintf("EXCLUDE: %s", strings.Join(fields, ", ")))
		}
	}

	if len(parts) == 0 {
		return "EMPTY QUERY"
	}
	return strings.Join(parts, " | ")
}
