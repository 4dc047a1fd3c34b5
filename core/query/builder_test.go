package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueryBuilder(t *testing.T) {
	qb := NewQueryBuilder()
	assert.Equal(t, QueryDSL{}, qb.Build())
	assert.Equal(t, "EMPTY QUERY", qb.String())
}

func TestQueryBuilder_Clone(t *testing.T) {
	qb := NewQueryBuilder().Limit(10).OrderByAsc("name")
	clone := qb.Clone()
	assert.Equal(t, qb.Build(), clone.Build())

	clone.Limit(20).OrderByDesc("created")
	assert.Equal(t, 10, qb.Build().Pagination.Limit)
	assert.Len(t, qb.Build().Sort, 1)
	assert.Equal(t, 20, clone.Build().Pagination.Limit)
	assert.Len(t, clone.Build().Sort, 2)
}

func TestQueryBuilder_Reset(t *testing.T) {
	qb := NewQueryBuilder().Limit(10).OrderByAsc("name").Where("a").Eq(1)
	qb.Reset()
	assert.Equal(t, QueryDSL{}, qb.Build())
}

func TestQueryBuilder_Where(t *testing.T) {
	tests := []struct {
		name  string
		build func(*QueryBuilder) *QueryBuilder
		op    ComparisonOperator
		value any
	}{
		{"eq", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").Eq(1) }, ComparisonOperatorEq, 1},
		{"neq", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").Neq(1) }, ComparisonOperatorNeq, 1},
		{"lt", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").Lt(1) }, ComparisonOperatorLt, 1},
		{"lte", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").Lte(1) }, ComparisonOperatorLte, 1},
		{"gt", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").Gt(1) }, ComparisonOperatorGt, 1},
		{"gte", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").Gte(1) }, ComparisonOperatorGte, 1},
		{"like", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").Like("x") }, ComparisonOperatorLike, "x"},
		{"nlike", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").NotLike("x") }, ComparisonOperatorNotLike, "x"},
		{"in", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").In(1, 2) }, ComparisonOperatorIn, []FilterValue{1, 2}},
		{"nin", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").Nin(1) }, ComparisonOperatorNin, []FilterValue{1}},
		{"any_eq", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").AnyEq("a") }, ComparisonOperatorAnyEq, "a"},
		{"any_neq", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").AnyNeq("a") }, ComparisonOperatorAnyNeq, "a"},
		{"any_gt", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").AnyGt(5) }, ComparisonOperatorAnyGt, 5},
		{"any_gte", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").AnyGte(5) }, ComparisonOperatorAnyGte, 5},
		{"any_lt", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").AnyLt(5) }, ComparisonOperatorAnyLt, 5},
		{"any_lte", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").AnyLte(5) }, ComparisonOperatorAnyLte, 5},
		{"any_like", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").AnyLike("a") }, ComparisonOperatorAnyLike, "a"},
		{"any_not_like", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").AnyNotLike("a") }, ComparisonOperatorAnyNotLike, "a"},
		{"near", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").Near(GeoDistance{Lat: 1, Lng: 2, Radius: 3}) },
			ComparisonOperatorGeoWithin, GeoDistance{Lat: 1, Lng: 2, Radius: 3}},
		{"custom", func(q *QueryBuilder) *QueryBuilder { return q.Where("f").Custom("my_op", true) }, "my_op", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsl := tt.build(NewQueryBuilder()).Build()
			require.NotNil(t, dsl.Filters)
			require.NotNil(t, dsl.Filters.Condition)
			assert.Equal(t, FilterCondition{Field: "f", Operator: tt.op, Value: tt.value}, *dsl.Filters.Condition)
		})
	}
}

func TestQueryBuilder_WhereIsAnded(t *testing.T) {
	dsl := NewQueryBuilder().Where("a").Eq(1).Where("b").Gt(2).Where("c").Like("x").Build()
	require.NotNil(t, dsl.Filters.Group)
	assert.Equal(t, LogicalOperatorAnd, dsl.Filters.Group.Operator)

	leaves := dsl.Filters.Leaves()
	require.Len(t, leaves, 3)
	assert.Equal(t, "c", leaves[2].Field)
}

func TestQueryBuilder_WhereGroup(t *testing.T) {
	dsl := NewQueryBuilder().
		Where("published").Eq(true).
		WhereGroup(LogicalOperatorOr).
		Where("views").Gt(100).
		WhereGroup(LogicalOperatorAnd).
		Where("featured").Eq(true).
		Where("score").Gte(4).
		EndGroup().
		End().
		Build()

	root := dsl.Filters.Group
	require.NotNil(t, root)
	assert.Equal(t, LogicalOperatorAnd, root.Operator)
	require.Len(t, root.Conditions, 2)

	or := root.Conditions[1].Group
	require.NotNil(t, or)
	assert.Equal(t, LogicalOperatorOr, or.Operator)
	require.Len(t, or.Conditions, 2)
	assert.Equal(t, "views", or.Conditions[0].Condition.Field)

	nested := or.Conditions[1].Group
	require.NotNil(t, nested)
	assert.Equal(t, LogicalOperatorAnd, nested.Operator)
	assert.Len(t, nested.Conditions, 2)
}

func TestQueryBuilder_EndClosesOpenGroups(t *testing.T) {
	dsl := NewQueryBuilder().
		WhereGroup(LogicalOperatorOr).
		Where("a").Eq(1).
		WhereGroup(LogicalOperatorAnd).
		Where("b").Eq(2).
		Where("c").Eq(3).
		End().
		Build()

	require.NotNil(t, dsl.Filters.Group)
	assert.Equal(t, LogicalOperatorOr, dsl.Filters.Group.Operator)
	assert.Len(t, dsl.Filters.Leaves(), 3)
}

func TestQueryBuilder_FilterAndSortText(t *testing.T) {
	qb, err := NewQueryBuilder().Where("kind").Eq("post").Filter("views > 10 || pinned = true")
	require.NoError(t, err)
	qb, err = qb.Sort("-views,title")
	require.NoError(t, err)

	dsl := qb.Build()
	assert.Len(t, dsl.Filters.Leaves(), 3)
	assert.Equal(t, []SortConfiguration{
		{Field: "views", Direction: SortDirectionDesc},
		{Field: "title", Direction: SortDirectionAsc},
	}, dsl.Sort)

	_, err = NewQueryBuilder().Filter("views >")
	assert.Error(t, err)
	_, err = NewQueryBuilder().Sort("bad name")
	assert.Error(t, err)
}

func TestQueryBuilder_Pagination(t *testing.T) {
	dsl := NewQueryBuilder().Offset(20).Limit(10).Build()
	require.NotNil(t, dsl.Pagination)
	assert.Equal(t, 10, dsl.Pagination.Limit)
	require.NotNil(t, dsl.Pagination.Offset)
	assert.Equal(t, 20, *dsl.Pagination.Offset)
}

func TestQueryBuilder_Search(t *testing.T) {
	dsl := NewQueryBuilder().Search("hello", "title", "body").Build()
	assert.Equal(t, "hello", dsl.Search)
	assert.Equal(t, []string{"title", "body"}, dsl.SearchFields)
}

func TestQueryBuilder_Select(t *testing.T) {
	dsl := NewQueryBuilder().Select().
		Include("id", "title").
		Modify("body", "excerpt", 100, true).
		Exclude("secret").
		End().
		Build()

	require.NotNil(t, dsl.Projection)
	assert.Len(t, dsl.Projection.Include, 3)
	assert.Equal(t, &FunctionCall{Function: "excerpt", Arguments: []FilterValue{100, true}}, dsl.Projection.Include[2].Modifier)
	assert.Equal(t, []ProjectionField{{Name: "secret"}}, dsl.Projection.Exclude)
}

func TestQueryBuilder_Validate(t *testing.T) {
	valid := NewQueryBuilder().Where("a.b").Eq(1).Where("loc").Near(GeoDistance{Lat: 1, Lng: 1, Radius: 1}).OrderByDesc(SortRandom).Limit(5)
	assert.True(t, valid.Validate().IsValid)

	invalid := NewQueryBuilder().
		Where("bad field").Eq(1).
		Where("x").Custom("nope", 1).
		Where("loc").Custom(ComparisonOperatorGeoWithin, "somewhere").
		OrderByAsc("1abc").
		Limit(-1).
		Offset(-5)
	result := invalid.Validate()
	assert.False(t, result.IsValid)

	fields := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{
		"pagination.limit", "pagination.offset",
		"filters[0].field", "filters[1].operator", "filters[2].value",
		"sort[0]",
	}, fields)
	assert.Contains(t, result.Errors[0].Error(), "validation error in")
}

func TestQueryBuilder_String(t *testing.T) {
	s := NewQueryBuilder().
		Where("a").Eq(1).
		OrderByDesc("created").
		Limit(10).Offset(5).
		Search("hi").
		Select().Include("id").Exclude("x").End().
		String()
	assert.Equal(t, `FILTERS: 1 | ORDER BY: created desc | LIMIT: 10 | OFFSET: 5 | SEARCH: "hi" | SELECT: id | EXCLUDE: x`, s)
}
