package sqlite

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/asaidimu/go-recordbase/core/persistence"
	"github.com/asaidimu/go-recordbase/core/query"
	"github.com/asaidimu/go-recordbase/core/schema"
)

func newTestInteractor(t *testing.T) persistence.DatabaseInteractor {
	t.Helper()
	db, err := Open(DriverModernc, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	interactor := NewInteractor(db, nil, &persistence.InteractorOptions{TablePrefix: "t_"})
	require.NoError(t, interactor.Bootstrap(context.Background()))
	return interactor
}

func booksCollection() *schema.Collection {
	return &schema.Collection{
		Name: "books",
		Kind: schema.CollectionKindBase,
		Fields: []*schema.FieldSchema{
			{Name: "title", Type: schema.FieldTypeText, Validation: schema.Validation{Unique: true}},
			{Name: "pages", Type: schema.FieldTypeNumber},
			{Name: "tags", Type: schema.FieldTypeSelect, Select: &schema.SelectOptions{Values: []string{"a", "b"}, MaxSelect: 2}},
			{Name: "done", Type: schema.FieldTypeBool},
			{Name: "released", Type: schema.FieldTypeDate},
		},
	}
}

func book(id, title string, pages float64, tags ...string) schema.Record {
	return schema.Record{
		"id": id, "created": "2024-01-01 00:00:00.000Z", "updated": "2024-01-01 00:00:00.000Z",
		"title": title, "pages": pages, "tags": tags, "done": pages > 100, "released": "2024-02-03",
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	ctx := context.Background()
	interactor := newTestInteractor(t)

	require.NoError(t, interactor.Bootstrap(ctx))
	exists, err := interactor.CollectionExists(ctx, persistence.MetadataCollection)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	interactor := newTestInteractor(t)
	c := booksCollection()

	require.NoError(t, interactor.CreateCollection(ctx, c))
	exists, err := interactor.CollectionExists(ctx, "books")
	require.NoError(t, err)
	assert.True(t, exists)

	rows, err := interactor.InsertRecords(ctx, c, []schema.Record{
		book("00000000-0000-0000-0000-000000000001", "Dune", 412, "a"),
		book("00000000-0000-0000-0000-000000000002", "Emma", 90, "a", "b"),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, true, rows[0]["done"])
	assert.Equal(t, []any{"a"}, rows[0]["tags"])
	assert.Equal(t, "2024-02-03", rows[0]["released"])
	assert.NotContains(t, rows[0], "rowid")

	t.Run("array filter", func(t *testing.T) {
		got, err := interactor.SelectRecords(ctx, c, &query.QueryDSL{
			Filters: &query.QueryFilter{Condition: &query.FilterCondition{Field: "tags", Operator: query.ComparisonOperatorAnyEq, Value: "b"}},
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "Emma", got[0]["title"])
	})

	t.Run("sort and count", func(t *testing.T) {
		got, err := interactor.SelectRecords(ctx, c, &query.QueryDSL{
			Sort: []query.SortConfiguration{{Field: "pages", Direction: query.SortDirectionDesc}},
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "Dune", got[0]["title"])

		n, err := interactor.CountRecords(ctx, c, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("default order is newest insert first", func(t *testing.T) {
		got, err := interactor.SelectRecords(ctx, c, nil)
		require.NoError(t, err)
		assert.Equal(t, "Emma", got[0]["title"])
	})

	t.Run("increment", func(t *testing.T) {
		n, err := interactor.UpdateRecords(ctx, c, persistence.Changes{Increment: map[string]float64{"pages": -10}},
			&query.QueryFilter{Condition: &query.FilterCondition{Field: "title", Operator: query.ComparisonOperatorEq, Value: "Emma"}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := interactor.SelectRecords(ctx, c, &query.QueryDSL{
			Filters: &query.QueryFilter{Condition: &query.FilterCondition{Field: "title", Operator: query.ComparisonOperatorEq, Value: "Emma"}},
		})
		require.NoError(t, err)
		assert.Equal(t, 80.0, got[0]["pages"])
	})

	t.Run("unique violation is detected", func(t *testing.T) {
		_, err := interactor.InsertRecords(ctx, c, []schema.Record{book("00000000-0000-0000-0000-000000000003", "Dune", 1)})
		require.Error(t, err)
		assert.True(t, interactor.IsUniqueViolation(err))
	})

	t.Run("delete", func(t *testing.T) {
		n, err := interactor.DeleteRecords(ctx, c,
			&query.QueryFilter{Condition: &query.FilterCondition{Field: "pages", Operator: query.ComparisonOperatorLt, Value: 100}}, false)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestColumnMigration(t *testing.T) {
	ctx := context.Background()
	interactor := newTestInteractor(t)
	c := booksCollection()
	require.NoError(t, interactor.CreateCollection(ctx, c))

	isbn := &schema.FieldSchema{Name: "isbn", Type: schema.FieldTypeText, Validation: schema.Validation{Unique: true}}
	require.NoError(t, interactor.AddColumn(ctx, c, isbn))
	c.Fields = append(c.Fields, isbn)

	_, err := interactor.InsertRecords(ctx, c, []schema.Record{{
		"id": "00000000-0000-0000-0000-000000000001", "created": "x", "updated": "x", "isbn": "123",
	}})
	require.NoError(t, err)

	require.NoError(t, interactor.DropColumn(ctx, c, isbn))
	c.Fields = c.Fields[:len(c.Fields)-1]
	rows, err := interactor.SelectRecords(ctx, c, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotContains(t, rows[0], "isbn")

	assert.Error(t, interactor.DropColumn(ctx, c, &schema.FieldSchema{Name: "missing", Type: schema.FieldTypeText}))
}

func TestViewCollection(t *testing.T) {
	ctx := context.Background()
	interactor := newTestInteractor(t)
	require.NoError(t, interactor.CreateCollection(ctx, booksCollection()))

	view := &schema.Collection{
		Name:      "long_books",
		Kind:      schema.CollectionKindView,
		ViewQuery: `SELECT id, title FROM t_books WHERE pages > 100`,
	}
	require.NoError(t, interactor.CreateCollection(ctx, view))

	_, err := interactor.InsertRecords(ctx, booksCollection(), []schema.Record{
		book("00000000-0000-0000-0000-000000000001", "Dune", 412),
		book("00000000-0000-0000-0000-000000000002", "Emma", 90),
	})
	require.NoError(t, err)

	rows, err := interactor.SelectRecords(ctx, view, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Dune", rows[0]["title"])

	view.ViewQuery = `SELECT id, title FROM t_books`
	require.NoError(t, interactor.ReplaceView(ctx, view))
	n, err := interactor.CountRecords(ctx, view, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, interactor.DropCollection(ctx, view))
	exists, err := interactor.CollectionExists(ctx, "long_books")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLimitOffset(t *testing.T) {
	tests := []struct {
		limit, offset int
		expected      string
	}{
		{0, 0, ""},
		{10, 0, " LIMIT 10"},
		{0, 5, " LIMIT -1 OFFSET 5"},
		{10, 5, " LIMIT 10 OFFSET 5"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, Dialect{}.LimitOffset(tt.limit, tt.offset))
	}
}

func TestArrayOrderedComparisonIsTyped(t *testing.T) {
	ctx := context.Background()
	interactor := newTestInteractor(t)
	c := &schema.Collection{
		Name:   "samples",
		Kind:   schema.CollectionKindBase,
		Fields: []*schema.FieldSchema{{Name: "label", Type: schema.FieldTypeText}, {Name: "readings", Type: schema.FieldTypeJSON}},
	}
	require.NoError(t, interactor.CreateCollection(ctx, c))

	rows := []schema.Record{}
	for i, v := range [][]any{{20, 3}, {"go", "rust"}, {"py"}, {1, "zz"}} {
		rows = append(rows, schema.Record{
			"id": fmt.Sprintf("00000000-0000-0000-0000-00000000010%d", i), "created": "2024-01-01 00:00:00.000Z",
			"updated": "2024-01-01 00:00:00.000Z", "label": string(rune('a' + i)), "readings": v,
		})
	}
	_, err := interactor.InsertRecords(ctx, c, rows)
	require.NoError(t, err)

	tests := []struct {
		name  string
		op    query.ComparisonOperator
		value any
		want  []string
	}{
		{"numeric bound skips strings", query.ComparisonOperatorAnyGt, 15, []string{"a"}},
		{"numeric lower bound", query.ComparisonOperatorAnyLte, 1, []string{"d"}},
		{"string bound skips numbers", query.ComparisonOperatorAnyLt, "m", []string{"b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := interactor.SelectRecords(ctx, c, &query.QueryDSL{
				Filters: &query.QueryFilter{Condition: &query.FilterCondition{Field: "readings", Operator: tt.op, Value: tt.value}},
				Sort:    []query.SortConfiguration{{Field: "label", Direction: query.SortDirectionAsc}},
			})
			require.NoError(t, err)
			labels := []string{}
			for _, r := range got {
				labels = append(labels, r["label"].(string))
			}
			assert.Equal(t, tt.want, labels)
		})
	}
}
