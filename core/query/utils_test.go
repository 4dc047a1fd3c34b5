package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/schema"
)

func fixtureCollections() map[string]*schema.Collection {
	users := &schema.Collection{Name: "users", Fields: []*schema.FieldSchema{
		{Name: "name", Type: schema.FieldTypeText},
		{Name: "profile", Type: schema.FieldTypeJSON},
	}}
	posts := &schema.Collection{Name: "posts", Fields: []*schema.FieldSchema{
		{Name: "title", Type: schema.FieldTypeText},
		{Name: "author", Type: schema.FieldTypeRelation, Relation: &schema.RelationOptions{Collection: "users", Cardinality: schema.CardinalityManyToOne}},
		{Name: "subject", Type: schema.FieldTypeRelation, Relation: &schema.RelationOptions{Cardinality: schema.CardinalityPolymorphic, TypeField: "kind"}},
		{Name: "location", Type: schema.FieldTypeGeoPoint},
	}}
	comments := &schema.Collection{Name: "comments", Fields: []*schema.FieldSchema{
		{Name: "post", Type: schema.FieldTypeRelation, Relation: &schema.RelationOptions{Collection: "posts", Cardinality: schema.CardinalityManyToOne}},
	}}
	stats := &schema.Collection{Name: "stats", Kind: schema.CollectionKindView, ViewQuery: "SELECT 1 AS total"}
	return map[string]*schema.Collection{"users": users, "posts": posts, "comments": comments, "stats": stats}
}

func lookupIn(cols map[string]*schema.Collection) CollectionLookup {
	return func(name string) (*schema.Collection, error) {
		if c, ok := cols[name]; ok {
			return c, nil
		}
		return nil, core.NotFound("collection %q not found", name)
	}
}

func TestResolvePath(t *testing.T) {
	cols := fixtureCollections()
	lookup := lookupIn(cols)

	t.Run("plain field", func(t *testing.T) {
		p, err := ResolvePath(cols["posts"], "title", lookup)
		require.NoError(t, err)
		assert.Empty(t, p.Hops)
		assert.Equal(t, "title", p.Name)
		assert.Equal(t, schema.FieldTypeText, p.Field.Type)
	})

	t.Run("system column", func(t *testing.T) {
		p, err := ResolvePath(cols["posts"], "created", lookup)
		require.NoError(t, err)
		assert.Nil(t, p.Field)
		assert.Equal(t, "created", p.Name)
	})

	t.Run("two hops", func(t *testing.T) {
		p, err := ResolvePath(cols["comments"], "post.author.name", lookup)
		require.NoError(t, err)
		require.Len(t, p.Hops, 2)
		assert.Equal(t, "posts", p.Hops[0].Target.Name)
		assert.Equal(t, "users", p.Hops[1].Target.Name)
		assert.Equal(t, "name", p.Name)
	})

	t.Run("json path after relation", func(t *testing.T) {
		p, err := ResolvePath(cols["posts"], "author.profile.city.zip", lookup)
		require.NoError(t, err)
		require.Len(t, p.Hops, 1)
		assert.Equal(t, "profile", p.Name)
		assert.Equal(t, []string{"city", "zip"}, p.JSONPath)
	})

	t.Run("geopoint component", func(t *testing.T) {
		p, err := ResolvePath(cols["posts"], "location.lat", lookup)
		require.NoError(t, err)
		assert.Equal(t, []string{"lat"}, p.JSONPath)
	})

	t.Run("undeclared view column", func(t *testing.T) {
		p, err := ResolvePath(cols["stats"], "total", lookup)
		require.NoError(t, err)
		assert.Equal(t, "total", p.Name)
	})

	for _, bad := range []string{"missing", "title.x", "subject.name", "id.x", "author.missing"} {
		t.Run("rejects "+bad, func(t *testing.T) {
			_, err := ResolvePath(cols["posts"], bad, lookup)
			assert.True(t, core.IsKind(err, core.ErrBadRequest), err)
		})
	}

	t.Run("missing target collection", func(t *testing.T) {
		broken := &schema.Collection{Name: "broken", Fields: []*schema.FieldSchema{
			{Name: "ghost", Type: schema.FieldTypeRelation, Relation: &schema.RelationOptions{Collection: "ghosts"}},
		}}
		_, err := ResolvePath(broken, "ghost.name", lookup)
		assert.True(t, core.IsKind(err, core.ErrNotFound))
	})
}

func TestResolve(t *testing.T) {
	cols := fixtureCollections()
	expr, err := ParseFilter("title ~ 'go' || author.name = 'ann'")
	require.NoError(t, err)
	sorts, err := ParseSort("-author.name,@random")
	require.NoError(t, err)

	dsl := &QueryDSL{Filters: expr.QueryFilter(), Sort: sorts}
	resolved, err := Resolve(cols["posts"], dsl, lookupIn(cols))
	require.NoError(t, err)

	for _, leaf := range resolved.Filters.Leaves() {
		assert.NotNil(t, leaf.Path, leaf.Field)
	}
	assert.Nil(t, dsl.Filters.Leaves()[0].Path, "input must stay untouched")
	require.Len(t, resolved.Sort, 2)
	assert.Len(t, resolved.Sort[0].Path.Hops, 1)
	assert.Nil(t, resolved.Sort[1].Path)

	_, err = Resolve(cols["posts"], &QueryDSL{Filters: cond("title", "bogus", 1)}, lookupIn(cols))
	assert.True(t, core.IsKind(err, core.ErrBadRequest))

	empty, err := Resolve(cols["posts"], nil, lookupIn(cols))
	require.NoError(t, err)
	assert.Nil(t, empty.Filters)
}
