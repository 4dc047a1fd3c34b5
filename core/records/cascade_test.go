package records

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/schema"
)

func policyRelation(name, target string, cardinality schema.Cardinality, policy schema.CascadePolicy) *schema.FieldSchema {
	return &schema.FieldSchema{Name: name, Type: schema.FieldTypeRelation, Relation: &schema.RelationOptions{
		Collection: target, Cardinality: cardinality, CascadeDelete: policy,
	}}
}

func TestDeletePolicies(t *testing.T) {
	f := newFixture(t)
	f.collection(t, &schema.Collection{Name: "posts", Fields: []*schema.FieldSchema{{Name: "title", Type: schema.FieldTypeText}}})
	f.collection(t, &schema.Collection{Name: "comments", Fields: []*schema.FieldSchema{
		{Name: "body", Type: schema.FieldTypeText},
		policyRelation("post", "posts", "", schema.CascadeDelete),
	}})
	f.collection(t, &schema.Collection{Name: "replies", Fields: []*schema.FieldSchema{
		policyRelation("comment", "comments", "", schema.CascadeDelete),
	}})
	f.collection(t, &schema.Collection{Name: "likes", Fields: []*schema.FieldSchema{
		policyRelation("post", "posts", "", schema.CascadeSetNull),
	}})
	f.collection(t, &schema.Collection{Name: "bookmarks", Fields: []*schema.FieldSchema{
		policyRelation("posts", "posts", schema.CardinalityManyToMany, schema.CascadeSetNull),
	}})
	f.collection(t, &schema.Collection{Name: "pins", Fields: []*schema.FieldSchema{
		policyRelation("post", "posts", "", schema.CascadeRestrict),
	}})
	f.collection(t, &schema.Collection{Name: "mentions", Fields: []*schema.FieldSchema{
		policyRelation("post", "posts", "", schema.CascadeNoAction),
	}})

	post := f.create(t, "posts", map[string]any{"title": "doomed"})
	other := f.create(t, "posts", map[string]any{"title": "kept"})
	comment := f.create(t, "comments", map[string]any{"body": "c", "post": post.ID()})
	reply := f.create(t, "replies", map[string]any{"comment": comment.ID()})
	like := f.create(t, "likes", map[string]any{"post": post.ID()})
	bookmark := f.create(t, "bookmarks", map[string]any{"posts": []string{post.ID(), other.ID()}})
	pin := f.create(t, "pins", map[string]any{"post": post.ID()})
	mention := f.create(t, "mentions", map[string]any{"post": post.ID()})

	err := f.svc.Delete(f.ctx, "posts", post.ID(), Request{})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrConflict))

	_, err = f.svc.View(f.ctx, "comments", comment.ID(), Request{})
	assert.NoError(t, err, "a restricted delete changes nothing")
	got, err := f.svc.View(f.ctx, "likes", like.ID(), Request{})
	require.NoError(t, err)
	assert.Equal(t, post.ID(), got["post"])

	require.NoError(t, f.svc.Delete(f.ctx, "pins", pin.ID(), Request{}))
	require.NoError(t, f.svc.Delete(f.ctx, "posts", post.ID(), Request{}))

	for collection, id := range map[string]string{"posts": post.ID(), "comments": comment.ID(), "replies": reply.ID()} {
		_, err := f.svc.View(f.ctx, collection, id, Request{})
		assert.True(t, core.IsKind(err, core.ErrNotFound), collection)
	}

	got, err = f.svc.View(f.ctx, "likes", like.ID(), Request{})
	require.NoError(t, err)
	assert.Nil(t, got["post"])

	got, err = f.svc.View(f.ctx, "bookmarks", bookmark.ID(), Request{})
	require.NoError(t, err)
	assert.Equal(t, []any{other.ID()}, got["posts"])

	got, err = f.svc.View(f.ctx, "mentions", mention.ID(), Request{})
	require.NoError(t, err)
	assert.Equal(t, post.ID(), got["post"], "no_action leaves the dangling reference")
}

func TestCascadeCycleTerminates(t *testing.T) {
	f := newFixture(t)
	f.collection(t, &schema.Collection{Name: "nodes", Fields: []*schema.FieldSchema{
		{Name: "label", Type: schema.FieldTypeText},
		policyRelation("next", "nodes", "", schema.CascadeDelete),
	}})
	a := f.create(t, "nodes", map[string]any{"label": "a"})
	b := f.create(t, "nodes", map[string]any{"label": "b", "next": a.ID()})
	_, err := f.svc.Update(f.ctx, "nodes", a.ID(), map[string]any{"next": b.ID()}, Request{})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(f.ctx, "nodes", a.ID(), Request{}))
	res, err := f.svc.List(f.ctx, "nodes", ListRequest{})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestRemaining(t *testing.T) {
	multi := policyRelation("posts", "posts", schema.CardinalityManyToMany, schema.CascadeSetNull)
	single := policyRelation("post", "posts", "", schema.CascadeSetNull)

	assert.Nil(t, remaining(single, "a", "a"))
	assert.Equal(t, []string{"b"}, remaining(multi, []any{"a", "b"}, "a"))
	assert.Nil(t, remaining(multi, []any{"a"}, "a"))
}
