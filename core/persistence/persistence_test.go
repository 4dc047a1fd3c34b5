package persistence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/persistence"
	"github.com/asaidimu/go-recordbase/core/query"
	"github.com/asaidimu/go-recordbase/core/schema"
	"github.com/asaidimu/go-recordbase/sqlite"
)

func setup(t *testing.T) (*persistence.Persistence, persistence.DatabaseInteractor) {
	t.Helper()
	db, err := sqlite.Open(sqlite.DriverModernc, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	interactor := sqlite.NewInteractor(db, nil, nil)
	p, err := persistence.NewPersistence(context.Background(), interactor)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, interactor
}

// gatedInteractor holds metadata reads of one collection until released.
type gatedInteractor struct {
	persistence.DatabaseInteractor
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedInteractor) SelectRecords(ctx context.Context, c *schema.Collection, dsl *query.QueryDSL) ([]schema.Record, error) {
	g.mu.Lock()
	armed := g.armed && c.Name == persistence.MetadataCollection
	g.armed = g.armed && !armed
	g.mu.Unlock()
	if armed {
		close(g.entered)
		<-g.release
	}
	return g.DatabaseInteractor.SelectRecords(ctx, c, dsl)
}

func (g *gatedInteractor) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
	g.entered = make(chan struct{})
	g.release = make(chan struct{})
}

func authors() *schema.Collection {
	return &schema.Collection{
		Name: "authors",
		Fields: []*schema.FieldSchema{
			{Name: "name", Type: schema.FieldTypeText, Validation: schema.Validation{Required: true}},
		},
	}
}

func books() *schema.Collection {
	return &schema.Collection{
		Name: "books",
		Fields: []*schema.FieldSchema{
			{Name: "title", Type: schema.FieldTypeText},
			{Name: "pages", Type: schema.FieldTypeNumber},
			{Name: "author", Type: schema.FieldTypeRelation, Relation: &schema.RelationOptions{Collection: "authors"}},
		},
		ListRule: `@request.auth.id != ""`,
	}
}

func TestCreateCollection(t *testing.T) {
	ctx := context.Background()
	p, interactor := setup(t)

	created, err := p.CreateCollection(ctx, authors())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.Created)
	assert.Equal(t, schema.CollectionKindBase, created.Kind)

	exists, err := interactor.CollectionExists(ctx, "authors")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = p.CreateCollection(ctx, books())
	require.NoError(t, err)

	got, err := p.Collection(ctx, "books")
	require.NoError(t, err)
	assert.Equal(t, schema.CardinalityManyToOne, got.Field("author").Relation.Cardinality)
	assert.Equal(t, `@request.auth.id != ""`, got.ListRule)

	all, err := p.Collections(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "authors", all[0].Name)
	assert.Equal(t, "books", all[1].Name)

	tests := []struct {
		name string
		def  *schema.Collection
		kind core.ErrorKind
	}{
		{"duplicate name", authors(), core.ErrConflict},
		{"invalid name", &schema.Collection{Name: "bad name"}, core.ErrBadRequest},
		{"reserved prefix", &schema.Collection{Name: "_private"}, core.ErrBadRequest},
		{"reserved field", &schema.Collection{Name: "x", Fields: []*schema.FieldSchema{{Name: "id", Type: schema.FieldTypeText}}}, core.ErrBadRequest},
		{"unknown relation target", &schema.Collection{Name: "x", Fields: []*schema.FieldSchema{
			{Name: "owner", Type: schema.FieldTypeRelation, Relation: &schema.RelationOptions{Collection: "ghosts"}},
		}}, core.ErrBadRequest},
		{"malformed rule", &schema.Collection{Name: "x", ViewRule: "name = = 1"}, core.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.CreateCollection(ctx, tt.def)
			require.Error(t, err)
			assert.True(t, core.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestSelfRelationIsAllowed(t *testing.T) {
	ctx := context.Background()
	p, _ := setup(t)

	_, err := p.CreateCollection(ctx, &schema.Collection{
		Name: "nodes",
		Fields: []*schema.FieldSchema{
			{Name: "parent", Type: schema.FieldTypeRelation, Relation: &schema.RelationOptions{Collection: "nodes"}},
		},
	})
	require.NoError(t, err)
}

func TestCollectionNotFound(t *testing.T) {
	p, _ := setup(t)
	_, err := p.Collection(context.Background(), "missing")
	assert.True(t, core.IsKind(err, core.ErrNotFound))
}

func TestUpdateCollection(t *testing.T) {
	ctx := context.Background()
	p, interactor := setup(t)
	_, err := p.CreateCollection(ctx, authors())
	require.NoError(t, err)

	t.Run("add and remove fields", func(t *testing.T) {
		def := authors()
		def.Fields = append(def.Fields, &schema.FieldSchema{Name: "bio", Type: schema.FieldTypeEditor})
		updated, report, err := p.UpdateCollection(ctx, "authors", def)
		require.NoError(t, err)
		assert.Equal(t, []string{"bio"}, report.Added)
		assert.False(t, report.Partial())
		assert.NotNil(t, updated.Field("bio"))

		updated, report, err = p.UpdateCollection(ctx, "authors", authors())
		require.NoError(t, err)
		assert.Equal(t, []string{"bio"}, report.Removed)
		assert.Nil(t, updated.Field("bio"))

		cached, err := p.Collection(ctx, "authors")
		require.NoError(t, err)
		assert.Nil(t, cached.Field("bio"))
	})

	t.Run("failed drop keeps the field", func(t *testing.T) {
		def := authors()
		def.Fields = append(def.Fields, &schema.FieldSchema{Name: "age", Type: schema.FieldTypeNumber})
		current, _, err := p.UpdateCollection(ctx, "authors", def)
		require.NoError(t, err)

		// remove the column behind the engine's back
		require.NoError(t, interactor.DropColumn(ctx, current, current.Field("age")))

		updated, report, err := p.UpdateCollection(ctx, "authors", authors())
		require.NoError(t, err)
		require.True(t, report.Partial())
		assert.Equal(t, "age", report.Failed[0].Field)
		assert.Equal(t, schema.MigrationOpDrop, report.Failed[0].Op)
		assert.NotNil(t, updated.Field("age"))
	})

	t.Run("failed unique index keeps the old flag", func(t *testing.T) {
		store, err := p.Store(ctx, "authors")
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			_, err := store.Create(ctx, map[string]any{"name": "twin"})
			require.NoError(t, err)
		}

		def, err := p.Collection(ctx, "authors")
		require.NoError(t, err)
		def = def.Clone()
		def.Field("name").Validation.Unique = true
		updated, report, err := p.UpdateCollection(ctx, "authors", def)
		require.NoError(t, err)
		require.True(t, report.Partial())
		assert.Equal(t, schema.MigrationOpReindex, report.Failed[0].Op)
		assert.False(t, updated.Field("name").Validation.Unique)
	})

	t.Run("rejected changes", func(t *testing.T) {
		renamed := authors()
		renamed.Name = "writers"
		_, _, err := p.UpdateCollection(ctx, "authors", renamed)
		assert.True(t, core.IsKind(err, core.ErrBadRequest))

		view := authors()
		view.Kind = schema.CollectionKindView
		_, _, err = p.UpdateCollection(ctx, "authors", view)
		assert.True(t, core.IsKind(err, core.ErrBadRequest))

		retyped := authors()
		retyped.Fields[0].Type = schema.FieldTypeNumber
		_, _, err = p.UpdateCollection(ctx, "authors", retyped)
		assert.True(t, core.IsKind(err, core.ErrBadRequest))

		_, _, err = p.UpdateCollection(ctx, "missing", authors())
		assert.True(t, core.IsKind(err, core.ErrNotFound))
	})
}

func TestUpdateViewCollection(t *testing.T) {
	ctx := context.Background()
	p, _ := setup(t)
	_, err := p.CreateCollection(ctx, authors())
	require.NoError(t, err)

	view := &schema.Collection{Name: "author_names", Kind: schema.CollectionKindView, ViewQuery: "SELECT id, name FROM authors"}
	_, err = p.CreateCollection(ctx, view)
	require.NoError(t, err)

	broken := view.Clone()
	broken.ViewQuery = "SELECT id, name FROM authors WHERE"
	updated, report, err := p.UpdateCollection(ctx, "author_names", broken)
	require.NoError(t, err)
	require.True(t, report.Partial())
	assert.Equal(t, schema.MigrationOpView, report.Failed[0].Op)
	assert.Equal(t, view.ViewQuery, updated.ViewQuery)

	store, err := p.Store(ctx, "author_names")
	require.NoError(t, err)
	_, err = store.List(ctx, nil)
	assert.NoError(t, err)

	_, err = store.Create(ctx, map[string]any{"name": "x"})
	assert.True(t, core.IsKind(err, core.ErrBadRequest))
}

func TestDeleteCollection(t *testing.T) {
	ctx := context.Background()
	p, interactor := setup(t)
	_, err := p.CreateCollection(ctx, authors())
	require.NoError(t, err)
	_, err = p.CreateCollection(ctx, books())
	require.NoError(t, err)

	err = p.DeleteCollection(ctx, "authors")
	assert.True(t, core.IsKind(err, core.ErrConflict), "referenced collections cannot be deleted")

	require.NoError(t, p.DeleteCollection(ctx, "books"))
	exists, err := interactor.CollectionExists(ctx, "books")
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = p.Collection(ctx, "books")
	assert.True(t, core.IsKind(err, core.ErrNotFound))

	require.NoError(t, p.DeleteCollection(ctx, "authors"))
	assert.True(t, core.IsKind(p.DeleteCollection(ctx, "authors"), core.ErrNotFound))
}

func TestDeleteSystemCollection(t *testing.T) {
	ctx := context.Background()
	p, interactor := setup(t)
	def := authors()
	def.System = true
	_, err := p.CreateCollection(ctx, def)
	require.NoError(t, err)

	err = p.DeleteCollection(ctx, "authors")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrBadRequest))

	exists, err := interactor.CollectionExists(ctx, "authors")
	require.NoError(t, err)
	assert.True(t, exists)

	_, _, err = p.UpdateCollection(ctx, "authors", authors())
	assert.True(t, core.IsKind(err, core.ErrBadRequest))
}

func TestRecordStore(t *testing.T) {
	ctx := context.Background()
	p, _ := setup(t)
	_, err := p.CreateCollection(ctx, authors())
	require.NoError(t, err)
	store, err := p.Store(ctx, "authors")
	require.NoError(t, err)

	created, err := store.Create(ctx, map[string]any{"name": "Ann"})
	require.NoError(t, err)
	id := created.ID()
	require.NotEmpty(t, id)
	assert.Equal(t, created[schema.FieldCreated], created[schema.FieldUpdated])

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Ann", got["name"])

	updated, err := store.Update(ctx, id, persistence.Changes{Set: map[string]any{"name": "Anne"}})
	require.NoError(t, err)
	assert.Equal(t, "Anne", updated["name"])

	found, err := store.FindByIDs(ctx, []string{id, id, "00000000-0000-0000-0000-000000000000"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	_, err = store.Create(ctx, map[string]any{"id": "not-a-uuid", "name": "x"})
	assert.True(t, core.IsKind(err, core.ErrBadRequest))

	deleted, err := store.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = store.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = store.Get(ctx, id)
	assert.True(t, core.IsKind(err, core.ErrNotFound))
	_, err = store.Update(ctx, id, persistence.Changes{Set: map[string]any{"name": "x"}})
	assert.True(t, core.IsKind(err, core.ErrNotFound))
}

func TestChangeEvents(t *testing.T) {
	ctx := context.Background()
	p, _ := setup(t)
	_, err := p.CreateCollection(ctx, authors())
	require.NoError(t, err)
	store, err := p.Store(ctx, "authors")
	require.NoError(t, err)

	var mu sync.Mutex
	var received []persistence.ChangeEvent
	id, err := p.Subscribe(persistence.SubscriptionOptions{
		Collection: "authors",
		Filter:     `name = "Ann"`,
		Label:      "ann-watcher",
		Callback: func(ctx context.Context, event persistence.ChangeEvent) error {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, event)
			return nil
		},
	})
	require.NoError(t, err)
	require.Len(t, p.Subscriptions(), 1)
	assert.Equal(t, "ann-watcher", p.Subscriptions()[0].Label)

	ann, err := store.Create(ctx, map[string]any{"name": "Ann"})
	require.NoError(t, err)
	_, err = store.Create(ctx, map[string]any{"name": "Bob"})
	require.NoError(t, err)
	_, err = store.Delete(ctx, ann.ID())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	kinds := map[persistence.ChangeKind]persistence.ChangeEvent{}
	for _, e := range received {
		kinds[e.Kind] = e
	}
	mu.Unlock()
	assert.Equal(t, ann.ID(), kinds[persistence.ChangeCreated].RecordID)
	assert.Equal(t, "Ann", kinds[persistence.ChangeDeleted].Data["name"])

	assert.True(t, p.Unsubscribe(id))
	assert.False(t, p.Unsubscribe(id))
	assert.Empty(t, p.Subscriptions())

	_, err = p.Subscribe(persistence.SubscriptionOptions{Filter: "name ==", Callback: func(context.Context, persistence.ChangeEvent) error { return nil }})
	assert.Error(t, err)
}

func TestSlowSubscriberDoesNotDelayWrites(t *testing.T) {
	ctx := context.Background()
	p, _ := setup(t)
	_, err := p.CreateCollection(ctx, authors())
	require.NoError(t, err)
	store, err := p.Store(ctx, "authors")
	require.NoError(t, err)

	delivered := make(chan persistence.ChangeEvent, 1)
	_, err = p.Subscribe(persistence.SubscriptionOptions{
		Collection: "authors",
		Kinds:      []persistence.ChangeKind{persistence.ChangeCreated},
		Callback: func(ctx context.Context, event persistence.ChangeEvent) error {
			time.Sleep(time.Second)
			delivered <- event
			return nil
		},
	})
	require.NoError(t, err)

	start := time.Now()
	record, err := store.Create(ctx, map[string]any{"name": "Ann"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	record["name"] = "changed after create"
	select {
	case event := <-delivered:
		assert.Equal(t, record.ID(), event.RecordID)
		assert.Equal(t, "Ann", event.Data["name"])
	case <-time.After(3 * time.Second):
		t.Fatal("change event was never delivered")
	}
}

func TestCollectionLoadDoesNotBlockCachedReads(t *testing.T) {
	ctx := context.Background()
	p, interactor := setup(t)
	_, err := p.CreateCollection(ctx, authors())
	require.NoError(t, err)
	_, err = p.CreateCollection(ctx, books())
	require.NoError(t, err)

	gated := &gatedInteractor{DatabaseInteractor: interactor}
	fresh, err := persistence.NewPersistence(ctx, gated)
	require.NoError(t, err)
	t.Cleanup(fresh.Close)
	_, err = fresh.Collection(ctx, "authors")
	require.NoError(t, err)

	gated.arm()
	loaded := make(chan error, 1)
	go func() {
		_, err := fresh.Collection(ctx, "books")
		loaded <- err
	}()
	<-gated.entered

	cached := make(chan string, 1)
	go func() {
		c, err := fresh.Collection(ctx, "authors")
		if err == nil {
			cached <- c.Name
		}
	}()
	select {
	case name := <-cached:
		assert.Equal(t, "authors", name)
	case <-time.After(time.Second):
		t.Fatal("cached read waited for an unrelated load")
	}

	close(gated.release)
	require.NoError(t, <-loaded)
	c, err := fresh.Collection(ctx, "books")
	require.NoError(t, err)
	assert.Equal(t, "books", c.Name)
}

func TestCollectionSeesMetadataWrites(t *testing.T) {
	ctx := context.Background()
	p, _ := setup(t)
	_, err := p.CreateCollection(ctx, authors())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Collection(ctx, "authors")
			assert.NoError(t, err)
			assert.Equal(t, "authors", c.Name)
		}()
	}
	wg.Wait()

	updated := authors()
	updated.ListRule = `@request.auth.role = "admin"`
	_, _, err = p.UpdateCollection(ctx, "authors", updated)
	require.NoError(t, err)
	c, err := p.Collection(ctx, "authors")
	require.NoError(t, err)
	assert.Equal(t, `@request.auth.role = "admin"`, c.ListRule)
}
