package persistence

import (
	"context"

	"github.com/asaidimu/go-recordbase/core/query"
	"github.com/asaidimu/go-recordbase/core/schema"
)

// RecordStore is generic CRUD bound to one collection's physical table.
type RecordStore interface {
	// Schema returns the collection the store is bound to.
	Schema() *schema.Collection

	// Create inserts a record and returns it with its server-assigned id and
	// timestamps. A caller-supplied id is kept when it is a valid uuid.
	Create(ctx context.Context, data map[string]any) (schema.Record, error)

	// Get returns the record with the given id, or a not_found error.
	Get(ctx context.Context, id string) (schema.Record, error)

	// List returns the records matching dsl. The filter tree is ANDed with the
	// optional search before sort and pagination apply. Without a sort, the
	// newest records come first.
	List(ctx context.Context, dsl *query.QueryDSL) ([]schema.Record, error)

	// Count returns how many records List would return without pagination.
	Count(ctx context.Context, dsl *query.QueryDSL) (int, error)

	// Update applies changes to one record and returns the refreshed row, or a
	// not_found error.
	Update(ctx context.Context, id string, changes Changes) (schema.Record, error)

	// Delete removes one record and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// FindByIDs fetches many records with a single id IN (...) query.
	FindByIDs(ctx context.Context, ids []string) ([]schema.Record, error)
}

// PersistenceInterface is the management plane: collection metadata CRUD,
// record stores and change-event subscriptions.
type PersistenceInterface interface {
	CreateCollection(ctx context.Context, def *schema.Collection) (*schema.Collection, error)
	Collection(ctx context.Context, name string) (*schema.Collection, error)
	Collections(ctx context.Context) ([]*schema.Collection, error)
	UpdateCollection(ctx context.Context, name string, def *schema.Collection) (*schema.Collection, *schema.MigrationReport, error)
	DeleteCollection(ctx context.Context, name string) error

	// Store returns the record store of a collection.
	Store(ctx context.Context, name string) (RecordStore, error)

	// Lookup adapts Collection for relation path resolution.
	Lookup(ctx context.Context) query.CollectionLookup

	Subscribe(opts SubscriptionOptions) (string, error)
	Unsubscribe(id string) bool
	Subscriptions() []SubscriptionInfo
}
