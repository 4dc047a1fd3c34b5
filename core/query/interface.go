package query

import (
	"github.com/asaidimu/go-recordbase/core/schema"
)

// QueryGenerator translates a QueryDSL into a dialect-specific statement. The
// DSL must already be resolved: dotted fields carry their FieldPath.
type QueryGenerator interface {
	// SelectSQL builds the paginated, sorted SELECT for a collection.
	SelectSQL(c *schema.Collection, dsl *QueryDSL) (string, []any, error)
	// CountSQL builds the COUNT(*) counterpart of SelectSQL, ignoring sort and pagination.
	CountSQL(c *schema.Collection, dsl *QueryDSL) (string, []any, error)
}

// CollectionLookup resolves a collection by name while resolving relation paths.
type CollectionLookup func(name string) (*schema.Collection, error)
