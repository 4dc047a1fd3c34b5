// Package sqlstore implements persistence.DatabaseInteractor on top of
// database/sql. Everything that differs between database engines (column
// types, placeholders, JSON access, error codes, bootstrap migrations) sits
// behind the Dialect interface, so the sqlite and postgres packages only
// provide a Dialect and an Open function.
package sqlstore

import (
	"context"
	"database/sql"
	"strings"

	"github.com/asaidimu/go-recordbase/core/schema"
)

// JSONKind classifies JSON scalars for ordered comparisons.
type JSONKind int

const (
	JSONNumber JSONKind = iota
	JSONString
)

// Dialect captures the SQL differences between supported engines.
type Dialect interface {
	// Name identifies the dialect in logs.
	Name() string

	// Placeholder returns the bind parameter for the n-th argument, 1-based.
	Placeholder(n int) string

	// ColumnType maps a compiled column onto its SQL type.
	ColumnType(col schema.ColumnDescriptor) string

	// RowIDColumn names the physical insertion-order column.
	RowIDColumn() string

	// RowIDDefinition is the extra column definition that creates the
	// insertion-order column, or "" when the engine provides one implicitly.
	RowIDDefinition() string

	// RandomFunc is the expression used for random ordering.
	RandomFunc() string

	// Like renders a case-insensitive pattern match of expr against the
	// placeholder ph. The pattern uses backslash as its escape character.
	Like(expr, ph string, negate bool) string

	// ArrayElements renders a FROM item that yields one row per element of
	// the JSON array in expr, with the element text in alias.value and its
	// JSON type in alias.type.
	ArrayElements(expr, alias string) string

	// ElementIs renders a condition that holds when the array element in
	// alias is a JSON value of kind.
	ElementIs(alias string, kind JSONKind) string

	// JSONExtract renders access to the scalar at path inside a JSON column.
	JSONExtract(expr string, path []string) string

	// NumericCast renders expr as a number for numeric comparisons of JSON
	// extracted values. Values that are not numbers become NULL.
	NumericCast(expr string) string

	// JSONValue converts a comparison value for use against JSON extracted
	// values.
	JSONValue(v any) any

	// LimitOffset renders the pagination clause. A zero limit means no limit.
	LimitOffset(limit, offset int) string

	// IsUniqueViolation reports whether err was raised by a unique constraint.
	IsUniqueViolation(err error) bool

	// TableExistsSQL returns a query with one placeholder that counts tables
	// and views with the given name.
	TableExistsSQL() string

	// Migrate applies the embedded bootstrap migrations.
	Migrate(ctx context.Context, db *sql.DB) error
}

// QuoteIdentifier safely quotes an identifier, such as a table or column name.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteLiteral quotes a string literal for DDL and JSON path expressions. It
// is only ever applied to validated identifiers.
func QuoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

// EscapeLike escapes the LIKE wildcards of s with backslashes.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
