// Package postgres provides the PostgreSQL dialect of the SQL store, connected
// through the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/asaidimu/go-recordbase/core/schema"
	"github.com/asaidimu/go-recordbase/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// Dialect is the PostgreSQL implementation of sqlstore.Dialect.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (Dialect) ColumnType(col schema.ColumnDescriptor) string {
	switch col.Kind {
	case schema.ColumnVarchar:
		return fmt.Sprintf("VARCHAR(%d)", col.Size)
	case schema.ColumnFloat:
		return "DOUBLE PRECISION"
	case schema.ColumnBool:
		return "BOOLEAN"
	case schema.ColumnDate:
		return "DATE"
	case schema.ColumnTimestamp:
		return "TIMESTAMPTZ"
	case schema.ColumnID:
		return fmt.Sprintf("CHAR(%d)", schema.IDLength)
	case schema.ColumnJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (Dialect) RowIDColumn() string { return "_rowid" }

func (Dialect) RowIDDefinition() string { return `"_rowid" BIGSERIAL` }

func (Dialect) RandomFunc() string { return "RANDOM()" }

func (Dialect) Like(expr, ph string, negate bool) string {
	if negate {
		return fmt.Sprintf("COALESCE(%s::text, '') NOT ILIKE %s", expr, ph)
	}
	return fmt.Sprintf("%s::text ILIKE %s", expr, ph)
}

// ArrayElements tolerates non-array values, which yield no rows.
func (Dialect) ArrayElements(expr, alias string) string {
	return fmt.Sprintf("(SELECT e #>> '{}' AS value, jsonb_typeof(e) AS type FROM jsonb_array_elements(CASE WHEN jsonb_typeof(%s) = 'array' THEN %s ELSE '[]'::jsonb END) AS x(e)) AS %s",
		expr, expr, alias)
}

func (Dialect) ElementIs(alias string, kind sqlstore.JSONKind) string {
	if kind == sqlstore.JSONNumber {
		return alias + ".type = 'number'"
	}
	return alias + ".type = 'string'"
}

func (Dialect) JSONExtract(expr string, path []string) string {
	return fmt.Sprintf("(%s #>> %s)", expr, sqlstore.QuoteLiteral("{"+strings.Join(path, ",")+"}"))
}

// NumericCast guards the cast with a pattern match so text that is not a
// number yields NULL instead of a cast error.
func (Dialect) NumericCast(expr string) string {
	return fmt.Sprintf(`(CASE WHEN (%s) ~ '^\s*-?(\d+(\.\d*)?|\.\d+)([eE][-+]?\d+)?\s*$' THEN (%s)::double precision END)`, expr, expr)
}

// JSONValue renders values as the text #>> produces.
func (Dialect) JSONValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func (Dialect) LimitOffset(limit, offset int) string {
	var sb strings.Builder
	if limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}
	if offset > 0 {
		sb.WriteString(fmt.Sprintf(" OFFSET %d", offset))
	}
	return sb.String()
}

func (Dialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (Dialect) TableExistsSQL() string {
	return `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1`
}

// Migrate applies the embedded migrations with golang-migrate.
func (Dialect) Migrate(ctx context.Context, db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
