// Package sqlite provides the SQLite dialect of the SQL store. It works with
// both the cgo mattn/go-sqlite3 driver ("sqlite3") and the pure Go
// modernc.org/sqlite driver ("sqlite").
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	moderncsqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/asaidimu/go-recordbase/core/schema"
	"github.com/asaidimu/go-recordbase/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Dialect is the SQLite implementation of sqlstore.Dialect.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) ColumnType(col schema.ColumnDescriptor) string {
	switch col.Kind {
	case schema.ColumnVarchar:
		return fmt.Sprintf("VARCHAR(%d)", col.Size)
	case schema.ColumnFloat:
		return "REAL"
	case schema.ColumnBool:
		return "BOOLEAN"
	case schema.ColumnDate:
		return "DATE"
	case schema.ColumnID:
		return fmt.Sprintf("CHAR(%d)", schema.IDLength)
	default:
		// timestamps are stored as fixed-width UTC text so they sort lexically
		return "TEXT"
	}
}

func (Dialect) RowIDColumn() string { return "rowid" }

func (Dialect) RowIDDefinition() string { return "" }

func (Dialect) RandomFunc() string { return "RANDOM()" }

func (Dialect) Like(expr, ph string, negate bool) string {
	if negate {
		return fmt.Sprintf(`COALESCE(%s, '') NOT LIKE %s ESCAPE '\'`, expr, ph)
	}
	return fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, expr, ph)
}

func (Dialect) ArrayElements(expr, alias string) string {
	return fmt.Sprintf("json_each(%s) AS %s", expr, alias)
}

func (Dialect) ElementIs(alias string, kind sqlstore.JSONKind) string {
	if kind == sqlstore.JSONNumber {
		return alias + ".type IN ('integer', 'real')"
	}
	return alias + ".type = 'text'"
}

func (Dialect) JSONExtract(expr string, path []string) string {
	var sb strings.Builder
	sb.WriteString("$")
	for _, seg := range path {
		if _, err := strconv.Atoi(seg); err == nil {
			sb.WriteString("[" + seg + "]")
		} else {
			sb.WriteString("." + seg)
		}
	}
	return fmt.Sprintf("json_extract(%s, %s)", expr, sqlstore.QuoteLiteral(sb.String()))
}

// NumericCast keeps numbers and maps anything else to NULL, since SQLite
// orders text above every number.
func (Dialect) NumericCast(expr string) string {
	return fmt.Sprintf("(CASE WHEN typeof(%s) IN ('integer', 'real') THEN %s END)", expr, expr)
}

func (Dialect) JSONValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

func (Dialect) LimitOffset(limit, offset int) string {
	var sb strings.Builder
	switch {
	case limit > 0:
		sb.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	case offset > 0:
		sb.WriteString(" LIMIT -1")
	}
	if offset > 0 {
		sb.WriteString(fmt.Sprintf(" OFFSET %d", offset))
	}
	return sb.String()
}

func (Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *moderncsqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
	}
	// mattn/go-sqlite3 error codes need cgo; the message is stable across drivers
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (Dialect) TableExistsSQL() string {
	return "SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?"
}

// Migrate applies the embedded migrations with golang-migrate. The migrate
// instance is not closed, since closing it would close db.
func (Dialect) Migrate(ctx context.Context, db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
