package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/asaidimu/go-recordbase/core/persistence"
	"github.com/asaidimu/go-recordbase/sqlstore"
)

// Driver names accepted by Open. The caller imports the driver package.
const (
	DriverMattn   = "sqlite3"
	DriverModernc = "sqlite"
)

// Open opens a SQLite database. An in-memory database lives on a single
// connection, so the pool is pinned to one connection for it.
func Open(driver, dsn string) (*sql.DB, error) {
	if driver == "" {
		driver = DriverMattn
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if IsMemory(dsn) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	return db, nil
}

// IsMemory reports whether dsn names an in-memory database.
func IsMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory") || strings.HasPrefix(dsn, "file::memory:")
}

// NewInteractor creates a DatabaseInteractor over a SQLite database.
func NewInteractor(db *sql.DB, logger *zap.Logger, options *persistence.InteractorOptions) *sqlstore.Interactor {
	return sqlstore.New(db, Dialect{}, logger, options)
}
