package database

import (
	"context"
	"fmt"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
)

// DB is the generic storage interface used by the relay's durable sinks.
// Implementations exist for SQLite (default), MySQL and PostgreSQL. Queries
// use "?" placeholders; backends that need another style rebind them.
type DB interface {
	// Select executes a query and scans rows into dest (slice pointer).
	Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error

	// Get executes a query expected to return a single row and scans into dest.
	// dest may be a struct pointer or a pointer to a scalar.
	Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error

	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...interface{}) error

	// Insert inserts a struct-tagged record into table.
	Insert(ctx context.Context, table string, record interface{}) error

	// InsertIgnore inserts record unless a row matching conflictCols exists.
	InsertIgnore(ctx context.Context, table string, record interface{}, conflictCols []string) error

	// Migrate applies pending schema migrations in order.
	Migrate(ctx context.Context) error

	// Ping verifies the database connection is alive.
	Ping(ctx context.Context) error

	// Close releases the database connection.
	Close() error

	// Driver returns the backend name: "sqlite", "mysql" or "postgres".
	Driver() string
}

// New returns a DB implementation matching cfg.Driver.
// SQLite is the default when driver is empty.
func New(cfg config.DatabaseConfig) (DB, error) {
	switch cfg.Driver {
	case "mysql":
		return NewMySQL(cfg)
	case "postgres", "postgresql", "pgx":
		return NewPostgres(cfg)
	case "sqlite", "sqlite3", "":
		return NewSQLite(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q (supported: sqlite, mysql, postgres)", cfg.Driver)
	}
}
