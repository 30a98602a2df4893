package database

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/autodev-ai/autodev/internal/config"
)

// Querier is the query surface shared by a live connection and an open
// transaction. All task-state mutations in the orchestrator go through
// ExecAffected so callers can detect lost CAS races (zero rows affected).
type Querier interface {
	// Select executes a query and scans rows into dest (slice pointer).
	Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error

	// Get executes a query expected to return a single row and scans into dest.
	// Column order must match the struct's `db`-tagged field order.
	Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error

	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...interface{}) error

	// ExecAffected executes a statement and reports how many rows changed.
	ExecAffected(ctx context.Context, query string, args ...interface{}) (int64, error)

	// Insert inserts a struct-tagged record into table and returns the new row ID.
	Insert(ctx context.Context, table string, record interface{}) (int64, error)

	// Update updates rows matching the where clause with values from record.
	Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error
}

// DB is the storage interface used throughout autodev.
// Implementations exist for SQLite (default) and MySQL.
type DB interface {
	Querier

	// Tx runs fn inside a transaction, committing on nil and rolling back on
	// error. The Querier passed to fn is bound to the transaction.
	Tx(ctx context.Context, fn func(q Querier) error) error

	// Upsert inserts or updates based on conflictCols.
	Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error

	// Migrate applies pending schema migrations in order.
	Migrate(ctx context.Context) error

	// Ping verifies the database connection is alive.
	Ping(ctx context.Context) error

	// Close releases the database connection.
	Close() error

	// Driver returns the backend name: "sqlite" or "mysql".
	Driver() string
}

// New returns a DB implementation matching cfg.Type.
// SQLite is the default when the type is empty or unrecognised.
func New(cfg config.DatabaseConfig) (DB, error) {
	switch cfg.Type {
	case "mysql":
		return NewMySQL(cfg)
	case "sqlite", "sqlite3", "":
		return NewSQLite(cfg)
	default:
		return nil, fmt.Errorf("unsupported database type %q (supported: sqlite, mysql)", cfg.Type)
	}
}

// WaitReady pings db with bounded exponential backoff so process start can
// ride out a briefly unavailable backend.
func WaitReady(ctx context.Context, db DB) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(func() error { return db.Ping(ctx) }, bo)
}
