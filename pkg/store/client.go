// Package store provides the SQLite persistence layer: sessions, agents,
// cards, cache entries, and the id sequences behind card and agent
// identifiers. All writes that touch more than one row run in a single
// transaction; progress events are published only after commit.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // Register sqlite3 driver for database/sql

	"github.com/tessellate-ai/cardinal/pkg/bus"
	"github.com/tessellate-ai/cardinal/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Options configures a Store.
type Options struct {
	// Path is the SQLite database file. Required.
	Path string

	// ProjectCode prefixes card identifiers (e.g. "PRJ").
	ProjectCode string

	// Bus receives card events after commit. Optional.
	Bus *bus.Bus

	Logger *slog.Logger
}

// Store wraps the SQLite handle and owns all SQL in the system.
type Store struct {
	db          *sqlx.DB
	bus         *bus.Bus
	logger      *slog.Logger
	projectCode string
}

// New opens (creating if needed) the database at opts.Path and applies all
// pending migrations.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, NewValidationError("path", "store path is required")
	}
	if opts.ProjectCode == "" {
		opts.ProjectCode = "PRJ"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.Open("sqlite3", buildDSN(opts.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer at a time. A single pooled connection keeps
	// every statement on the same handle, so writers queue on busy_timeout
	// instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Store opened", "path", opts.Path, "project_code", opts.ProjectCode)

	return &Store{
		db:          db,
		bus:         opts.Bus,
		logger:      logger.With("component", "store"),
		projectCode: opts.ProjectCode,
	}, nil
}

// buildDSN renders the sqlite3 connection string: WAL journaling for
// concurrent readers, a busy timeout so writers queue, and enforced foreign
// keys.
func buildDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on",
		url.PathEscape(path))
}

// runMigrations applies embedded SQL migrations with golang-migrate. The
// migration files are compiled into the binary, so deployments never depend
// on external schema files.
func runMigrations(db *sqlx.DB) error {
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "cardinal", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB out from under the store.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers that need direct queries, such as
// tests inspecting connection pragmas.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// ProjectCode returns the configured card id prefix.
func (s *Store) ProjectCode() string {
	return s.projectCode
}

// Ping verifies the store answers queries, not just that the handle is open.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var one int
	if err := s.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("store round-trip failed: %w", err)
	}
	return nil
}

// opCtx bounds a single store operation with the fixed per-attempt timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, config.StoreTimeout)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// publish forwards an event to the bus when one is attached.
func (s *Store) publish(evt bus.Event) {
	if s.bus != nil {
		s.bus.Publish(evt)
	}
}
