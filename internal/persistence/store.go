// Package persistence stores checkpoints and per-run records (aggregate
// results, performance metrics, fix history) in SQLite or as JSON files.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
	_ "modernc.org/sqlite"

	"github.com/aristath/taskforge/internal/checkpoint"
)

// Record kinds.
const (
	KindAggregate = "aggregate"
	KindMetrics   = "metrics"
	KindFixRun    = "fixrun"
)

// opTimeout bounds every single database operation.
const opTimeout = 5 * time.Second

// RecordStore keeps one JSON record per (kind, run id). Writing a record
// again replaces it.
type RecordStore interface {
	PutRecord(ctx context.Context, kind, runID string, v any) (string, error)
	GetRecord(ctx context.Context, kind, runID string, v any) error
	ListRecords(ctx context.Context, kind string) ([]string, error)
}

// Store is the full persistence surface.
type Store interface {
	checkpoint.Store
	RecordStore
	Close() error
}

// Open returns the store for driver ("sqlite" or "file") at path.
func Open(ctx context.Context, driver, path string) (Store, error) {
	switch driver {
	case "sqlite":
		return NewSQLiteStore(ctx, path)
	case "file":
		return NewFileStore(afero.NewOsFs(), path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(2)

	return initStore(ctx, db)
}

// NewMemoryStore creates a private in-memory SQLite store for testing.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	// Each store gets its own named database; a single connection keeps it
	// alive and avoids shared-cache table locks.
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&_txlock=immediate", ulid.Make().String())
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	db.SetMaxOpenConns(1)

	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
