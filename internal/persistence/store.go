package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is the journal of finished tasks. It records history only; the live
// task graph is never persisted or resumed.
type Store interface {
	// Runs
	StartRun(ctx context.Context) (string, error)
	FinishRun(ctx context.Context, runID string) error
	ListRuns(ctx context.Context) ([]Run, error)

	// Task records
	SaveRecord(ctx context.Context, rec *Record) error
	GetRecord(ctx context.Context, taskID string) (*Record, error)
	ListRecords(ctx context.Context, runID string) ([]*Record, error)

	// Captured output
	SaveOutput(ctx context.Context, taskID, stream, line string) error
	GetOutput(ctx context.Context, taskID string) ([]OutputLine, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite doesn't support _foreign_keys in the connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each store
// gets its own database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	// A single connection keeps every query on the same in-memory database
	return open(ctx, "file::memory:?mode=memory")
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Journal writes come from many finishing tasks at once; one connection
	// serializes them and keeps PRAGMAs in effect.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

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
