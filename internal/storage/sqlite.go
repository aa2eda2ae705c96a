package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a referenced task or scheduler does not exist
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when a write violates a boundary constraint
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when a requested status transition is
	// not reachable from the current state
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict is returned when a write races with a concurrent mutation
	// of the same row, or a terminal outcome would be flipped
	ErrConflict = errors.New("conflicting concurrent update")
)

// DB wraps the SQLite handle shared by the task and scheduler stores.
type DB struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(logger *zap.Logger, path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d := &DB{logger: logger, db: db}
	if err := d.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// initialize creates the necessary tables if they don't exist
func (d *DB) initialize() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS schedulers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			cron TEXT,
			every_seconds INTEGER,
			enabled INTEGER NOT NULL DEFAULT 1,
			source_id TEXT,
			created_by TEXT NOT NULL,
			next_run DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_schedulers_due ON schedulers(enabled, next_run);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			scheduler_id TEXT,
			source_id TEXT,
			status TEXT NOT NULL,
			metadata TEXT,
			error TEXT,
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_kind ON tasks(kind);
		CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}
