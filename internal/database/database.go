package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNoRow is returned when a ledger operation targets a notes id that has
// no row. Callers that treat the row's existence as a precondition must
// surface this instead of swallowing it.
var ErrNoRow = errors.New("ledger: no matching row")

// ErrCriticalDivergence marks the state where an external system was
// mutated but the ledger failed to record it.
var ErrCriticalDivergence = errors.New("ledger: critical divergence")

// DB wraps the sqlite ledger. It is the single coordination point between
// the reconcilers; all cross-loop state lives in its rows.
type DB struct {
	db     *sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("ledger database initialized")
	return &DB{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            notes_id TEXT UNIQUE NOT NULL,
            scheduler_id TEXT UNIQUE,
            title TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT '',
            priority INTEGER NOT NULL DEFAULT 0,
            due_date DATETIME,
            duration_minutes INTEGER NOT NULL DEFAULT 0,
            description TEXT NOT NULL DEFAULT '',
            wants_scheduling BOOLEAN NOT NULL DEFAULT 0,
            last_edited_in_notes DATETIME NOT NULL,
            sync_status TEXT NOT NULL DEFAULT 'pending',
            scheduler_sync_needed BOOLEAN NOT NULL DEFAULT 0,
            scheduler_priority INTEGER NOT NULL DEFAULT 2,
            scheduler_last_attempt DATETIME,
            notes_sync_needed BOOLEAN NOT NULL DEFAULT 0,
            scheduled_start DATETIME,
            scheduled_end DATETIME,
            scheduler_status TEXT NOT NULL DEFAULT '',
            scheduler_completed BOOLEAN NOT NULL DEFAULT 0,
            deadline_type TEXT NOT NULL DEFAULT '',
            scheduling_issue BOOLEAN NOT NULL DEFAULT 0,
            error_message TEXT,
            error_count INTEGER NOT NULL DEFAULT 0,
            sync_lock_until DATETIME,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS sync_history (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            correlation_id TEXT NOT NULL,
            notes_id TEXT NOT NULL,
            scheduler_id TEXT,
            action TEXT NOT NULL,
            payload TEXT NOT NULL DEFAULT '',
            error TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE INDEX IF NOT EXISTS idx_tasks_scheduler_needed ON tasks(scheduler_sync_needed, scheduler_priority)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_notes_needed ON tasks(notes_sync_needed)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_scheduler_id ON tasks(scheduler_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_notes_id ON sync_history(notes_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_created_at ON sync_history(created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func (db *DB) PingContext(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.db.Close()
}
