package database

import (
	"context"
	"fmt"
	"time"

	"taskbridge/internal/models"
)

// AppendHistory writes one audit entry. The history table is append-only;
// reconciliation never reads it back.
func (db *DB) AppendHistory(ctx context.Context, entry *models.HistoryEntry) error {
	query := `INSERT INTO sync_history (correlation_id, notes_id, scheduler_id, action, payload, error, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.db.ExecContext(ctx, query,
		entry.CorrelationID,
		entry.NotesID,
		entry.SchedulerID,
		entry.Action,
		entry.Payload,
		entry.Error,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	entry.ID = id
	entry.CreatedAt = now
	return nil
}

// ListHistory returns audit entries in a time range, newest first.
func (db *DB) ListHistory(ctx context.Context, from, to time.Time) ([]models.HistoryEntry, error) {
	query := `SELECT id, correlation_id, notes_id, scheduler_id, action, payload, error, created_at
              FROM sync_history
              WHERE created_at >= ? AND created_at <= ?
              ORDER BY created_at DESC`
	rows, err := db.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		err := rows.Scan(&e.ID, &e.CorrelationID, &e.NotesID, &e.SchedulerID, &e.Action, &e.Payload, &e.Error, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
