package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskbridge/internal/models"
)

const taskColumns = `id, notes_id, scheduler_id, title, status, priority, due_date, duration_minutes,
        description, wants_scheduling, last_edited_in_notes, sync_status,
        scheduler_sync_needed, scheduler_priority, scheduler_last_attempt, notes_sync_needed,
        scheduled_start, scheduled_end, scheduler_status, scheduler_completed, deadline_type, scheduling_issue,
        error_message, error_count, sync_lock_until, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (models.LedgerTask, error) {
	var t models.LedgerTask
	err := row.Scan(
		&t.ID, &t.NotesID, &t.SchedulerID, &t.Title, &t.Status, &t.Priority, &t.DueDate, &t.DurationMinutes,
		&t.Description, &t.WantsScheduling, &t.LastEditedInNotes, &t.SyncStatus,
		&t.SchedulerSyncNeeded, &t.SchedulerPriority, &t.SchedulerLastAttempt, &t.NotesSyncNeeded,
		&t.Scheduler.ScheduledStart, &t.Scheduler.ScheduledEnd, &t.Scheduler.Status, &t.Scheduler.Completed,
		&t.Scheduler.DeadlineType, &t.Scheduler.SchedulingIssue,
		&t.ErrorMessage, &t.ErrorCount, &t.SyncLockUntil, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

// UpsertFromNotes writes the Notes-authoritative fields of a task into the
// ledger. The statement is a no-op (updated_at untouched) when nothing
// differs, so callers can use the returned flag as a "something changed"
// signal without false positives. Scheduler snapshot columns are never
// written here.
func (db *DB) UpsertFromNotes(ctx context.Context, task models.NotesTask) (bool, error) {
	query := `
        INSERT INTO tasks (notes_id, title, status, priority, due_date, duration_minutes, description,
                           wants_scheduling, last_edited_in_notes, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(notes_id) DO UPDATE SET
            title = excluded.title,
            status = excluded.status,
            priority = excluded.priority,
            due_date = excluded.due_date,
            duration_minutes = excluded.duration_minutes,
            description = excluded.description,
            wants_scheduling = excluded.wants_scheduling,
            last_edited_in_notes = excluded.last_edited_in_notes,
            updated_at = excluded.updated_at
        WHERE tasks.title != excluded.title
           OR tasks.status != excluded.status
           OR tasks.priority != excluded.priority
           OR tasks.due_date IS NOT excluded.due_date
           OR tasks.duration_minutes != excluded.duration_minutes
           OR tasks.description != excluded.description
           OR tasks.wants_scheduling != excluded.wants_scheduling
           OR tasks.last_edited_in_notes IS NOT excluded.last_edited_in_notes
    `
	now := time.Now()
	result, err := db.db.ExecContext(ctx, query,
		task.ID,
		task.Title,
		task.Status,
		task.Priority,
		task.DueDate,
		task.DurationMinutes,
		task.Description,
		task.WantsScheduling,
		task.LastEdited,
		now,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkSchedulerSyncNeeded admits a row into the slow queue. An already
// admitted row keeps its more urgent priority.
func (db *DB) MarkSchedulerSyncNeeded(ctx context.Context, notesID string, priority int) error {
	query := `UPDATE tasks
              SET scheduler_priority = CASE WHEN scheduler_sync_needed = 1
                                            THEN MIN(scheduler_priority, ?)
                                            ELSE ? END,
                  scheduler_sync_needed = 1,
                  updated_at = ?
              WHERE notes_id = ?`
	result, err := db.db.ExecContext(ctx, query, priority, priority, time.Now(), notesID)
	if err != nil {
		return fmt.Errorf("failed to mark scheduler sync needed for %s: %w", notesID, err)
	}
	return requireRow(result, notesID)
}

// MarkNotesSyncNeeded admits a row into the fast write-back queue.
func (db *DB) MarkNotesSyncNeeded(ctx context.Context, notesID string) error {
	query := `UPDATE tasks SET notes_sync_needed = 1, updated_at = ? WHERE notes_id = ?`
	result, err := db.db.ExecContext(ctx, query, time.Now(), notesID)
	if err != nil {
		return fmt.Errorf("failed to mark notes sync needed for %s: %w", notesID, err)
	}
	return requireRow(result, notesID)
}

// ClaimSchedulerWork atomically claims up to limit eligible rows by
// stamping a lease on them inside one transaction. A row is eligible when
// it needs scheduler work, its cool-down window has elapsed, and no other
// worker holds a live lease on it. Rows come back in
// (priority, last attempt NULLS FIRST, updated) order.
func (db *DB) ClaimSchedulerWork(ctx context.Context, limit int, coolDown, lease time.Duration) ([]models.LedgerTask, error) {
	now := time.Now()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + taskColumns + `
              FROM tasks
              WHERE scheduler_sync_needed = 1
                AND (scheduler_last_attempt IS NULL OR scheduler_last_attempt <= ?)
                AND (sync_lock_until IS NULL OR sync_lock_until <= ?)
              ORDER BY scheduler_priority ASC,
                       scheduler_last_attempt IS NOT NULL,
                       scheduler_last_attempt ASC,
                       updated_at ASC
              LIMIT ?`
	rows, err := tx.QueryContext(ctx, query, now.Add(-coolDown), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable rows: %w", err)
	}

	var tasks []models.LedgerTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan claimable row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	lockUntil := now.Add(lease)
	for i := range tasks {
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET sync_lock_until = ?, sync_status = ? WHERE id = ?`,
			lockUntil, models.SyncStatusSyncing, tasks[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to lease row %d: %w", tasks[i].ID, err)
		}
		tasks[i].SyncLockUntil = &lockUntil
		tasks[i].SyncStatus = models.SyncStatusSyncing
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return tasks, nil
}

// CompleteSchedulerSync finishes a slow-path operation: clears the queue
// flag, stamps the attempt, records the (possibly nil) scheduler id and
// schedules a Notes write-back so the identifier change propagates. A
// missing row means the ledger and the caller disagree about the task's
// existence; that is surfaced as ErrNoRow, never swallowed.
func (db *DB) CompleteSchedulerSync(ctx context.Context, notesID string, schedulerID *string) error {
	return db.completeSchedulerSyncExec(ctx, db.db, notesID, schedulerID)
}

// CompleteSchedulerSyncTx is the transactional variant used by the
// compensator.
func (db *DB) CompleteSchedulerSyncTx(ctx context.Context, tx *sql.Tx, notesID string, schedulerID *string) error {
	return db.completeSchedulerSyncExec(ctx, tx, notesID, schedulerID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (db *DB) completeSchedulerSyncExec(ctx context.Context, ex execer, notesID string, schedulerID *string) error {
	now := time.Now()
	query := `UPDATE tasks
              SET scheduler_sync_needed = 0,
                  scheduler_id = ?,
                  scheduler_last_attempt = ?,
                  notes_sync_needed = 1,
                  sync_status = ?,
                  error_message = NULL,
                  error_count = 0,
                  sync_lock_until = NULL,
                  updated_at = ?
              WHERE notes_id = ?`
	result, err := ex.ExecContext(ctx, query, schedulerID, now, models.SyncStatusSynced, now, notesID)
	if err != nil {
		return fmt.Errorf("failed to complete scheduler sync for %s: %w", notesID, err)
	}
	if err := requireRow(result, notesID); err != nil {
		return fmt.Errorf("complete scheduler sync: %w", err)
	}
	return nil
}

// CompleteNotesSync clears the fast write-back flag.
func (db *DB) CompleteNotesSync(ctx context.Context, notesID string) error {
	query := `UPDATE tasks SET notes_sync_needed = 0, updated_at = ? WHERE notes_id = ?`
	result, err := db.db.ExecContext(ctx, query, time.Now(), notesID)
	if err != nil {
		return fmt.Errorf("failed to complete notes sync for %s: %w", notesID, err)
	}
	return requireRow(result, notesID)
}

// RecordSchedulerError stamps a failed slow-path attempt. The attempt
// timestamp starts the cool-down window; the lease is released so another
// worker may retry once the window elapses.
func (db *DB) RecordSchedulerError(ctx context.Context, notesID, message string) error {
	now := time.Now()
	query := `UPDATE tasks
              SET error_message = ?,
                  error_count = error_count + 1,
                  scheduler_last_attempt = ?,
                  sync_status = ?,
                  sync_lock_until = NULL,
                  updated_at = ?
              WHERE notes_id = ?`
	result, err := db.db.ExecContext(ctx, query, message, now, models.SyncStatusError, now, notesID)
	if err != nil {
		return fmt.Errorf("failed to record scheduler error for %s: %w", notesID, err)
	}
	return requireRow(result, notesID)
}

// ResetErrors clears error state on every failed row and re-admits it to
// the slow queue. Operator tooling uses this after an upstream outage.
func (db *DB) ResetErrors(ctx context.Context) (int64, error) {
	now := time.Now()
	query := `UPDATE tasks
              SET error_message = NULL,
                  error_count = 0,
                  scheduler_sync_needed = 1,
                  sync_status = ?,
                  sync_lock_until = NULL,
                  updated_at = ?
              WHERE sync_status = ?`
	result, err := db.db.ExecContext(ctx, query, models.SyncStatusPending, now, models.SyncStatusError)
	if err != nil {
		return 0, fmt.Errorf("failed to reset errored tasks: %w", err)
	}
	return result.RowsAffected()
}

// DetectSchedulerSyncNeeds is the single authority for slow-queue
// admission, run at the top of every slow cycle. It flags, in order:
// unlinked tasks that want scheduling (priority 1), linked tasks that no
// longer want scheduling (priority 3), and linked tasks edited in Notes
// after their last successful sync (priority 2). staleSkew bounds how old a
// last attempt may be before a still-wanting task is re-flagged.
func (db *DB) DetectSchedulerSyncNeeds(ctx context.Context, staleSkew time.Duration) (int64, error) {
	now := time.Now()
	staleBefore := now.Add(-staleSkew)

	statements := []struct {
		query string
		args  []any
	}{
		{
			query: `UPDATE tasks
                    SET scheduler_sync_needed = 1, scheduler_priority = ?, updated_at = ?
                    WHERE wants_scheduling = 1 AND scheduler_sync_needed = 0
                      AND (scheduler_id IS NULL
                           OR scheduler_last_attempt IS NULL
                           OR scheduler_last_attempt <= ?)`,
			args: []any{models.PriorityNewTask, now, staleBefore},
		},
		{
			query: `UPDATE tasks
                    SET scheduler_sync_needed = 1, scheduler_priority = ?, updated_at = ?
                    WHERE wants_scheduling = 0 AND scheduler_sync_needed = 0
                      AND scheduler_id IS NOT NULL`,
			args: []any{models.PriorityUnlink, now},
		},
		{
			query: `UPDATE tasks
                    SET scheduler_sync_needed = 1, scheduler_priority = ?, updated_at = ?
                    WHERE wants_scheduling = 1 AND scheduler_sync_needed = 0
                      AND scheduler_id IS NOT NULL
                      AND (scheduler_last_attempt IS NULL OR last_edited_in_notes > scheduler_last_attempt)`,
			args: []any{models.PriorityFieldUpdate, now},
		},
	}

	var flagged int64
	for _, st := range statements {
		result, err := db.db.ExecContext(ctx, st.query, st.args...)
		if err != nil {
			return flagged, fmt.Errorf("failed to detect scheduler sync needs: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return flagged, err
		}
		flagged += n
	}
	return flagged, nil
}

// UpdateSchedulerSnapshot stores the Scheduler-computed fields on a row and
// flags a Notes write-back when anything actually changed.
func (db *DB) UpdateSchedulerSnapshot(ctx context.Context, notesID string, fields models.SchedulerFields) (bool, error) {
	query := `UPDATE tasks
              SET scheduled_start = ?,
                  scheduled_end = ?,
                  scheduler_status = ?,
                  scheduler_completed = ?,
                  deadline_type = ?,
                  scheduling_issue = ?,
                  notes_sync_needed = 1,
                  updated_at = ?
              WHERE notes_id = ?
                AND (scheduled_start IS NOT ?
                     OR scheduled_end IS NOT ?
                     OR scheduler_status != ?
                     OR scheduler_completed != ?
                     OR deadline_type != ?
                     OR scheduling_issue != ?)`
	result, err := db.db.ExecContext(ctx, query,
		fields.ScheduledStart, fields.ScheduledEnd, fields.Status, fields.Completed, fields.DeadlineType, fields.SchedulingIssue,
		time.Now(), notesID,
		fields.ScheduledStart, fields.ScheduledEnd, fields.Status, fields.Completed, fields.DeadlineType, fields.SchedulingIssue,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update scheduler snapshot for %s: %w", notesID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ClearPhantomSchedulerID detaches a scheduler identifier the provider no
// longer recognizes and re-queues the row as brand new. The scheduler_id
// guard makes the operation idempotent: a second call with the same phantom
// id matches nothing and reports false.
func (db *DB) ClearPhantomSchedulerID(ctx context.Context, notesID, phantomID string) (bool, error) {
	query := `UPDATE tasks
              SET scheduler_id = NULL,
                  scheduler_sync_needed = 1,
                  scheduler_priority = ?,
                  notes_sync_needed = 1,
                  sync_status = ?,
                  updated_at = ?
              WHERE notes_id = ? AND scheduler_id = ?`
	result, err := db.db.ExecContext(ctx, query,
		models.PriorityNewTask, models.SyncStatusPending, time.Now(), notesID, phantomID)
	if err != nil {
		return false, fmt.Errorf("failed to clear phantom id for %s: %w", notesID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetTask returns the ledger row for a notes id.
func (db *DB) GetTask(ctx context.Context, notesID string) (*models.LedgerTask, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE notes_id = ?`
	t, err := scanTask(db.db.QueryRowContext(ctx, query, notesID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRow
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", notesID, err)
	}
	return &t, nil
}

// GetTaskBySchedulerID returns the ledger row linked to a scheduler id.
func (db *DB) GetTaskBySchedulerID(ctx context.Context, schedulerID string) (*models.LedgerTask, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE scheduler_id = ?`
	t, err := scanTask(db.db.QueryRowContext(ctx, query, schedulerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRow
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task by scheduler id %s: %w", schedulerID, err)
	}
	return &t, nil
}

// ListNotesSyncNeeded returns rows awaiting a Ledger -> Notes write-back.
func (db *DB) ListNotesSyncNeeded(ctx context.Context) ([]models.LedgerTask, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE notes_sync_needed = 1 ORDER BY updated_at ASC`
	return db.listTasks(ctx, query)
}

// ListLinkedTasks returns every row with a non-null scheduler id, for the
// bulk phantom sweep.
func (db *DB) ListLinkedTasks(ctx context.Context) ([]models.LedgerTask, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE scheduler_id IS NOT NULL ORDER BY updated_at ASC`
	return db.listTasks(ctx, query)
}

// ListSchedulerQueue returns rows currently admitted to the slow queue, in
// claim order, for diagnostics.
func (db *DB) ListSchedulerQueue(ctx context.Context) ([]models.LedgerTask, error) {
	query := `SELECT ` + taskColumns + `
              FROM tasks WHERE scheduler_sync_needed = 1
              ORDER BY scheduler_priority ASC,
                       scheduler_last_attempt IS NOT NULL,
                       scheduler_last_attempt ASC,
                       updated_at ASC`
	return db.listTasks(ctx, query)
}

// ListAllNotesIDs returns the set of notes ids known to the ledger.
func (db *DB) ListAllNotesIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT notes_id FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// DeleteTask removes a ledger row. Only called when the Notes task itself
// is gone.
func (db *DB) DeleteTask(ctx context.Context, notesID string) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM tasks WHERE notes_id = ?`, notesID)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", notesID, err)
	}
	return nil
}

func (db *DB) listTasks(ctx context.Context, query string, args ...any) ([]models.LedgerTask, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.LedgerTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func requireRow(result sql.Result, notesID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: notes_id=%s", ErrNoRow, notesID)
	}
	return nil
}
