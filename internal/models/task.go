package models

import "time"

// LedgerTask is one row of the sync ledger: everything the bridge knows
// about a single task across Notes and Scheduler. NotesID is the primary
// join key; SchedulerID is nil until the task has been created in Scheduler.
type LedgerTask struct {
	ID                int64      `json:"id"`
	NotesID           string     `json:"notes_id"`
	SchedulerID       *string    `json:"scheduler_id"`
	Title             string     `json:"title"`
	Status            string     `json:"status"`
	Priority          int        `json:"priority"`
	DueDate           *time.Time `json:"due_date"`
	DurationMinutes   int        `json:"duration_minutes"`
	Description       string     `json:"description"`
	WantsScheduling   bool       `json:"wants_scheduling"`
	LastEditedInNotes time.Time  `json:"last_edited_in_notes"`

	SyncStatus string `json:"sync_status"`

	SchedulerSyncNeeded  bool       `json:"scheduler_sync_needed"`
	SchedulerPriority    int        `json:"scheduler_priority"`
	SchedulerLastAttempt *time.Time `json:"scheduler_last_attempt"`
	NotesSyncNeeded      bool       `json:"notes_sync_needed"`

	Scheduler SchedulerFields `json:"scheduler"`

	ErrorMessage  *string    `json:"error_message"`
	ErrorCount    int        `json:"error_count"`
	SyncLockUntil *time.Time `json:"sync_lock_until"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SchedulerFields is the read-only snapshot of Scheduler-computed data kept
// on a ledger row. It exists only to be propagated back to Notes; slow-path
// writes never read from it to build a Scheduler payload.
type SchedulerFields struct {
	ScheduledStart  *time.Time `json:"scheduled_start"`
	ScheduledEnd    *time.Time `json:"scheduled_end"`
	Status          string     `json:"status"`
	Completed       bool       `json:"completed"`
	DeadlineType    string     `json:"deadline_type"`
	SchedulingIssue bool       `json:"scheduling_issue"`
}

// HasSchedulerID reports whether the row is linked to a Scheduler resource.
func (t *LedgerTask) HasSchedulerID() bool {
	return t.SchedulerID != nil && *t.SchedulerID != ""
}

// SchedulingIssue derives the issue flag from canonical fields instead of
// trusting the provider-reported one: a task has an issue when it is past
// due and unresolved, or when Scheduler planned it to finish after its due
// date.
func (t *LedgerTask) SchedulingIssue(now time.Time) bool {
	if t.DueDate == nil || t.Scheduler.Completed {
		return false
	}
	if now.After(*t.DueDate) {
		return true
	}
	if t.Scheduler.ScheduledEnd != nil && t.Scheduler.ScheduledEnd.After(*t.DueDate) {
		return true
	}
	return false
}

// NotesTask is the canonical record for a task as seen in Notes. Adapters
// translate provider payloads into this shape before anything touches the
// ledger.
type NotesTask struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	Priority        int        `json:"priority"`
	DueDate         *time.Time `json:"due_date"`
	DurationMinutes int        `json:"duration_minutes"`
	Description     string     `json:"description"`
	WantsScheduling bool       `json:"wants_scheduling"`
	LastEdited      time.Time  `json:"last_edited"`

	// Mirror block: Scheduler-owned values written back to Notes by the
	// fast reconciler.
	SchedulerID string          `json:"scheduler_id"`
	Scheduler   SchedulerFields `json:"scheduler"`
}

// SchedulerTask is the canonical record for a task as seen in Scheduler.
// ScheduledStart/End stay nil until the provider's own planner has run.
type SchedulerTask struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	Priority        int        `json:"priority"`
	DueDate         *time.Time `json:"due_date"`
	DurationMinutes int        `json:"duration_minutes"`
	ScheduledStart  *time.Time `json:"scheduled_start"`
	ScheduledEnd    *time.Time `json:"scheduled_end"`
	Completed       bool       `json:"completed"`
	CompletedAt     *time.Time `json:"completed_at"`
	DeadlineType    string     `json:"deadline_type"`
}
