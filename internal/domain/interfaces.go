package domain

import (
	"context"
	"time"

	"taskbridge/internal/models"
)

// Ledger is the coordination surface the reconcilers share. Satisfied by
// *database.DB.
type Ledger interface {
	UpsertFromNotes(ctx context.Context, task models.NotesTask) (bool, error)
	MarkSchedulerSyncNeeded(ctx context.Context, notesID string, priority int) error
	MarkNotesSyncNeeded(ctx context.Context, notesID string) error
	ClaimSchedulerWork(ctx context.Context, limit int, coolDown, lease time.Duration) ([]models.LedgerTask, error)
	CompleteSchedulerSync(ctx context.Context, notesID string, schedulerID *string) error
	CompleteNotesSync(ctx context.Context, notesID string) error
	RecordSchedulerError(ctx context.Context, notesID, message string) error
	DetectSchedulerSyncNeeds(ctx context.Context, staleSkew time.Duration) (int64, error)
	UpdateSchedulerSnapshot(ctx context.Context, notesID string, fields models.SchedulerFields) (bool, error)
	ClearPhantomSchedulerID(ctx context.Context, notesID, phantomID string) (bool, error)
	GetTask(ctx context.Context, notesID string) (*models.LedgerTask, error)
	ListNotesSyncNeeded(ctx context.Context) ([]models.LedgerTask, error)
	ListLinkedTasks(ctx context.Context) ([]models.LedgerTask, error)
	ListAllNotesIDs(ctx context.Context) (map[string]struct{}, error)
	DeleteTask(ctx context.Context, notesID string) error
	AppendHistory(ctx context.Context, entry *models.HistoryEntry) error
}

// NotesAPI is the capability set the reconcilers need from the Notes
// product.
type NotesAPI interface {
	ListTasks(ctx context.Context) ([]models.NotesTask, error)
	GetTask(ctx context.Context, id string) (*models.NotesTask, error)
	UpdateSchedulerMirror(ctx context.Context, id string, schedulerID *string, fields models.SchedulerFields) error
}

// SchedulerAPI is the capability set the reconcilers need from the
// Scheduler product. GetTask and UpdateTask fail with a NotFound error on
// phantom or deleted identifiers.
type SchedulerAPI interface {
	ListTasks(ctx context.Context) ([]models.SchedulerTask, error)
	GetTask(ctx context.Context, id string) (*models.SchedulerTask, error)
	CreateTask(ctx context.Context, task models.SchedulerTask) (*models.SchedulerTask, error)
	UpdateTask(ctx context.Context, id string, task models.SchedulerTask) (*models.SchedulerTask, error)
	DeleteTask(ctx context.Context, id string) error
}

// FingerprintStore keeps the last observed fingerprint per notes id, with
// TTL expiry. Implementations live in internal/repository.
type FingerprintStore interface {
	Get(ctx context.Context, notesID string) (string, error)
	Set(ctx context.Context, notesID, fingerprint string) error
	Invalidate(ctx context.Context, notesID string) error
}

// EventPublisher decouples reconcilers from their observers.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// Alerter pushes critical conditions to an operator channel.
type Alerter interface {
	Alert(ctx context.Context, subject, detail string) error
}
