package models

const (
	SyncStatusPending = "pending"
	SyncStatusSyncing = "syncing"
	SyncStatusSynced  = "synced"
	SyncStatusError   = "error"
)

// Slow-queue admission priorities; lower is more urgent.
const (
	PriorityNewTask     = 1
	PriorityFieldUpdate = 2
	PriorityUnlink      = 3
)

// History log actions.
const (
	ActionSchedulerCreate = "scheduler_create"
	ActionSchedulerUpdate = "scheduler_update"
	ActionSchedulerDelete = "scheduler_delete"
	ActionNotesPush       = "notes_push"
	ActionPhantomCleared  = "phantom_cleared"
	ActionOrphanFlagged   = "orphan_flagged"
	ActionDivergence      = "critical_divergence"
)

const (
	// DefaultFingerprintTTL lifetime of a cached task fingerprint, seconds.
	DefaultFingerprintTTL = 24 * 60 * 60

	// DefaultSlowBatchSize rows claimed per slow cycle.
	DefaultSlowBatchSize = 25

	// DescriptionFingerprintLimit characters of description that take part
	// in change detection.
	DescriptionFingerprintLimit = 500
)
