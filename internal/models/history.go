package models

import "time"

// HistoryEntry is one line of the append-only audit log. The reconcilers
// write entries around every external mutation; nothing in the sync path
// reads them back.
type HistoryEntry struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	NotesID       string    `json:"notes_id"`
	SchedulerID   *string   `json:"scheduler_id"`
	Action        string    `json:"action"`
	Payload       string    `json:"payload"`
	Error         *string   `json:"error"`
	CreatedAt     time.Time `json:"created_at"`
}
