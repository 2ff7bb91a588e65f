// Package reconciler contains the two asymmetric-speed synchronization
// loops and phantom-identifier recovery. The ledger is the only shared
// state between them; neither loop calls the other.
package reconciler

import (
	"encoding/json"
	"time"

	"taskbridge/internal/models"
)

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// buildSchedulerTask maps the ledger's canonical fields into a Scheduler
// payload. Scheduler-computed snapshot fields are deliberately absent:
// they never drive Scheduler writes.
func buildSchedulerTask(row models.LedgerTask) models.SchedulerTask {
	return models.SchedulerTask{
		Name:            row.Title,
		Status:          row.Status,
		Priority:        row.Priority,
		DueDate:         row.DueDate,
		DurationMinutes: row.DurationMinutes,
	}
}

// schedulerStateDiverges reports whether the Scheduler's current view of a
// task differs from what the ledger would push.
func schedulerStateDiverges(current models.SchedulerTask, row models.LedgerTask) bool {
	want := buildSchedulerTask(row)
	if current.Name != want.Name ||
		current.Status != want.Status ||
		current.Priority != want.Priority ||
		current.DurationMinutes != want.DurationMinutes {
		return true
	}
	return !dueDatesEqual(current.DueDate, want.DueDate)
}

func dueDatesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func mirrorPayload(row models.LedgerTask) string {
	raw, err := json.Marshal(struct {
		SchedulerID *string                `json:"scheduler_id"`
		Fields      models.SchedulerFields `json:"fields"`
	}{row.SchedulerID, row.Scheduler})
	if err != nil {
		return ""
	}
	return string(raw)
}

func taskPayload(task models.SchedulerTask) string {
	raw, err := json.Marshal(task)
	if err != nil {
		return ""
	}
	return string(raw)
}
