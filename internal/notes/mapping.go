package notes

import (
	"time"

	"taskbridge/internal/models"
)

// pageObject is the wire shape of a task page. Field vocabulary translation
// stays here; reconciliation only ever sees models.NotesTask.
type pageObject struct {
	ID             string         `json:"id"`
	LastEditedTime time.Time      `json:"last_edited_time"`
	Properties     pageProperties `json:"properties"`
}

type pageProperties struct {
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	Priority        int        `json:"priority"`
	DueDate         *time.Time `json:"due_date"`
	DurationMinutes int        `json:"duration_minutes"`
	Description     string     `json:"description"`
	WantsScheduling bool       `json:"wants_scheduling"`

	SchedulerID     string     `json:"scheduler_id,omitempty"`
	ScheduledStart  *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd    *time.Time `json:"scheduled_end,omitempty"`
	SchedulerStatus string     `json:"scheduler_status,omitempty"`
	Completed       bool       `json:"completed,omitempty"`
	DeadlineType    string     `json:"deadline_type,omitempty"`
	SchedulingIssue bool       `json:"scheduling_issue,omitempty"`
}

type updateRequest struct {
	Properties map[string]any `json:"properties"`
}

func (p pageObject) toTask() models.NotesTask {
	return models.NotesTask{
		ID:              p.ID,
		Title:           p.Properties.Title,
		Status:          p.Properties.Status,
		Priority:        p.Properties.Priority,
		DueDate:         p.Properties.DueDate,
		DurationMinutes: p.Properties.DurationMinutes,
		Description:     p.Properties.Description,
		WantsScheduling: p.Properties.WantsScheduling,
		LastEdited:      p.LastEditedTime,
		SchedulerID:     p.Properties.SchedulerID,
		Scheduler: models.SchedulerFields{
			ScheduledStart:  p.Properties.ScheduledStart,
			ScheduledEnd:    p.Properties.ScheduledEnd,
			Status:          p.Properties.SchedulerStatus,
			Completed:       p.Properties.Completed,
			DeadlineType:    p.Properties.DeadlineType,
			SchedulingIssue: p.Properties.SchedulingIssue,
		},
	}
}

// mirrorProperties builds the writable mirror block. A nil scheduler id
// clears the reference on the page instead of leaving a dead one behind.
func mirrorProperties(schedulerID *string, fields models.SchedulerFields) map[string]any {
	id := ""
	if schedulerID != nil {
		id = *schedulerID
	}
	return map[string]any{
		"scheduler_id":     id,
		"scheduled_start":  fields.ScheduledStart,
		"scheduled_end":    fields.ScheduledEnd,
		"scheduler_status": fields.Status,
		"completed":        fields.Completed,
		"deadline_type":    fields.DeadlineType,
		"scheduling_issue": fields.SchedulingIssue,
	}
}
