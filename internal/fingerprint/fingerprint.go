// Package fingerprint computes content fingerprints over the semantically
// relevant fields of a task, so the reconcilers can skip outward calls when
// nothing meaningful changed. Pure computation, no I/O.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"taskbridge/internal/models"
)

// Compute returns a stable hex fingerprint of a task's name, status,
// priority, due date, duration, scheduling flag and truncated description.
// The scheduling flag is part of user intent: a flag-only flip must read
// as a change or it never reaches the ledger.
func Compute(task models.NotesTask) string {
	h := sha256.New()
	fmt.Fprintf(h, "title=%s\n", task.Title)
	fmt.Fprintf(h, "status=%s\n", task.Status)
	fmt.Fprintf(h, "priority=%d\n", task.Priority)
	fmt.Fprintf(h, "due=%s\n", formatDue(task.DueDate))
	fmt.Fprintf(h, "duration=%d\n", task.DurationMinutes)
	fmt.Fprintf(h, "wants_scheduling=%t\n", task.WantsScheduling)
	fmt.Fprintf(h, "description=%s\n", truncate(task.Description, models.DescriptionFingerprintLimit))
	return hex.EncodeToString(h.Sum(nil))
}

// Changed reports whether a re-sync is needed given the previously stored
// fingerprint. An empty previous value means first observation, which
// always counts as changed.
func Changed(previous string, task models.NotesTask) bool {
	return previous == "" || previous != Compute(task)
}

func formatDue(due *time.Time) string {
	if due == nil {
		return ""
	}
	return due.UTC().Format(time.RFC3339)
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
