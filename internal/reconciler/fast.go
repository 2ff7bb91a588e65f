package reconciler

import (
	"context"
	"fmt"

	"taskbridge/internal/domain"
	"taskbridge/internal/events"
	"taskbridge/internal/fingerprint"
	"taskbridge/internal/metrics"
	"taskbridge/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FastReconciler runs the short-interval loop: Notes -> Ledger ingestion
// followed by Ledger -> Notes write-back. It never talks to Scheduler.
type FastReconciler struct {
	ledger       domain.Ledger
	notes        domain.NotesAPI
	fingerprints domain.FingerprintStore
	bus          domain.EventPublisher
	logger       zerolog.Logger
}

func NewFastReconciler(ledger domain.Ledger, notes domain.NotesAPI, fingerprints domain.FingerprintStore,
	bus domain.EventPublisher, logger *zerolog.Logger) *FastReconciler {
	return &FastReconciler{
		ledger:       ledger,
		notes:        notes,
		fingerprints: fingerprints,
		bus:          bus,
		logger:       logger.With().Str("component", "fast-reconciler").Logger(),
	}
}

// RunCycle executes both phases, in order. Phase 1 is authoritative for
// user intent; phase 2 only propagates Scheduler-derived state outward.
func (r *FastReconciler) RunCycle(ctx context.Context) error {
	if err := r.ingestNotes(ctx); err != nil {
		return fmt.Errorf("notes ingestion: %w", err)
	}
	r.pushToNotes(ctx)
	return nil
}

// ingestNotes pulls the full current Notes task set into the ledger and
// prunes rows whose Notes task is gone.
func (r *FastReconciler) ingestNotes(ctx context.Context) error {
	tasks, err := r.notes.ListTasks(ctx)
	if err != nil {
		metrics.IncSyncAttempt("notes", "error")
		return err
	}

	seen := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		seen[task.ID] = struct{}{}
		if err := r.ingestOne(ctx, task); err != nil {
			r.logger.Error().Err(err).Str("notes_id", task.ID).Msg("task ingestion failed")
		}
	}

	r.pruneDeleted(ctx, seen)
	return nil
}

// ingestOne is the single ledger entry point for an observed Notes task,
// shared by the polling cycle and webhook-triggered re-evaluation so the
// trigger source never changes semantics.
func (r *FastReconciler) ingestOne(ctx context.Context, task models.NotesTask) error {
	prev, err := r.fingerprints.Get(ctx, task.ID)
	if err != nil {
		// A cache miss must degrade to "changed", never to a skipped sync.
		r.logger.Warn().Err(err).Str("notes_id", task.ID).Msg("fingerprint lookup failed")
		prev = ""
	}
	if !fingerprint.Changed(prev, task) {
		return nil
	}

	if _, err := r.ledger.UpsertFromNotes(ctx, task); err != nil {
		return err
	}
	if err := r.fingerprints.Set(ctx, task.ID, fingerprint.Compute(task)); err != nil {
		r.logger.Warn().Err(err).Str("notes_id", task.ID).Msg("fingerprint store failed")
	}
	return nil
}

// SyncOne re-evaluates a single task, used by the webhook trigger. It
// funnels into the same ledger entry point as the polling path.
func (r *FastReconciler) SyncOne(ctx context.Context, notesID string) error {
	task, err := r.notes.GetTask(ctx, notesID)
	if err != nil {
		return fmt.Errorf("fetch notes task %s: %w", notesID, err)
	}
	return r.ingestOne(ctx, *task)
}

func (r *FastReconciler) pruneDeleted(ctx context.Context, seen map[string]struct{}) {
	known, err := r.ledger.ListAllNotesIDs(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("listing ledger ids failed")
		return
	}
	for id := range known {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := r.deleteRow(ctx, id); err != nil {
			r.logger.Error().Err(err).Str("notes_id", id).Msg("pruning deleted task failed")
		}
	}
}

func (r *FastReconciler) deleteRow(ctx context.Context, notesID string) error {
	row, err := r.ledger.GetTask(ctx, notesID)
	if err != nil {
		return err
	}
	if row.HasSchedulerID() && row.WantsScheduling {
		// The Scheduler copy still exists; leave the row so the slow path
		// can remove it first. Flipping intent off queues the unlink.
		task := models.NotesTask{ID: notesID, Title: row.Title, Status: row.Status, Priority: row.Priority,
			DueDate: row.DueDate, DurationMinutes: row.DurationMinutes, Description: row.Description,
			WantsScheduling: false, LastEdited: row.LastEditedInNotes}
		_, err := r.ledger.UpsertFromNotes(ctx, task)
		return err
	}
	if row.HasSchedulerID() {
		return nil // unlink already pending
	}
	if err := r.ledger.DeleteTask(ctx, notesID); err != nil {
		return err
	}
	return r.fingerprints.Invalidate(ctx, notesID)
}

// pushToNotes drains rows flagged notes_sync_needed. Failures are logged
// and left for the next cycle; Notes writes are idempotent overwrites, so
// no backoff is needed at this cadence.
func (r *FastReconciler) pushToNotes(ctx context.Context) {
	rows, err := r.ledger.ListNotesSyncNeeded(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("listing notes write-backs failed")
		return
	}

	for _, row := range rows {
		if err := r.pushOne(ctx, row); err != nil {
			metrics.IncSyncAttempt("notes", "error")
			r.logger.Error().Err(err).Str("notes_id", row.NotesID).Msg("notes write-back failed")
			continue
		}
		metrics.IncSyncAttempt("notes", "ok")
	}
}

func (r *FastReconciler) pushOne(ctx context.Context, row models.LedgerTask) error {
	if err := r.notes.UpdateSchedulerMirror(ctx, row.NotesID, row.SchedulerID, row.Scheduler); err != nil {
		return err
	}
	if err := r.ledger.CompleteNotesSync(ctx, row.NotesID); err != nil {
		return err
	}

	entry := models.HistoryEntry{
		CorrelationID: uuid.NewString(),
		NotesID:       row.NotesID,
		SchedulerID:   row.SchedulerID,
		Action:        models.ActionNotesPush,
		Payload:       mirrorPayload(row),
	}
	if err := r.ledger.AppendHistory(ctx, &entry); err != nil {
		r.logger.Warn().Err(err).Str("notes_id", row.NotesID).Msg("history append failed")
	}

	_ = r.bus.PublishJSON(events.EventTaskSynced, events.SyncEventPayload{
		NotesID:     row.NotesID,
		SchedulerID: derefOrEmpty(row.SchedulerID),
		Title:       row.Title,
	})
	return nil
}
