package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskbridge/internal/database"
	"taskbridge/internal/domain"
	"taskbridge/internal/events"
	"taskbridge/internal/metrics"
	"taskbridge/internal/models"
	"taskbridge/internal/scheduler"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SlowConfig carries the slow loop's timing knobs.
type SlowConfig struct {
	BatchSize     int
	CoolDown      time.Duration
	Lease         time.Duration
	DispatchDelay time.Duration
	StaleSkew     time.Duration
}

// SlowReconciler drains the priority-ordered, lease-protected queue of
// ledger rows needing a Scheduler-side create, update or delete. It holds
// the concrete *database.DB because every outward mutation runs through
// the ledger's transactional compensator.
type SlowReconciler struct {
	db        *database.DB
	scheduler domain.SchedulerAPI
	bus       domain.EventPublisher
	alerter   domain.Alerter
	recovery  *PhantomRecovery
	retry     RetryPolicy
	cfg       SlowConfig
	logger    zerolog.Logger
}

func NewSlowReconciler(db *database.DB, schedulerAPI domain.SchedulerAPI, recovery *PhantomRecovery,
	bus domain.EventPublisher, alerter domain.Alerter, retry RetryPolicy, cfg SlowConfig, logger *zerolog.Logger) *SlowReconciler {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = models.DefaultSlowBatchSize
	}
	if cfg.CoolDown == 0 {
		cfg.CoolDown = 5 * time.Minute
	}
	if cfg.Lease == 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.StaleSkew == 0 {
		cfg.StaleSkew = 24 * time.Hour
	}
	return &SlowReconciler{
		db:        db,
		scheduler: schedulerAPI,
		bus:       bus,
		alerter:   alerter,
		recovery:  recovery,
		retry:     retry,
		cfg:       cfg,
		logger:    logger.With().Str("component", "slow-reconciler").Logger(),
	}
}

// RunCycle runs one slow pass: detection, claim, dispatch. Per-row errors
// are absorbed so one bad row never halts the batch.
func (r *SlowReconciler) RunCycle(ctx context.Context) error {
	flagged, err := r.db.DetectSchedulerSyncNeeds(ctx, r.cfg.StaleSkew)
	if err != nil {
		return err
	}
	if flagged > 0 {
		r.logger.Info().Int64("flagged", flagged).Msg("detection pass admitted rows")
	}

	rows, err := r.db.ClaimSchedulerWork(ctx, r.cfg.BatchSize, r.cfg.CoolDown, r.cfg.Lease)
	if err != nil {
		return err
	}
	metrics.SetQueueDepth(len(rows))
	if len(rows) == 0 {
		return nil
	}

	for i, row := range rows {
		if i > 0 {
			// Fixed spacing between dispatches keeps us under the
			// provider's rate limits even when the batch is full.
			if err := sleepContext(ctx, r.cfg.DispatchDelay); err != nil {
				return err
			}
		}
		if r.skipForBackoff(row) {
			continue
		}
		r.dispatch(ctx, row)
	}
	return nil
}

// skipForBackoff layers an error-count-scaled delay on top of the fixed
// cool-down window for rows that keep failing.
func (r *SlowReconciler) skipForBackoff(row models.LedgerTask) bool {
	if row.ErrorCount == 0 || row.SchedulerLastAttempt == nil {
		return false
	}
	wait := r.retry.NextDelay(row.ErrorCount)
	if wait <= r.cfg.CoolDown {
		return false
	}
	return time.Since(*row.SchedulerLastAttempt) < wait
}

func (r *SlowReconciler) dispatch(ctx context.Context, row models.LedgerTask) {
	var err error
	switch {
	case row.WantsScheduling && !row.HasSchedulerID():
		err = r.createInScheduler(ctx, row)
	case row.WantsScheduling && row.HasSchedulerID():
		err = r.updateInScheduler(ctx, row)
	case !row.WantsScheduling && row.HasSchedulerID():
		err = r.deleteInScheduler(ctx, row)
	default:
		// Intent and link already agree; just clear the queue flag.
		err = r.db.CompleteSchedulerSync(ctx, row.NotesID, nil)
	}

	if err == nil {
		metrics.IncSyncAttempt("scheduler", "ok")
		return
	}

	metrics.IncSyncAttempt("scheduler", "error")
	if errors.Is(err, database.ErrCriticalDivergence) {
		r.reportDivergence(ctx, row, err)
		return
	}
	if errors.Is(err, database.ErrNoRow) {
		// The row vanished between claim and completion: ledger and caller
		// disagree about the task's existence. Programming or race error.
		r.logger.Error().Err(err).Str("notes_id", row.NotesID).Msg("invariant violation: row missing at completion")
		r.alert(ctx, "ledger invariant violation", err.Error())
		return
	}
	r.logger.Error().Err(err).Str("notes_id", row.NotesID).Str("title", row.Title).Msg("scheduler dispatch failed")
	if recErr := r.db.RecordSchedulerError(ctx, row.NotesID, err.Error()); recErr != nil {
		r.logger.Error().Err(recErr).Str("notes_id", row.NotesID).Msg("recording scheduler error failed")
	}
}

func (r *SlowReconciler) createInScheduler(ctx context.Context, row models.LedgerTask) error {
	correlationID := uuid.NewString()
	payload := buildSchedulerTask(row)

	op := &database.CompensatedOp{
		CorrelationID: correlationID,
		External: func(ctx context.Context) (*string, error) {
			started := time.Now()
			created, err := r.scheduler.CreateTask(ctx, payload)
			metrics.ObserveExternalCall("scheduler", "create", time.Since(started))
			if err != nil {
				return nil, err
			}
			return &created.ID, nil
		},
		Ledger: func(ctx context.Context, tx *sql.Tx, externalID *string) error {
			return r.db.CompleteSchedulerSyncTx(ctx, tx, row.NotesID, externalID)
		},
		Forced: func(ctx context.Context, externalID *string) error {
			return r.db.ForceSetSchedulerID(ctx, row.NotesID, externalID)
		},
	}

	schedulerID, err := r.db.RunCompensated(ctx, op)
	r.appendHistory(ctx, correlationID, row.NotesID, schedulerID, models.ActionSchedulerCreate, taskPayload(payload), err)
	if err != nil {
		return err
	}

	r.logger.Info().Str("notes_id", row.NotesID).Str("scheduler_id", derefOrEmpty(schedulerID)).Str("title", row.Title).Msg("created in scheduler")
	_ = r.bus.PublishJSON(events.EventTaskSynced, events.SyncEventPayload{
		NotesID: row.NotesID, SchedulerID: derefOrEmpty(schedulerID), Title: row.Title,
	})
	return nil
}

func (r *SlowReconciler) updateInScheduler(ctx context.Context, row models.LedgerTask) error {
	schedulerID := *row.SchedulerID

	started := time.Now()
	current, err := r.scheduler.GetTask(ctx, schedulerID)
	metrics.ObserveExternalCall("scheduler", "get", time.Since(started))
	if errors.Is(err, scheduler.ErrNotFound) {
		return r.recovery.Recover(ctx, row.NotesID, schedulerID, row.Title)
	}
	if err != nil {
		return err
	}

	// Cache what Scheduler computed so the fast path can mirror it.
	snapshot := snapshotFromTask(*current, row)
	if _, err := r.db.UpdateSchedulerSnapshot(ctx, row.NotesID, snapshot); err != nil {
		return err
	}

	editedSinceAttempt := row.SchedulerLastAttempt == nil || row.LastEditedInNotes.After(*row.SchedulerLastAttempt)
	if !schedulerStateDiverges(*current, row) && !editedSinceAttempt {
		return r.db.CompleteSchedulerSync(ctx, row.NotesID, row.SchedulerID)
	}

	correlationID := uuid.NewString()
	payload := buildSchedulerTask(row)

	op := &database.CompensatedOp{
		CorrelationID: correlationID,
		External: func(ctx context.Context) (*string, error) {
			started := time.Now()
			updated, err := r.scheduler.UpdateTask(ctx, schedulerID, payload)
			metrics.ObserveExternalCall("scheduler", "update", time.Since(started))
			if err != nil {
				return nil, err
			}
			return &updated.ID, nil
		},
		Ledger: func(ctx context.Context, tx *sql.Tx, externalID *string) error {
			return r.db.CompleteSchedulerSyncTx(ctx, tx, row.NotesID, externalID)
		},
		Forced: func(ctx context.Context, externalID *string) error {
			return r.db.ForceSetSchedulerID(ctx, row.NotesID, externalID)
		},
	}

	_, err = r.db.RunCompensated(ctx, op)
	if errors.Is(err, scheduler.ErrNotFound) {
		// The id died between the fetch above and the update: phantom.
		r.appendHistory(ctx, correlationID, row.NotesID, &schedulerID, models.ActionSchedulerUpdate, taskPayload(payload), err)
		return r.recovery.Recover(ctx, row.NotesID, schedulerID, row.Title)
	}
	r.appendHistory(ctx, correlationID, row.NotesID, &schedulerID, models.ActionSchedulerUpdate, taskPayload(payload), err)
	if err != nil {
		return err
	}

	_ = r.bus.PublishJSON(events.EventTaskSynced, events.SyncEventPayload{
		NotesID: row.NotesID, SchedulerID: schedulerID, Title: row.Title,
	})
	return nil
}

func (r *SlowReconciler) deleteInScheduler(ctx context.Context, row models.LedgerTask) error {
	schedulerID := *row.SchedulerID
	correlationID := uuid.NewString()

	op := &database.CompensatedOp{
		CorrelationID: correlationID,
		External: func(ctx context.Context) (*string, error) {
			started := time.Now()
			err := r.scheduler.DeleteTask(ctx, schedulerID)
			metrics.ObserveExternalCall("scheduler", "delete", time.Since(started))
			return nil, err
		},
		Ledger: func(ctx context.Context, tx *sql.Tx, externalID *string) error {
			// Clearing scheduler_id in the same logical operation that
			// confirmed the resource is gone: never left dangling.
			return r.db.CompleteSchedulerSyncTx(ctx, tx, row.NotesID, nil)
		},
		Forced: func(ctx context.Context, externalID *string) error {
			return r.db.ForceSetSchedulerID(ctx, row.NotesID, nil)
		},
	}

	_, err := r.db.RunCompensated(ctx, op)
	r.appendHistory(ctx, correlationID, row.NotesID, &schedulerID, models.ActionSchedulerDelete, "", err)
	if err != nil {
		return err
	}

	r.logger.Info().Str("notes_id", row.NotesID).Str("scheduler_id", schedulerID).Msg("removed from scheduler")
	_ = r.bus.PublishJSON(events.EventTaskUnlinked, events.SyncEventPayload{
		NotesID: row.NotesID, SchedulerID: schedulerID, Title: row.Title,
	})
	return nil
}

func (r *SlowReconciler) reportDivergence(ctx context.Context, row models.LedgerTask, err error) {
	metrics.IncCriticalDivergence()
	r.logger.Error().Err(err).Str("notes_id", row.NotesID).Msg("critical divergence: external state not recorded in ledger")

	entry := models.HistoryEntry{
		CorrelationID: uuid.NewString(),
		NotesID:       row.NotesID,
		SchedulerID:   row.SchedulerID,
		Action:        models.ActionDivergence,
		Error:         errString(err),
	}
	if histErr := r.db.AppendHistory(ctx, &entry); histErr != nil {
		r.logger.Error().Err(histErr).Msg("history append failed for divergence")
	}

	_ = r.bus.PublishJSON(events.EventCriticalDivergence, events.SyncEventPayload{
		NotesID: row.NotesID, Title: row.Title, Detail: err.Error(),
	})
	r.alert(ctx, "critical divergence", err.Error())
}

func (r *SlowReconciler) appendHistory(ctx context.Context, correlationID, notesID string, schedulerID *string, action, payload string, opErr error) {
	entry := models.HistoryEntry{
		CorrelationID: correlationID,
		NotesID:       notesID,
		SchedulerID:   schedulerID,
		Action:        action,
		Payload:       payload,
		Error:         errString(opErr),
	}
	if err := r.db.AppendHistory(ctx, &entry); err != nil {
		r.logger.Warn().Err(err).Str("notes_id", notesID).Msg("history append failed")
	}
}

func (r *SlowReconciler) alert(ctx context.Context, subject, detail string) {
	if r.alerter == nil {
		return
	}
	if err := r.alerter.Alert(ctx, subject, detail); err != nil {
		r.logger.Warn().Err(err).Msg("operator alert failed")
	}
}

// snapshotFromTask derives the mirror snapshot from a fetched Scheduler
// task. The scheduling-issue flag is computed locally; the provider's own
// flag has proven unreliable.
func snapshotFromTask(task models.SchedulerTask, row models.LedgerTask) models.SchedulerFields {
	fields := models.SchedulerFields{
		ScheduledStart: task.ScheduledStart,
		ScheduledEnd:   task.ScheduledEnd,
		Status:         task.Status,
		Completed:      task.Completed,
		DeadlineType:   task.DeadlineType,
	}
	probe := row
	probe.Scheduler = fields
	fields.SchedulingIssue = probe.SchedulingIssue(time.Now())
	return fields
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
