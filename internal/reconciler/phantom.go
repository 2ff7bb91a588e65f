package reconciler

import (
	"context"
	"fmt"
	"time"

	"taskbridge/internal/domain"
	"taskbridge/internal/events"
	"taskbridge/internal/metrics"
	"taskbridge/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PhantomRecovery clears Scheduler identifiers the provider no longer
// recognizes and re-queues the affected rows for recreation.
type PhantomRecovery struct {
	ledger domain.Ledger
	bus    domain.EventPublisher
	logger zerolog.Logger
}

func NewPhantomRecovery(ledger domain.Ledger, bus domain.EventPublisher, logger *zerolog.Logger) *PhantomRecovery {
	return &PhantomRecovery{
		ledger: ledger,
		bus:    bus,
		logger: logger.With().Str("component", "phantom-recovery").Logger(),
	}
}

// Recover detaches a dead identifier: scheduler_id cleared, row re-queued
// at priority 1, Notes write-back flagged so no dead reference lingers on
// the page. Idempotent: the second call with the same id matches nothing.
func (p *PhantomRecovery) Recover(ctx context.Context, notesID, phantomID, title string) error {
	cleared, err := p.ledger.ClearPhantomSchedulerID(ctx, notesID, phantomID)
	if err != nil {
		return fmt.Errorf("phantom recovery for %s: %w", notesID, err)
	}
	if !cleared {
		return nil
	}

	metrics.IncPhantomRecovery()
	p.logger.Warn().
		Str("notes_id", notesID).
		Str("phantom_id", phantomID).
		Str("title", title).
		Msg("cleared phantom scheduler identifier")

	entry := models.HistoryEntry{
		CorrelationID: uuid.NewString(),
		NotesID:       notesID,
		SchedulerID:   &phantomID,
		Action:        models.ActionPhantomCleared,
	}
	if err := p.ledger.AppendHistory(ctx, &entry); err != nil {
		p.logger.Warn().Err(err).Str("notes_id", notesID).Msg("history append failed")
	}

	_ = p.bus.PublishJSON(events.EventPhantomRecovered, events.SyncEventPayload{
		NotesID: notesID, SchedulerID: phantomID, Title: title,
	})
	return nil
}

// Sweeper periodically compares the full Scheduler task list against the
// ledger, catching identifiers that went stale without ever being looked
// up individually and Scheduler tasks with no ledger match.
type Sweeper struct {
	ledger    domain.Ledger
	scheduler domain.SchedulerAPI
	recovery  *PhantomRecovery
	bus       domain.EventPublisher
	logger    zerolog.Logger
}

func NewSweeper(ledger domain.Ledger, schedulerAPI domain.SchedulerAPI, recovery *PhantomRecovery,
	bus domain.EventPublisher, logger *zerolog.Logger) *Sweeper {
	return &Sweeper{
		ledger:    ledger,
		scheduler: schedulerAPI,
		recovery:  recovery,
		bus:       bus,
		logger:    logger.With().Str("component", "phantom-sweep").Logger(),
	}
}

// RunCycle fetches the complete Scheduler task set and applies recovery to
// every ledger row whose identifier is missing from it. Scheduler tasks
// unknown to the ledger are flagged as orphans and removed; they are never
// adopted.
func (s *Sweeper) RunCycle(ctx context.Context) error {
	fetchedAt := time.Now()
	remote, err := s.scheduler.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("sweep: listing scheduler tasks: %w", err)
	}
	existing := make(map[string]models.SchedulerTask, len(remote))
	for _, task := range remote {
		existing[task.ID] = task
	}

	linked, err := s.ledger.ListLinkedTasks(ctx)
	if err != nil {
		return fmt.Errorf("sweep: listing linked rows: %w", err)
	}

	claimed := make(map[string]struct{}, len(linked))
	for _, row := range linked {
		id := *row.SchedulerID
		claimed[id] = struct{}{}
		if _, ok := existing[id]; ok {
			continue
		}
		// A row the slow loop touched after the remote snapshot was taken
		// may hold an identifier the snapshot predates. Leave it for the
		// next sweep instead of recreating a task that already exists.
		if row.SyncLockUntil != nil && row.SyncLockUntil.After(time.Now()) {
			continue
		}
		if row.SchedulerLastAttempt != nil && row.SchedulerLastAttempt.After(fetchedAt) {
			continue
		}
		if err := s.recovery.Recover(ctx, row.NotesID, id, row.Title); err != nil {
			s.logger.Error().Err(err).Str("notes_id", row.NotesID).Msg("sweep recovery failed")
		}
	}

	for id, task := range existing {
		if _, ok := claimed[id]; ok {
			continue
		}
		s.removeOrphan(ctx, id, task)
	}
	return nil
}

func (s *Sweeper) removeOrphan(ctx context.Context, schedulerID string, task models.SchedulerTask) {
	s.logger.Warn().Str("scheduler_id", schedulerID).Str("name", task.Name).Msg("orphaned scheduler task, removing")

	entry := models.HistoryEntry{
		CorrelationID: uuid.NewString(),
		NotesID:       "",
		SchedulerID:   &schedulerID,
		Action:        models.ActionOrphanFlagged,
		Payload:       taskPayload(task),
	}
	if err := s.ledger.AppendHistory(ctx, &entry); err != nil {
		s.logger.Warn().Err(err).Msg("history append failed for orphan")
	}

	if err := s.scheduler.DeleteTask(ctx, schedulerID); err != nil {
		s.logger.Error().Err(err).Str("scheduler_id", schedulerID).Msg("orphan removal failed")
		return
	}
	_ = s.bus.PublishJSON(events.EventTaskOrphaned, events.SyncEventPayload{
		SchedulerID: schedulerID, Title: task.Name,
	})
}
