package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskbridge/internal/domain"
	"taskbridge/internal/events"
	"taskbridge/internal/models"
	"taskbridge/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingLedger records how often tasks reach the upsert path, so tests
// can observe fingerprint-based skipping.
type countingLedger struct {
	domain.Ledger
	upserts int
}

func (c *countingLedger) UpsertFromNotes(ctx context.Context, task models.NotesTask) (bool, error) {
	c.upserts++
	return c.Ledger.UpsertFromNotes(ctx, task)
}

// erroringFingerprints always fails reads.
type erroringFingerprints struct {
	domain.FingerprintStore
}

func (e *erroringFingerprints) Get(ctx context.Context, notesID string) (string, error) {
	return "", errors.New("cache down")
}

func newFast(t *testing.T, ledger domain.Ledger, notesAPI domain.NotesAPI, store domain.FingerprintStore) *FastReconciler {
	t.Helper()
	logger := zerolog.Nop()
	return NewFastReconciler(ledger, notesAPI, store, events.NewEventBus(), &logger)
}

func sampleNotesTask(id string) models.NotesTask {
	return models.NotesTask{
		ID:              id,
		Title:           "Draft proposal",
		Status:          "Todo",
		Priority:        2,
		DurationMinutes: 45,
		WantsScheduling: true,
		LastEdited:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestFastReconciler_IngestsNewTask(t *testing.T) {
	db := setupLedger(t)
	notesAPI := newFakeNotes()
	notesAPI.put(sampleNotesTask("n-1"))
	store := repository.NewMemoryFingerprintStore(time.Hour)
	fast := newFast(t, db, notesAPI, store)

	require.NoError(t, fast.RunCycle(context.Background()))

	row, err := db.GetTask(context.Background(), "n-1")
	require.NoError(t, err)
	assert.Equal(t, "Draft proposal", row.Title)
	assert.True(t, row.WantsScheduling)

	fp, err := store.Get(context.Background(), "n-1")
	require.NoError(t, err)
	assert.NotEmpty(t, fp, "a fingerprint must be cached after ingestion")
}

func TestFastReconciler_FingerprintSkipsUnchanged(t *testing.T) {
	db := setupLedger(t)
	counted := &countingLedger{Ledger: db}
	notesAPI := newFakeNotes()
	notesAPI.put(sampleNotesTask("n-1"))
	store := repository.NewMemoryFingerprintStore(time.Hour)
	fast := newFast(t, counted, notesAPI, store)
	ctx := context.Background()

	require.NoError(t, fast.RunCycle(ctx))
	require.NoError(t, fast.RunCycle(ctx))
	assert.Equal(t, 1, counted.upserts, "unchanged task must not reach the ledger twice")

	task := sampleNotesTask("n-1")
	task.Title = "Draft proposal v2"
	notesAPI.put(task)

	require.NoError(t, fast.RunCycle(ctx))
	assert.Equal(t, 2, counted.upserts)
}

func TestFastReconciler_SchedulingFlagFlipReachesLedger(t *testing.T) {
	db := setupLedger(t)
	notesAPI := newFakeNotes()
	task := sampleNotesTask("n-flip")
	task.WantsScheduling = false
	notesAPI.put(task)
	store := repository.NewMemoryFingerprintStore(time.Hour)
	fast := newFast(t, db, notesAPI, store)
	ctx := context.Background()

	require.NoError(t, fast.RunCycle(ctx))

	// The user checks the scheduling box and nothing else.
	task.WantsScheduling = true
	task.LastEdited = task.LastEdited.Add(time.Minute)
	notesAPI.put(task)

	require.NoError(t, fast.RunCycle(ctx))

	row, err := db.GetTask(ctx, "n-flip")
	require.NoError(t, err)
	assert.True(t, row.WantsScheduling, "a flag-only edit must not be skipped as unchanged")
}

func TestFastReconciler_CacheErrorDegradesToChanged(t *testing.T) {
	db := setupLedger(t)
	counted := &countingLedger{Ledger: db}
	notesAPI := newFakeNotes()
	notesAPI.put(sampleNotesTask("n-1"))
	store := &erroringFingerprints{repository.NewMemoryFingerprintStore(time.Hour)}
	fast := newFast(t, counted, notesAPI, store)
	ctx := context.Background()

	require.NoError(t, fast.RunCycle(ctx))
	require.NoError(t, fast.RunCycle(ctx))
	assert.Equal(t, 2, counted.upserts, "a broken cache must re-sync, never skip")
}

func TestFastReconciler_SyncOne(t *testing.T) {
	db := setupLedger(t)
	notesAPI := newFakeNotes()
	notesAPI.put(sampleNotesTask("n-hook"))
	store := repository.NewMemoryFingerprintStore(time.Hour)
	fast := newFast(t, db, notesAPI, store)
	ctx := context.Background()

	require.NoError(t, fast.SyncOne(ctx, "n-hook"))
	row, err := db.GetTask(ctx, "n-hook")
	require.NoError(t, err)
	assert.Equal(t, "Draft proposal", row.Title)

	assert.Error(t, fast.SyncOne(ctx, "n-unknown"))
}

func TestFastReconciler_PruneDeletedUnlinkedRow(t *testing.T) {
	db := setupLedger(t)
	notesAPI := newFakeNotes()
	notesAPI.put(sampleNotesTask("n-gone"))
	store := repository.NewMemoryFingerprintStore(time.Hour)
	fast := newFast(t, db, notesAPI, store)
	ctx := context.Background()

	require.NoError(t, fast.RunCycle(ctx))
	notesAPI.remove("n-gone")
	require.NoError(t, fast.RunCycle(ctx))

	_, err := db.GetTask(ctx, "n-gone")
	assert.Error(t, err, "unlinked row must be pruned when the Notes task disappears")

	fp, err := store.Get(ctx, "n-gone")
	require.NoError(t, err)
	assert.Empty(t, fp, "fingerprint must be invalidated with the row")
}

func TestFastReconciler_PruneDeletedLinkedRowQueuesUnlink(t *testing.T) {
	db := setupLedger(t)
	notesAPI := newFakeNotes()
	notesAPI.put(sampleNotesTask("n-linked"))
	store := repository.NewMemoryFingerprintStore(time.Hour)
	fast := newFast(t, db, notesAPI, store)
	ctx := context.Background()

	require.NoError(t, fast.RunCycle(ctx))
	schedID := "sched-1"
	require.NoError(t, db.CompleteSchedulerSync(ctx, "n-linked", &schedID))

	notesAPI.remove("n-linked")
	require.NoError(t, fast.RunCycle(ctx))

	// The Scheduler copy still exists, so the row stays with intent
	// flipped off; the slow path owns the external delete.
	row, err := db.GetTask(ctx, "n-linked")
	require.NoError(t, err)
	assert.False(t, row.WantsScheduling)
	require.NotNil(t, row.SchedulerID)

	// The row survives subsequent cycles until the unlink completes.
	require.NoError(t, fast.RunCycle(ctx))
	_, err = db.GetTask(ctx, "n-linked")
	assert.NoError(t, err)
}

func TestFastReconciler_PushToNotes(t *testing.T) {
	db := setupLedger(t)
	notesAPI := newFakeNotes()
	notesAPI.put(sampleNotesTask("n-push"))
	store := repository.NewMemoryFingerprintStore(time.Hour)
	fast := newFast(t, db, notesAPI, store)
	ctx := context.Background()

	require.NoError(t, fast.RunCycle(ctx))

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	_, err := db.UpdateSchedulerSnapshot(ctx, "n-push", models.SchedulerFields{
		ScheduledStart: &start,
		Status:         "planned",
	})
	require.NoError(t, err)

	require.NoError(t, fast.RunCycle(ctx))

	fields, ok := notesAPI.mirrorFor("n-push")
	require.True(t, ok, "mirror update must reach Notes")
	assert.Equal(t, "planned", fields.Status)
	require.NotNil(t, fields.ScheduledStart)
	assert.True(t, fields.ScheduledStart.Equal(start))

	row, err := db.GetTask(ctx, "n-push")
	require.NoError(t, err)
	assert.False(t, row.NotesSyncNeeded)

	// The push is recorded in the audit log.
	history, err := db.ListHistory(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	var found bool
	for _, e := range history {
		if e.Action == models.ActionNotesPush && e.NotesID == "n-push" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestFastReconciler_ListFailureAbortsCycle(t *testing.T) {
	db := setupLedger(t)
	notesAPI := newFakeNotes()
	notesAPI.listErr = errors.New("notes api down")
	store := repository.NewMemoryFingerprintStore(time.Hour)
	fast := newFast(t, db, notesAPI, store)

	err := fast.RunCycle(context.Background())
	assert.Error(t, err)
}
