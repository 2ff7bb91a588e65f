package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCompensated_Success(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	mustUpsert(t, db, notesTask("n-comp-1"))

	schedID := "sched-new"
	id, err := db.RunCompensated(ctx, &CompensatedOp{
		External: func(ctx context.Context) (*string, error) {
			return &schedID, nil
		},
		Ledger: func(ctx context.Context, tx *sql.Tx, externalID *string) error {
			return db.CompleteSchedulerSyncTx(ctx, tx, "n-comp-1", externalID)
		},
	})
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, schedID, *id)

	got, err := db.GetTask(ctx, "n-comp-1")
	require.NoError(t, err)
	require.NotNil(t, got.SchedulerID)
	assert.Equal(t, schedID, *got.SchedulerID)
}

func TestRunCompensated_ExternalFailureLeavesLedgerUntouched(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	mustUpsert(t, db, notesTask("n-comp-2"))

	wantErr := errors.New("scheduler down")
	ledgerRan := false
	_, err := db.RunCompensated(ctx, &CompensatedOp{
		External: func(ctx context.Context) (*string, error) {
			return nil, wantErr
		},
		Ledger: func(ctx context.Context, tx *sql.Tx, externalID *string) error {
			ledgerRan = true
			return nil
		},
	})
	assert.ErrorIs(t, err, wantErr)
	assert.False(t, ledgerRan)

	got, err := db.GetTask(ctx, "n-comp-2")
	require.NoError(t, err)
	assert.Nil(t, got.SchedulerID)
	assert.False(t, got.NotesSyncNeeded)
}

func TestRunCompensated_LedgerFailureIsCriticalDivergence(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	mustUpsert(t, db, notesTask("n-comp-3"))

	schedID := "sched-dangling"
	forcedCalled := false
	id, err := db.RunCompensated(ctx, &CompensatedOp{
		External: func(ctx context.Context) (*string, error) {
			return &schedID, nil
		},
		Ledger: func(ctx context.Context, tx *sql.Tx, externalID *string) error {
			return errors.New("disk full")
		},
		Forced: func(ctx context.Context, externalID *string) error {
			forcedCalled = true
			return db.ForceSetSchedulerID(ctx, "n-comp-3", externalID)
		},
	})
	assert.ErrorIs(t, err, ErrCriticalDivergence)
	assert.True(t, forcedCalled, "forced write must be attempted on ledger failure")
	require.NotNil(t, id, "the external id must be surfaced even on failure")

	// The forced write landed the identifier so the next cycle can
	// reconcile instead of creating a duplicate.
	got, getErr := db.GetTask(ctx, "n-comp-3")
	require.NoError(t, getErr)
	require.NotNil(t, got.SchedulerID)
	assert.Equal(t, schedID, *got.SchedulerID)
	assert.True(t, got.NotesSyncNeeded)
}

func TestRunCompensated_LedgerRollbackOnError(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	mustUpsert(t, db, notesTask("n-comp-4"))

	schedID := "sched-rb"
	_, err := db.RunCompensated(ctx, &CompensatedOp{
		External: func(ctx context.Context) (*string, error) {
			return &schedID, nil
		},
		Ledger: func(ctx context.Context, tx *sql.Tx, externalID *string) error {
			if err := db.CompleteSchedulerSyncTx(ctx, tx, "n-comp-4", externalID); err != nil {
				return err
			}
			return errors.New("second statement failed")
		},
	})
	assert.ErrorIs(t, err, ErrCriticalDivergence)

	got, getErr := db.GetTask(ctx, "n-comp-4")
	require.NoError(t, getErr)
	assert.Nil(t, got.SchedulerID, "partial transaction must roll back")
}

func TestRunCompensated_AssignsCorrelationID(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	op := &CompensatedOp{
		External: func(ctx context.Context) (*string, error) { return nil, nil },
		Ledger:   func(ctx context.Context, tx *sql.Tx, externalID *string) error { return nil },
	}
	_, err := db.RunCompensated(context.Background(), op)
	require.NoError(t, err)
	assert.NotEmpty(t, op.CorrelationID)
}
