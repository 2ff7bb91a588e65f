package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CompensatedOp describes a "mutate external system, then update ledger"
// sequence. External runs first; Ledger runs inside one local transaction
// only if External succeeded. Forced is the best-effort recovery write used
// when the ledger commit itself fails after a successful external call.
type CompensatedOp struct {
	// CorrelationID ties the operation to its history entries. Assigned
	// when empty.
	CorrelationID string

	// External performs the outward mutation and may return the identifier
	// the external system assigned (nil when the operation yields none,
	// e.g. a delete).
	External func(ctx context.Context) (*string, error)

	// Ledger applies the post-mutation ledger statements within tx.
	Ledger func(ctx context.Context, tx *sql.Tx, externalID *string) error

	// Forced attempts, outside any transaction, to record at least the new
	// external identifier so the next cycle can reconcile the rest. May be
	// nil.
	Forced func(ctx context.Context, externalID *string) error
}

// RunCompensated executes op with external-call-before-commit ordering. A
// failed external call leaves the ledger untouched. A failed ledger commit
// after a successful external call is a critical divergence: Forced is
// attempted, and the error is still returned for alerting — retrying it
// blindly could create a duplicate external resource.
func (db *DB) RunCompensated(ctx context.Context, op *CompensatedOp) (*string, error) {
	if op.CorrelationID == "" {
		op.CorrelationID = uuid.NewString()
	}

	externalID, err := op.External(ctx)
	if err != nil {
		return nil, err
	}

	if err := db.runLedger(ctx, op, externalID); err != nil {
		db.logger.Error().
			Err(err).
			Str("correlation_id", op.CorrelationID).
			Msg("ledger commit failed after successful external mutation")
		if op.Forced != nil {
			if forcedErr := op.Forced(ctx, externalID); forcedErr != nil {
				db.logger.Error().
					Err(forcedErr).
					Str("correlation_id", op.CorrelationID).
					Msg("forced recovery write failed")
			}
		}
		return externalID, fmt.Errorf("%w: %v", ErrCriticalDivergence, err)
	}

	return externalID, nil
}

func (db *DB) runLedger(ctx context.Context, op *CompensatedOp, externalID *string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger transaction: %w", err)
	}
	if err := op.Ledger(ctx, tx, externalID); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger transaction: %w", err)
	}
	return nil
}

// ForceSetSchedulerID is the standard forced write: it lands the external
// identifier on the row and flags Notes propagation so a dangling create is
// never invisible. No transaction, no row-exists check.
func (db *DB) ForceSetSchedulerID(ctx context.Context, notesID string, schedulerID *string) error {
	query := `UPDATE tasks
              SET scheduler_id = ?, notes_sync_needed = 1
              WHERE notes_id = ?`
	_, err := db.db.ExecContext(ctx, query, schedulerID, notesID)
	if err != nil {
		return fmt.Errorf("forced scheduler id write for %s: %w", notesID, err)
	}
	return nil
}
