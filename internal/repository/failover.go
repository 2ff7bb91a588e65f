package repository

import (
	"context"
	"sync/atomic"
	"time"

	"taskbridge/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverFingerprintStore reads and writes through a primary store
// (Redis) and degrades to a fallback (memory) when the primary errors.
// After a minute it probes the primary again.
type FailoverFingerprintStore struct {
	primary   domain.FingerprintStore
	fallback  domain.FingerprintStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverFingerprintStore(primary, fallback domain.FingerprintStore, logger *zerolog.Logger) *FailoverFingerprintStore {
	return &FailoverFingerprintStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (f *FailoverFingerprintStore) Get(ctx context.Context, notesID string) (string, error) {
	if f.primaryUsable() {
		val, err := f.primary.Get(ctx, notesID)
		if err == nil {
			f.markUp()
			return val, nil
		}
		f.markDown(err)
	}
	return f.fallback.Get(ctx, notesID)
}

func (f *FailoverFingerprintStore) Set(ctx context.Context, notesID, fingerprint string) error {
	if f.primaryUsable() {
		if err := f.primary.Set(ctx, notesID, fingerprint); err == nil {
			f.markUp()
			return nil
		} else {
			f.markDown(err)
		}
	}
	return f.fallback.Set(ctx, notesID, fingerprint)
}

func (f *FailoverFingerprintStore) Invalidate(ctx context.Context, notesID string) error {
	// Invalidate both: a stale fingerprint in either store suppresses a
	// needed re-sync.
	var primaryErr error
	if f.primaryUsable() {
		if primaryErr = f.primary.Invalidate(ctx, notesID); primaryErr != nil {
			f.markDown(primaryErr)
		}
	}
	if err := f.fallback.Invalidate(ctx, notesID); err != nil {
		return err
	}
	return nil
}

func (f *FailoverFingerprintStore) primaryUsable() bool {
	if !f.isDown.Load() {
		return true
	}
	// Retry the primary once per minute.
	last := time.Unix(f.lastCheck.Load(), 0)
	return time.Since(last) > time.Minute
}

func (f *FailoverFingerprintStore) markUp() {
	f.isDown.Store(false)
}

func (f *FailoverFingerprintStore) markDown(err error) {
	if !f.isDown.Load() {
		f.logger.Error().Err(err).Msg("primary fingerprint store failed, falling back to memory")
	}
	f.isDown.Store(true)
	f.lastCheck.Store(time.Now().Unix())
}
