package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RunLoop drives fn on a fixed interval until ctx is done. The first cycle
// runs immediately. Iterations never overlap themselves: an overrunning
// cycle simply delays the next tick. Cycle errors are logged, never fatal.
func RunLoop(ctx context.Context, name string, interval time.Duration, logger *zerolog.Logger, fn func(context.Context) error) {
	logger.Info().Str("loop", name).Dur("interval", interval).Msg("reconciler loop started")
	defer logger.Info().Str("loop", name).Msg("reconciler loop stopped")

	run := func() {
		started := time.Now()
		if err := fn(ctx); err != nil {
			logger.Error().Err(err).Str("loop", name).Msg("cycle failed")
		}
		logger.Debug().Str("loop", name).Dur("took", time.Since(started)).Msg("cycle finished")
	}

	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
