package reconciler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_NextDelay(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Second, policy.NextDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextDelay(2))
	assert.Equal(t, 4*time.Second, policy.NextDelay(3))
	assert.Equal(t, 10*time.Second, policy.NextDelay(10), "delay must clamp at MaxDelay")
	assert.Equal(t, time.Second, policy.NextDelay(0), "zero count behaves like the first failure")
}

func TestRetryPolicy_Defaults(t *testing.T) {
	var policy RetryPolicy
	d := policy.NextDelay(1)
	assert.Positive(t, d)
}

func TestRunLoop_StopsOnCancel(t *testing.T) {
	logger := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		RunLoop(ctx, "test", 10*time.Millisecond, &logger, func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})
		close(done)
	}()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}
