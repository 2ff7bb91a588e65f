package reconciler

import (
	"math"
	"time"
)

// RetryPolicy scales the effective re-claim delay of a failing row by its
// error count, on top of the ledger's fixed cool-down window.
type RetryPolicy struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns the delay for a given error count (1-based) with
// clamping.
func (r RetryPolicy) NextDelay(errorCount int) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(errorCount-1))
	d := time.Duration(delay)
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}
