package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	syncAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskbridge",
			Name:      "sync_attempts_total",
			Help:      "Sync attempts by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)

	phantomRecoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskbridge",
			Name:      "phantom_recoveries_total",
			Help:      "Scheduler identifiers cleared as phantom.",
		},
	)

	criticalDivergences = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskbridge",
			Name:      "critical_divergences_total",
			Help:      "External mutations the ledger failed to record.",
		},
	)

	externalCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskbridge",
			Name:      "external_call_duration_seconds",
			Help:      "Duration of outward calls by provider and operation.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskbridge",
			Name:      "scheduler_queue_depth",
			Help:      "Rows currently admitted to the slow queue.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(syncAttempts, phantomRecoveries, criticalDivergences, externalCallDuration, queueDepth)
	})
}

// IncSyncAttempt counts one sync attempt for a direction ("notes",
// "scheduler") and outcome ("ok", "error").
func IncSyncAttempt(direction, outcome string) {
	syncAttempts.WithLabelValues(direction, outcome).Inc()
}

// IncPhantomRecovery counts one cleared phantom identifier.
func IncPhantomRecovery() {
	phantomRecoveries.Inc()
}

// IncCriticalDivergence counts one ledger/external divergence.
func IncCriticalDivergence() {
	criticalDivergences.Inc()
}

// ObserveExternalCall records the duration of one outward call.
func ObserveExternalCall(provider, operation string, d time.Duration) {
	externalCallDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// SetQueueDepth records the current slow-queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}
