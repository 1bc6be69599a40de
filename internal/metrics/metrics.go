package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	syncAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agrosync",
			Name:      "sync_attempts_total",
			Help:      "Processing attempts by result.",
		},
		[]string{"result"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agrosync",
			Name:      "queue_depth",
			Help:      "Operations currently held in the queue.",
		},
	)

	deadOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agrosync",
			Name:      "dead_operations",
			Help:      "FAILED operations that exhausted their retry budget.",
		},
	)

	persistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agrosync",
			Name:      "persist_failures_total",
			Help:      "Durable store writes that failed and were swallowed.",
		},
	)
)

// Attempt results.
const (
	ResultSuccess     = "success"
	ResultRejected    = "rejected"
	ResultTransport   = "transport"
	ResultUnavailable = "unavailable"
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(syncAttempts, queueDepth, deadOperations, persistFailures)
	})
}

// IncAttempt increments the attempt counter for a result label.
func IncAttempt(result string) {
	syncAttempts.WithLabelValues(result).Inc()
}

// SetQueueDepth records the current queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetDeadOperations records the current number of dead entries.
func SetDeadOperations(n int) {
	deadOperations.Set(float64(n))
}

// IncPersistFailure counts a swallowed durable-store write failure.
func IncPersistFailure() {
	persistFailures.Inc()
}
