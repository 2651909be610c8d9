package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// JobsDispatchedTotal counts jobs the scheduler has put on the queue.
	JobsDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apiary_jobs_dispatched_total",
			Help: "Total number of jobs dispatched by the scheduler",
		},
	)
	// JobsCompletedTotal counts jobs by outcome.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiary_jobs_completed_total",
			Help: "Total number of jobs finished by workers",
		},
		[]string{"outcome"},
	)
	// JobsRunning is the number of jobs currently being replayed.
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiary_jobs_running",
			Help: "Number of jobs currently being replayed",
		},
	)
	// RequestsRunning is the number of requests currently in flight.
	RequestsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiary_requests_running",
			Help: "Number of requests currently in flight",
		},
	)
	// RequestDuration records request round-trip durations.
	RequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apiary_request_duration_seconds",
			Help:    "Request round-trip duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
	// AdapterErrorsTotal counts errors reported by protocol adapters.
	AdapterErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apiary_adapter_errors_total",
			Help: "Total number of protocol adapter errors",
		},
	)
)

var initMetricsOnce sync.Once

// InitMetrics registers all metrics with the default registry. Safe to call
// from every process entry point.
func InitMetrics() {
	initMetricsOnce.Do(func() {
		prometheus.MustRegister(
			JobsDispatchedTotal,
			JobsCompletedTotal,
			JobsRunning,
			RequestsRunning,
			RequestDuration,
			AdapterErrorsTotal,
		)
	})
}

// JobDispatched records one scheduler dispatch.
func JobDispatched() { JobsDispatchedTotal.Inc() }

// JobStarted records a worker picking up a job.
func JobStarted() { JobsRunning.Inc() }

// JobFinished records a job ending with the given outcome label.
func JobFinished(outcome string) {
	JobsRunning.Dec()
	JobsCompletedTotal.WithLabelValues(outcome).Inc()
}

// RequestStarted records a request entering flight.
func RequestStarted() { RequestsRunning.Inc() }

// RequestFinished records a request leaving flight.
func RequestFinished(d time.Duration) {
	RequestsRunning.Dec()
	RequestDuration.Observe(d.Seconds())
}

// AdapterError records one adapter-reported error.
func AdapterError() { AdapterErrorsTotal.Inc() }
