package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// QueueMetrics are process-wide submission counters exposed for
// scraping. They reset on process restart. The in-flight gauge is the
// operator's only back-pressure signal: enqueue is unbounded by design.
type QueueMetrics struct {
	Submitted prometheus.Counter
	InFlight  prometheus.Gauge
	Duration  prometheus.Histogram
}

// NewQueueMetrics registers the engine metrics on the given registerer.
func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	factory := promauto.With(reg)

	return &QueueMetrics{
		Submitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_jobs_submitted_total",
			Help: "Total number of jobs submitted to the queue",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_jobs_in_flight",
			Help: "Number of jobs currently executing on workers",
		}),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_job_duration_seconds",
			Help:    "Wall-clock duration of job execution on a worker",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}
