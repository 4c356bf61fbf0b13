package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the orchestrator's Prometheus instruments. Pass a dedicated
// registry in tests; production wiring uses the default registerer.
type Metrics struct {
	JobsTotal    *prometheus.CounterVec
	RetriesTotal *prometheus.CounterVec
	StudiesTotal *prometheus.CounterVec
	QueueDepth   prometheus.Gauge
	WorkersBusy  prometheus.Gauge
	JobDuration  *prometheus.HistogramVec
}

// NewMetrics registers the orchestrator instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bentham",
			Subsystem: "orchestrator",
			Name:      "jobs_total",
			Help:      "Terminal job outcomes by surface and status.",
		}, []string{"surface", "status"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bentham",
			Subsystem: "orchestrator",
			Name:      "retries_total",
			Help:      "Scheduled retries by surface and error kind.",
		}, []string{"surface", "kind"}),
		StudiesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bentham",
			Subsystem: "orchestrator",
			Name:      "studies_total",
			Help:      "Finalized studies by outcome.",
		}, []string{"status"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bentham",
			Subsystem: "orchestrator",
			Name:      "queue_depth",
			Help:      "Jobs currently waiting in the priority queue.",
		}),
		WorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bentham",
			Subsystem: "orchestrator",
			Name:      "workers_busy",
			Help:      "Worker slots currently executing jobs.",
		}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bentham",
			Subsystem: "orchestrator",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of job attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"surface"}),
	}
}
