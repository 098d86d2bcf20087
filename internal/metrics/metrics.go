package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the generation pipeline.
type Metrics struct {
	JobsStarted  prometheus.Counter
	JobsFinished *prometheus.CounterVec
	JobsRunning  prometheus.Gauge
	QueueDepth   prometheus.Gauge
	JobDuration  prometheus.Histogram
}

// New registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "genserver",
			Name:      "jobs_started_total",
			Help:      "Generation jobs accepted and enqueued.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genserver",
			Name:      "jobs_finished_total",
			Help:      "Generation jobs by terminal status.",
		}, []string{"status"}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "genserver",
			Name:      "jobs_running",
			Help:      "Jobs currently executing on the worker pool.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "genserver",
			Name:      "queue_depth",
			Help:      "Jobs waiting in the FIFO backlog.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "genserver",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock execution time of finished jobs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	reg.MustRegister(m.JobsStarted, m.JobsFinished, m.JobsRunning, m.QueueDepth, m.JobDuration)
	return m
}

// ObserveTerminal records a finished job.
func (m *Metrics) ObserveTerminal(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(status).Inc()
	m.JobDuration.Observe(elapsed.Seconds())
}
