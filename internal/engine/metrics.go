package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments runs. Each Metrics owns its registry so several
// engines (or tests) never collide on registration. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	processes       *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	workersBusy     prometheus.Gauge
	runs            *prometheus.CounterVec
	runDuration     prometheus.Histogram
}

// NewMetrics creates the engine metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		processes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stale",
				Subsystem: "engine",
				Name:      "processes_total",
				Help:      "Total number of processes by final state",
			},
			[]string{"state"}, // "skipped", "succeeded", "failed", "blocked"
		),
		processDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "stale",
				Subsystem: "engine",
				Name:      "process_duration_seconds",
				Help:      "Process execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"processor"},
		),
		workersBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "stale",
				Subsystem: "engine",
				Name:      "workers_busy",
				Help:      "Number of workers currently evaluating or running a process",
			},
		),
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stale",
				Subsystem: "engine",
				Name:      "runs_total",
				Help:      "Total number of runs by final status",
			},
			[]string{"status"}, // "succeeded", "failed", "aborted"
		),
		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "stale",
				Subsystem: "engine",
				Name:      "run_duration_seconds",
				Help:      "Run duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
	}
}

// Registry returns the registry holding the engine metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current metrics in the text exposition format,
// for node_exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) processDone(state State, processor string, d time.Duration) {
	if m == nil {
		return
	}
	m.processes.WithLabelValues(state.String()).Inc()
	if d > 0 {
		m.processDuration.WithLabelValues(processor).Observe(d.Seconds())
	}
}

func (m *Metrics) workerBusy(delta float64) {
	if m == nil {
		return
	}
	m.workersBusy.Add(delta)
}

func (m *Metrics) runDone(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}
