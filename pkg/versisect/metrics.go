package versisect

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects prometheus metrics about tasks and runs. A nil *Metrics records nothing.
type Metrics struct {
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	tasks       *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "versisect",
			Name:      "runs_total",
			Help:      "Number of finished runs by result",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "versisect",
			Name:      "run_duration_seconds",
			Help:      "Duration of runs from dispatch to result",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "versisect",
			Name:      "tasks_total",
			Help:      "Number of finished tasks by kind and exit code",
		}, []string{"kind", "exit_code"}),
	}
	reg.MustRegister(m.runs, m.runDuration, m.tasks)
	return m
}

func (m *Metrics) observeRun(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(result).Inc()
	m.runDuration.Observe(took.Seconds())
}

func (m *Metrics) observeTask(kind string, code ExitCode) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(kind, fmt.Sprint(int(code))).Inc()
}
