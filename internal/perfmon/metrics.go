package perfmon

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are the Prometheus series shared by every run of a process.
type Collectors struct {
	// TaskDuration tracks task durations in seconds.
	// Labels: capability
	TaskDuration *prometheus.HistogramVec

	// TasksTotal counts completed tasks.
	// Labels: capability, result (success, failure)
	TasksTotal *prometheus.CounterVec

	// RunsTotal counts finished runs.
	RunsTotal prometheus.Counter

	// LastSpeedup is the speedup of the most recent run.
	LastSpeedup prometheus.Gauge

	// LastThroughput is the throughput (tasks/s) of the most recent run.
	LastThroughput prometheus.Gauge
}

// NewCollectors registers the collectors on reg. A nil reg creates
// unregistered collectors.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "taskforge",
				Subsystem: "orchestrator",
				Name:      "task_duration_seconds",
				Help:      "Duration of orchestrated tasks in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"capability"},
		),
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskforge",
				Subsystem: "orchestrator",
				Name:      "tasks_total",
				Help:      "Total number of orchestrated tasks by result",
			},
			[]string{"capability", "result"},
		),
		RunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskforge",
				Subsystem: "orchestrator",
				Name:      "runs_total",
				Help:      "Total number of finished parallel runs",
			},
		),
		LastSpeedup: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taskforge",
				Subsystem: "orchestrator",
				Name:      "last_run_speedup",
				Help:      "Sum of task durations over wall-clock time of the last run",
			},
		),
		LastThroughput: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taskforge",
				Subsystem: "orchestrator",
				Name:      "last_run_throughput",
				Help:      "Tasks per second of the last run",
			},
		),
	}
}

func (c *Collectors) observeTask(capability string, d time.Duration, success bool) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	c.TaskDuration.WithLabelValues(capability).Observe(d.Seconds())
	c.TasksTotal.WithLabelValues(capability, result).Inc()
}

func (c *Collectors) observeRun(m Metrics) {
	if c == nil {
		return
	}
	c.RunsTotal.Inc()
	c.LastSpeedup.Set(m.Speedup)
	c.LastThroughput.Set(m.Throughput)
}
