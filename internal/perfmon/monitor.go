// Package perfmon records per-task timings of a parallel run and derives
// parallelism, throughput and speedup figures from them.
package perfmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/taskforge/internal/logging"
)

// TaskTiming is one completed task.
type TaskTiming struct {
	TaskID     string        `json:"task_id"`
	Capability string        `json:"capability"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
}

// Metrics is the full record of a finished run.
type Metrics struct {
	RunID          string        `json:"run_id"`
	StartedAt      time.Time     `json:"started_at"`
	Concurrency    int           `json:"concurrency"`
	Tasks          int           `json:"tasks"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	Wall           time.Duration `json:"wall"`
	SumDurations   time.Duration `json:"sum_durations"`
	AvgParallelism float64       `json:"avg_parallelism"`
	// Throughput is tasks per second of wall-clock time.
	Throughput float64 `json:"throughput"`
	// Speedup estimates sequential time over actual time. It is not a
	// critical-path figure.
	Speedup float64      `json:"speedup"`
	Timings []TaskTiming `json:"timings"`
}

// Summary is the condensed view of Metrics.
type Summary struct {
	Tasks      int     `json:"tasks"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Speedup    float64 `json:"speedup"`
	Throughput float64 `json:"throughput"`
}

// Sink persists finished metrics.
type Sink interface {
	SaveMetrics(ctx context.Context, runID string, m Metrics) error
}

// Monitor collects the timings of a single run. Record is safe for
// concurrent use.
type Monitor struct {
	runID      string
	collectors *Collectors
	sink       Sink
	log        *logging.Logger
	now        func() time.Time

	mu      sync.Mutex
	start   time.Time
	timings []TaskTiming
	final   *Metrics
}

// New creates a monitor for runID. collectors, sink and log may be nil.
func New(runID string, collectors *Collectors, sink Sink, log *logging.Logger) *Monitor {
	return &Monitor{
		runID:      runID,
		collectors: collectors,
		sink:       sink,
		log:        logging.OrNop(log).Named("perfmon"),
		now:        time.Now,
	}
}

// Start records the run start time.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start = m.now()
	m.timings = m.timings[:0]
	m.final = nil
}

// Record stores one completed task. Call exactly once per task.
func (m *Monitor) Record(taskID, capability string, d time.Duration, success bool, err error) {
	t := TaskTiming{TaskID: taskID, Capability: capability, Duration: d, Success: success}
	if err != nil {
		t.Error = err.Error()
	}

	m.mu.Lock()
	m.timings = append(m.timings, t)
	m.mu.Unlock()

	m.collectors.observeTask(capability, d, success)
}

// Finish computes the run's metrics and persists them through the sink.
// Persistence failures are logged.
func (m *Monitor) Finish(ctx context.Context, concurrency int) Metrics {
	m.mu.Lock()
	wall := m.now().Sub(m.start)
	metrics := compute(m.runID, m.start, wall, concurrency, m.timings)
	m.final = &metrics
	m.mu.Unlock()

	m.collectors.observeRun(metrics)

	m.log.Info(ctx, "run performance",
		zap.Int("tasks", metrics.Tasks),
		zap.Int("failed", metrics.Failed),
		zap.Duration("wall", metrics.Wall),
		zap.Float64("speedup", metrics.Speedup),
		zap.Float64("throughput", metrics.Throughput),
	)

	if m.sink != nil {
		if err := m.sink.SaveMetrics(ctx, m.runID, metrics); err != nil {
			m.log.Warn(ctx, "failed to persist run metrics", zap.Error(err))
		}
	}
	return metrics
}

// Summary condenses the last Finish. Before Finish it reflects the tasks
// recorded so far with no timing ratios.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.final != nil {
		return Summary{
			Tasks:      m.final.Tasks,
			Succeeded:  m.final.Succeeded,
			Failed:     m.final.Failed,
			Speedup:    m.final.Speedup,
			Throughput: m.final.Throughput,
		}
	}
	s := Summary{Tasks: len(m.timings)}
	for _, t := range m.timings {
		if t.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}

func compute(runID string, start time.Time, wall time.Duration, concurrency int, timings []TaskTiming) Metrics {
	m := Metrics{
		RunID:       runID,
		StartedAt:   start.UTC(),
		Concurrency: concurrency,
		Tasks:       len(timings),
		Wall:        wall,
		Timings:     append([]TaskTiming(nil), timings...),
	}
	for _, t := range timings {
		m.SumDurations += t.Duration
		if t.Success {
			m.Succeeded++
		} else {
			m.Failed++
		}
	}
	if wall > 0 {
		secs := wall.Seconds()
		m.AvgParallelism = m.SumDurations.Seconds() / secs
		m.Speedup = m.AvgParallelism
		m.Throughput = float64(m.Tasks) / secs
	}
	return m
}
