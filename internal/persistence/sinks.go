package persistence

import (
	"context"

	"github.com/aristath/taskforge/internal/bugfix"
	"github.com/aristath/taskforge/internal/orchestrator"
	"github.com/aristath/taskforge/internal/perfmon"
)

// Sinks adapts a RecordStore to the result, metrics and history sinks of
// the orchestrator, the performance monitor and the bug-fix loop.
type Sinks struct {
	Records RecordStore
}

var (
	_ orchestrator.ResultSink = Sinks{}
	_ perfmon.Sink            = Sinks{}
	_ bugfix.HistorySink      = Sinks{}
)

// SaveAggregate stores an aggregate result keyed by its run id.
func (s Sinks) SaveAggregate(ctx context.Context, rec orchestrator.AggregateRecord) (string, error) {
	return s.Records.PutRecord(ctx, KindAggregate, rec.RunID, rec)
}

// SaveMetrics stores the metrics of a run.
func (s Sinks) SaveMetrics(ctx context.Context, runID string, m perfmon.Metrics) error {
	_, err := s.Records.PutRecord(ctx, KindMetrics, runID, m)
	return err
}

// SaveFixRun stores the record of a bug-fix loop run.
func (s Sinks) SaveFixRun(ctx context.Context, rec bugfix.RunRecord) error {
	_, err := s.Records.PutRecord(ctx, KindFixRun, rec.RunID, rec)
	return err
}
