package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/bugfix"
	"github.com/aristath/taskforge/internal/orchestrator"
	"github.com/aristath/taskforge/internal/perfmon"
)

func TestSinks(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sinks := Sinks{Records: store}

		ref, err := sinks.SaveAggregate(ctx, orchestrator.AggregateRecord{RunID: "run-1", Total: 2, Successful: 1, Failed: 1})
		require.NoError(t, err)
		assert.NotEmpty(t, ref)

		var agg orchestrator.AggregateRecord
		require.NoError(t, store.GetRecord(ctx, KindAggregate, "run-1", &agg))
		assert.Equal(t, 2, agg.Total)

		require.NoError(t, sinks.SaveMetrics(ctx, "run-1", perfmon.Metrics{RunID: "run-1", Tasks: 2, Speedup: 1.8}))
		var m perfmon.Metrics
		require.NoError(t, store.GetRecord(ctx, KindMetrics, "run-1", &m))
		assert.Equal(t, 1.8, m.Speedup)

		run := bugfix.RunRecord{
			RunID:     "fix-1",
			StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Found:     2,
			Fixed:     1,
			Failed:    1,
			FixRate:   0.5,
			Iterations: []bugfix.IterationRecord{{
				Iteration: 1, Found: 2, Fixed: 1, Failed: 1,
				Bugs: []bugfix.BugRecord{{
					Bug:     bugfix.Bug{File: "calc.go", Line: 3, Description: "wrong sum", Origin: "TestAdd", Category: bugfix.CategoryTest},
					Outcome: bugfix.OutcomeFixed,
				}},
			}},
		}
		require.NoError(t, sinks.SaveFixRun(ctx, run))

		var got bugfix.RunRecord
		require.NoError(t, store.GetRecord(ctx, KindFixRun, "fix-1", &got))
		assert.Equal(t, run, got)

		ids, err := store.ListRecords(ctx, KindFixRun)
		require.NoError(t, err)
		assert.Equal(t, []string{"fix-1"}, ids)
	})
}
