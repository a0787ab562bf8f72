package persistence

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/checkpoint"
	"github.com/aristath/taskforge/internal/fault"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(afero.NewMemMapFs(), "/state/store")
	require.NoError(t, err)
	return store
}

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, testStore(t)) })
	t.Run("file", func(t *testing.T) { fn(t, testFileStore(t)) })
}

func stepCheckpoint(run string, n int) checkpoint.Checkpoint {
	steps := make([]string, n)
	for i := range steps {
		steps[i] = fmt.Sprintf("step-%d", i+1)
	}
	return checkpoint.Checkpoint{
		RunID:          run,
		StepID:         steps[n-1],
		StepNumber:     n,
		StepName:       fmt.Sprintf("Step %d", n),
		CompletedAt:    time.Date(2026, 3, 1, 12, 0, n, 0, time.UTC),
		Artifacts:      map[string]string{},
		Metadata:       map[string]string{},
		CompletedSteps: steps,
		Variables:      map[string]any{},
	}
}

func TestSaveAndLatest(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for n := 1; n <= 5; n++ {
			require.NoError(t, store.Save(ctx, stepCheckpoint("run-a", n)))
		}

		latest, err := store.Latest(ctx, "run-a")
		require.NoError(t, err)
		assert.Equal(t, 5, latest.StepNumber)
		assert.Equal(t, "step-5", latest.StepID)

		next, err := checkpoint.ResumePoint(ctx, store, "run-a")
		require.NoError(t, err)
		assert.Equal(t, 6, next)

		list, err := store.List(ctx, "run-a")
		require.NoError(t, err)
		require.Len(t, list, 5)
		for i, cp := range list {
			assert.Equal(t, i+1, cp.StepNumber)
		}
	})
}

func TestCheckpointRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		loc := time.FixedZone("UTC+2", 2*60*60)

		want := stepCheckpoint("run-rt", 1)
		want.CompletedAt = time.Date(2026, 3, 1, 14, 30, 0, 123456789, loc)
		want.Artifacts = map[string]string{"plan": "plan.md", "notes": "var:notes"}
		want.Metadata = map[string]string{"agent": "planner"}
		want.Variables = map[string]any{
			"notes":    "remember the edge cases",
			"attempts": 3,
			"ratio":    0.25,
			"approved": true,
			"limits":   map[string]any{"retries": 2, "budget": 1.5},
		}

		require.NoError(t, store.Save(ctx, want))
		got, err := store.Latest(ctx, "run-rt")
		require.NoError(t, err)

		assert.Equal(t, want.RunID, got.RunID)
		assert.Equal(t, want.StepID, got.StepID)
		assert.Equal(t, want.StepName, got.StepName)
		assert.Equal(t, want.Artifacts, got.Artifacts)
		assert.Equal(t, want.Metadata, got.Metadata)
		assert.Equal(t, want.Variables, got.Variables)
		assert.Equal(t, want.CompletedSteps, got.CompletedSteps)
		assert.True(t, want.CompletedAt.Equal(got.CompletedAt))
		assert.Equal(t, time.UTC, got.CompletedAt.Location())
	})
}

func TestSaveRejectsGapsAndDuplicates(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		err := store.Save(ctx, stepCheckpoint("run-g", 2))
		assert.True(t, fault.Is(err, fault.ErrValidation), "first step must be 1: %v", err)

		require.NoError(t, store.Save(ctx, stepCheckpoint("run-g", 1)))

		err = store.Save(ctx, stepCheckpoint("run-g", 1))
		assert.True(t, fault.Is(err, fault.ErrValidation), "duplicate: %v", err)

		err = store.Save(ctx, stepCheckpoint("run-g", 3))
		assert.True(t, fault.Is(err, fault.ErrValidation), "gap: %v", err)

		// Rejected saves leave nothing behind.
		list, err := store.List(ctx, "run-g")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestSaveRejectsInconsistentCheckpoint(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		cp := stepCheckpoint("run-i", 1)
		cp.CompletedSteps = []string{"other"}
		err := store.Save(context.Background(), cp)
		assert.True(t, fault.Is(err, fault.ErrValidation))
	})
}

func TestConcurrentSaveSameStep(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := store.Save(ctx, stepCheckpoint("run-c", 1)); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, successes)
	})
}

func TestLatestNotFound(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		_, err := store.Latest(context.Background(), "missing")
		assert.True(t, fault.Is(err, fault.ErrNotFound))
	})
}

func TestListResumable(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		runs, err := store.ListResumable(ctx)
		require.NoError(t, err)
		assert.Empty(t, runs)

		require.NoError(t, store.Save(ctx, stepCheckpoint("run-b", 1)))
		require.NoError(t, store.Save(ctx, stepCheckpoint("run-a", 1)))
		require.NoError(t, store.Save(ctx, stepCheckpoint("run-a", 2)))

		runs, err = store.ListResumable(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"run-a", "run-b"}, runs)
	})
}

type sampleRecord struct {
	RunID string  `json:"run_id"`
	Total int     `json:"total"`
	Rate  float64 `json:"rate"`
}

func TestRecords(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		ref, err := store.PutRecord(ctx, KindAggregate, "run-1", sampleRecord{RunID: "run-1", Total: 3, Rate: 0.5})
		require.NoError(t, err)
		assert.NotEmpty(t, ref)

		_, err = store.PutRecord(ctx, KindAggregate, "run-1", sampleRecord{RunID: "run-1", Total: 4, Rate: 0.75})
		require.NoError(t, err)
		_, err = store.PutRecord(ctx, KindMetrics, "run-2", sampleRecord{RunID: "run-2"})
		require.NoError(t, err)

		var got sampleRecord
		require.NoError(t, store.GetRecord(ctx, KindAggregate, "run-1", &got))
		assert.Equal(t, sampleRecord{RunID: "run-1", Total: 4, Rate: 0.75}, got)

		err = store.GetRecord(ctx, KindAggregate, "run-2", &got)
		assert.True(t, fault.Is(err, fault.ErrNotFound))

		ids, err := store.ListRecords(ctx, KindAggregate)
		require.NoError(t, err)
		assert.Equal(t, []string{"run-1"}, ids)
	})
}

func TestSQLiteStoreOnDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	store, err := Open(ctx, "sqlite", path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, stepCheckpoint("run-d", 1)))
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, "sqlite", path)
	require.NoError(t, err)
	defer reopened.Close()

	latest, err := reopened.Latest(ctx, "run-d")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.StepNumber)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "bolt", "x")
	assert.Error(t, err)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewFileStore(fs, "/s")
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), stepCheckpoint("run-t", 1)))

	entries, err := afero.ReadDir(fs, "/s/checkpoints/run-t")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "000001.json", entries[0].Name())
}

func TestFileStoreRejectsPathRunID(t *testing.T) {
	store := testFileStore(t)
	cp := stepCheckpoint("../escape", 1)
	err := store.Save(context.Background(), cp)
	assert.True(t, fault.Is(err, fault.ErrValidation))
}
