package checkpoint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/fault"
)

var completed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func cp(run string, n int, steps ...string) Checkpoint {
	return Checkpoint{
		RunID:          run,
		StepID:         steps[len(steps)-1],
		StepNumber:     n,
		StepName:       steps[len(steps)-1],
		CompletedAt:    completed,
		Artifacts:      map[string]string{},
		CompletedSteps: steps,
	}
}

// sliceStore is a minimal Store over a map for exercising the helpers.
type sliceStore map[string][]Checkpoint

func (s sliceStore) Save(ctx context.Context, c Checkpoint) error {
	if err := CheckAppend(c, len(s[c.RunID])); err != nil {
		return err
	}
	s[c.RunID] = append(s[c.RunID], c)
	return nil
}

func (s sliceStore) Latest(ctx context.Context, runID string) (Checkpoint, error) {
	list := s[runID]
	if len(list) == 0 {
		return Checkpoint{}, fault.Newf(fault.ErrNotFound, "latest", "run %s", runID)
	}
	return list[len(list)-1], nil
}

func (s sliceStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	return s[runID], nil
}

func (s sliceStore) ListResumable(ctx context.Context) ([]string, error) {
	return nil, nil
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Checkpoint)
		wantErr bool
	}{
		{"valid", func(c *Checkpoint) {}, false},
		{"empty run", func(c *Checkpoint) { c.RunID = "" }, true},
		{"empty step id", func(c *Checkpoint) { c.StepID = "" }, true},
		{"zero step number", func(c *Checkpoint) { c.StepNumber = 0 }, true},
		{"zero time", func(c *Checkpoint) { c.CompletedAt = time.Time{} }, true},
		{"steps shorter than number", func(c *Checkpoint) { c.CompletedSteps = []string{"code"} }, true},
		{"last step mismatch", func(c *Checkpoint) { c.CompletedSteps = []string{"plan", "review"} }, true},
		{"duplicate step", func(c *Checkpoint) { c.StepID = "plan"; c.CompletedSteps = []string{"plan", "plan"} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cp("run-1", 2, "plan", "code")
			tt.mutate(&c)
			err := c.Check()
			if tt.wantErr {
				assert.ErrorIs(t, err, fault.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckAppend(t *testing.T) {
	assert.NoError(t, CheckAppend(cp("r", 1, "a"), 0))
	assert.ErrorIs(t, CheckAppend(cp("r", 3, "a", "b", "c"), 1), fault.ErrValidation)
	assert.ErrorIs(t, CheckAppend(cp("r", 1, "a"), 1), fault.ErrValidation)
}

func TestValidateArtifacts(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/work/plan.md", []byte("plan"), 0o644))
	checker := NewFSChecker(fs, "/work")
	ctx := context.Background()

	c := cp("run-1", 1, "plan")
	c.Artifacts = map[string]string{
		"plan":    "plan.md",
		"summary": VarScheme + "summary",
	}
	c.Variables = map[string]any{"summary": "short"}
	require.NoError(t, Validate(ctx, c, checker))

	// externally deleted file
	require.NoError(t, fs.Remove("/work/plan.md"))
	err := Validate(ctx, c, checker)
	assert.ErrorIs(t, err, fault.ErrValidation)
	assert.Contains(t, err.Error(), "plan")

	// variable-backed artifact without its variable
	require.NoError(t, afero.WriteFile(fs, "/work/plan.md", []byte("plan"), 0o644))
	c.Variables = nil
	assert.ErrorIs(t, Validate(ctx, c, checker), fault.ErrValidation)
}

func TestResumePoint(t *testing.T) {
	store := sliceStore{}
	ctx := context.Background()
	steps := []string{}
	for i := 1; i <= 5; i++ {
		steps = append(steps, fmt.Sprintf("s%d", i))
		require.NoError(t, store.Save(ctx, cp("run-1", i, append([]string(nil), steps...)...)))
	}

	latest, err := store.Latest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 5, latest.StepNumber)

	next, err := ResumePoint(ctx, store, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 6, next)

	_, err = ResumePoint(ctx, store, "missing")
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestVerifyReplay(t *testing.T) {
	workflow := []string{"plan", "code", "review"}

	assert.NoError(t, VerifyReplay(cp("r", 2, "plan", "code"), workflow))

	// reordered
	assert.ErrorIs(t, VerifyReplay(cp("r", 2, "code", "plan"), workflow), fault.ErrValidation)
	// workflow shrank since the checkpoint was written
	assert.ErrorIs(t, VerifyReplay(cp("r", 3, "plan", "code", "review"), workflow[:2]), fault.ErrValidation)
	// recorded list disagrees with the step number
	bad := cp("r", 2, "plan", "code")
	bad.CompletedSteps = []string{"plan"}
	assert.ErrorIs(t, VerifyReplay(bad, workflow), fault.ErrValidation)
}

func TestLoadForResume(t *testing.T) {
	ctx := context.Background()
	store := sliceStore{}
	require.NoError(t, store.Save(ctx, cp("run-1", 1, "plan")))

	got, err := LoadForResume(ctx, store, nil, "run-1", []string{"plan", "code"})
	require.NoError(t, err)
	assert.Equal(t, "plan", got.StepID)

	_, err = LoadForResume(ctx, store, nil, "nope", []string{"plan"})
	assert.ErrorIs(t, err, fault.ErrNotFound)

	_, err = LoadForResume(ctx, store, nil, "run-1", []string{"design", "code"})
	assert.ErrorIs(t, err, fault.ErrValidation)
}
