// Package checkpoint defines the write-once step completion record, the
// store contract, and the validation that guards a resume.
package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskforge/internal/fault"
)

// VarScheme prefixes artifact locations whose content lives in the
// checkpoint's Variables rather than on disk.
const VarScheme = "var:"

// Checkpoint records the completion of one workflow step. Never mutated
// after Save.
type Checkpoint struct {
	RunID       string            `json:"run_id"`
	StepID      string            `json:"step_id"`
	StepNumber  int               `json:"step_number"`
	StepName    string            `json:"step_name"`
	CompletedAt time.Time         `json:"completed_at"`
	Artifacts   map[string]string `json:"artifacts"`
	Metadata    map[string]string `json:"metadata"`

	// CompletedSteps lists the step ids finished so far, in execution
	// order; its last element is StepID.
	CompletedSteps []string `json:"completed_steps"`
	// Variables must be JSON-encodable. After a reload integral numbers
	// are int and other numbers float64 (see Decode).
	Variables map[string]any `json:"variables"`
}

// Store persists checkpoints append-only, keyed by (RunID, StepNumber).
type Store interface {
	// Save appends cp. It fails with ErrValidation unless cp.StepNumber is
	// exactly one past the run's latest, and with ErrStorage on I/O
	// failure. A failed Save leaves nothing behind.
	Save(ctx context.Context, cp Checkpoint) error
	// Latest returns the checkpoint with the highest step number, or
	// ErrNotFound.
	Latest(ctx context.Context, runID string) (Checkpoint, error)
	// List returns every checkpoint of a run in step order.
	List(ctx context.Context, runID string) ([]Checkpoint, error)
	// ListResumable returns the sorted ids of runs with at least one
	// checkpoint.
	ListResumable(ctx context.Context) ([]string, error)
}

// Check verifies the record's internal consistency.
func (c Checkpoint) Check() error {
	op := "checkpoint.check"
	switch {
	case c.RunID == "":
		return fault.Newf(fault.ErrValidation, op, "empty run id")
	case c.StepID == "":
		return fault.Newf(fault.ErrValidation, op, "run %s: empty step id", c.RunID)
	case c.StepNumber < 1:
		return fault.Newf(fault.ErrValidation, op, "run %s: step number %d < 1", c.RunID, c.StepNumber)
	case c.CompletedAt.IsZero():
		return fault.Newf(fault.ErrValidation, op, "run %s step %d: missing completion time", c.RunID, c.StepNumber)
	case len(c.CompletedSteps) != c.StepNumber:
		return fault.Newf(fault.ErrValidation, op, "run %s step %d: %d completed steps recorded",
			c.RunID, c.StepNumber, len(c.CompletedSteps))
	case c.CompletedSteps[len(c.CompletedSteps)-1] != c.StepID:
		return fault.Newf(fault.ErrValidation, op, "run %s step %d: last completed step %q is not %q",
			c.RunID, c.StepNumber, c.CompletedSteps[len(c.CompletedSteps)-1], c.StepID)
	}

	seen := make(map[string]bool, len(c.CompletedSteps))
	for _, id := range c.CompletedSteps {
		if seen[id] {
			return fault.Newf(fault.ErrValidation, op, "run %s: step %q completed twice", c.RunID, id)
		}
		seen[id] = true
	}
	return nil
}

// CheckAppend enforces the gapless, monotonic numbering of a run given the
// number of its current latest checkpoint (0 when none).
func CheckAppend(cp Checkpoint, latest int) error {
	if cp.StepNumber != latest+1 {
		return fault.Newf(fault.ErrValidation, "checkpoint.save",
			"run %s: step number %d does not follow latest %d", cp.RunID, cp.StepNumber, latest)
	}
	return nil
}

// Validate checks cp's consistency and that every artifact it references
// still exists. Variable-backed artifacts must be present in cp.Variables;
// everything else is resolved through checker.
func Validate(ctx context.Context, cp Checkpoint, checker ArtifactChecker) error {
	if err := cp.Check(); err != nil {
		return err
	}

	var missing []string
	for name, loc := range cp.Artifacts {
		if key, ok := strings.CutPrefix(loc, VarScheme); ok {
			if _, present := cp.Variables[key]; !present {
				missing = append(missing, name)
			}
			continue
		}
		if checker == nil {
			continue
		}
		ok, err := checker.Exists(ctx, loc)
		if err != nil {
			return fault.New(fault.ErrStorage, "checkpoint.validate", fmt.Errorf("artifact %q: %w", name, err))
		}
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fault.Newf(fault.ErrValidation, "checkpoint.validate",
			"run %s step %d: missing artifacts %v", cp.RunID, cp.StepNumber, sorted(missing))
	}
	return nil
}

// ResumePoint is the step number a resumed run continues at.
func ResumePoint(ctx context.Context, store Store, runID string) (int, error) {
	latest, err := store.Latest(ctx, runID)
	if err != nil {
		return 0, err
	}
	return latest.StepNumber + 1, nil
}

// VerifyReplay checks that the steps recorded in cp are exactly the first
// cp.StepNumber steps of the sequence, in order. Gaps, reordering or a
// changed step list are rejected.
func VerifyReplay(cp Checkpoint, stepIDs []string) error {
	op := "checkpoint.replay"
	if cp.StepNumber > len(stepIDs) {
		return fault.Newf(fault.ErrValidation, op, "run %s: checkpoint at step %d but workflow has %d steps",
			cp.RunID, cp.StepNumber, len(stepIDs))
	}
	if len(cp.CompletedSteps) != cp.StepNumber {
		return fault.Newf(fault.ErrValidation, op, "run %s: %d completed steps recorded for step %d",
			cp.RunID, len(cp.CompletedSteps), cp.StepNumber)
	}
	for i, id := range cp.CompletedSteps {
		if stepIDs[i] != id {
			return fault.Newf(fault.ErrValidation, op, "run %s: step %d recorded as %q, workflow has %q",
				cp.RunID, i+1, id, stepIDs[i])
		}
	}
	return nil
}

// LoadForResume returns the latest checkpoint of runID after validating its
// artifacts and its replay against stepIDs. A missing run surfaces as
// ErrNotFound, integrity failures as ErrValidation.
func LoadForResume(ctx context.Context, store Store, checker ArtifactChecker, runID string, stepIDs []string) (Checkpoint, error) {
	cp, err := store.Latest(ctx, runID)
	if err != nil {
		return Checkpoint{}, err
	}
	if err := Validate(ctx, cp, checker); err != nil {
		return Checkpoint{}, err
	}
	if err := VerifyReplay(cp, stepIDs); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}
