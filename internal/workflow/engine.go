// Package workflow runs a fixed sequence of steps, checkpointing after each
// one so a failed or interrupted run can resume where it stopped.
package workflow

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/aristath/taskforge/internal/capability"
	"github.com/aristath/taskforge/internal/checkpoint"
	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/fault"
	"github.com/aristath/taskforge/internal/logging"
)

// Step is one stage of a workflow. Requires gates the step on artifacts
// produced earlier; it is not a dependency edge.
type Step struct {
	ID         string
	Name       string
	Capability string
	Action     string
	Requires   []string
	Creates    []string
	Metadata   map[string]string
}

func (s Step) displayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// StepsFromConfig converts a configured workflow into steps.
func StepsFromConfig(wf config.WorkflowConfig) []Step {
	steps := make([]Step, 0, len(wf.Steps))
	for _, sc := range wf.Steps {
		steps = append(steps, Step{
			ID:         sc.ID,
			Name:       sc.Name,
			Capability: sc.Agent,
			Action:     sc.Action,
			Requires:   sc.Requires,
			Creates:    sc.Creates,
			Metadata:   sc.Metadata,
		})
	}
	return steps
}

// Config configures an Engine.
type Config struct {
	Invoker capability.Invoker
	Store   checkpoint.Store
	// Checker verifies on-disk artifacts before a resume; nil skips the
	// check for non-variable artifacts.
	Checker checkpoint.ArtifactChecker
	Events  events.Publisher
	Logger  *logging.Logger
	// WorkDir is the working copy every step runs in.
	WorkDir string
	now     func() time.Time
}

// Engine advances workflow runs step by step.
type Engine struct {
	cfg Config
	log *logging.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Engine{cfg: cfg, log: logging.OrNop(cfg.Logger).Named("workflow")}
}

// Run starts a new run of steps. An empty runID gets a fresh ULID. The
// returned state is never nil once the steps validate.
func (e *Engine) Run(ctx context.Context, runID string, steps []Step, vars map[string]any, initial map[string]string) (*State, error) {
	if err := Validate(steps, keys(initial)); err != nil {
		return nil, err
	}
	if runID == "" {
		runID = ulid.Make().String()
	}
	state := NewState(runID, vars, initial)
	e.log.Info(logging.WithRunID(ctx, runID), "workflow started", zap.Int("steps", len(steps)))
	return state, e.execute(ctx, state, steps, 0)
}

// Resume continues runID from its latest checkpoint. The checkpoint must
// validate, its recorded steps must be exactly the first steps of the
// sequence, and the next step's requirements must be in its artifact
// snapshot.
func (e *Engine) Resume(ctx context.Context, runID string, steps []Step) (*State, error) {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}

	cp, err := checkpoint.LoadForResume(ctx, e.cfg.Store, e.cfg.Checker, runID, ids)
	if err != nil {
		return nil, err
	}
	state := restoreState(cp)
	ctx = logging.WithRunID(ctx, runID)

	if cp.StepNumber == len(steps) {
		state.setStatus(StatusCompleted, nil)
		e.log.Info(ctx, "workflow already complete")
		return state, nil
	}

	next := steps[cp.StepNumber]
	if missing := state.missing(next.Requires); len(missing) > 0 {
		return nil, fault.Newf(fault.ErrValidation, "workflow.resume",
			"run %s: step %q requires %v, absent from checkpoint %d", runID, next.ID, missing, cp.StepNumber)
	}

	e.log.Info(ctx, "workflow resumed", zap.Int("resume_point", cp.StepNumber+1), zap.String("step", next.ID))
	return state, e.execute(ctx, state, steps, cp.StepNumber)
}

func (e *Engine) execute(ctx context.Context, state *State, steps []Step, from int) error {
	ctx = logging.WithRunID(ctx, state.RunID())
	e.setStatus(ctx, state, StatusRunning, nil)

	for i := from; i < len(steps); i++ {
		if err := ctx.Err(); err != nil {
			err = fault.New(fault.ErrInterrupted, "workflow.run",
				fmt.Errorf("paused before step %q: %w", steps[i].ID, err))
			e.setStatus(ctx, state, StatusPaused, err)
			return err
		}
		if err := e.Advance(ctx, state, steps[i]); err != nil {
			e.setStatus(ctx, state, StatusFailed, err)
			return err
		}
	}

	e.setStatus(ctx, state, StatusCompleted, nil)
	return nil
}

// Advance runs one step against state: checks its requirements, invokes its
// capability, merges its artifacts and writes the checkpoint. The state
// only changes once the checkpoint is saved.
func (e *Engine) Advance(ctx context.Context, state *State, step Step) error {
	op := "workflow.advance"
	log := e.log.With(zap.String("step", step.ID))

	if missing := state.missing(step.Requires); len(missing) > 0 {
		state.setStepStatus(step.ID, StepFailed)
		return fault.Newf(fault.ErrValidation, op, "step %q: missing required artifacts %v", step.ID, missing)
	}

	state.setStepStatus(step.ID, StepRunning)
	started := e.cfg.now()
	log.Debug(ctx, "step started", zap.String("capability", step.Capability), zap.String("action", step.Action))

	res, err := e.cfg.Invoker.Invoke(ctx, capability.Request{
		Capability: step.Capability,
		Command:    step.Action,
		Args: map[string]any{
			"step_id":   step.ID,
			"step_name": step.displayName(),
			"metadata":  step.Metadata,
			"variables": state.Variables(),
			"artifacts": state.Artifacts(),
		},
		WorkDir: e.cfg.WorkDir,
	})
	if err != nil {
		state.setStepStatus(step.ID, StepFailed)
		if fault.KindOf(err) == nil {
			err = fault.New(fault.ErrCapability, op, err)
		}
		log.Warn(ctx, "step failed", zap.Error(err))
		return fmt.Errorf("step %q: %w", step.ID, err)
	}

	out := collect(step, res)
	cp := state.checkpointFor(step, out, e.cfg.now())
	// A finished step is recorded even if the run is being cancelled.
	if err := e.cfg.Store.Save(context.WithoutCancel(ctx), cp); err != nil {
		state.setStepStatus(step.ID, StepFailed)
		log.Error(ctx, "checkpoint write failed", zap.Error(err))
		return fmt.Errorf("step %q: %w", step.ID, err)
	}
	state.apply(step, out)

	log.Info(ctx, "step completed",
		zap.Int("step_number", cp.StepNumber),
		zap.Duration("duration", e.cfg.now().Sub(started)),
	)
	events.Publish(e.cfg.Events, events.StepCompletedEvent{
		Run: state.RunID(), StepID: step.ID, StepNumber: cp.StepNumber, Timestamp: cp.CompletedAt,
	})
	return nil
}

// collect maps a capability result onto the artifacts the step creates.
// Artifacts the result does not locate are kept as variables holding the
// step output.
func collect(step Step, res capability.Result) outcome {
	out := outcome{artifacts: map[string]string{}, vars: map[string]any{}}
	if vars, ok := res.Data["variables"].(map[string]any); ok {
		maps.Copy(out.vars, vars)
	}
	for _, name := range step.Creates {
		if loc, ok := res.Artifacts[name]; ok && loc != "" {
			out.artifacts[name] = loc
			continue
		}
		out.artifacts[name] = checkpoint.VarScheme + name
		if _, set := out.vars[name]; !set {
			out.vars[name] = res.Output
		}
	}
	return out
}

func (e *Engine) setStatus(ctx context.Context, state *State, st Status, err error) {
	state.setStatus(st, err)
	if st != StatusRunning {
		fields := []zap.Field{zap.String("status", string(st)), zap.Int("completed_steps", len(state.CompletedSteps()))}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		e.log.Info(ctx, "workflow status changed", fields...)
	}
	events.Publish(e.cfg.Events, events.RunStatusEvent{
		Run: state.RunID(), Status: string(st), Err: err, Timestamp: e.cfg.now(),
	})
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
