// Package orchestrator fans a batch of independent tasks out over isolated
// working copies with bounded concurrency and aggregates their results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/taskforge/internal/capability"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/fault"
	"github.com/aristath/taskforge/internal/isolation"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/perfmon"
)

// Config configures the orchestrator.
type Config struct {
	Invoker   capability.Invoker // Resolves and runs task capabilities
	Isolation isolation.Provider // Provisions one working copy per task
	Sink      ResultSink         // Optional aggregate persistence
	Metrics   perfmon.Sink       // Optional metrics persistence
	// Collectors receive task and run metrics; nil disables them.
	Collectors  *perfmon.Collectors
	Events      events.Publisher
	Logger      *logging.Logger
	TaskTimeout time.Duration // Per-task deadline; zero means none
}

// Orchestrator executes task batches. It is safe to run several batches
// concurrently as long as their task ids do not collide in the isolation
// provider.
type Orchestrator struct {
	cfg Config
	log *logging.Logger
}

// pruner is implemented by providers that can clean up copies left behind
// by crashed runs.
type pruner interface {
	Prune(ctx context.Context) error
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg: cfg,
		log: logging.OrNop(cfg.Logger).Named("orchestrator"),
	}
}

// ExecuteParallel runs tasks with at most concurrency capability calls in
// flight. It never returns a partial aggregate: failures before dispatch
// mark every task failed with the cause, and every working copy created is
// removed before returning.
func (o *Orchestrator) ExecuteParallel(ctx context.Context, tasks []Task, concurrency int) *AggregateResult {
	start := time.Now()
	runID := ulid.Make().String()
	ctx = logging.WithRunID(ctx, runID)

	monitor := perfmon.New(runID, o.cfg.Collectors, o.cfg.Metrics, o.log)
	monitor.Start()

	agg := &AggregateResult{RunID: runID, Results: make([]TaskResult, len(tasks))}
	for i, t := range tasks {
		agg.Results[i] = TaskResult{TaskID: t.ID, Capability: t.Capability}
	}

	// Persistence and metrics run on every exit path and must not be cut
	// short by the caller's cancellation.
	defer func() {
		agg.tally()
		agg.Duration = time.Since(start)
		o.finish(context.WithoutCancel(ctx), agg, monitor, concurrency)
	}()

	if err := validate(tasks, concurrency); err != nil {
		o.failAll(agg, monitor, err)
		return agg
	}
	if len(tasks) == 0 {
		return agg
	}

	o.log.Info(ctx, "starting batch", zap.Int("tasks", len(tasks)), zap.Int("concurrency", concurrency))

	workDirs, cleanup, err := o.provision(ctx, tasks)
	// Registered before checking err so partially provisioned batches are
	// cleaned up too.
	defer cleanup()
	if err != nil {
		o.failAll(agg, monitor, err)
		return agg
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	locks := newPathLocks()
	progress := &batchProgress{run: runID, total: len(tasks), bus: o.cfg.Events}

	var g errgroup.Group
	for i, task := range tasks {
		g.Go(func() error {
			res := o.runTask(ctx, runID, sem, locks, task, workDirs[i])
			agg.Results[i] = res
			monitor.Record(res.TaskID, res.Capability, res.Duration, res.Success, res.Err)
			progress.done(res.Success)
			return nil
		})
	}
	_ = g.Wait()

	return agg
}

func validate(tasks []Task, concurrency int) error {
	if concurrency < 1 {
		return fault.Newf(fault.ErrValidation, "orchestrator.validate", "concurrency must be at least 1, got %d", concurrency)
	}
	seen := make(map[string]bool, len(tasks))
	var errs []error
	for i, t := range tasks {
		switch {
		case t.ID == "":
			errs = append(errs, fmt.Errorf("task %d: empty id", i))
		case seen[t.ID]:
			errs = append(errs, fmt.Errorf("task %d: duplicate id %q", i, t.ID))
		case t.Capability == "":
			errs = append(errs, fmt.Errorf("task %q: empty capability", t.ID))
		}
		seen[t.ID] = true
	}
	if err := errors.Join(errs...); err != nil {
		return fault.New(fault.ErrValidation, "orchestrator.validate", err)
	}
	return nil
}

// provision creates a working copy per task, sequentially. The returned
// cleanup removes every copy created so far and is always non-nil.
func (o *Orchestrator) provision(ctx context.Context, tasks []Task) ([]string, func(), error) {
	var created []string
	cleanup := func() {
		cctx := context.WithoutCancel(ctx)
		for _, id := range created {
			if err := o.cfg.Isolation.Remove(cctx, id); err != nil {
				o.log.Warn(cctx, "failed to remove working copy", zap.String("task", id), zap.Error(err))
			}
		}
	}

	if o.cfg.Isolation == nil {
		return nil, func() {}, fault.Newf(fault.ErrProvisioning, "orchestrator.provision", "no isolation provider configured")
	}
	if p, ok := o.cfg.Isolation.(pruner); ok {
		if err := p.Prune(ctx); err != nil {
			o.log.Warn(ctx, "failed to prune stale working copies", zap.Error(err))
		}
	}

	dirs := make([]string, len(tasks))
	for i, t := range tasks {
		if err := ctx.Err(); err != nil {
			return nil, cleanup, fault.New(fault.ErrInterrupted, "orchestrator.provision", err)
		}
		dir, err := o.cfg.Isolation.Create(ctx, t.ID, "")
		if err != nil {
			if !fault.Is(err, fault.ErrProvisioning) {
				err = fault.New(fault.ErrProvisioning, "orchestrator.provision", err)
			}
			return nil, cleanup, fmt.Errorf("task %q: %w", t.ID, err)
		}
		created = append(created, t.ID)
		dirs[i] = dir
	}
	return dirs, cleanup, nil
}

// runTask executes one task in its working copy and never panics or
// returns an error: every failure ends up in the TaskResult.
func (o *Orchestrator) runTask(ctx context.Context, runID string, sem *semaphore.Weighted, locks *pathLocks, task Task, workDir string) (res TaskResult) {
	ctx = logging.WithTaskID(ctx, task.ID)
	res = TaskResult{TaskID: task.ID, Capability: task.Capability, WorkDir: workDir}

	var targets []string
	if task.TargetPath != "" {
		targets = []string{task.TargetPath}
	}
	if err := locks.lockAll(ctx, targets); err != nil {
		res.Err = fault.New(fault.ErrInterrupted, "orchestrator.task", err)
		return res
	}
	defer locks.unlockAll(targets)

	if err := sem.Acquire(ctx, 1); err != nil {
		res.Err = fault.New(fault.ErrInterrupted, "orchestrator.task", err)
		return res
	}
	defer sem.Release(1)

	started := time.Now()
	events.Publish(o.cfg.Events, events.TaskStartedEvent{
		Run: runID, ID: task.ID, Capability: task.Capability, WorkDir: workDir, Timestamp: started,
	})

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Err = fault.Newf(fault.ErrCapability, "orchestrator.task", "task %q panicked: %v\n%s", task.ID, r, debug.Stack())
		}
		res.Duration = time.Since(started)
		o.report(ctx, runID, res)
	}()

	tctx := ctx
	if o.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, o.cfg.TaskTimeout)
		defer cancel()
	}

	out, err := o.cfg.Invoker.Invoke(tctx, capability.Request{
		Capability: task.Capability,
		Command:    task.Command,
		Args:       taskArgs(task),
		WorkDir:    workDir,
	})
	if err != nil {
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fault.New(fault.ErrTimeout, "orchestrator.task",
				fmt.Errorf("task %q exceeded %s: %w", task.ID, o.cfg.TaskTimeout, err))
		}
		res.Err = err
		return res
	}

	res.Success = true
	res.Value = out.Data
	res.Output = out.Output
	return res
}

// taskArgs copies the task's args, adding target_path when set.
func taskArgs(t Task) map[string]any {
	args := make(map[string]any, len(t.Args)+1)
	for k, v := range t.Args {
		args[k] = v
	}
	if t.TargetPath != "" {
		if _, ok := args["target_path"]; !ok {
			args["target_path"] = t.TargetPath
		}
	}
	return args
}

func (o *Orchestrator) report(ctx context.Context, runID string, res TaskResult) {
	now := time.Now()
	if res.Success {
		o.log.Debug(ctx, "task completed", zap.Duration("duration", res.Duration))
		events.Publish(o.cfg.Events, events.TaskCompletedEvent{Run: runID, ID: res.TaskID, Duration: res.Duration, Timestamp: now})
		return
	}
	o.log.Warn(ctx, "task failed", zap.Duration("duration", res.Duration), zap.Error(res.Err))
	events.Publish(o.cfg.Events, events.TaskFailedEvent{Run: runID, ID: res.TaskID, Err: res.Err, Duration: res.Duration, Timestamp: now})
}

// failAll marks every task failed with err.
func (o *Orchestrator) failAll(agg *AggregateResult, monitor *perfmon.Monitor, err error) {
	agg.Err = err
	for i := range agg.Results {
		agg.Results[i].Success = false
		agg.Results[i].Err = err
		monitor.Record(agg.Results[i].TaskID, agg.Results[i].Capability, 0, false, err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, agg *AggregateResult, monitor *perfmon.Monitor, concurrency int) {
	if o.cfg.Sink != nil {
		ref, err := o.cfg.Sink.SaveAggregate(ctx, agg.Record())
		if err != nil {
			o.log.Warn(ctx, "failed to persist aggregate result", zap.Error(err))
		} else {
			agg.PersistedRef = ref
		}
	}
	monitor.Finish(ctx, concurrency)

	fields := []zap.Field{
		zap.Int("total", agg.Total),
		zap.Int("successful", agg.Successful),
		zap.Int("failed", agg.Failed),
		zap.Duration("duration", agg.Duration),
	}
	if agg.Err != nil {
		o.log.Error(ctx, "batch failed before dispatch", append(fields, zap.Error(agg.Err))...)
		return
	}
	o.log.Info(ctx, "batch finished", fields...)
}

type batchProgress struct {
	run   string
	total int
	bus   events.Publisher

	mu        sync.Mutex
	completed int
	failed    int
}

func (p *batchProgress) done(success bool) {
	p.mu.Lock()
	p.completed++
	if !success {
		p.failed++
	}
	ev := events.BatchProgressEvent{
		Run: p.run, Total: p.total, Completed: p.completed, Failed: p.failed, Timestamp: time.Now(),
	}
	p.mu.Unlock()
	events.Publish(p.bus, ev)
}
