package bugfix

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/fault"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/vcs"
)

// CommitStrategy decides when fixes are committed.
type CommitStrategy string

const (
	CommitOnePerBug CommitStrategy = "one-per-bug"
	CommitBatch     CommitStrategy = "batch"
	CommitNone      CommitStrategy = "none"
)

// Verification decides how a fix is confirmed.
type Verification string

const (
	// VerifyStrict requires a scoped re-discovery to no longer report the bug.
	VerifyStrict Verification = "strict"
	// VerifyLenient runs the re-discovery but only logs its result.
	VerifyLenient Verification = "lenient"
	VerifyNone    Verification = "none"
)

// DefaultMaxIterations bounds a loop run when the config leaves it unset.
const DefaultMaxIterations = 5

// Committer commits fixed bugs. *vcs.Manager implements it.
type Committer interface {
	CommitOne(ctx context.Context, c vcs.Change) vcs.Result
	CommitBatch(ctx context.Context, cs []vcs.Change) vcs.Result
}

// Config configures a Loop.
type Config struct {
	Discovery      Discovery
	Fixer          Fixer
	Committer      Committer // required unless CommitStrategy is none
	History        HistorySink
	Events         events.Publisher
	Logger         *logging.Logger
	Scope          Scope
	MaxIterations  int
	CommitStrategy CommitStrategy
	Verification   Verification
	now            func() time.Time
}

// Loop drives discover, fix, verify and commit until nothing is found,
// the iteration budget runs out or the context is cancelled.
type Loop struct {
	cfg Config
	log *logging.Logger
}

// NewLoop validates cfg and creates a loop.
func NewLoop(cfg Config) (*Loop, error) {
	op := "bugfix.new"
	if cfg.Discovery == nil || cfg.Fixer == nil {
		return nil, fault.Newf(fault.ErrValidation, op, "discovery and fixer are required")
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxIterations < 0 {
		return nil, fault.Newf(fault.ErrValidation, op, "max iterations must be positive, got %d", cfg.MaxIterations)
	}
	switch cfg.CommitStrategy {
	case "":
		cfg.CommitStrategy = CommitOnePerBug
	case CommitOnePerBug, CommitBatch, CommitNone:
	default:
		return nil, fault.Newf(fault.ErrValidation, op, "unknown commit strategy %q", cfg.CommitStrategy)
	}
	if cfg.CommitStrategy != CommitNone && cfg.Committer == nil {
		return nil, fault.Newf(fault.ErrValidation, op, "commit strategy %q needs a committer", cfg.CommitStrategy)
	}
	switch cfg.Verification {
	case "":
		cfg.Verification = VerifyStrict
	case VerifyStrict, VerifyLenient, VerifyNone:
	default:
		return nil, fault.Newf(fault.ErrValidation, op, "unknown verification mode %q", cfg.Verification)
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Loop{cfg: cfg, log: logging.OrNop(cfg.Logger).Named("bugfix")}, nil
}

// Run executes the loop. The summary is never nil. The error is the
// discovery failure that stopped the loop, if any; per-bug failures are
// only recorded in the summary.
func (l *Loop) Run(ctx context.Context) (*RunSummary, error) {
	sum := &RunSummary{RunID: ulid.Make().String(), StartedAt: l.cfg.now()}
	ctx = logging.WithRunID(ctx, sum.RunID)
	l.log.Info(ctx, "fix loop started",
		zap.String("discovery", l.cfg.Discovery.Name()),
		zap.Int("max_iterations", l.cfg.MaxIterations),
		zap.String("commit_strategy", string(l.cfg.CommitStrategy)),
		zap.String("verification", string(l.cfg.Verification)),
	)
	defer l.finish(ctx, sum)

	for i := 1; i <= l.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			sum.Interrupted = true
			return sum, nil
		}

		bugs, err := l.cfg.Discovery.Discover(ctx, l.cfg.Scope)
		if err != nil {
			if ctx.Err() != nil {
				sum.Interrupted = true
				return sum, nil
			}
			sum.Err = fmt.Errorf("iteration %d: discovery: %w", i, err)
			return sum, sum.Err
		}

		it := l.iterate(ctx, sum.RunID, i, bugs)
		sum.add(it)
		if it.Found == 0 || it.Interrupted {
			break
		}
	}
	return sum, nil
}

func (l *Loop) finish(ctx context.Context, sum *RunSummary) {
	sum.Duration = l.cfg.now().Sub(sum.StartedAt)
	ctx = context.WithoutCancel(ctx)

	fields := []zap.Field{
		zap.Int("iterations", len(sum.Iterations)),
		zap.Int("found", sum.Found),
		zap.Int("fixed", sum.Fixed),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Float64("fix_rate", sum.FixRate()),
		zap.Bool("interrupted", sum.Interrupted),
		zap.Duration("duration", sum.Duration),
	}
	if sum.Err != nil {
		fields = append(fields, zap.Error(sum.Err))
	}
	l.log.Info(ctx, "fix loop finished", fields...)

	if l.cfg.History != nil {
		if err := l.cfg.History.SaveFixRun(ctx, sum.Record()); err != nil {
			l.log.Warn(ctx, "failed to persist fix run", zap.Error(err))
		}
	}
}

func (l *Loop) iterate(ctx context.Context, runID string, n int, bugs []Bug) IterationSummary {
	started := l.cfg.now()
	it := IterationSummary{Iteration: n, Found: len(bugs)}
	log := l.log.With(zap.Int("iteration", n))
	log.Info(ctx, "iteration started", zap.Int("bugs", len(bugs)))

	var fixed []Bug
	for i, bug := range bugs {
		if err := ctx.Err(); err != nil {
			it.Interrupted = true
			for _, rest := range bugs[i:] {
				r := BugResult{Bug: rest, Outcome: OutcomeSkipped, Err: fault.New(fault.ErrInterrupted, "bugfix.iterate", err)}
				it.add(r)
				l.publish(runID, n, r)
			}
			log.Warn(ctx, "iteration interrupted", zap.Int("skipped", len(bugs)-i))
			break
		}

		r := l.handle(ctx, bug)
		if r.Outcome == OutcomeFixed {
			fixed = append(fixed, bug)
		}
		it.add(r)
		l.publish(runID, n, r)
	}

	if l.cfg.CommitStrategy == CommitBatch && len(fixed) > 0 {
		changes := make([]vcs.Change, len(fixed))
		for i, b := range fixed {
			changes[i] = b.change()
		}
		res := l.cfg.Committer.CommitBatch(context.WithoutCancel(ctx), changes)
		it.Commit = &res
		if res.Err != nil {
			log.Warn(ctx, "batch commit failed", zap.Error(res.Err))
		}
	}

	it.Duration = l.cfg.now().Sub(started)
	log.Info(ctx, "iteration finished",
		zap.Int("fixed", it.Fixed),
		zap.Int("failed", it.Failed),
		zap.Int("skipped", it.Skipped),
	)
	events.Publish(l.cfg.Events, events.IterationCompletedEvent{
		Run: runID, Iteration: n, Found: it.Found, Fixed: it.Fixed,
		Failed: it.Failed, Skipped: it.Skipped, Timestamp: l.cfg.now(),
	})
	return it
}

// handle fixes, verifies and (per strategy) commits one bug. Once started
// it runs to completion even if ctx is cancelled.
func (l *Loop) handle(ctx context.Context, bug Bug) BugResult {
	started := l.cfg.now()
	ctx = context.WithoutCancel(ctx)
	log := l.log.With(zap.String("file", bug.Location()), zap.String("origin", bug.Origin))
	r := BugResult{Bug: bug}
	defer func() { r.Duration = l.cfg.now().Sub(started) }()

	if err := l.cfg.Fixer.Fix(ctx, bug); err != nil {
		r.Outcome, r.Err = OutcomeFailed, err
		log.Warn(ctx, "fix failed", zap.Error(err))
		return r
	}

	verified, err := l.verify(ctx, bug)
	r.Verified = verified
	if err != nil {
		r.Outcome, r.Err = OutcomeFailed, err
		log.Warn(ctx, "fix not verified", zap.Error(err))
		return r
	}
	r.Outcome = OutcomeFixed

	if l.cfg.CommitStrategy == CommitOnePerBug {
		res := l.cfg.Committer.CommitOne(ctx, bug.change())
		r.Commit = &res
		if res.Err != nil {
			log.Warn(ctx, "commit failed", zap.Error(res.Err))
		}
	}
	log.Info(ctx, "bug fixed", zap.Bool("verified", verified))
	return r
}

var (
	errStillPresent = errors.New("still reported after fix")
	errBuildBroken  = errors.New("build fails after fix")
)

// verify re-runs discovery scoped to bug. It returns whether the bug is
// gone; the error is non-nil only when the mode makes that fatal. A build
// failure anywhere in the scope counts as not gone, since it hides the
// tests that would report the bug.
func (l *Loop) verify(ctx context.Context, bug Bug) (bool, error) {
	if l.cfg.Verification == VerifyNone {
		return false, nil
	}

	found, err := l.cfg.Discovery.Discover(ctx, ScopeFor(bug))
	gone := err == nil
	if gone {
		for _, b := range found {
			if b.Same(bug) {
				gone = false
				err = errStillPresent
				break
			}
			if b.Category == CategoryBuild {
				gone = false
				err = fmt.Errorf("%w: %s: %s", errBuildBroken, b.Location(), b.Description)
				break
			}
		}
	}

	if l.cfg.Verification == VerifyLenient {
		l.log.Debug(ctx, "lenient verification", zap.String("file", bug.Location()), zap.Bool("gone", gone), zap.Error(err))
		return gone, nil
	}
	if err != nil {
		return false, fault.New(fault.ErrValidation, "bugfix.verify", fmt.Errorf("%s: %w", bug.Location(), err))
	}
	return true, nil
}

func (l *Loop) publish(runID string, iteration int, r BugResult) {
	events.Publish(l.cfg.Events, events.BugOutcomeEvent{
		Run:       runID,
		Iteration: iteration,
		File:      r.Bug.File,
		Origin:    r.Bug.Origin,
		Outcome:   string(r.Outcome),
		Err:       r.Err,
		Timestamp: l.cfg.now(),
	})
}
