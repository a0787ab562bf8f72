package bugfix

import (
	"context"
	"time"

	"github.com/aristath/taskforge/internal/vcs"
)

// Outcome of one bug.
type Outcome string

const (
	OutcomeFixed   Outcome = "fixed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// BugResult records how one bug was handled.
type BugResult struct {
	Bug      Bug
	Outcome  Outcome
	Verified bool
	Err      error
	Commit   *vcs.Result
	Duration time.Duration
}

// IterationSummary tallies one discover/fix pass.
type IterationSummary struct {
	Iteration   int
	Found       int
	Fixed       int
	Failed      int
	Skipped     int
	Interrupted bool
	Bugs        []BugResult
	// Commit is the batch commit, when that strategy is in use.
	Commit   *vcs.Result
	Duration time.Duration
}

// FixRate is Fixed/Found, 0 when nothing was found.
func (s IterationSummary) FixRate() float64 {
	return rate(s.Fixed, s.Found)
}

func (s *IterationSummary) add(r BugResult) {
	s.Bugs = append(s.Bugs, r)
	switch r.Outcome {
	case OutcomeFixed:
		s.Fixed++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	}
}

// RunSummary aggregates every iteration of a loop run.
type RunSummary struct {
	RunID       string
	Found       int
	Fixed       int
	Failed      int
	Skipped     int
	Iterations  []IterationSummary
	Interrupted bool
	// Err is set when discovery itself failed and the loop stopped.
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// FixRate is Fixed/Found across the run, 0 when nothing was found.
func (s *RunSummary) FixRate() float64 {
	return rate(s.Fixed, s.Found)
}

// Success is true when nothing failed or at least one bug was fixed.
func (s *RunSummary) Success() bool {
	return s.Failed == 0 || s.Fixed > 0
}

// Clean is the stricter check: no failures, no skips, no discovery error
// and no interruption.
func (s *RunSummary) Clean() bool {
	return s.Failed == 0 && s.Skipped == 0 && !s.Interrupted && s.Err == nil
}

// Commits returns every commit attempt in order.
func (s *RunSummary) Commits() []vcs.Result {
	var out []vcs.Result
	for _, it := range s.Iterations {
		for _, b := range it.Bugs {
			if b.Commit != nil {
				out = append(out, *b.Commit)
			}
		}
		if it.Commit != nil {
			out = append(out, *it.Commit)
		}
	}
	return out
}

func (s *RunSummary) add(it IterationSummary) {
	s.Iterations = append(s.Iterations, it)
	s.Found += it.Found
	s.Fixed += it.Fixed
	s.Failed += it.Failed
	s.Skipped += it.Skipped
	if it.Interrupted {
		s.Interrupted = true
	}
}

func rate(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// RunRecord is the persisted form of a RunSummary.
type RunRecord struct {
	RunID       string            `json:"run_id"`
	StartedAt   time.Time         `json:"started_at"`
	Duration    time.Duration     `json:"duration"`
	Found       int               `json:"found"`
	Fixed       int               `json:"fixed"`
	Failed      int               `json:"failed"`
	Skipped     int               `json:"skipped"`
	FixRate     float64           `json:"fix_rate"`
	Interrupted bool              `json:"interrupted"`
	Error       string            `json:"error,omitempty"`
	Iterations  []IterationRecord `json:"iterations"`
}

// IterationRecord is the persisted form of an IterationSummary.
type IterationRecord struct {
	Iteration int         `json:"iteration"`
	Found     int         `json:"found"`
	Fixed     int         `json:"fixed"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
	Bugs      []BugRecord `json:"bugs"`
	CommitID  string      `json:"commit_id,omitempty"`
}

// BugRecord is the persisted form of a BugResult.
type BugRecord struct {
	Bug      Bug     `json:"bug"`
	Outcome  Outcome `json:"outcome"`
	Verified bool    `json:"verified"`
	Error    string  `json:"error,omitempty"`
	CommitID string  `json:"commit_id,omitempty"`
}

// Record converts the summary for persistence.
func (s *RunSummary) Record() RunRecord {
	rec := RunRecord{
		RunID:       s.RunID,
		StartedAt:   s.StartedAt,
		Duration:    s.Duration,
		Found:       s.Found,
		Fixed:       s.Fixed,
		Failed:      s.Failed,
		Skipped:     s.Skipped,
		FixRate:     s.FixRate(),
		Interrupted: s.Interrupted,
		Error:       errString(s.Err),
		Iterations:  make([]IterationRecord, 0, len(s.Iterations)),
	}
	for _, it := range s.Iterations {
		ir := IterationRecord{
			Iteration: it.Iteration,
			Found:     it.Found,
			Fixed:     it.Fixed,
			Failed:    it.Failed,
			Skipped:   it.Skipped,
			Bugs:      make([]BugRecord, 0, len(it.Bugs)),
			CommitID:  commitID(it.Commit),
		}
		for _, b := range it.Bugs {
			ir.Bugs = append(ir.Bugs, BugRecord{
				Bug:      b.Bug,
				Outcome:  b.Outcome,
				Verified: b.Verified,
				Error:    errString(b.Err),
				CommitID: commitID(b.Commit),
			})
		}
		rec.Iterations = append(rec.Iterations, ir)
	}
	return rec
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func commitID(r *vcs.Result) string {
	if r == nil {
		return ""
	}
	return r.CommitID
}

// HistorySink persists loop runs. Failures are logged, never raised.
type HistorySink interface {
	SaveFixRun(ctx context.Context, rec RunRecord) error
}
