// Package vcs commits remediation changes to the repository under repair.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/aristath/taskforge/internal/fault"
	"github.com/aristath/taskforge/internal/logging"
)

// Change describes one fixed defect.
type Change struct {
	File        string
	Description string
	Origin      string // test name or analysis tag that reported it
}

// Result is the outcome of a commit attempt.
type Result struct {
	Success  bool
	CommitID string
	Branch   string
	Message  string
	Err      error
}

// Config configures a Manager.
type Config struct {
	RepoPath    string
	AuthorName  string
	AuthorEmail string
}

// Manager stages and commits every pending change in a repository.
type Manager struct {
	cfg Config
	log *logging.Logger
	now func() time.Time

	// go-git worktrees are not safe for concurrent writes.
	mu sync.Mutex
}

// NewManager creates a commit manager.
func NewManager(cfg Config, log *logging.Logger) *Manager {
	if cfg.AuthorName == "" {
		cfg.AuthorName = "taskforge"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "taskforge@localhost"
	}
	return &Manager{cfg: cfg, log: logging.OrNop(log).Named("vcs"), now: time.Now}
}

// CommitOne commits all pending changes as the fix for c.
func (m *Manager) CommitOne(ctx context.Context, c Change) Result {
	return m.commit(ctx, SingleMessage(c))
}

// CommitBatch commits all pending changes as the fix for every change in cs.
func (m *Manager) CommitBatch(ctx context.Context, cs []Change) Result {
	if len(cs) == 0 {
		return Result{Err: fault.Newf(fault.ErrValidation, "vcs.commit", "empty batch")}
	}
	return m.commit(ctx, BatchMessage(cs))
}

// Branch returns the current branch, or "" on a detached HEAD.
func (m *Manager) Branch() (string, error) {
	repo, err := m.open()
	if err != nil {
		return "", err
	}
	return currentBranch(repo), nil
}

func (m *Manager) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(m.cfg.RepoPath)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fault.Newf(fault.ErrRepository, "vcs.open", "%s is not a git repository", m.cfg.RepoPath)
	}
	if err != nil {
		return nil, fault.New(fault.ErrRepository, "vcs.open", err)
	}
	return repo, nil
}

func (m *Manager) commit(ctx context.Context, msg string) Result {
	op := "vcs.commit"
	res := Result{Message: msg}
	if err := ctx.Err(); err != nil {
		res.Err = fault.New(fault.ErrInterrupted, op, err)
		return res
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	repo, err := m.open()
	if err != nil {
		res.Err = err
		return res
	}
	res.Branch = currentBranch(repo)

	wt, err := repo.Worktree()
	if err != nil {
		res.Err = fault.New(fault.ErrRepository, op, fmt.Errorf("open worktree: %w", err))
		return res
	}
	status, err := wt.Status()
	if err != nil {
		res.Err = fault.New(fault.ErrRepository, op, fmt.Errorf("status: %w", err))
		return res
	}
	if status.IsClean() {
		res.Err = fault.Newf(fault.ErrRepository, op, "no pending changes")
		return res
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		res.Err = fault.New(fault.ErrRepository, op, fmt.Errorf("stage changes: %w", err))
		return res
	}

	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  m.cfg.AuthorName,
			Email: m.cfg.AuthorEmail,
			When:  m.now(),
		},
	})
	if err != nil {
		res.Err = fault.New(fault.ErrRepository, op, fmt.Errorf("commit: %w", err))
		return res
	}

	res.Success = true
	res.CommitID = hash.String()
	m.log.Info(ctx, "committed fix",
		zap.String("commit", res.CommitID[:12]),
		zap.String("branch", res.Branch),
		zap.String("subject", firstLine(msg)),
	)
	return res
}

func currentBranch(repo *git.Repository) string {
	head, err := repo.Head()
	if err != nil || !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}

// subjectLimit keeps commit subjects within the conventional width.
const subjectLimit = 72

// SingleMessage is the commit message for one fix.
func SingleMessage(c Change) string {
	var b strings.Builder
	b.WriteString(truncate("fix: "+firstLine(c.Description), subjectLimit))
	b.WriteString("\n\n")
	if c.Origin != "" {
		fmt.Fprintf(&b, "Origin: %s\n", c.Origin)
	}
	fmt.Fprintf(&b, "File: %s\n", c.File)
	return b.String()
}

// BatchMessage is the commit message for all fixes of an iteration.
func BatchMessage(cs []Change) string {
	files := make(map[string]bool)
	for _, c := range cs {
		files[c.File] = true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "fix: resolve %d bug(s) across %d file(s)\n\n", len(cs), len(files))
	for _, c := range cs {
		fmt.Fprintf(&b, "- %s: %s", c.File, firstLine(c.Description))
		if c.Origin != "" {
			fmt.Fprintf(&b, " (%s)", c.Origin)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if s == "" {
		return "unspecified defect"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-3]) + "..."
}
