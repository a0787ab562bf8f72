package isolation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aristath/taskforge/internal/fault"
	"github.com/aristath/taskforge/internal/logging"
)

// WorktreeConfig configures the git worktree provider.
type WorktreeConfig struct {
	RepoPath   string // Path to the git repository
	BaseBranch string // Branch new worktrees start from (e.g., "main")
	Dir        string // Directory under the repo for worktrees (default ".worktrees")
}

// WorktreeInfo describes one git worktree.
type WorktreeInfo struct {
	Path   string // Absolute path to the worktree directory
	Branch string // Branch name (e.g., "task/task-123")
	TaskID string // Task the worktree belongs to
	Head   string // HEAD commit hash
}

// Worktrees provisions one git worktree and branch per task.
type Worktrees struct {
	cfg WorktreeConfig
	log *logging.Logger

	// git takes repository-wide locks for worktree add/remove; concurrent
	// invocations fail with "index.lock exists".
	gitMu sync.Mutex

	mu     sync.Mutex
	active map[string]WorktreeInfo
}

var _ Provider = (*Worktrees)(nil)

// NewWorktrees creates a worktree provider.
func NewWorktrees(cfg WorktreeConfig, log *logging.Logger) *Worktrees {
	if cfg.Dir == "" {
		cfg.Dir = ".worktrees"
	}
	if abs, err := filepath.Abs(cfg.RepoPath); err == nil {
		cfg.RepoPath = abs
	}
	return &Worktrees{
		cfg:    cfg,
		log:    logging.OrNop(log).Named("worktree"),
		active: make(map[string]WorktreeInfo),
	}
}

func (w *Worktrees) path(taskID string) string {
	return filepath.Join(w.cfg.RepoPath, w.cfg.Dir, taskID)
}

// Create adds a worktree for taskID on a new branch. branchHint names the
// branch; empty means "task/<taskID>".
func (w *Worktrees) Create(ctx context.Context, taskID, branchHint string) (string, error) {
	op := "isolation.create"
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." {
		return "", fault.Newf(fault.ErrProvisioning, op, "invalid task id %q", taskID)
	}
	branch := branchHint
	if branch == "" {
		branch = "task/" + taskID
	}
	wtPath := w.path(taskID)

	w.gitMu.Lock()
	out, err := w.git(ctx, w.cfg.RepoPath, "worktree", "add", "-b", branch, wtPath, w.cfg.BaseBranch)
	w.gitMu.Unlock()
	if err != nil {
		return "", fault.Newf(fault.ErrProvisioning, op, "git worktree add %s: %w (output: %s)", taskID, err, out)
	}

	info := WorktreeInfo{Path: wtPath, Branch: branch, TaskID: taskID}
	w.mu.Lock()
	w.active[taskID] = info
	w.mu.Unlock()

	head, err := w.git(ctx, wtPath, "rev-parse", "HEAD")
	if err != nil {
		// The caller never sees this id, so nobody else will remove it.
		if rerr := w.Remove(context.WithoutCancel(ctx), taskID); rerr != nil {
			w.log.Warn(ctx, "failed to remove half-created worktree", zap.String("task", taskID), zap.Error(rerr))
		}
		return "", fault.Newf(fault.ErrProvisioning, op, "rev-parse HEAD: %w (output: %s)", err, head)
	}

	info.Head = strings.TrimSpace(head)
	w.mu.Lock()
	w.active[taskID] = info
	w.mu.Unlock()

	w.log.Debug(ctx, "worktree created", zap.String("task", taskID), zap.String("path", wtPath), zap.String("branch", branch))
	return wtPath, nil
}

// Remove force-removes the worktree and deletes its branch. Unknown or
// already removed tasks are a no-op.
func (w *Worktrees) Remove(ctx context.Context, taskID string) error {
	w.mu.Lock()
	info, ok := w.active[taskID]
	delete(w.active, taskID)
	w.mu.Unlock()

	if !ok {
		info = WorktreeInfo{Path: w.path(taskID), Branch: "task/" + taskID, TaskID: taskID}
		if _, err := os.Stat(info.Path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}

	w.gitMu.Lock()
	defer w.gitMu.Unlock()

	var errs []error
	if _, err := os.Stat(info.Path); err == nil {
		if out, err := w.git(ctx, w.cfg.RepoPath, "worktree", "remove", "--force", info.Path); err != nil {
			errs = append(errs, fmt.Errorf("worktree remove: %w (output: %s)", err, out))
		}
	} else if out, err := w.git(ctx, w.cfg.RepoPath, "worktree", "prune"); err != nil {
		errs = append(errs, fmt.Errorf("worktree prune: %w (output: %s)", err, out))
	}

	if w.branchExists(ctx, info.Branch) {
		if out, err := w.git(ctx, w.cfg.RepoPath, "branch", "-D", info.Branch); err != nil {
			errs = append(errs, fmt.Errorf("branch delete: %w (output: %s)", err, out))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fault.New(fault.ErrProvisioning, "isolation.remove", err)
	}
	w.log.Debug(ctx, "worktree removed", zap.String("task", taskID))
	return nil
}

func (w *Worktrees) branchExists(ctx context.Context, branch string) bool {
	_, err := w.git(ctx, w.cfg.RepoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// List returns all worktrees registered in the repository.
func (w *Worktrees) List(ctx context.Context) ([]WorktreeInfo, error) {
	out, err := w.git(ctx, w.cfg.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w (output: %s)", err, out)
	}
	return parsePorcelain(out), nil
}

// Prune cleans up stale worktree metadata left by crashed runs.
func (w *Worktrees) Prune(ctx context.Context) error {
	w.gitMu.Lock()
	defer w.gitMu.Unlock()
	if out, err := w.git(ctx, w.cfg.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w (output: %s)", err, out)
	}
	return nil
}

func (w *Worktrees) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// parsePorcelain reads `git worktree list --porcelain` output.
func parsePorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			current.TaskID = strings.TrimPrefix(current.Branch, "task/")
			if current.TaskID == current.Branch {
				current.TaskID = ""
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}
