package isolation

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/fault"
)

// setupTestRepo creates a temporary git repository with one commit on main.
func setupTestRepo(t *testing.T) string {
	t.Helper()
	repoPath := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %s failed: %v (output: %s)", strings.Join(args, " "), err, output)
		}
	}

	run("init")
	run("config", "user.name", "Test User")
	run("config", "user.email", "test@example.com")
	run("checkout", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Test Repo\n"), 0644))
	run("add", ".")
	run("commit", "-m", "initial commit")

	return repoPath
}

func newTestWorktrees(t *testing.T) (*Worktrees, string) {
	repo := setupTestRepo(t)
	return NewWorktrees(WorktreeConfig{RepoPath: repo, BaseBranch: "main"}, nil), repo
}

func TestWorktreesCreate(t *testing.T) {
	w, repo := newTestWorktrees(t)
	ctx := context.Background()

	path, err := w.Create(ctx, "task-1", "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(w.cfg.RepoPath, ".worktrees", "task-1"), path)
	assert.FileExists(t, filepath.Join(path, "README.md"))

	list, err := w.List(ctx)
	require.NoError(t, err)
	var found bool
	for _, info := range list {
		if info.TaskID == "task-1" {
			found = true
			assert.Equal(t, "task/task-1", info.Branch)
			assert.Len(t, info.Head, 40)
		}
	}
	assert.True(t, found, "worktree for task-1 not listed in %s", repo)
}

func TestWorktreesCreateUsesBranchHint(t *testing.T) {
	w, _ := newTestWorktrees(t)
	ctx := context.Background()

	_, err := w.Create(ctx, "task-2", "fix/login")
	require.NoError(t, err)
	assert.True(t, w.branchExists(ctx, "fix/login"))

	require.NoError(t, w.Remove(ctx, "task-2"))
	assert.False(t, w.branchExists(ctx, "fix/login"))
}

func TestWorktreesCreateDuplicateID(t *testing.T) {
	w, _ := newTestWorktrees(t)
	ctx := context.Background()

	_, err := w.Create(ctx, "dup", "")
	require.NoError(t, err)

	_, err = w.Create(ctx, "dup", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrProvisioning)
}

func TestWorktreesCreateCleansUpWhenHeadUnreadable(t *testing.T) {
	w, repo := newTestWorktrees(t)
	realGit, err := exec.LookPath("git")
	require.NoError(t, err)

	// git that works except for reading HEAD inside a worktree
	bin := t.TempDir()
	wrapper := "#!/bin/sh\n" +
		"if [ \"$1\" = rev-parse ] && [ \"$2\" = HEAD ]; then echo 'fatal: bad object HEAD' >&2; exit 128; fi\n" +
		"exec " + realGit + " \"$@\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "git"), []byte(wrapper), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	_, err = w.Create(context.Background(), "task-1", "feature/half")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ErrProvisioning))

	assert.NoDirExists(t, filepath.Join(repo, ".worktrees", "task-1"))
	out, err := exec.Command(realGit, "-C", repo, "branch", "--list", "feature/half").CombinedOutput()
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(out)), "branch left behind")

	w.mu.Lock()
	assert.Empty(t, w.active)
	w.mu.Unlock()
}

func TestWorktreesCreateRejectsBadID(t *testing.T) {
	w, _ := newTestWorktrees(t)
	for _, id := range []string{"", "..", "a/b"} {
		_, err := w.Create(context.Background(), id, "")
		assert.ErrorIs(t, err, fault.ErrProvisioning, "id %q", id)
	}
}

func TestWorktreesRemoveIsIdempotent(t *testing.T) {
	w, _ := newTestWorktrees(t)
	ctx := context.Background()

	path, err := w.Create(ctx, "task-3", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "dirty.txt"), []byte("uncommitted"), 0644))

	require.NoError(t, w.Remove(ctx, "task-3"))
	assert.NoDirExists(t, path)
	assert.False(t, w.branchExists(ctx, "task/task-3"))

	assert.NoError(t, w.Remove(ctx, "task-3"))
	assert.NoError(t, w.Remove(ctx, "never-created"))
}

func TestWorktreesRemoveAfterExternalDelete(t *testing.T) {
	w, _ := newTestWorktrees(t)
	ctx := context.Background()

	path, err := w.Create(ctx, "task-4", "")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(path))

	require.NoError(t, w.Remove(ctx, "task-4"))
	assert.False(t, w.branchExists(ctx, "task/task-4"))
}

func TestWorktreesConcurrentCreate(t *testing.T) {
	w, _ := newTestWorktrees(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = w.Create(ctx, "par-"+string(rune('a'+i)), "")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	list, err := w.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 7) // main checkout plus six task worktrees
}

func TestWorktreesPrune(t *testing.T) {
	w, _ := newTestWorktrees(t)
	assert.NoError(t, w.Prune(context.Background()))
}

func TestParsePorcelain(t *testing.T) {
	out := "worktree /repo\nHEAD abc\nbranch refs/heads/main\n\nworktree /repo/.worktrees/t1\nHEAD def\nbranch refs/heads/task/t1\n"
	list := parsePorcelain(out)
	require.Len(t, list, 2)
	assert.Equal(t, WorktreeInfo{Path: "/repo", Head: "abc", Branch: "main"}, list[0])
	assert.Equal(t, WorktreeInfo{Path: "/repo/.worktrees/t1", Head: "def", Branch: "task/t1", TaskID: "t1"}, list[1])
}
