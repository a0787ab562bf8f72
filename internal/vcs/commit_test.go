package vcs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/fault"
)

// initRepo creates a repository with one commit on its default branch.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("main.go")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func headMessage(t *testing.T, dir string) (string, string) {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	return commit.Hash.String(), commit.Message
}

func TestCommitOne(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))

	m := NewManager(Config{RepoPath: dir}, nil)
	res := m.CommitOne(context.Background(), Change{
		File:        "main.go",
		Description: "nil pointer dereference in main\nstack trace follows",
		Origin:      "TestMain",
	})

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "master", res.Branch)

	id, msg := headMessage(t, dir)
	assert.Equal(t, id, res.CommitID)
	assert.Equal(t, "fix: nil pointer dereference in main\n\nOrigin: TestMain\nFile: main.go\n", msg)
}

func TestCommitBatchStagesNewFiles(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.go"), []byte("package main\n"), 0o644))

	m := NewManager(Config{RepoPath: dir}, nil)
	res := m.CommitBatch(context.Background(), []Change{
		{File: "a.go", Description: "missing return", Origin: "TestA"},
		{File: "a.go", Description: "off by one", Origin: "vet"},
		{File: "b.go", Description: "unused variable"},
	})
	require.NoError(t, res.Err)

	_, msg := headMessage(t, dir)
	assert.Equal(t, "fix: resolve 3 bug(s) across 2 file(s)\n\n"+
		"- a.go: missing return (TestA)\n"+
		"- a.go: off by one (vet)\n"+
		"- b.go: unused variable\n", msg)

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	status, err := wt.Status()
	require.NoError(t, err)
	assert.True(t, status.IsClean())
}

func TestCommitCleanTree(t *testing.T) {
	dir := initRepo(t)
	res := NewManager(Config{RepoPath: dir}, nil).CommitOne(context.Background(), Change{File: "main.go", Description: "x"})
	assert.False(t, res.Success)
	assert.True(t, fault.Is(res.Err, fault.ErrRepository))
	assert.Contains(t, res.Err.Error(), "no pending changes")
}

func TestCommitNotARepository(t *testing.T) {
	res := NewManager(Config{RepoPath: t.TempDir()}, nil).CommitOne(context.Background(), Change{File: "x.go"})
	assert.False(t, res.Success)
	assert.True(t, fault.Is(res.Err, fault.ErrRepository))
	assert.Contains(t, res.Err.Error(), "not a git repository")
}

func TestCommitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewManager(Config{RepoPath: initRepo(t)}, nil).CommitOne(ctx, Change{File: "x.go"})
	assert.True(t, fault.Is(res.Err, fault.ErrInterrupted))
}

func TestCommitBatchEmpty(t *testing.T) {
	res := NewManager(Config{RepoPath: initRepo(t)}, nil).CommitBatch(context.Background(), nil)
	assert.True(t, fault.Is(res.Err, fault.ErrValidation))
}

func TestSingleMessageTruncatesSubject(t *testing.T) {
	msg := SingleMessage(Change{File: "f.go", Description: strings.Repeat("x", 200)})
	subject := strings.SplitN(msg, "\n", 2)[0]
	assert.LessOrEqual(t, len(subject), subjectLimit)
	assert.True(t, strings.HasSuffix(subject, "..."))
	assert.Equal(t, "fix: unspecified defect\n\nFile: f.go\n", SingleMessage(Change{File: "f.go"}))
}

func TestBranch(t *testing.T) {
	branch, err := NewManager(Config{RepoPath: initRepo(t)}, nil).Branch()
	require.NoError(t, err)
	assert.Equal(t, "master", branch)
}
