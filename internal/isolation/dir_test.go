package isolation

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/fault"
)

func TestDirsCreateCopiesSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/main.go", []byte("package main"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/pkg/util.go", []byte("package pkg"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/.git/HEAD", []byte("ref"), 0o644))

	d := NewDirs(fs, "/copies", "/src")
	path, err := d.Create(context.Background(), "task-1", "ignored")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/copies", "task-1"), path)

	data, err := afero.ReadFile(fs, "/copies/task-1/pkg/util.go")
	require.NoError(t, err)
	assert.Equal(t, "package pkg", string(data))

	exists, _ := afero.Exists(fs, "/copies/task-1/.git/HEAD")
	assert.False(t, exists, ".git must not be copied")
}

func TestDirsRootInsideSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/repo/a.txt", []byte("a"), 0o644))

	d := NewDirs(fs, "/repo/.copies", "/repo")
	path, err := d.Create(context.Background(), "t", "")
	require.NoError(t, err)

	exists, _ := afero.Exists(fs, filepath.Join(path, "a.txt"))
	assert.True(t, exists)
	nested, _ := afero.DirExists(fs, filepath.Join(path, ".copies"))
	assert.False(t, nested)
}

func TestDirsRemoveIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := NewDirs(fs, "/copies", "")
	ctx := context.Background()

	path, err := d.Create(ctx, "task-1", "")
	require.NoError(t, err)

	require.NoError(t, d.Remove(ctx, "task-1"))
	exists, _ := afero.DirExists(fs, path)
	assert.False(t, exists)
	assert.NoError(t, d.Remove(ctx, "task-1"))
	assert.NoError(t, d.Remove(ctx, "missing"))
}

func TestDirsCreateTwiceFails(t *testing.T) {
	d := NewDirs(afero.NewMemMapFs(), "/copies", "")
	_, err := d.Create(context.Background(), "x", "")
	require.NoError(t, err)
	_, err = d.Create(context.Background(), "x", "")
	assert.ErrorIs(t, err, fault.ErrProvisioning)
}
