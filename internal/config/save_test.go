package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.yaml")

	require.NoError(t, Save(DefaultConfig(), path))

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Concurrency = 7
	cfg.TaskTimeout = 3 * time.Minute
	cfg.Bugfix.CommitStrategy = "none"
	cfg.Agents["linter"] = AgentConfig{Provider: "goose", Model: "qwen"}

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Save(cfg, path))

	loaded, err := Load("", path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Concurrency)
	assert.Equal(t, 3*time.Minute, loaded.TaskTimeout)
	assert.Equal(t, "none", loaded.Bugfix.CommitStrategy)
	assert.Equal(t, cfg.Agents["linter"], loaded.Agents["linter"])
	assert.Equal(t, cfg.Workflows, loaded.Workflows)
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stale: true\n"), 0644))

	require.NoError(t, Save(DefaultConfig(), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "stale")
	assert.Contains(t, string(data), "concurrency: 4")
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Concurrency = 0

	err := Save(cfg, path)
	assert.ErrorContains(t, err, "concurrency")
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(DefaultConfig(), filepath.Join(dir, "config.yaml")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "config.yaml", entries[0].Name())
}
