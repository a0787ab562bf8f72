package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override file settings.
const EnvPrefix = "TASKFORGE_"

const maxConfigFileSize = 1024 * 1024

// sections are the nested config blocks reachable from the environment.
var sections = map[string]bool{
	"storage":   true,
	"isolation": true,
	"retry":     true,
	"bugfix":    true,
	"log":       true,
}

// Load reads and merges configuration from global and project paths, then
// applies TASKFORGE_* environment overrides.
// Order of precedence (highest to lowest): environment, project, global, defaults.
// Missing files are not errors; malformed YAML returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	k := koanf.New(".")

	if globalPath != "" {
		if err := loadFile(k, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := loadFile(k, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	// TASKFORGE_BUGFIX_MAX_ITERATIONS -> bugfix.max_iterations
	// TASKFORGE_TASK_TIMEOUT          -> task_timeout
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.taskforge/config.yaml
// Project: .taskforge/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// DefaultPaths returns the conventional global and project config paths.
func DefaultPaths() (global, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".taskforge", "config.yaml"), filepath.Join(".taskforge", "config.yaml"), nil
}

func loadFile(k *koanf.Koanf, path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("%s exceeds %d bytes", path, maxConfigFileSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, found := strings.Cut(key, "_")
	if found && sections[section] {
		return section + "." + field
	}
	return key
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency))
	}
	if c.TaskTimeout < 0 {
		errs = append(errs, fmt.Errorf("task_timeout must not be negative"))
	}
	switch c.Storage.Driver {
	case "sqlite", "file":
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Isolation.Provider {
	case "worktree", "dir":
	default:
		errs = append(errs, fmt.Errorf("unknown isolation provider %q", c.Isolation.Provider))
	}
	if c.Bugfix.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("bugfix.max_iterations must be >= 1, got %d", c.Bugfix.MaxIterations))
	}
	switch c.Bugfix.CommitStrategy {
	case "one-per-bug", "batch", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown commit strategy %q", c.Bugfix.CommitStrategy))
	}
	switch c.Bugfix.Verification {
	case "strict", "lenient", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown verification mode %q", c.Bugfix.Verification))
	}
	switch c.Bugfix.Discovery {
	case "test", "analysis":
	default:
		errs = append(errs, fmt.Errorf("unknown discovery strategy %q", c.Bugfix.Discovery))
	}
	for name, agent := range c.Agents {
		if _, ok := c.Providers[agent.Provider]; !ok {
			errs = append(errs, fmt.Errorf("agent %q references unknown provider %q", name, agent.Provider))
		}
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// StoragePath resolves the storage location, defaulting under StateDir.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	if c.Storage.Driver == "file" {
		return filepath.Join(c.StateDir, "store")
	}
	return filepath.Join(c.StateDir, "taskforge.db")
}
