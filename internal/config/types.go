package config

import (
	"time"

	"github.com/aristath/taskforge/internal/logging"
)

// ProviderConfig defines a transport layer (CLI command, args, output dialect).
// Providers are separate from agents -- multiple agents can share one provider.
type ProviderConfig struct {
	Command string   `koanf:"command" yaml:"command"`                 // CLI binary name (e.g., "claude", "codex", "goose")
	Args    []string `koanf:"args" yaml:"args,omitempty"`             // Default args appended to every invocation
	Dialect string   `koanf:"dialect" yaml:"dialect"`                 // Output format: "claude", "codex", "goose"
	Backend string   `koanf:"backend" yaml:"backend,omitempty"`       // Goose local LLM backend (e.g., "ollama")
}

// AgentConfig defines a capability served by a provider with a model and prompt.
type AgentConfig struct {
	Provider     string `koanf:"provider" yaml:"provider"`
	Model        string `koanf:"model" yaml:"model,omitempty"`
	SystemPrompt string `koanf:"system_prompt" yaml:"system_prompt,omitempty"`
}

// StepConfig defines one step in a checkpointed workflow.
type StepConfig struct {
	ID       string            `koanf:"id" yaml:"id"`
	Name     string            `koanf:"name" yaml:"name,omitempty"`
	Agent    string            `koanf:"agent" yaml:"agent"` // capability name
	Action   string            `koanf:"action" yaml:"action"`
	Requires []string          `koanf:"requires" yaml:"requires,omitempty"`
	Creates  []string          `koanf:"creates" yaml:"creates,omitempty"`
	Metadata map[string]string `koanf:"metadata" yaml:"metadata,omitempty"`
}

// WorkflowConfig defines a fixed sequence of steps (e.g., plan -> code -> review).
type WorkflowConfig struct {
	Steps []StepConfig `koanf:"steps" yaml:"steps"`
}

// StorageConfig selects where checkpoints and run records live.
type StorageConfig struct {
	Driver string `koanf:"driver" yaml:"driver"` // "sqlite" or "file"
	Path   string `koanf:"path" yaml:"path,omitempty"`
}

// IsolationConfig selects how per-task working copies are provisioned.
type IsolationConfig struct {
	Provider   string `koanf:"provider" yaml:"provider"` // "worktree" or "dir"
	RepoPath   string `koanf:"repo_path" yaml:"repo_path"`
	BaseBranch string `koanf:"base_branch" yaml:"base_branch"`
	Dir        string `koanf:"dir" yaml:"dir"`
}

// RetryConfig configures exponential backoff around capability calls.
type RetryConfig struct {
	InitialInterval     time.Duration `koanf:"initial_interval" yaml:"initial_interval"`
	MaxInterval         time.Duration `koanf:"max_interval" yaml:"max_interval"`
	MaxElapsedTime      time.Duration `koanf:"max_elapsed_time" yaml:"max_elapsed_time"`
	Multiplier          float64       `koanf:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64       `koanf:"randomization_factor" yaml:"randomization_factor"`
}

// BugfixConfig drives the remediation loop.
type BugfixConfig struct {
	MaxIterations    int           `koanf:"max_iterations" yaml:"max_iterations"`
	CommitStrategy   string        `koanf:"commit_strategy" yaml:"commit_strategy"` // one-per-bug, batch, none
	Verification     string        `koanf:"verification" yaml:"verification"`       // strict, lenient, none
	Discovery        string        `koanf:"discovery" yaml:"discovery"`             // test, analysis
	DiscoveryTimeout time.Duration `koanf:"discovery_timeout" yaml:"discovery_timeout"`
	Packages         []string      `koanf:"packages" yaml:"packages"`
	Fixer            string        `koanf:"fixer" yaml:"fixer"` // agent name
	RepoPath         string        `koanf:"repo_path" yaml:"repo_path"`
	AuthorName       string        `koanf:"author_name" yaml:"author_name"`
	AuthorEmail      string        `koanf:"author_email" yaml:"author_email"`
}

// Config is the top-level configuration.
type Config struct {
	Concurrency int                       `koanf:"concurrency" yaml:"concurrency"`
	TaskTimeout time.Duration             `koanf:"task_timeout" yaml:"task_timeout"`
	StateDir    string                    `koanf:"state_dir" yaml:"state_dir"`
	Storage     StorageConfig             `koanf:"storage" yaml:"storage"`
	Isolation   IsolationConfig           `koanf:"isolation" yaml:"isolation"`
	Retry       RetryConfig               `koanf:"retry" yaml:"retry"`
	Bugfix      BugfixConfig              `koanf:"bugfix" yaml:"bugfix"`
	Log         logging.Config            `koanf:"log" yaml:"log"`
	Providers   map[string]ProviderConfig `koanf:"providers" yaml:"providers"`
	Agents      map[string]AgentConfig    `koanf:"agents" yaml:"agents"`
	Workflows   map[string]WorkflowConfig `koanf:"workflows" yaml:"workflows"`
}
