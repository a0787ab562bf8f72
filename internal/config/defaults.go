package config

import "time"

// DefaultConfig returns the default configuration with built-in providers,
// agents and a standard workflow.
func DefaultConfig() *Config {
	return &Config{
		Concurrency: 4,
		StateDir:    ".taskforge",
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Isolation: IsolationConfig{
			Provider:   "worktree",
			RepoPath:   ".",
			BaseBranch: "main",
			Dir:        ".worktrees",
		},
		Retry: RetryConfig{
			InitialInterval:     100 * time.Millisecond,
			MaxInterval:         10 * time.Second,
			MaxElapsedTime:      2 * time.Minute,
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Bugfix: BugfixConfig{
			MaxIterations:    5,
			CommitStrategy:   "batch",
			Verification:     "strict",
			Discovery:        "test",
			DiscoveryTimeout: 300 * time.Second,
			Packages:         []string{"./..."},
			Fixer:            "fixer",
			RepoPath:         ".",
			AuthorName:       "taskforge",
			AuthorEmail:      "taskforge@localhost",
		},
		Providers: map[string]ProviderConfig{
			"claude": {Command: "claude", Dialect: "claude"},
			"codex":  {Command: "codex", Dialect: "codex"},
			"goose":  {Command: "goose", Dialect: "goose"},
		},
		Agents: map[string]AgentConfig{
			"planner": {
				Provider:     "claude",
				SystemPrompt: "You break a change request into an implementation plan.",
			},
			"coder": {
				Provider:     "claude",
				SystemPrompt: "You implement features and write production code.",
			},
			"reviewer": {
				Provider:     "claude",
				SystemPrompt: "You review code for correctness, style, and best practices.",
			},
			"fixer": {
				Provider:     "claude",
				SystemPrompt: "You fix the reported defect with the smallest correct change.",
			},
		},
		Workflows: map[string]WorkflowConfig{
			"standard": {
				Steps: []StepConfig{
					{ID: "plan", Name: "Plan", Agent: "planner", Action: "plan", Creates: []string{"plan"}},
					{ID: "code", Name: "Implement", Agent: "coder", Action: "implement", Requires: []string{"plan"}, Creates: []string{"patch"}},
					{ID: "review", Name: "Review", Agent: "reviewer", Action: "review", Requires: []string{"patch"}, Creates: []string{"review"}},
				},
			},
		},
	}
}
