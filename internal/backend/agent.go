// Package backend runs coding-agent CLIs (claude, codex, goose) as
// capability handlers and owns subprocess lifecycle.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/aristath/taskforge/internal/capability"
	"github.com/aristath/taskforge/internal/fault"
)

// Config describes one agent: which CLI to run and how to talk to it.
type Config struct {
	Dialect      Dialect
	Command      string // binary to execute; defaults to the dialect name
	Model        string
	SystemPrompt string
	Backend      string // goose local LLM provider (e.g., "ollama")
	ExtraArgs    []string
}

// Agent is a capability.Handler backed by an agent CLI. Each Execute is a
// fresh subprocess running inside the request's WorkDir.
type Agent struct {
	cfg   Config
	procs *ProcessManager
}

var _ capability.Handler = (*Agent)(nil)

// NewAgent validates cfg. pm is optional; when set, subprocesses are tracked
// for shutdown.
func NewAgent(cfg Config, pm *ProcessManager) (*Agent, error) {
	if !cfg.Dialect.Valid() {
		return nil, fmt.Errorf("unknown agent dialect: %q", cfg.Dialect)
	}
	if cfg.Command == "" {
		cfg.Command = string(cfg.Dialect)
	}
	return &Agent{cfg: cfg, procs: pm}, nil
}

// Execute sends the request as a prompt and returns the agent's reply.
func (a *Agent) Execute(ctx context.Context, req capability.Request) (capability.Result, error) {
	prompt, err := Prompt(req)
	if err != nil {
		return capability.Result{}, err
	}

	sessionID := uuid.NewString()
	stdout, stderr, err := Run(ctx, a.procs, req.WorkDir, a.cfg.Command, buildArgs(a.cfg, sessionID, prompt)...)
	if err != nil {
		return capability.Result{}, fmt.Errorf("%s %s: %w", a.cfg.Command, req.Command, err)
	}

	r, err := parseReply(a.cfg.Dialect, stdout)
	if err != nil {
		return capability.Result{}, fmt.Errorf("%w (stderr: %s)", err, strings.TrimSpace(string(stderr)))
	}
	if r.SessionID == "" {
		r.SessionID = sessionID
	}

	return capability.Result{
		Output: r.Content,
		Data: map[string]any{
			"content":    r.Content,
			"session_id": r.SessionID,
		},
	}, nil
}

// Prompt renders a request as agent input. An explicit "prompt" argument wins;
// otherwise the command and the remaining arguments are listed in key order.
func Prompt(req capability.Request) (string, error) {
	if p, ok := req.Args["prompt"].(string); ok && p != "" {
		return p, nil
	}
	if req.Command == "" && len(req.Args) == 0 {
		return "", fault.Newf(fault.ErrValidation, "backend.prompt", "request for %q has neither command nor arguments", req.Capability)
	}

	keys := make([]string, 0, len(req.Args))
	for k := range req.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "Action: %s\n", req.Command)
	for _, k := range keys {
		switch v := req.Args[k].(type) {
		case string:
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return "", fault.Newf(fault.ErrValidation, "backend.prompt", "argument %q: %w", k, err)
			}
			fmt.Fprintf(&b, "%s: %s\n", k, encoded)
		}
	}
	return b.String(), nil
}

// RegisterAgents binds every agent to its capability name for all commands.
func RegisterAgents(reg *capability.Registry, agents map[string]Config, pm *ProcessManager) error {
	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		agent, err := NewAgent(agents[name], pm)
		if err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
		if err := reg.Register(name, capability.AnyCommand, agent); err != nil {
			return err
		}
	}
	return nil
}
