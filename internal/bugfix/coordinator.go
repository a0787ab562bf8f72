package bugfix

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/taskforge/internal/capability"
	"github.com/aristath/taskforge/internal/fault"
	"github.com/aristath/taskforge/internal/logging"
)

// Fixer attempts the fix for one bug.
type Fixer interface {
	Fix(ctx context.Context, bug Bug) error
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Capability string // fixer capability, e.g. an agent name
	Command    string // defaults to "fix"
	WorkDir    string // repository under repair
}

// Coordinator routes bugs to the fixer capability.
type Coordinator struct {
	invoker capability.Invoker
	cfg     CoordinatorConfig
	log     *logging.Logger
}

// NewCoordinator creates a coordinator over invoker.
func NewCoordinator(invoker capability.Invoker, cfg CoordinatorConfig, log *logging.Logger) *Coordinator {
	if cfg.Command == "" {
		cfg.Command = "fix"
	}
	return &Coordinator{invoker: invoker, cfg: cfg, log: logging.OrNop(log).Named("coordinator")}
}

// Fix invokes the fixer for bug. Cancelling ctx does not abort a fix that
// has started.
func (c *Coordinator) Fix(ctx context.Context, bug Bug) error {
	ctx = context.WithoutCancel(ctx)
	res, err := c.invoker.Invoke(ctx, capability.Request{
		Capability: c.cfg.Capability,
		Command:    c.cfg.Command,
		Args: map[string]any{
			"file":        bug.File,
			"line":        bug.Line,
			"description": bug.Description,
			"origin":      bug.Origin,
			"category":    bug.Category,
			"prompt":      FixPrompt(bug),
		},
		WorkDir: c.cfg.WorkDir,
	})
	if err != nil {
		if fault.KindOf(err) == nil {
			err = fault.New(fault.ErrCapability, "bugfix.fix", err)
		}
		return fmt.Errorf("fix %s: %w", bug.Location(), err)
	}
	c.log.Debug(ctx, "fixer finished", zap.String("file", bug.File), zap.Int("output_bytes", len(res.Output)))
	return nil
}

// FixPrompt is the instruction handed to agent fixers.
func FixPrompt(bug Bug) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fix the following %s failure in this repository.\n\n", bug.Category)
	fmt.Fprintf(&b, "Location: %s\n", bug.Location())
	if bug.Origin != "" {
		fmt.Fprintf(&b, "Reported by: %s\n", bug.Origin)
	}
	fmt.Fprintf(&b, "Problem: %s\n\n", bug.Description)
	b.WriteString("Edit the source files in place. Do not commit.\n")
	return b.String()
}
