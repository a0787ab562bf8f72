package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/checkpoint"
	"github.com/aristath/taskforge/internal/workflow"
)

func newWorkflowCommand(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run, resume and inspect checkpointed workflows",
		RunE: func(c *cobra.Command, _ []string) error {
			return c.Help()
		},
	}
	cmd.AddCommand(newWorkflowRunCommand(root))
	cmd.AddCommand(newWorkflowResumeCommand(root))
	cmd.AddCommand(newWorkflowListCommand(root))
	return cmd
}

type workflowRunFlags struct {
	runID     string
	vars      []string
	artifacts []string
}

func newWorkflowRunCommand(root *rootFlags) *cobra.Command {
	flags := &workflowRunFlags{}
	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Start a configured workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseVars(flags.vars)
			if err != nil {
				return err
			}
			artifacts, err := parsePairs(flags.artifacts)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), root, args[0], cmd.OutOrStdout(), func(e *workflow.Engine, steps []workflow.Step) (*workflow.State, error) {
				return e.Run(cmd.Context(), flags.runID, steps, vars, artifacts)
			})
		},
	}
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "Run id (default: a new ULID)")
	cmd.Flags().StringArrayVar(&flags.vars, "var", nil, "Initial variable key=value (repeatable)")
	cmd.Flags().StringArrayVar(&flags.artifacts, "artifact", nil, "Initial artifact name=location (repeatable)")
	return cmd
}

func newWorkflowResumeCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <workflow> <run-id>",
		Short: "Continue a run from its latest checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), root, args[0], cmd.OutOrStdout(), func(e *workflow.Engine, steps []workflow.Step) (*workflow.State, error) {
				return e.Resume(cmd.Context(), args[1], steps)
			})
		},
	}
}

func newWorkflowListCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs that have checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.store.ListResumable(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, id := range runs {
				cp, err := a.store.Latest(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\tstep %d (%s)\t%s\n", id, cp.StepNumber, cp.StepID, cp.CompletedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func withEngine(ctx context.Context, root *rootFlags, name string, out io.Writer, fn func(*workflow.Engine, []workflow.Step) (*workflow.State, error)) error {
	a, err := newApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.Close()
	a.progress(ctx)

	wf, ok := a.cfg.Workflows[name]
	if !ok {
		return fmt.Errorf("unknown workflow %q (configured: %s)", name, strings.Join(workflowNames(a.cfg.Workflows), ", "))
	}

	workDir := a.cfg.Isolation.RepoPath
	engine := workflow.NewEngine(workflow.Config{
		Invoker: a.invoker,
		Store:   a.store,
		Checker: checkpoint.NewFSChecker(afero.NewOsFs(), workDir),
		Events:  a.bus,
		Logger:  a.log,
		WorkDir: workDir,
	})

	state, err := fn(engine, workflow.StepsFromConfig(wf))
	if state != nil {
		fmt.Fprintf(out, "Run %s: %s after %d step(s)\n", state.RunID(), state.Status(), len(state.CompletedSteps()))
		artifacts := state.Artifacts()
		names := make([]string, 0, len(artifacts))
		for n := range artifacts {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(out, "  %s -> %s\n", n, artifacts[n])
		}
	}
	return err
}

func workflowNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// parsePairs splits key=value arguments.
func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid %q: expected key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

// parseVars is parsePairs with numbers and booleans decoded.
func parseVars(pairs []string) (map[string]any, error) {
	raw, err := parsePairs(pairs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		switch {
		case v == "true" || v == "false":
			out[k] = v == "true"
		default:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				out[k] = f
			} else {
				out[k] = v
			}
		}
	}
	return out, nil
}
