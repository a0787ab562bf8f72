package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// exitError carries a non-zero exit status without printing anything more.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	// First signal cancels the context; a second one gets default handling.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(execute(ctx, os.Args[1:]))
}

func execute(ctx context.Context, args []string) int {
	root := newRootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	if e, ok := err.(exitError); ok {
		return e.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "taskforge",
		Short: "Checkpointed workflows, parallel task batches and automated bug fixing",
		Long: `taskforge runs capability-backed work against a repository.

Examples:
  # Run a batch of tasks, four at a time, each in its own worktree
  taskforge run tasks.yaml --concurrency 4

  # Run the configured "feature" workflow and resume it after a failure
  taskforge workflow run feature --var ticket=ABC-12
  taskforge workflow resume feature <run-id>

  # Discover failing tests, fix them and commit the fixes
  taskforge fix --max-iterations 3 --commit one-per-bug`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, _ []string) error {
			return c.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Project config file (default .taskforge/config.yaml)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Override the configured log format (json, console)")

	cmd.AddCommand(newRunCommand(flags))
	cmd.AddCommand(newWorkflowCommand(flags))
	cmd.AddCommand(newFixCommand(flags))
	cmd.AddCommand(newRunsCommand(flags))
	cmd.AddCommand(newConfigCommand(flags))
	return cmd
}
