package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/bugfix"
	"github.com/aristath/taskforge/internal/vcs"
)

type fixFlags struct {
	maxIterations int
	commit        string
	verify        string
	discovery     string
	packages      []string
	fixer         string
}

func newFixCommand(root *rootFlags) *cobra.Command {
	flags := &fixFlags{}

	cmd := &cobra.Command{
		Use:   "fix",
		Short: "Discover bugs, fix them with an agent, verify and commit",
		Long: `Repeat discover, fix, verify and commit until no bugs remain or the
iteration budget runs out. Ctrl+C lets the fix in progress finish, skips
the remaining bugs and stops.

Exit status is 1 when the run failed to fix anything it attempted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFix(cmd.Context(), root, flags, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&flags.maxIterations, "max-iterations", 0, "Iteration budget (default from config)")
	cmd.Flags().StringVar(&flags.commit, "commit", "", "Commit strategy: one-per-bug, batch, none")
	cmd.Flags().StringVar(&flags.verify, "verify", "", "Verification: strict, lenient, none")
	cmd.Flags().StringVar(&flags.discovery, "discovery", "", "Discovery strategy: test, analysis")
	cmd.Flags().StringSliceVar(&flags.packages, "packages", nil, "Package patterns to examine")
	cmd.Flags().StringVar(&flags.fixer, "fixer", "", "Capability that fixes bugs")
	return cmd
}

func runFix(ctx context.Context, root *rootFlags, flags *fixFlags, out io.Writer) error {
	a, err := newApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.Close()
	a.progress(ctx)

	bc := a.cfg.Bugfix
	if flags.maxIterations > 0 {
		bc.MaxIterations = flags.maxIterations
	}
	if flags.commit != "" {
		bc.CommitStrategy = flags.commit
	}
	if flags.verify != "" {
		bc.Verification = flags.verify
	}
	if flags.discovery != "" {
		bc.Discovery = flags.discovery
	}
	if len(flags.packages) > 0 {
		bc.Packages = flags.packages
	}
	if flags.fixer != "" {
		bc.Fixer = flags.fixer
	}

	discovery, err := bugfix.NewDiscovery(bc.Discovery, bugfix.DiscoveryConfig{
		Dir:      bc.RepoPath,
		Packages: bc.Packages,
		Timeout:  bc.DiscoveryTimeout,
	}, a.procs, a.log)
	if err != nil {
		return err
	}

	loop, err := bugfix.NewLoop(bugfix.Config{
		Discovery: discovery,
		Fixer:     bugfix.NewCoordinator(a.invoker, bugfix.CoordinatorConfig{Capability: bc.Fixer, WorkDir: bc.RepoPath}, a.log),
		Committer: vcs.NewManager(vcs.Config{
			RepoPath:    bc.RepoPath,
			AuthorName:  bc.AuthorName,
			AuthorEmail: bc.AuthorEmail,
		}, a.log),
		History:        a.sinks(),
		Events:         a.bus,
		Logger:         a.log,
		MaxIterations:  bc.MaxIterations,
		CommitStrategy: bugfix.CommitStrategy(bc.CommitStrategy),
		Verification:   bugfix.Verification(bc.Verification),
	})
	if err != nil {
		return err
	}

	sum, err := loop.Run(ctx)
	printFixSummary(out, sum)
	if err != nil {
		return err
	}
	if !sum.Success() {
		return exitError{code: 1}
	}
	return nil
}

func printFixSummary(out io.Writer, sum *bugfix.RunSummary) {
	fmt.Fprintf(out, "Fix run %s: %d iteration(s), found %d, fixed %d, failed %d, skipped %d (%.0f%% fixed)\n",
		sum.RunID, len(sum.Iterations), sum.Found, sum.Fixed, sum.Failed, sum.Skipped, sum.FixRate()*100)
	for _, it := range sum.Iterations {
		for _, b := range it.Bugs {
			line := fmt.Sprintf("  [%d] %-7s %s", it.Iteration, b.Outcome, b.Bug.Location())
			if b.Bug.Origin != "" {
				line += " (" + b.Bug.Origin + ")"
			}
			if b.Err != nil {
				line += ": " + b.Err.Error()
			}
			fmt.Fprintln(out, line)
		}
	}
	for _, c := range sum.Commits() {
		if c.Success {
			fmt.Fprintf(out, "  committed %s on %s\n", shortID(c.CommitID), c.Branch)
		}
	}
	if sum.Interrupted {
		fmt.Fprintln(out, "Interrupted: remaining bugs were skipped.")
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
