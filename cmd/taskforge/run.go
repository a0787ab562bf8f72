package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aristath/taskforge/internal/orchestrator"
)

// batchFile is the YAML layout of a task batch.
type batchFile struct {
	Concurrency int                 `yaml:"concurrency"`
	Tasks       []orchestrator.Task `yaml:"tasks"`
}

func loadBatch(path string) (batchFile, error) {
	var b batchFile
	data, err := os.ReadFile(path)
	if err != nil {
		return b, fmt.Errorf("reading batch: %w", err)
	}
	if err := yaml.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("parsing batch %s: %w", path, err)
	}
	return b, nil
}

type runFlags struct {
	concurrency int
	metricsAddr string
}

func newRunCommand(root *rootFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <batch.yaml>",
		Short: "Run a batch of tasks in parallel, each in its own working copy",
		Long: `Run every task of a batch file through its capability.

The batch file lists tasks:

  concurrency: 4
  tasks:
    - id: api
      capability: coder
      command: implement
      args: {prompt: "Add the /health endpoint"}
      target_path: internal/api

Exit status is 1 when any task failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), root, flags, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "Maximum tasks in flight (default: batch file, then config)")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	return cmd
}

func runBatch(ctx context.Context, root *rootFlags, flags *runFlags, path string, out io.Writer) error {
	batch, err := loadBatch(path)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.Close()
	a.progress(ctx)
	if flags.metricsAddr != "" {
		if err := a.serveMetrics(ctx, flags.metricsAddr); err != nil {
			return err
		}
	}

	concurrency := a.cfg.Concurrency
	if batch.Concurrency > 0 {
		concurrency = batch.Concurrency
	}
	if flags.concurrency > 0 {
		concurrency = flags.concurrency
	}

	sinks := a.sinks()
	orch := orchestrator.New(orchestrator.Config{
		Invoker:     a.invoker,
		Isolation:   a.isolation(),
		Sink:        sinks,
		Metrics:     sinks,
		Collectors:  a.collectors(),
		Events:      a.bus,
		Logger:      a.log,
		TaskTimeout: a.cfg.TaskTimeout,
	})

	agg := orch.ExecuteParallel(ctx, batch.Tasks, concurrency)
	printAggregate(out, agg)
	if !agg.Success() {
		return exitError{code: 1}
	}
	return nil
}

func printAggregate(out io.Writer, agg *orchestrator.AggregateResult) {
	fmt.Fprintf(out, "Run %s: %d/%d tasks succeeded in %s\n", agg.RunID, agg.Successful, agg.Total, agg.Duration.Round(time.Millisecond))
	if agg.Err != nil {
		fmt.Fprintf(out, "Batch error: %v\n", agg.Err)
	}
	if len(agg.Results) == 0 {
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tCAPABILITY\tSTATUS\tDURATION\tERROR")
	for _, r := range agg.Results {
		status, msg := "ok", ""
		if !r.Success {
			status = "failed"
			if r.Err != nil {
				msg = r.Err.Error()
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.TaskID, r.Capability, status, r.Duration.Round(time.Millisecond), msg)
	}
	w.Flush()
	if agg.PersistedRef != "" {
		fmt.Fprintf(out, "Saved: %s\n", agg.PersistedRef)
	}
}
