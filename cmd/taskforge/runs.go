package main

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/persistence"
)

var recordKinds = []string{persistence.KindAggregate, persistence.KindMetrics, persistence.KindFixRun}

func newRunsCommand(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect stored batch results, metrics and fix runs",
		RunE: func(c *cobra.Command, _ []string) error {
			return c.Help()
		},
	}

	var kind string
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored run ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kinds := recordKinds
			if kind != "" {
				if !slices.Contains(recordKinds, kind) {
					return fmt.Errorf("unknown record kind %q (want one of %v)", kind, recordKinds)
				}
				kinds = []string{kind}
			}

			a, err := newApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, k := range kinds {
				ids, err := a.store.ListRecords(cmd.Context(), k)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", k, id)
				}
			}
			return nil
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "Only this kind: aggregate, metrics, fixrun")

	show := &cobra.Command{
		Use:   "show <kind> <run-id>",
		Short: "Print one stored record as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()

			var rec map[string]any
			if err := a.store.GetRecord(cmd.Context(), args[0], args[1], &rec); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}
