package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Kapil-Pathak/hgcn/runstore"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	var (
		db      string
		asJSON  bool
		limit   int
		dataset string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run history",
	}
	cmd.PersistentFlags().StringVar(&db, "db", "runs.db", "run history database directory")

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := runstore.Open(db, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List()
			if err != nil {
				return err
			}
			if dataset != "" {
				filtered := runs[:0]
				for _, r := range runs {
					if r.Dataset == dataset {
						filtered = append(filtered, r)
					}
				}
				runs = filtered
			}
			if limit > 0 && len(runs) > limit {
				runs = runs[len(runs)-limit:]
			}

			out := cmd.OutOrStdout()
			if asJSON || !isTerminal(out) {
				enc := json.NewEncoder(out)
				for _, r := range runs {
					if err := enc.Encode(r); err != nil {
						return err
					}
				}
				return nil
			}
			return writeTable(out, runs)
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print one JSON document per run")
	list.Flags().IntVar(&limit, "limit", 0, "show only the most recent runs")
	list.Flags().StringVar(&dataset, "dataset", "", "only runs on this dataset")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := runstore.Open(db, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			r, err := store.Get(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(r)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func writeTable(w io.Writer, runs []*runstore.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDATASET\tTASK\tMODEL\tEPOCHS\tBEST\tTEST")
	for _, r := range runs {
		status := formatScalars(r.Test)
		if r.Error != "" {
			status = "error: " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Format(time.DateTime), r.Dataset, r.Task, r.Model, r.Epochs, r.BestEpoch, status)
	}
	return tw.Flush()
}

func formatScalars(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%.4f", k, m[k])
	}
	return strings.Join(parts, " ")
}
