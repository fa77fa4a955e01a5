// Command hgcn trains graph convolutional networks for node classification,
// link prediction and graph reconstruction, and keeps a history of runs.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/Kapil-Pathak/hgcn/checkpoints"
	"github.com/Kapil-Pathak/hgcn/config"
	"github.com/Kapil-Pathak/hgcn/engine"
	"github.com/Kapil-Pathak/hgcn/hyperopt"
	"github.com/Kapil-Pathak/hgcn/runstore"
	"github.com/Kapil-Pathak/hgcn/telemetry"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hgcn",
		Short:         "Train graph convolutional networks and report evaluation metrics",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newTrainCmd(), newSearchCmd(), newRunsCmd(), newVersionCmd())
	return root
}

func newTrainCmd() *cobra.Command {
	var trace bool
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train one model and save its artifacts",
		Args:  cobra.NoArgs,
	}
	flags := bindConfigFlags(cmd.Flags())
	cmd.Flags().BoolVar(&trace, "trace", false, "export OpenTelemetry spans to <save-dir>/trace.json")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := flags.Resolve(cmd.Flags())
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cfg.RunsDB)
		if err != nil {
			return err
		}
		defer closeStore()

		res, err := engine.Train(cmd.Context(), cfg, engine.Options{
			Stdout: cmd.OutOrStdout(),
			Store:  store,
			Trace:  trace,
		})
		if err != nil {
			return err
		}
		if store != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded run %s\n", res.RunID)
		}
		return nil
	}
	return cmd
}

func newSearchCmd() *cobra.Command {
	var (
		trials  int
		workers int
		seed    int64
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Random search over dim, dropout, lr and weight decay, minimising validation loss",
		Args:  cobra.NoArgs,
	}
	flags := bindConfigFlags(cmd.Flags())
	cmd.Flags().IntVar(&trials, "trials", 20, "number of sampled configurations")
	cmd.Flags().IntVar(&workers, "workers", 1, "trials run in parallel")
	cmd.Flags().Int64Var(&seed, "search-seed", 0, "seed for parameter sampling")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := flags.Resolve(cmd.Flags())
		if err != nil {
			return err
		}
		if err := cfg.Resolve().Validate(); err != nil {
			return err
		}
		store, closeStore, err := openStore(cfg.RunsDB)
		if err != nil {
			return err
		}
		defer closeStore()

		out := cmd.OutOrStdout()
		trialOut := out
		if workers > 1 {
			// parallel trials would interleave their lines
			trialOut = io.Discard
		}
		search := hyperopt.Search{
			Base:    cfg,
			Space:   hyperopt.DefaultSpace(),
			Trials:  trials,
			Workers: workers,
			Seed:    seed,
			Logger:  slog.New(telemetry.NewLineHandler(out, slog.LevelInfo)),
		}
		results, err := search.Run(cmd.Context(), func(ctx context.Context, n int, trialCfg config.Config) (float64, error) {
			res, err := engine.Train(ctx, trialCfg, engine.Options{Stdout: trialOut, Store: store})
			if err != nil {
				return 0, err
			}
			return trialScore(res), nil
		})
		if err != nil {
			return err
		}
		best, ok := hyperopt.Best(results)
		if !ok {
			return fmt.Errorf("all %d trials failed", len(results))
		}
		fmt.Fprintf(out, "Best trial %d: value %.4f params %v\n", best.Number, best.Score, best.Params)
		return nil
	}
	return cmd
}

// trialScore is the best validation loss. Runs that never improved keep the
// sentinel validation metrics without a loss and score +Inf.
func trialScore(res *engine.Result) float64 {
	if res.Best == nil {
		return math.Inf(1)
	}
	if loss, ok := res.Best.ValMetrics.Get("loss"); ok {
		return loss
	}
	return math.Inf(1)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version recorded in model files",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hgcn %s\n", checkpoints.ProducerVersion)
		},
	}
}

func openStore(dir string) (*runstore.Store, func(), error) {
	if dir == "" {
		return nil, func() {}, nil
	}
	store, err := runstore.Open(dir, nil)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}
