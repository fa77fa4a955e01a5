package hyperopt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	"sort"

	"github.com/Kapil-Pathak/hgcn/config"
	"golang.org/x/sync/errgroup"
)

// TrialFunc trains one configuration and returns its score. Lower is better.
type TrialFunc func(ctx context.Context, number int, cfg config.Config) (float64, error)

// Trial is the outcome of one sampled configuration.
type Trial struct {
	Number int
	Params map[string]any
	Config config.Config
	Score  float64
	Err    error
}

// Search samples Trials configurations from Space around Base and runs
// them with at most Workers in parallel.
type Search struct {
	Base    config.Config
	Space   Space
	Trials  int
	Workers int
	Seed    int64
	Logger  *slog.Logger
}

// Run executes the search. A failing trial is recorded and does not stop
// the others; cancelling ctx does. Trials are returned sorted by score,
// failed trials last.
func (s Search) Run(ctx context.Context, fn TrialFunc) ([]Trial, error) {
	if s.Trials <= 0 {
		return nil, fmt.Errorf("trials must be positive, got %d", s.Trials)
	}
	if err := s.Space.Validate(); err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// sample everything up front so results do not depend on scheduling
	rng := rand.New(rand.NewSource(s.Seed))
	trials := make([]Trial, s.Trials)
	for i := range trials {
		params := s.Space.Sample(rng)
		cfg, err := Apply(s.Base, params)
		if err != nil {
			return nil, fmt.Errorf("trial %d: %w", i, err)
		}
		trials[i] = Trial{Number: i, Params: params, Config: isolate(cfg, i), Score: math.Inf(1)}
	}

	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range trials {
		t := &trials[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			score, err := fn(gctx, t.Number, t.Config)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				t.Err = err
				logger.Warn("trial failed", "trial", t.Number, "error", err)
				return nil
			}
			t.Score = score
			logger.Info(fmt.Sprintf("Trial %d finished with value: %.4f", t.Number, score), "params", t.Params)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(trials, func(i, j int) bool {
		if (trials[i].Err == nil) != (trials[j].Err == nil) {
			return trials[i].Err == nil
		}
		return trials[i].Score < trials[j].Score
	})
	return trials, nil
}

// Best returns the first successful trial of a sorted result.
func Best(trials []Trial) (Trial, bool) {
	for _, t := range trials {
		if t.Err == nil {
			return t, true
		}
	}
	return Trial{}, false
}

// isolate gives a trial its own output directories so parallel trials never
// write to the same files.
func isolate(cfg config.Config, n int) config.Config {
	sub := fmt.Sprintf("trial_%03d", n)
	cfg.ConfMatDir = filepath.Join(cfg.ConfMatDir, sub)
	if cfg.Save {
		root := cfg.SaveDir
		if root == "" {
			root = filepath.Join(cfg.LogRoot, cfg.Task, "search")
		}
		cfg.SaveDir = filepath.Join(root, sub)
	}
	return cfg
}
