// Package engine wires a run together: configuration, data, model,
// optimizer, scheduler, training loop, artifact persistence, metrics export
// and the run history.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/Kapil-Pathak/hgcn/checkpoints"
	"github.com/Kapil-Pathak/hgcn/config"
	"github.com/Kapil-Pathak/hgcn/dataset"
	"github.com/Kapil-Pathak/hgcn/models"
	"github.com/Kapil-Pathak/hgcn/optimizer"
	"github.com/Kapil-Pathak/hgcn/runstore"
	"github.com/Kapil-Pathak/hgcn/telemetry"
	"github.com/Kapil-Pathak/hgcn/training"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
)

// Files written next to the run artifacts.
const (
	MetricsFile = "metrics.prom"
	TraceFile   = "trace.json"
)

// Options control the side effects of Train.
type Options struct {
	// Stdout receives the log lines and the printed confusion matrix.
	// Defaults to os.Stdout.
	Stdout io.Writer

	// Store records the run when set.
	Store *runstore.Store

	// Trace exports spans to <save_dir>/trace.json. It installs the global
	// tracer provider, so parallel runs must leave it off.
	Trace bool

	// Now replaces time.Now.
	Now func() time.Time
}

// Result describes a finished run.
type Result struct {
	RunID     string
	Config    config.Config
	SaveDir   string
	Device    telemetry.Device
	NumParams int
	Best      *training.BestState
}

// Train runs one full training job for cfg.
func Train(ctx context.Context, cfg config.Config, opts Options) (res *Result, err error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cfg = cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	started := opts.Now()
	res = &Result{RunID: runstore.NewID()}

	if cfg.Save && cfg.SaveDir == "" {
		dir, err := checkpoints.ResolveSaveDir(cfg.LogRoot, cfg.Task, started)
		if err != nil {
			return nil, err
		}
		cfg = cfg.WithSaveDir(dir)
	}
	if cfg.Save {
		res.SaveDir = cfg.SaveDir
	}
	res.Config = cfg

	logger, closeLog, err := telemetry.NewRunLogger(opts.Stdout, cfg.SaveDir, cfg.Save)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := closeLog(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if opts.Trace && cfg.Save {
		shutdown, err := startTracing(filepath.Join(cfg.SaveDir, TraceFile))
		if err != nil {
			return nil, err
		}
		defer func() {
			if serr := shutdown(context.Background()); serr != nil {
				logger.Warn("failed to flush traces", "error", serr)
			}
		}()
	}

	ctx, span := telemetry.StartSpan(ctx, "engine.Train",
		attribute.String("run_id", res.RunID),
		attribute.String("dataset", cfg.Dataset),
	)
	defer span.End()

	trainMetrics := telemetry.NewTrainingMetrics(map[string]string{
		"dataset": cfg.Dataset,
		"task":    cfg.Task,
		"model":   cfg.Model,
	})
	best, runErr := run(ctx, cfg, opts, logger, trainMetrics, res)
	res.Best = best
	if runErr != nil {
		telemetry.RecordError(span, runErr)
		logger.Error("run failed", "error", runErr)
	}

	if cfg.Save && best != nil {
		path := filepath.Join(cfg.SaveDir, MetricsFile)
		if err := trainMetrics.WriteTextfile(path); err != nil {
			return res, err
		}
		if fi, err := os.Stat(filepath.Join(cfg.SaveDir, checkpoints.ModelFile)); err == nil {
			logger.Info(fmt.Sprintf("Model file: %s", humanize.Bytes(uint64(fi.Size()))))
		}
	}

	if opts.Store != nil {
		if err := opts.Store.Put(record(res, started, opts.Now(), runErr)); err != nil {
			logger.Warn("failed to record run", "error", err)
		}
	}
	return res, runErr
}

func run(ctx context.Context, cfg config.Config, opts Options, logger *slog.Logger, trainMetrics *telemetry.TrainingMetrics, res *Result) (*training.BestState, error) {
	res.Device = telemetry.DeviceInfo(cfg.Cuda)
	res.Device.Log(logger)
	logger.Info(fmt.Sprintf("Using seed %d.", cfg.Seed))

	task, err := dataset.ParseTask(cfg.Task)
	if err != nil {
		return nil, err
	}
	data, err := dataset.Load(cfg.DataDir, cfg.Dataset, task, dataset.SplitOptions{
		ValProp:        cfg.ValProp,
		TestProp:       cfg.TestProp,
		Seed:           cfg.SplitSeed,
		UseFeats:       cfg.UseFeats,
		NormalizeFeats: cfg.NormalizeFeats,
		NormalizeAdj:   cfg.NormalizeAdj,
	})
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	model, err := models.New(cfg, data, rng)
	if err != nil {
		return nil, err
	}
	for _, line := range models.Describe(model) {
		logger.Info(line)
	}
	res.NumParams = models.NumParams(model)
	logger.Info(fmt.Sprintf("Total number of parameters: %d", res.NumParams))

	opt, err := NewOptimizer(cfg, model.Parameters())
	if err != nil {
		return nil, err
	}
	schedule, err := training.NewSchedule(cfg.LRScheduler, cfg.LRReduceFreq, cfg.Gamma, cfg.Epochs)
	if err != nil {
		return nil, err
	}
	sched := training.NewEpochScheduler(opt, schedule)

	loopOpts := []training.LoopOption{
		training.WithTrainingMetrics(trainMetrics),
		training.WithStdout(opts.Stdout),
		training.WithClock(opts.Now),
	}
	if cfg.Save {
		w, err := checkpoints.NewWriter(cfg.SaveDir)
		if err != nil {
			return nil, err
		}
		loopOpts = append(loopOpts, training.WithArtifactSink(w))
	}
	return training.NewLoop(logger, loopOpts...).Run(ctx, model, opt, sched, data, cfg)
}

// NewOptimizer builds the configured optimizer over params. Momentum only
// applies to SGD.
func NewOptimizer(cfg config.Config, params []*optimizer.Parameter) (optimizer.Optimizer, error) {
	oc := optimizer.DefaultConfig(cfg.Optimizer)
	oc.LearningRate = cfg.LR
	oc.WeightDecay = cfg.WeightDecay
	if cfg.Optimizer == "SGD" {
		oc.Momentum = cfg.Momentum
	}
	return optimizer.New(cfg.Optimizer, params, oc)
}

func startTracing(path string) (func(context.Context) error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}
	shutdown, err := telemetry.InitTracing(f, checkpoints.ProducerVersion)
	if err != nil {
		f.Close()
		return nil, err
	}
	return func(ctx context.Context) error {
		return errors.Join(shutdown(ctx), f.Close())
	}, nil
}

func record(res *Result, started, finished time.Time, runErr error) *runstore.Record {
	values, _ := res.Config.Flatten(nil)
	r := &runstore.Record{
		ID:         res.RunID,
		Dataset:    res.Config.Dataset,
		Task:       res.Config.Task,
		Model:      res.Config.Model,
		StartedAt:  started,
		FinishedAt: finished,
		Config:     values,
		SaveDir:    res.SaveDir,
	}
	if b := res.Best; b != nil {
		r.Epochs = b.Epochs
		r.BestEpoch = b.BestEpoch
		r.Stopped = b.StoppedEarly
		r.Fallback = b.FallbackUsed
		r.Val = b.ValMetrics.Scalars()
		r.Test = b.TestMetrics.Scalars()
		r.ConfMat = b.ConfMatPath
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	return r
}
