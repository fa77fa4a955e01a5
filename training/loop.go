package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Kapil-Pathak/hgcn/checkpoints"
	"github.com/Kapil-Pathak/hgcn/config"
	"github.com/Kapil-Pathak/hgcn/dataset"
	"github.com/Kapil-Pathak/hgcn/optimizer"
	"github.com/Kapil-Pathak/hgcn/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/mat"
)

// Model is the encoder/decoder pair trained by the loop.
type Model interface {
	// Encode computes node embeddings. In training mode it caches the
	// state Backward needs.
	Encode(features *mat.Dense, adj mat.Matrix) (*mat.Dense, error)

	// ComputeMetrics evaluates embeddings on one split. The returned
	// snapshot always carries a "loss" scalar; in training mode the loss
	// is kept for Backward.
	ComputeMetrics(emb *mat.Dense, data *dataset.Dataset, split dataset.Split) (Metrics, error)

	// Backward propagates the last training loss into parameter gradients.
	Backward() error

	// HasImproved reports whether curr is strictly better than prev.
	HasImproved(prev, curr Metrics) bool

	// InitMetricDict returns a worst-possible sentinel snapshot.
	InitMetricDict() Metrics

	Parameters() []*optimizer.Parameter
	Train()
	Eval()
}

// AttentionProvider is implemented by models whose encoder exposes a dense
// attention adjacency that is saved next to the embeddings.
type AttentionProvider interface {
	AttentionAdjacency() *mat.Dense
}

// ArtifactSink persists run artifacts into a save directory.
type ArtifactSink interface {
	SaveEmbeddings(emb *mat.Dense) error
	SaveAttention(datasetName string, att *mat.Dense) error
	SaveConfig(values map[string]any) error
	SaveModel(params []*optimizer.Parameter, double bool) error
	SaveOptimizerState(state *optimizer.State) error
	Dir() string
}

// BestState is the outcome of a run: the best validation snapshot, the test
// snapshot and embeddings taken at the same checkpoint.
type BestState struct {
	ValMetrics  Metrics
	TestMetrics Metrics
	Embeddings  *mat.Dense

	BestEpoch    int // 1-based epoch of the last improvement, 0 if none
	Epochs       int // epochs completed
	StoppedEarly bool
	FallbackUsed bool
	Elapsed      time.Duration
	ConfMatPath  string
}

// Loop drives training epochs, checkpoint evaluation, early stopping and
// artifact persistence for one run.
type Loop struct {
	logger  *slog.Logger
	sink    ArtifactSink
	metrics *telemetry.TrainingMetrics
	stdout  io.Writer
	now     func() time.Time
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithArtifactSink enables embedding/model/config persistence when the run
// configuration has save set.
func WithArtifactSink(sink ArtifactSink) LoopOption {
	return func(l *Loop) { l.sink = sink }
}

// WithTrainingMetrics records per-epoch values into prometheus collectors.
func WithTrainingMetrics(m *telemetry.TrainingMetrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// WithStdout redirects the printed confusion matrix.
func WithStdout(w io.Writer) LoopOption {
	return func(l *Loop) { l.stdout = w }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) LoopOption {
	return func(l *Loop) { l.now = now }
}

// NewLoop creates a Loop logging to logger. A nil logger discards output.
func NewLoop(logger *slog.Logger, opts ...LoopOption) *Loop {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &Loop{logger: logger, stdout: os.Stdout, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run trains model for at most cfg.Epochs epochs. Validation runs every
// cfg.EvalFreq epochs; the loop stops early once cfg.Patience consecutive
// checkpoints fail to improve after cfg.MinEpochs. The returned BestState is
// always fully populated.
func (l *Loop) Run(ctx context.Context, model Model, opt optimizer.Optimizer, sched Scheduler, data *dataset.Dataset, cfg config.Config) (*BestState, error) {
	ctx, span := telemetry.StartSpan(ctx, "training.Run",
		attribute.String("dataset", cfg.Dataset),
		attribute.String("task", cfg.Task),
		attribute.String("model", cfg.Model),
		attribute.Int("epochs", cfg.Epochs),
	)
	defer span.End()

	best, err := l.run(ctx, model, opt, sched, data, cfg)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("epochs_run", best.Epochs),
		attribute.Int("best_epoch", best.BestEpoch),
		attribute.Bool("stopped_early", best.StoppedEarly),
	)
	return best, nil
}

func (l *Loop) run(ctx context.Context, model Model, opt optimizer.Optimizer, sched Scheduler, data *dataset.Dataset, cfg config.Config) (*BestState, error) {
	if cfg.LogFreq <= 0 || cfg.EvalFreq <= 0 {
		return nil, fmt.Errorf("log and eval frequency must be positive, got %d and %d", cfg.LogFreq, cfg.EvalFreq)
	}
	attention, _ := model.(AttentionProvider)

	totalStart := l.now()
	best := &BestState{ValMetrics: model.InitMetricDict()}
	improved := false
	counter := 0

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		epochStart := l.now()

		trainMetrics, err := l.trainEpoch(model, opt, sched, data, cfg)
		if err != nil {
			return nil, fmt.Errorf("training epoch %d failed: %w", epoch+1, err)
		}
		best.Epochs = epoch + 1
		logNow := (epoch+1)%cfg.LogFreq == 0
		if logNow {
			l.logger.Info(strings.Join([]string{
				fmt.Sprintf("Epoch: %04d", epoch+1),
				fmt.Sprintf("lr: %v", sched.LR()),
				FormatMetrics(trainMetrics, "train"),
				fmt.Sprintf("time: %.4fs", l.now().Sub(epochStart).Seconds()),
			}, " "))
		}
		l.metrics.ObserveEpoch("train", epoch+1, sched.LR(), l.now().Sub(epochStart), trainMetrics.Scalars())

		if (epoch+1)%cfg.EvalFreq != 0 {
			continue
		}

		model.Eval()
		emb, err := model.Encode(data.Features, data.AdjTrainNorm)
		if err != nil {
			return nil, fmt.Errorf("evaluation encode at epoch %d failed: %w", epoch+1, err)
		}
		valMetrics, err := model.ComputeMetrics(emb, data, dataset.Val)
		if err != nil {
			return nil, fmt.Errorf("validation metrics at epoch %d failed: %w", epoch+1, err)
		}
		if logNow {
			l.logger.Info(strings.Join([]string{fmt.Sprintf("Epoch: %04d", epoch+1), FormatMetrics(valMetrics, "val")}, " "))
		}
		l.metrics.ObserveEpoch("val", epoch+1, sched.LR(), 0, valMetrics.Scalars())

		if model.HasImproved(best.ValMetrics, valMetrics) {
			testMetrics, err := model.ComputeMetrics(emb, data, dataset.Test)
			if err != nil {
				return nil, fmt.Errorf("test metrics at epoch %d failed: %w", epoch+1, err)
			}
			best.Embeddings = mat.DenseCopyOf(emb)
			if cfg.Save && l.sink != nil {
				if err := l.sink.SaveEmbeddings(best.Embeddings); err != nil {
					return nil, err
				}
			}
			best.ValMetrics = valMetrics
			best.TestMetrics = testMetrics
			best.BestEpoch = epoch + 1
			improved = true
			counter = 0
			l.metrics.ObserveImprovement(epoch + 1)
		} else {
			counter++
			l.metrics.ObservePatience(counter)
			if counter == cfg.Patience && epoch > cfg.MinEpochs {
				l.logger.Info("Early stopping")
				best.StoppedEarly = true
				l.metrics.ObserveEarlyStop()
				break
			}
		}
	}

	l.logger.Info("Optimization Finished!")
	best.Elapsed = l.now().Sub(totalStart)
	l.logger.Info(fmt.Sprintf("Total time elapsed: %.4fs", best.Elapsed.Seconds()))

	if !improved {
		model.Eval()
		emb, err := model.Encode(data.Features, data.AdjTrainNorm)
		if err != nil {
			return nil, fmt.Errorf("final encode failed: %w", err)
		}
		testMetrics, err := model.ComputeMetrics(emb, data, dataset.Test)
		if err != nil {
			return nil, fmt.Errorf("final test metrics failed: %w", err)
		}
		best.Embeddings = mat.DenseCopyOf(emb)
		best.TestMetrics = testMetrics
		best.FallbackUsed = true
	}
	l.logger.Info(strings.Join([]string{"Val set results:", FormatMetrics(best.ValMetrics, "val")}, " "))
	l.logger.Info(strings.Join([]string{"Test set results:", FormatMetrics(best.TestMetrics, "test")}, " "))

	if cfg.Save && l.sink != nil {
		if err := l.saveFinal(model, opt, attention, best, data, cfg); err != nil {
			return nil, err
		}
	}

	path, err := l.saveConfusionMatrix(best.TestMetrics.ConfMat(), cfg)
	if err != nil {
		return nil, err
	}
	best.ConfMatPath = path
	return best, nil
}

// trainEpoch runs one optimisation step over the full graph.
func (l *Loop) trainEpoch(model Model, opt optimizer.Optimizer, sched Scheduler, data *dataset.Dataset, cfg config.Config) (Metrics, error) {
	model.Train()
	opt.ZeroGrad()
	emb, err := model.Encode(data.Features, data.AdjTrainNorm)
	if err != nil {
		return Metrics{}, fmt.Errorf("encode failed: %w", err)
	}
	trainMetrics, err := model.ComputeMetrics(emb, data, dataset.Train)
	if err != nil {
		return Metrics{}, fmt.Errorf("train metrics failed: %w", err)
	}
	if err := model.Backward(); err != nil {
		return Metrics{}, fmt.Errorf("backward failed: %w", err)
	}
	if cfg.GradClip > 0 {
		for _, p := range model.Parameters() {
			optimizer.ClipGradNorm(p, cfg.GradClip)
		}
	}
	if err := opt.Step(); err != nil {
		return Metrics{}, fmt.Errorf("optimizer step failed: %w", err)
	}
	sched.Step()
	return trainMetrics, nil
}

func (l *Loop) saveFinal(model Model, opt optimizer.Optimizer, attention AttentionProvider, best *BestState, data *dataset.Dataset, cfg config.Config) error {
	if err := l.sink.SaveEmbeddings(best.Embeddings); err != nil {
		return err
	}
	if attention != nil {
		if att := attention.AttentionAdjacency(); att != nil {
			if err := l.sink.SaveAttention(cfg.Dataset, att); err != nil {
				return err
			}
			l.logger.Info("Dumped attention adj", "dataset", cfg.Dataset, "dir", l.sink.Dir())
		}
	}
	values, err := cfg.Flatten(data.Summary())
	if err != nil {
		return err
	}
	if err := l.sink.SaveConfig(values); err != nil {
		return err
	}
	if err := l.sink.SaveModel(model.Parameters(), cfg.DoublePrecision); err != nil {
		return err
	}
	if err := l.sink.SaveOptimizerState(opt.State()); err != nil {
		return err
	}
	l.logger.Info(fmt.Sprintf("Saved model in %s", l.sink.Dir()))
	return nil
}

// saveConfusionMatrix writes the final test confusion matrix under
// cfg.ConfMatDir and prints it, independent of cfg.Save.
func (l *Loop) saveConfusionMatrix(cm *ConfusionMatrix, cfg config.Config) (string, error) {
	dense := cm.Dense()
	if dense == nil {
		l.logger.Warn("test confusion matrix is empty, nothing to save")
		return "", nil
	}
	path, err := checkpoints.SaveConfusionMatrix(cfg.ConfMatDir, cfg.Model, l.now(), dense)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(l.stdout, "%v\n", mat.Formatted(dense, mat.Squeeze()))
	return path, nil
}
