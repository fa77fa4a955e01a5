package training

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Kapil-Pathak/hgcn/config"
	"github.com/Kapil-Pathak/hgcn/dataset"
	"github.com/Kapil-Pathak/hgcn/optimizer"
	"github.com/Kapil-Pathak/hgcn/telemetry"
	"gonum.org/v1/gonum/mat"
)

// scriptedModel returns validation F1 scores from a fixed script and fills
// its embeddings with the number of training steps taken so far.
type scriptedModel struct {
	param    *optimizer.Parameter
	valF1    []float64
	training bool

	trainSteps int
	valCalls   int
	testCalls  int
	backwards  int
}

func newScriptedModel(valF1 ...float64) *scriptedModel {
	return &scriptedModel{
		param: optimizer.NewParameter("w", mat.NewDense(1, 2, []float64{1, 1})),
		valF1: valF1,
	}
}

func (m *scriptedModel) Encode(features *mat.Dense, adj mat.Matrix) (*mat.Dense, error) {
	if m.training {
		m.trainSteps++
	}
	emb := mat.NewDense(2, 2, nil)
	emb.Apply(func(_, _ int, _ float64) float64 { return float64(m.trainSteps) }, emb)
	return emb, nil
}

func (m *scriptedModel) ComputeMetrics(emb *mat.Dense, data *dataset.Dataset, split dataset.Split) (Metrics, error) {
	switch split {
	case dataset.Train:
		return NewMetrics(nil, Metric{"loss", 1 / float64(m.trainSteps)}), nil
	case dataset.Val:
		f1 := m.valF1[len(m.valF1)-1]
		if m.valCalls < len(m.valF1) {
			f1 = m.valF1[m.valCalls]
		}
		m.valCalls++
		return NewMetrics(nil, Metric{"loss", 0.5}, Metric{"f1", f1}), nil
	default:
		m.testCalls++
		cm := NewConfusionMatrix([]int{0, 1, 1, 2}, []int{0, 1, 0, 2})
		return NewMetrics(cm, Metric{"loss", 0.4}, Metric{"f1", emb.At(0, 0)}), nil
	}
}

func (m *scriptedModel) Backward() error {
	m.backwards++
	m.param.Grad.SetRow(0, []float64{30, 40})
	return nil
}

func (m *scriptedModel) HasImproved(prev, curr Metrics) bool {
	return curr.Value("f1") > prev.Value("f1")
}

func (m *scriptedModel) InitMetricDict() Metrics {
	return NewMetrics(nil, Metric{"f1", -1})
}

func (m *scriptedModel) Parameters() []*optimizer.Parameter { return []*optimizer.Parameter{m.param} }
func (m *scriptedModel) Train() { m.training = true }
func (m *scriptedModel) Eval() { m.training = false }

type attentionModel struct {
	*scriptedModel
}

func (m attentionModel) AttentionAdjacency() *mat.Dense {
	return mat.NewDense(2, 2, []float64{1, 0, 0, 1})
}

// recordingOptimizer records the gradient norm seen by every step.
type recordingOptimizer struct {
	params []*optimizer.Parameter
	lr     float64
	norms  []float64
}

func (o *recordingOptimizer) Step() error {
	o.norms = append(o.norms, optimizer.GradNorm(o.params))
	return nil
}

func (o *recordingOptimizer) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

func (o *recordingOptimizer) LR() float64 { return o.lr }
func (o *recordingOptimizer) SetLR(lr float64) { o.lr = lr }
func (o *recordingOptimizer) State() *optimizer.State { return &optimizer.State{Type: "recording"} }
func (o *recordingOptimizer) LoadState(*optimizer.State) error { return nil }
func (o *recordingOptimizer) StepCount() uint64 { return uint64(len(o.norms)) }
func (o *recordingOptimizer) Name() string { return "recording" }

type memorySink struct {
	dir        string
	embeddings []*mat.Dense
	attention  map[string]*mat.Dense
	config     map[string]any
	models     int
	optStates  int
}

func (s *memorySink) SaveEmbeddings(emb *mat.Dense) error {
	s.embeddings = append(s.embeddings, mat.DenseCopyOf(emb))
	return nil
}

func (s *memorySink) SaveAttention(name string, att *mat.Dense) error {
	if s.attention == nil {
		s.attention = make(map[string]*mat.Dense)
	}
	s.attention[name] = att
	return nil
}

func (s *memorySink) SaveConfig(values map[string]any) error {
	s.config = values
	return nil
}

func (s *memorySink) SaveModel([]*optimizer.Parameter, bool) error {
	s.models++
	return nil
}

func (s *memorySink) SaveOptimizerState(*optimizer.State) error {
	s.optStates++
	return nil
}

func (s *memorySink) Dir() string { return s.dir }

func toyDataset() *dataset.Dataset {
	return &dataset.Dataset{
		Name:         "toy",
		Task:         dataset.NodeClassification,
		Features:     mat.NewDense(2, 2, nil),
		AdjTrainNorm: mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		Labels:       []int{0, 1},
	}
}

func loopConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Epochs = 100
	cfg.EvalFreq = 10
	cfg.Patience = 3
	cfg.MinEpochs = 20
	cfg.LogFreq = 1
	cfg.ConfMatDir = t.TempDir()
	return cfg
}

type constantScheduler struct{ steps int }

func (s *constantScheduler) Step() { s.steps++ }
func (s *constantScheduler) LR() float64 { return 0.01 }

var fixedTime = time.Date(2024, 3, 7, 9, 5, 1, 0, time.UTC)

func newTestLoop(logs, stdout *bytes.Buffer, opts ...LoopOption) *Loop {
	logger := slog.New(telemetry.NewLineHandler(logs, slog.LevelInfo))
	opts = append(opts, WithStdout(stdout), WithClock(func() time.Time { return fixedTime }))
	return NewLoop(logger, opts...)
}

func TestLoopEarlyStopping(t *testing.T) {
	cfg := loopConfig(t)
	model := newScriptedModel(0.1, 0.2, 0.3, 0.3)
	opt := &recordingOptimizer{params: model.Parameters(), lr: 0.01}
	sched := &constantScheduler{}
	var logs, stdout bytes.Buffer

	best, err := newTestLoop(&logs, &stdout).Run(context.Background(), model, opt, sched, toyDataset(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if best.Epochs != 60 {
		t.Errorf("expected to stop after 60 epochs, got %d", best.Epochs)
	}
	if best.BestEpoch != 30 {
		t.Errorf("expected best epoch 30, got %d", best.BestEpoch)
	}
	if !best.StoppedEarly || best.FallbackUsed {
		t.Errorf("expected early stop without fallback, got stopped=%v fallback=%v", best.StoppedEarly, best.FallbackUsed)
	}
	if sched.steps != 60 || len(opt.norms) != 60 {
		t.Errorf("expected 60 optimizer and scheduler steps, got %d and %d", len(opt.norms), sched.steps)
	}
	if model.valCalls != 6 {
		t.Errorf("expected 6 validation checkpoints, got %d", model.valCalls)
	}
	if model.testCalls != 3 {
		t.Errorf("expected test metrics only on the 3 improvements, got %d", model.testCalls)
	}
	if got := best.ValMetrics.Value("f1"); got != 0.3 {
		t.Errorf("expected best val f1 0.3, got %v", got)
	}
	if got := best.Embeddings.At(0, 0); got != 30 {
		t.Errorf("expected embeddings from epoch 30, got %v", got)
	}
	if got := best.TestMetrics.Value("f1"); got != 30 {
		t.Errorf("test metrics not taken at the best checkpoint, got %v", got)
	}

	out := logs.String()
	for _, want := range []string{"Epoch: 0001 lr: 0.01 train_loss: 1.0000 time: 0.0000s", "Epoch: 0010 val_loss: 0.5000 val_f1: 0.1000", "Early stopping"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q", want)
		}
	}
	if strings.Contains(out, "Epoch: 0061") {
		t.Error("loop ran past the early stop")
	}
	finished := strings.Index(out, "Optimization Finished!")
	val := strings.Index(out, "Val set results: val_loss: 0.5000 val_f1: 0.3000")
	test := strings.Index(out, "Test set results: test_loss: 0.4000 test_f1: 30.0000")
	if finished < 0 || val < finished || test < val {
		t.Errorf("final log lines missing or out of order:\n%s", out)
	}
}

func TestLoopPatienceIgnoredBeforeMinEpochs(t *testing.T) {
	cfg := loopConfig(t)
	cfg.Epochs = 50
	cfg.MinEpochs = 45
	cfg.Patience = 2
	model := newScriptedModel(0.5, 0.1)
	opt := &recordingOptimizer{params: model.Parameters(), lr: 0.01}
	var logs, stdout bytes.Buffer

	best, err := newTestLoop(&logs, &stdout).Run(context.Background(), model, opt, &constantScheduler{}, toyDataset(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// the counter reaches the patience at epoch 30, before min epochs, and
	// never equals it again
	if best.StoppedEarly || best.Epochs != 50 {
		t.Errorf("expected a full run, got epochs=%d stopped=%v", best.Epochs, best.StoppedEarly)
	}
}

func TestLoopFallbackWithoutImprovement(t *testing.T) {
	cfg := loopConfig(t)
	cfg.Epochs = 5
	cfg.EvalFreq = 1
	cfg.Patience = 100
	model := newScriptedModel(-2)
	opt := &recordingOptimizer{params: model.Parameters(), lr: 0.01}
	var logs, stdout bytes.Buffer

	best, err := newTestLoop(&logs, &stdout).Run(context.Background(), model, opt, &constantScheduler{}, toyDataset(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !best.FallbackUsed || best.BestEpoch != 0 {
		t.Errorf("expected fallback, got fallback=%v best epoch=%d", best.FallbackUsed, best.BestEpoch)
	}
	if model.testCalls != 1 {
		t.Errorf("expected exactly one fallback test evaluation, got %d", model.testCalls)
	}
	if got := best.ValMetrics.Value("f1"); got != -1 {
		t.Errorf("expected sentinel val metrics, got f1=%v", got)
	}
	if best.Embeddings == nil || best.Embeddings.At(0, 0) != 5 {
		t.Errorf("fallback embeddings should come from the final weights")
	}
	if best.TestMetrics.IsZero() {
		t.Error("fallback must populate test metrics")
	}
}

func TestLoopReconstructionNeverEvaluates(t *testing.T) {
	cfg := loopConfig(t)
	cfg.Task = config.TaskReconstruction
	cfg.Epochs = 7
	cfg = cfg.Resolve()
	model := newScriptedModel(0.9)
	opt := &recordingOptimizer{params: model.Parameters(), lr: 0.01}
	var logs, stdout bytes.Buffer

	best, err := newTestLoop(&logs, &stdout).Run(context.Background(), model, opt, &constantScheduler{}, toyDataset(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if model.valCalls != 0 {
		t.Errorf("expected no validation checkpoints, got %d", model.valCalls)
	}
	if !best.FallbackUsed || model.testCalls != 1 || best.Epochs != 7 {
		t.Errorf("expected 7 epochs and a single fallback evaluation, got epochs=%d tests=%d", best.Epochs, model.testCalls)
	}
}

func TestLoopClipsGradients(t *testing.T) {
	cfg := loopConfig(t)
	cfg.Epochs = 3
	cfg.GradClip = 5
	model := newScriptedModel(0.1)
	opt := &recordingOptimizer{params: model.Parameters(), lr: 0.01}
	var logs, stdout bytes.Buffer

	if _, err := newTestLoop(&logs, &stdout).Run(context.Background(), model, opt, &constantScheduler{}, toyDataset(), cfg); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, n := range opt.norms {
		if n > 5+1e-9 {
			t.Errorf("step %d: gradient norm %f exceeds clip", i, n)
		}
	}

	cfg.GradClip = 0
	model = newScriptedModel(0.1)
	opt = &recordingOptimizer{params: model.Parameters(), lr: 0.01}
	if _, err := newTestLoop(&logs, &stdout).Run(context.Background(), model, opt, &constantScheduler{}, toyDataset(), cfg); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if math.Abs(opt.norms[0]-50) > 1e-9 {
		t.Errorf("expected unclipped norm 50, got %f", opt.norms[0])
	}
}

func TestLoopPersistsArtifacts(t *testing.T) {
	cfg := loopConfig(t)
	cfg.Save = true
	model := attentionModel{newScriptedModel(0.1, 0.2, 0.3, 0.3)}
	opt := &recordingOptimizer{params: model.Parameters(), lr: 0.01}
	sink := &memorySink{dir: "logs/nc/0"}
	var logs, stdout bytes.Buffer

	best, err := newTestLoop(&logs, &stdout, WithArtifactSink(sink)).Run(context.Background(), model, opt, &constantScheduler{}, toyDataset(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// one overwrite per improvement plus the final save
	if len(sink.embeddings) != 4 {
		t.Fatalf("expected 4 embedding saves, got %d", len(sink.embeddings))
	}
	for i, want := range []float64{10, 20, 30, 30} {
		if got := sink.embeddings[i].At(0, 0); got != want {
			t.Errorf("save %d: expected embeddings of step %v, got %v", i, want, got)
		}
	}
	if !mat.Equal(sink.embeddings[3], best.Embeddings) {
		t.Error("final embeddings differ from the best state")
	}
	if sink.attention["cora"] == nil {
		t.Error("attention adjacency was not saved")
	}
	if sink.models != 1 || sink.optStates != 1 {
		t.Errorf("expected one model and optimizer save, got %d and %d", sink.models, sink.optStates)
	}
	if sink.config["n_nodes"] != 2 || sink.config["lr"] != cfg.LR {
		t.Errorf("config missing run values: %v", sink.config)
	}
	if !strings.Contains(logs.String(), "Saved model in logs/nc/0") {
		t.Error("missing save log line")
	}
}

func TestLoopWithoutSaveSkipsSink(t *testing.T) {
	cfg := loopConfig(t)
	cfg.Epochs = 10
	model := newScriptedModel(0.1)
	opt := &recordingOptimizer{params: model.Parameters(), lr: 0.01}
	sink := &memorySink{}
	var logs, stdout bytes.Buffer

	if _, err := newTestLoop(&logs, &stdout, WithArtifactSink(sink)).Run(context.Background(), model, opt, &constantScheduler{}, toyDataset(), cfg); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(sink.embeddings) != 0 || sink.models != 0 || sink.config != nil {
		t.Error("sink used although save is off")
	}
}

func TestLoopSavesConfusionMatrix(t *testing.T) {
	cfg := loopConfig(t)
	cfg.Epochs = 10
	model := newScriptedModel(0.1)
	opt := &recordingOptimizer{params: model.Parameters(), lr: 0.01}
	var logs, stdout bytes.Buffer

	best, err := newTestLoop(&logs, &stdout).Run(context.Background(), model, opt, &constantScheduler{}, toyDataset(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := filepath.Join(cfg.ConfMatDir, "GCN_20240307-090501.npy")
	if best.ConfMatPath != want {
		t.Errorf("expected %s, got %s", want, best.ConfMatPath)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("confusion matrix not written: %v", err)
	}
	if stdout.Len() == 0 {
		t.Error("confusion matrix was not printed")
	}
	cm := best.TestMetrics.ConfMat()
	if cm.NumClasses() != 3 || cm.TotalSamples != 4 {
		t.Errorf("unexpected confusion matrix %dx%d over %d samples", cm.NumClasses(), cm.NumClasses(), cm.TotalSamples)
	}
}

func TestLoopHonoursCancellation(t *testing.T) {
	cfg := loopConfig(t)
	model := newScriptedModel(0.1)
	opt := &recordingOptimizer{params: model.Parameters(), lr: 0.01}
	var logs, stdout bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestLoop(&logs, &stdout).Run(ctx, model, opt, &constantScheduler{}, toyDataset(), cfg)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLoopRejectsZeroFrequency(t *testing.T) {
	cfg := loopConfig(t)
	cfg.EvalFreq = 0
	model := newScriptedModel(0.1)
	opt := &recordingOptimizer{params: model.Parameters(), lr: 0.01}
	var logs, stdout bytes.Buffer

	if _, err := newTestLoop(&logs, &stdout).Run(context.Background(), model, opt, &constantScheduler{}, toyDataset(), cfg); err == nil {
		t.Error("expected error for zero eval frequency")
	}
}

func TestLoopRecordsTrainingMetrics(t *testing.T) {
	cfg := loopConfig(t)
	model := newScriptedModel(0.1, 0.2, 0.3, 0.3)
	opt := &recordingOptimizer{params: model.Parameters(), lr: 0.01}
	metrics := telemetry.NewTrainingMetrics(nil)
	var logs, stdout bytes.Buffer

	if _, err := newTestLoop(&logs, &stdout, WithTrainingMetrics(metrics)).Run(context.Background(), model, opt, &constantScheduler{}, toyDataset(), cfg); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "run.prom")
	if err := metrics.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	for _, want := range []string{"hgcn_training_epochs_total 60", "hgcn_training_best_epoch 30", "hgcn_training_early_stops_total 1"} {
		if !strings.Contains(string(b), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
