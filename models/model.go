// Package models provides the graph encoders and task decoders trained by
// the training loop: node classification, link prediction and graph
// reconstruction. Every model implements training.Model and
// training.AttentionProvider.
//
// Embeddings are computed in Euclidean space. The manifold and curvature
// settings of a run are recorded with its configuration.
package models

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/Kapil-Pathak/hgcn/config"
	"github.com/Kapil-Pathak/hgcn/dataset"
	"github.com/Kapil-Pathak/hgcn/layers"
	"github.com/Kapil-Pathak/hgcn/optimizer"
	"github.com/Kapil-Pathak/hgcn/training"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrUnknownModel        = errors.New("unknown model")
	ErrUnsupportedManifold = errors.New("unsupported manifold")
)

// base holds what every task model shares: the encoder, the mode flag and
// the evaluation options.
type base struct {
	encoder  *GraphEncoder
	evalOpts training.EvalOptions
	training bool
}

func (b *base) Encode(features *mat.Dense, adj mat.Matrix) (*mat.Dense, error) {
	return b.encoder.Encode(features, adj)
}

func (b *base) AttentionAdjacency() *mat.Dense {
	return b.encoder.AttentionAdjacency()
}

func (b *base) Train() {
	b.training = true
	b.encoder.Train()
}

func (b *base) Eval() {
	b.training = false
	b.encoder.Eval()
}

// Encoder exposes the underlying encoder.
func (b *base) Encoder() *GraphEncoder {
	return b.encoder
}

func (m *NCModel) Parameters() []*optimizer.Parameter {
	return append(m.encoder.Parameters(), m.decoder.Parameters()...)
}

func (m *LPModel) Parameters() []*optimizer.Parameter {
	return m.encoder.Parameters()
}

// Model is a trainable task model.
type Model interface {
	training.Model
	training.AttentionProvider
}

// New builds the model for cfg.Task over data. Weights are drawn from rng.
func New(cfg config.Config, data *dataset.Dataset, rng *rand.Rand) (Model, error) {
	if cfg.Manifold != "" && cfg.Manifold != "Euclidean" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedManifold, cfg.Manifold)
	}
	var lt layers.LayerType
	switch cfg.Model {
	case "GCN":
		lt = layers.GraphConv
	case "MLP":
		lt = layers.Dense
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, cfg.Model)
	}
	act, err := layers.ParseActivation(cfg.Act)
	if err != nil {
		return nil, err
	}

	task, err := dataset.ParseTask(cfg.Task)
	if err != nil {
		return nil, err
	}
	dims := []int{data.FeatDim()}
	for i := 0; i < cfg.NumLayers-1; i++ {
		dims = append(dims, cfg.Dim)
	}
	if task != dataset.NodeClassification {
		dims = append(dims, cfg.Dim)
	}
	encoder, err := NewGraphEncoder(EncoderSpec{
		LayerType:  lt,
		Dims:       dims,
		Activation: act,
		Dropout:    cfg.Dropout,
		UseBias:    cfg.Bias,
		UseAtt:     cfg.UseAtt,
	}, rng)
	if err != nil {
		return nil, err
	}
	b := base{
		encoder:  encoder,
		evalOpts: training.EvalOptions{Average: cfg.F1Average, TargetClass: cfg.TargetClass},
	}

	switch task {
	case dataset.NodeClassification:
		classes := data.NumClasses()
		if classes < 2 {
			return nil, fmt.Errorf("node classification needs at least 2 classes, got %d", classes)
		}
		decoder, err := layers.NewGraphConvolution(layers.LayerSpec{
			Type:       lt,
			Name:       "decoder.cls",
			InputSize:  encoder.OutputDim(),
			OutputSize: classes,
			Activation: layers.Identity,
			Dropout:    cfg.Dropout,
			UseBias:    cfg.Bias,
		}, rng)
		if err != nil {
			return nil, err
		}
		return &NCModel{base: b, decoder: decoder, classes: classes}, nil
	case dataset.LinkPrediction:
		return newLPModel(b, cfg, rng), nil
	default:
		return &RECModel{LPModel: newLPModel(b, cfg, rng)}, nil
	}
}

func newLPModel(b base, cfg config.Config, rng *rand.Rand) *LPModel {
	return &LPModel{base: b, decoder: FermiDirac{R: cfg.R, T: cfg.T}, rng: rng}
}

// StateDict returns the parameter values by name.
func StateDict(m training.Model) map[string]*mat.Dense {
	out := make(map[string]*mat.Dense)
	for _, p := range m.Parameters() {
		out[p.Name] = p.Value
	}
	return out
}

// NumParams counts the trainable scalars of m.
func NumParams(m training.Model) int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Size()
	}
	return n
}

// Describe lists the layers of m in forward order.
func Describe(m Model) []string {
	var specs []layers.LayerSpec
	switch mm := m.(type) {
	case *NCModel:
		specs = append(mm.encoder.Specs(), mm.decoder.Spec())
	case *LPModel:
		specs = mm.encoder.Specs()
	case *RECModel:
		specs = mm.encoder.Specs()
	}
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.String()
	}
	return out
}
