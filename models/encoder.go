package models

import (
	"fmt"
	"math/rand"

	"github.com/Kapil-Pathak/hgcn/layers"
	"github.com/Kapil-Pathak/hgcn/optimizer"
	"gonum.org/v1/gonum/mat"
)

// EncoderSpec sizes a GraphEncoder.
type EncoderSpec struct {
	LayerType  layers.LayerType
	Dims       []int // Dims[0] is the input feature size, one layer per following entry
	Activation layers.Activation
	Dropout    float64
	UseBias    bool
	UseAtt     bool
}

// GraphEncoder stacks graph convolutions and produces node embeddings.
//
// With UseAtt the aggregation matrix of every layer is replaced by cosine
// attention weights computed from the input features over the support of
// the adjacency. The weights are recomputed on every Encode and are exposed
// through AttentionAdjacency.
type GraphEncoder struct {
	spec      EncoderSpec
	layers    []layers.Module
	attention *mat.Dense
}

// NewGraphEncoder builds len(spec.Dims)-1 layers with weights drawn from rng.
func NewGraphEncoder(spec EncoderSpec, rng *rand.Rand) (*GraphEncoder, error) {
	if len(spec.Dims) == 0 || spec.Dims[0] <= 0 {
		return nil, fmt.Errorf("encoder needs a positive input size, got %v", spec.Dims)
	}
	e := &GraphEncoder{spec: spec}
	for i := 1; i < len(spec.Dims); i++ {
		l, err := layers.NewGraphConvolution(layers.LayerSpec{
			Type:       spec.LayerType,
			Name:       fmt.Sprintf("encoder.layers.%d", i-1),
			InputSize:  spec.Dims[i-1],
			OutputSize: spec.Dims[i],
			Activation: spec.Activation,
			Dropout:    spec.Dropout,
			UseBias:    spec.UseBias,
		}, rng)
		if err != nil {
			return nil, err
		}
		e.layers = append(e.layers, l)
	}
	return e, nil
}

// OutputDim is the embedding size.
func (e *GraphEncoder) OutputDim() int {
	return e.spec.Dims[len(e.spec.Dims)-1]
}

// Encode runs every layer. Without layers the features are the embeddings.
func (e *GraphEncoder) Encode(features *mat.Dense, adj mat.Matrix) (*mat.Dense, error) {
	agg := adj
	if e.spec.UseAtt && adj != nil {
		e.attention = layers.CosineAttention(features, adj)
		agg = e.attention
	}
	h := features
	for _, l := range e.layers {
		var err error
		if h, err = l.Forward(h, agg); err != nil {
			return nil, err
		}
	}
	if len(e.layers) == 0 {
		return mat.DenseCopyOf(features), nil
	}
	return h, nil
}

// Backward propagates the gradient of the embeddings through the layers.
func (e *GraphEncoder) Backward(dEmb *mat.Dense) error {
	d := dEmb
	for i := len(e.layers) - 1; i >= 0; i-- {
		var err error
		if d, err = e.layers[i].Backward(d); err != nil {
			return err
		}
	}
	return nil
}

// AttentionAdjacency returns the attention weights of the last Encode, or
// nil when attention is disabled.
func (e *GraphEncoder) AttentionAdjacency() *mat.Dense {
	return e.attention
}

func (e *GraphEncoder) Parameters() []*optimizer.Parameter {
	var params []*optimizer.Parameter
	for _, l := range e.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// Specs lists the layer specs in order.
func (e *GraphEncoder) Specs() []layers.LayerSpec {
	specs := make([]layers.LayerSpec, len(e.layers))
	for i, l := range e.layers {
		specs[i] = l.Spec()
	}
	return specs
}

func (e *GraphEncoder) Train() {
	for _, l := range e.layers {
		l.Train()
	}
}

func (e *GraphEncoder) Eval() {
	for _, l := range e.layers {
		l.Eval()
	}
}
