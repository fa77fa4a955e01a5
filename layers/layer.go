package layers

import (
	"fmt"
	"math"

	"github.com/Kapil-Pathak/hgcn/optimizer"
	"gonum.org/v1/gonum/mat"
)

// LayerType represents the type of encoder layer
type LayerType int

const (
	// Dense is a feature transform without neighbourhood aggregation
	Dense LayerType = iota
	// GraphConv aggregates transformed features over the adjacency
	GraphConv
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case GraphConv:
		return "GraphConv"
	default:
		return "Unknown"
	}
}

// Activation is the element-wise non-linearity applied after aggregation.
type Activation int

const (
	Identity Activation = iota
	ReLU
	Tanh
)

func (a Activation) String() string {
	switch a {
	case Identity:
		return "none"
	case ReLU:
		return "relu"
	case Tanh:
		return "tanh"
	default:
		return "unknown"
	}
}

// ParseActivation maps a configuration name to an Activation.
func ParseActivation(name string) (Activation, error) {
	switch name {
	case "none", "identity", "":
		return Identity, nil
	case "relu":
		return ReLU, nil
	case "tanh":
		return Tanh, nil
	default:
		return Identity, fmt.Errorf("unknown activation %q", name)
	}
}

func (a Activation) apply(v float64) float64 {
	switch a {
	case ReLU:
		return math.Max(0, v)
	case Tanh:
		return math.Tanh(v)
	default:
		return v
	}
}

// derivative returns d act/d pre given the pre-activation and the output.
func (a Activation) derivative(pre, out float64) float64 {
	switch a {
	case ReLU:
		if pre > 0 {
			return 1
		}
		return 0
	case Tanh:
		return 1 - out*out
	default:
		return 1
	}
}

// LayerSpec defines layer configuration. It is pure configuration with no
// execution logic and is recorded in the run configuration.
type LayerSpec struct {
	Type       LayerType  `json:"type"`
	Name       string     `json:"name"`
	InputSize  int        `json:"input_size"`
	OutputSize int        `json:"output_size"`
	Activation Activation `json:"activation"`
	Dropout    float64    `json:"dropout"`
	UseBias    bool       `json:"use_bias"`
}

// Validate checks the spec dimensions.
func (s LayerSpec) Validate() error {
	if s.InputSize <= 0 || s.OutputSize <= 0 {
		return fmt.Errorf("layer %s: sizes must be positive, got %dx%d", s.Name, s.InputSize, s.OutputSize)
	}
	if s.Dropout < 0 || s.Dropout >= 1 {
		return fmt.Errorf("layer %s: dropout must be in [0, 1), got %f", s.Name, s.Dropout)
	}
	return nil
}

func (s LayerSpec) String() string {
	return fmt.Sprintf("%s(%s: %d -> %d, act=%s, dropout=%.2f, bias=%t)",
		s.Type, s.Name, s.InputSize, s.OutputSize, s.Activation, s.Dropout, s.UseBias)
}

// Module is a differentiable encoder layer. Backward consumes the gradient
// of the loss with respect to the last Forward output, accumulates parameter
// gradients and returns the gradient with respect to the Forward input.
type Module interface {
	Forward(x *mat.Dense, adj mat.Matrix) (*mat.Dense, error)
	Backward(dOut *mat.Dense) (*mat.Dense, error)
	Parameters() []*optimizer.Parameter
	Spec() LayerSpec
	Train()
	Eval()
	IsTraining() bool
}
