package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/Kapil-Pathak/hgcn/optimizer"
	"gonum.org/v1/gonum/mat"
)

// GraphConvolution computes act(adj · dropout(x) · W + b). With Type Dense
// the aggregation step is skipped.
type GraphConvolution struct {
	spec     LayerSpec
	weight   *optimizer.Parameter
	bias     *optimizer.Parameter
	rng      *rand.Rand
	training bool

	// cached by Forward for Backward
	input *mat.Dense
	mask  *mat.Dense
	adj   mat.Matrix
	pre   *mat.Dense
	out   *mat.Dense
}

// NewGraphConvolution creates a layer with Glorot uniform weights drawn from
// rng and a zero bias.
func NewGraphConvolution(spec LayerSpec, rng *rand.Rand) (*GraphConvolution, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(spec.InputSize+spec.OutputSize))
	data := make([]float64, spec.InputSize*spec.OutputSize)
	for i := range data {
		data[i] = (rng.Float64()*2.0 - 1.0) * bound
	}
	l := &GraphConvolution{
		spec:     spec,
		weight:   optimizer.NewParameter(spec.Name+".weight", mat.NewDense(spec.InputSize, spec.OutputSize, data)),
		rng:      rng,
		training: true,
	}
	if spec.UseBias {
		l.bias = optimizer.NewParameter(spec.Name+".bias", mat.NewDense(1, spec.OutputSize, nil))
	}
	return l, nil
}

// Forward runs the layer. adj is ignored for Dense layers and may be nil.
func (l *GraphConvolution) Forward(x *mat.Dense, adj mat.Matrix) (*mat.Dense, error) {
	n, c := x.Dims()
	if c != l.spec.InputSize {
		return nil, fmt.Errorf("layer %s: expected %d input features, got %d", l.spec.Name, l.spec.InputSize, c)
	}

	in := x
	l.mask = nil
	if l.training && l.spec.Dropout > 0 {
		keep := 1 - l.spec.Dropout
		l.mask = mat.NewDense(n, c, nil)
		raw := l.mask.RawMatrix().Data
		for i := range raw {
			if l.rng.Float64() < keep {
				raw[i] = 1 / keep
			}
		}
		in = mat.NewDense(n, c, nil)
		in.MulElem(x, l.mask)
	}

	h := mat.NewDense(n, l.spec.OutputSize, nil)
	h.Mul(in, l.weight.Value)
	if l.bias != nil {
		b := l.bias.Value.RawRowView(0)
		for i := 0; i < n; i++ {
			row := h.RawRowView(i)
			for j := range row {
				row[j] += b[j]
			}
		}
	}

	pre := h
	l.adj = nil
	if l.spec.Type == GraphConv && adj != nil {
		if r, ac := adj.Dims(); r != n || ac != n {
			return nil, fmt.Errorf("layer %s: adjacency is %dx%d for %d nodes", l.spec.Name, r, ac, n)
		}
		pre = mat.NewDense(n, l.spec.OutputSize, nil)
		pre.Mul(adj, h)
		l.adj = adj
	}

	out := mat.NewDense(n, l.spec.OutputSize, nil)
	out.Apply(func(_, _ int, v float64) float64 { return l.spec.Activation.apply(v) }, pre)

	l.input, l.pre, l.out = in, pre, out
	return out, nil
}

// Backward propagates dOut through the last Forward call.
func (l *GraphConvolution) Backward(dOut *mat.Dense) (*mat.Dense, error) {
	if l.out == nil {
		return nil, fmt.Errorf("layer %s: backward called before forward", l.spec.Name)
	}
	if r, c := dOut.Dims(); r != l.out.RawMatrix().Rows || c != l.spec.OutputSize {
		return nil, fmt.Errorf("layer %s: gradient shape %dx%d does not match output", l.spec.Name, r, c)
	}

	n, _ := dOut.Dims()
	dPre := mat.NewDense(n, l.spec.OutputSize, nil)
	dPre.Apply(func(i, j int, v float64) float64 {
		return v * l.spec.Activation.derivative(l.pre.At(i, j), l.out.At(i, j))
	}, dOut)

	dH := dPre
	if l.adj != nil {
		dH = mat.NewDense(n, l.spec.OutputSize, nil)
		dH.Mul(l.adj.T(), dPre)
	}

	var dW mat.Dense
	dW.Mul(l.input.T(), dH)
	l.weight.Grad.Add(l.weight.Grad, &dW)

	if l.bias != nil {
		g := l.bias.Grad.RawRowView(0)
		for i := 0; i < n; i++ {
			for j, v := range dH.RawRowView(i) {
				g[j] += v
			}
		}
	}

	dX := mat.NewDense(n, l.spec.InputSize, nil)
	dX.Mul(dH, l.weight.Value.T())
	if l.mask != nil {
		dX.MulElem(dX, l.mask)
	}
	return dX, nil
}

// Parameters returns the trainable parameters, weight first.
func (l *GraphConvolution) Parameters() []*optimizer.Parameter {
	if l.bias == nil {
		return []*optimizer.Parameter{l.weight}
	}
	return []*optimizer.Parameter{l.weight, l.bias}
}

func (l *GraphConvolution) Spec() LayerSpec  { return l.spec }
func (l *GraphConvolution) Train()           { l.training = true }
func (l *GraphConvolution) Eval()            { l.training = false }
func (l *GraphConvolution) IsTraining() bool { return l.training }
