package layers

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func testAdj() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0.5, 0.5, 0,
		1.0 / 3, 1.0 / 3, 1.0 / 3,
		0, 0.5, 0.5,
	})
}

func testInput() *mat.Dense {
	return mat.NewDense(3, 2, []float64{0.3, -0.2, 0.7, 0.1, -0.4, 0.9})
}

// weightedLoss returns sum(out ⊙ r); its gradient with respect to out is r.
func weightedLoss(out, r *mat.Dense) float64 {
	var e mat.Dense
	e.MulElem(out, r)
	return mat.Sum(&e)
}

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		lt       LayerType
		expected string
	}{
		{Dense, "Dense"},
		{GraphConv, "GraphConv"},
		{LayerType(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.lt.String(); got != tt.expected {
			t.Errorf("LayerType(%d).String() = %s, expected %s", tt.lt, got, tt.expected)
		}
	}
}

func TestParseActivation(t *testing.T) {
	for name, expected := range map[string]Activation{"relu": ReLU, "tanh": Tanh, "none": Identity} {
		got, err := ParseActivation(name)
		if err != nil || got != expected {
			t.Errorf("ParseActivation(%q) = %v, %v", name, got, err)
		}
		if expected.String() != name {
			t.Errorf("%v.String() = %s, expected %s", expected, expected.String(), name)
		}
	}
	if _, err := ParseActivation("gelu"); err == nil {
		t.Errorf("expected error for unknown activation")
	}
}

func TestSpecValidate(t *testing.T) {
	if err := (LayerSpec{Name: "bad", InputSize: 0, OutputSize: 2}).Validate(); err == nil {
		t.Errorf("expected error for zero input size")
	}
	if err := (LayerSpec{Name: "bad", InputSize: 2, OutputSize: 2, Dropout: 1}).Validate(); err == nil {
		t.Errorf("expected error for dropout of 1")
	}
}

func TestGraphConvolutionGradients(t *testing.T) {
	for _, act := range []Activation{Identity, Tanh} {
		spec := LayerSpec{Type: GraphConv, Name: "gc", InputSize: 2, OutputSize: 4, Activation: act, UseBias: true}
		layer, err := NewGraphConvolution(spec, rand.New(rand.NewSource(3)))
		if err != nil {
			t.Fatalf("NewGraphConvolution: %v", err)
		}
		x, adj := testInput(), testAdj()
		r := mat.NewDense(3, 4, nil)
		rng := rand.New(rand.NewSource(5))
		r.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() }, r)

		out, err := layer.Forward(x, adj)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		dX, err := layer.Backward(r)
		if err != nil {
			t.Fatalf("Backward: %v", err)
		}
		_ = out

		const h = 1e-6
		for _, p := range layer.Parameters() {
			raw := p.Value.RawMatrix().Data
			grad := p.Grad.RawMatrix().Data
			for k := range raw {
				orig := raw[k]
				raw[k] = orig + h
				up, _ := layer.Forward(x, adj)
				lossUp := weightedLoss(up, r)
				raw[k] = orig - h
				down, _ := layer.Forward(x, adj)
				lossDown := weightedLoss(down, r)
				raw[k] = orig
				numeric := (lossUp - lossDown) / (2 * h)
				if math.Abs(numeric-grad[k]) > 1e-5 {
					t.Errorf("%s %s[%d]: analytic %f, numeric %f", act, p.Name, k, grad[k], numeric)
				}
			}
		}

		xr := x.RawMatrix().Data
		for k := range xr {
			orig := xr[k]
			xr[k] = orig + h
			up, _ := layer.Forward(x, adj)
			lossUp := weightedLoss(up, r)
			xr[k] = orig - h
			down, _ := layer.Forward(x, adj)
			lossDown := weightedLoss(down, r)
			xr[k] = orig
			numeric := (lossUp - lossDown) / (2 * h)
			if got := dX.RawMatrix().Data[k]; math.Abs(numeric-got) > 1e-5 {
				t.Errorf("%s input[%d]: analytic %f, numeric %f", act, k, got, numeric)
			}
		}
	}
}

func TestDenseIgnoresAdjacency(t *testing.T) {
	spec := LayerSpec{Type: Dense, Name: "fc", InputSize: 2, OutputSize: 2, Activation: Identity}
	layer, _ := NewGraphConvolution(spec, rand.New(rand.NewSource(1)))
	withAdj, _ := layer.Forward(testInput(), testAdj())
	without, _ := layer.Forward(testInput(), nil)
	if !mat.EqualApprox(withAdj, without, 1e-12) {
		t.Errorf("Dense layer output depends on the adjacency")
	}
	if len(layer.Parameters()) != 1 {
		t.Errorf("expected weight only without bias, got %d parameters", len(layer.Parameters()))
	}
}

func TestDropoutOnlyInTraining(t *testing.T) {
	spec := LayerSpec{Type: Dense, Name: "fc", InputSize: 2, OutputSize: 3, Activation: ReLU, Dropout: 0.5}
	layer, _ := NewGraphConvolution(spec, rand.New(rand.NewSource(9)))

	layer.Eval()
	if layer.IsTraining() {
		t.Fatalf("expected eval mode")
	}
	a, _ := layer.Forward(testInput(), nil)
	b, _ := layer.Forward(testInput(), nil)
	if !mat.Equal(a, b) {
		t.Errorf("eval forward must be deterministic")
	}

	layer.Train()
	x := mat.NewDense(200, 2, nil)
	x.Apply(func(_, _ int, _ float64) float64 { return 1 }, x)
	if _, err := layer.Forward(x, nil); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	zeros := 0
	for _, v := range layer.mask.RawMatrix().Data {
		if v == 0 {
			zeros++
		} else if v != 2 {
			t.Fatalf("kept entries must be scaled by 1/(1-p), got %f", v)
		}
	}
	if zeros == 0 || zeros == 400 {
		t.Errorf("dropout mask dropped %d of 400 entries", zeros)
	}
}

func TestForwardRejectsBadShapes(t *testing.T) {
	spec := LayerSpec{Type: GraphConv, Name: "gc", InputSize: 3, OutputSize: 2}
	layer, _ := NewGraphConvolution(spec, rand.New(rand.NewSource(1)))
	if _, err := layer.Forward(testInput(), testAdj()); err == nil {
		t.Errorf("expected error for wrong feature width")
	}
	if _, err := layer.Backward(mat.NewDense(3, 2, nil)); err == nil {
		t.Errorf("expected error for backward before forward")
	}
}

func TestCosineAttention(t *testing.T) {
	h := mat.NewDense(3, 2, []float64{1, 0, 1, 0.1, 0, 1})
	att := CosineAttention(h, testAdj())
	for i := 0; i < 3; i++ {
		if s := floats.Sum(att.RawRowView(i)); math.Abs(s-1) > 1e-12 {
			t.Errorf("row %d sums to %f", i, s)
		}
	}
	if att.At(0, 2) != 0 || att.At(2, 0) != 0 {
		t.Errorf("attention leaked outside the adjacency support")
	}
	// node 1 is closer to node 0 than to node 2
	if att.At(1, 0) <= att.At(1, 2) {
		t.Errorf("expected higher weight on the more similar neighbour")
	}
}
