package optimizer

import "math"

// Adagrad scales each coordinate by the inverse root of its accumulated
// squared gradients.
type Adagrad struct {
	base
	epsilon float64
	lrDecay float64
}

// NewAdagrad creates an Adagrad optimizer.
func NewAdagrad(params []*Parameter, cfg Config) *Adagrad {
	eps := cfg.Epsilon
	if eps <= 0 {
		eps = 1e-10
	}
	return &Adagrad{
		base:    newBase("Adagrad", params, cfg.LearningRate, cfg.WeightDecay),
		epsilon: eps,
		lrDecay: cfg.LRDecay,
	}
}

// Step performs a single optimization step.
func (a *Adagrad) Step() error {
	a.step++
	clr := a.lr / (1 + float64(a.step-1)*a.lrDecay)
	for i, p := range a.params {
		g := a.gradient(i)
		w := p.Value.RawMatrix().Data
		sum := a.slot("sum", i)
		for k := range w {
			sum[k] += g[k] * g[k]
			w[k] -= clr * g[k] / (math.Sqrt(sum[k]) + a.epsilon)
		}
	}
	return nil
}

func (a *Adagrad) State() *State {
	return a.exportState(map[string]float64{
		"epsilon":  a.epsilon,
		"lr_decay": a.lrDecay,
	})
}

func (a *Adagrad) LoadState(state *State) error {
	if err := a.importState(state); err != nil {
		return err
	}
	a.epsilon = extractParam(state.Parameters, "epsilon", a.epsilon)
	a.lrDecay = extractParam(state.Parameters, "lr_decay", a.lrDecay)
	return nil
}
