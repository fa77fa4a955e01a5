package optimizer

import (
	"fmt"
	"math"
)

// AdaDelta adapts the step size from running averages of squared gradients
// and squared updates.
type AdaDelta struct {
	base
	rho     float64
	epsilon float64
}

// NewAdaDelta creates an AdaDelta optimizer.
func NewAdaDelta(params []*Parameter, cfg Config) (*AdaDelta, error) {
	if cfg.Rho <= 0 || cfg.Rho >= 1 {
		return nil, fmt.Errorf("rho must be in range (0, 1), got %f", cfg.Rho)
	}
	if cfg.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %e", cfg.Epsilon)
	}
	return &AdaDelta{
		base:    newBase("AdaDelta", params, cfg.LearningRate, cfg.WeightDecay),
		rho:     cfg.Rho,
		epsilon: cfg.Epsilon,
	}, nil
}

// Step performs a single optimization step.
func (a *AdaDelta) Step() error {
	for i, p := range a.params {
		g := a.gradient(i)
		w := p.Value.RawMatrix().Data
		sq := a.slot("square_avg", i)
		acc := a.slot("acc_delta", i)
		for k := range w {
			sq[k] = a.rho*sq[k] + (1-a.rho)*g[k]*g[k]
			delta := math.Sqrt(acc[k]+a.epsilon) / math.Sqrt(sq[k]+a.epsilon) * g[k]
			acc[k] = a.rho*acc[k] + (1-a.rho)*delta*delta
			w[k] -= a.lr * delta
		}
	}
	a.step++
	return nil
}

func (a *AdaDelta) State() *State {
	return a.exportState(map[string]float64{
		"rho":     a.rho,
		"epsilon": a.epsilon,
	})
}

func (a *AdaDelta) LoadState(state *State) error {
	if err := a.importState(state); err != nil {
		return err
	}
	a.rho = extractParam(state.Parameters, "rho", a.rho)
	a.epsilon = extractParam(state.Parameters, "epsilon", a.epsilon)
	return nil
}
