package optimizer

import (
	"fmt"
	"math"
)

// RMSProp divides the gradient by a running root mean square of recent
// gradients.
type RMSProp struct {
	base
	alpha    float64
	epsilon  float64
	momentum float64
}

// NewRMSProp creates an RMSProp optimizer.
func NewRMSProp(params []*Parameter, cfg Config) (*RMSProp, error) {
	if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in range (0, 1), got %f", cfg.Alpha)
	}
	if cfg.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %e", cfg.Epsilon)
	}
	return &RMSProp{
		base:     newBase("RMSProp", params, cfg.LearningRate, cfg.WeightDecay),
		alpha:    cfg.Alpha,
		epsilon:  cfg.Epsilon,
		momentum: cfg.Momentum,
	}, nil
}

// Step performs a single optimization step.
func (r *RMSProp) Step() error {
	for i, p := range r.params {
		g := r.gradient(i)
		w := p.Value.RawMatrix().Data
		sq := r.slot("square_avg", i)
		var buf []float64
		if r.momentum > 0 {
			buf = r.slot("momentum_buffer", i)
		}
		for k := range w {
			sq[k] = r.alpha*sq[k] + (1-r.alpha)*g[k]*g[k]
			d := g[k] / (math.Sqrt(sq[k]) + r.epsilon)
			if buf != nil {
				buf[k] = r.momentum*buf[k] + d
				d = buf[k]
			}
			w[k] -= r.lr * d
		}
	}
	r.step++
	return nil
}

func (r *RMSProp) State() *State {
	return r.exportState(map[string]float64{
		"alpha":    r.alpha,
		"epsilon":  r.epsilon,
		"momentum": r.momentum,
	})
}

func (r *RMSProp) LoadState(state *State) error {
	if err := r.importState(state); err != nil {
		return err
	}
	r.alpha = extractParam(state.Parameters, "alpha", r.alpha)
	r.epsilon = extractParam(state.Parameters, "epsilon", r.epsilon)
	r.momentum = extractParam(state.Parameters, "momentum", r.momentum)
	return nil
}
