package optimizer

import (
	"fmt"
	"math"
)

// Adam implements the Adam optimizer with bias-corrected moment estimates.
type Adam struct {
	base
	beta1   float64
	beta2   float64
	epsilon float64
}

// NewAdam creates an Adam optimizer.
func NewAdam(params []*Parameter, cfg Config) (*Adam, error) {
	if err := checkBetas(cfg.Beta1, cfg.Beta2); err != nil {
		return nil, err
	}
	if cfg.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %e", cfg.Epsilon)
	}
	return &Adam{
		base:    newBase("Adam", params, cfg.LearningRate, cfg.WeightDecay),
		beta1:   cfg.Beta1,
		beta2:   cfg.Beta2,
		epsilon: cfg.Epsilon,
	}, nil
}

// Step performs a single optimization step.
func (a *Adam) Step() error {
	a.step++
	t := float64(a.step)
	bc1 := 1 - math.Pow(a.beta1, t)
	bc2 := math.Sqrt(1 - math.Pow(a.beta2, t))
	stepSize := a.lr / bc1

	for i, p := range a.params {
		g := a.gradient(i)
		w := p.Value.RawMatrix().Data
		m := a.slot("exp_avg", i)
		v := a.slot("exp_avg_sq", i)
		for k := range w {
			m[k] = a.beta1*m[k] + (1-a.beta1)*g[k]
			v[k] = a.beta2*v[k] + (1-a.beta2)*g[k]*g[k]
			denom := math.Sqrt(v[k])/bc2 + a.epsilon
			w[k] -= stepSize * m[k] / denom
		}
	}
	return nil
}

func (a *Adam) State() *State {
	return a.exportState(map[string]float64{
		"beta1":   a.beta1,
		"beta2":   a.beta2,
		"epsilon": a.epsilon,
	})
}

func (a *Adam) LoadState(state *State) error {
	if err := a.importState(state); err != nil {
		return err
	}
	a.beta1 = extractParam(state.Parameters, "beta1", a.beta1)
	a.beta2 = extractParam(state.Parameters, "beta2", a.beta2)
	a.epsilon = extractParam(state.Parameters, "epsilon", a.epsilon)
	return nil
}

func checkBetas(beta1, beta2 float64) error {
	if beta1 < 0 || beta1 >= 1 {
		return fmt.Errorf("beta1 must be in [0, 1), got %f", beta1)
	}
	if beta2 < 0 || beta2 >= 1 {
		return fmt.Errorf("beta2 must be in [0, 1), got %f", beta2)
	}
	return nil
}
