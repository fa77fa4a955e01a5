package optimizer

import (
	"fmt"
	"math"
)

// nadamMomentumDecay controls how quickly the Nesterov momentum schedule
// approaches beta1.
const nadamMomentumDecay = 4e-3

// NAdam combines Adam's adaptive learning rates with Nesterov momentum.
type NAdam struct {
	base
	beta1     float64
	beta2     float64
	epsilon   float64
	muProduct float64
}

// NewNAdam creates an NAdam optimizer.
func NewNAdam(params []*Parameter, cfg Config) (*NAdam, error) {
	if err := checkBetas(cfg.Beta1, cfg.Beta2); err != nil {
		return nil, err
	}
	if cfg.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %e", cfg.Epsilon)
	}
	return &NAdam{
		base:      newBase("NAdam", params, cfg.LearningRate, cfg.WeightDecay),
		beta1:     cfg.Beta1,
		beta2:     cfg.Beta2,
		epsilon:   cfg.Epsilon,
		muProduct: 1,
	}, nil
}

// Step performs a single optimization step.
func (n *NAdam) Step() error {
	n.step++
	t := float64(n.step)
	mu := n.beta1 * (1 - 0.5*math.Pow(0.96, t*nadamMomentumDecay))
	muNext := n.beta1 * (1 - 0.5*math.Pow(0.96, (t+1)*nadamMomentumDecay))
	n.muProduct *= mu
	bc2 := 1 - math.Pow(n.beta2, t)

	gradCoef := n.lr * (1 - mu) / (1 - n.muProduct)
	momCoef := n.lr * muNext / (1 - n.muProduct*muNext)

	for i, p := range n.params {
		g := n.gradient(i)
		w := p.Value.RawMatrix().Data
		m := n.slot("exp_avg", i)
		v := n.slot("exp_avg_sq", i)
		for k := range w {
			m[k] = n.beta1*m[k] + (1-n.beta1)*g[k]
			v[k] = n.beta2*v[k] + (1-n.beta2)*g[k]*g[k]
			denom := math.Sqrt(v[k]/bc2) + n.epsilon
			w[k] -= gradCoef*g[k]/denom + momCoef*m[k]/denom
		}
	}
	return nil
}

func (n *NAdam) State() *State {
	return n.exportState(map[string]float64{
		"beta1":      n.beta1,
		"beta2":      n.beta2,
		"epsilon":    n.epsilon,
		"mu_product": n.muProduct,
	})
}

func (n *NAdam) LoadState(state *State) error {
	if err := n.importState(state); err != nil {
		return err
	}
	n.beta1 = extractParam(state.Parameters, "beta1", n.beta1)
	n.beta2 = extractParam(state.Parameters, "beta2", n.beta2)
	n.epsilon = extractParam(state.Parameters, "epsilon", n.epsilon)
	n.muProduct = extractParam(state.Parameters, "mu_product", n.muProduct)
	return nil
}
