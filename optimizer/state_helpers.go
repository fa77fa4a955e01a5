package optimizer

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// clipEpsilon keeps the clip coefficient finite for zero gradients.
const clipEpsilon = 1e-6

// ClipGradNorm rescales p's gradient so that its L2 norm is at most maxNorm
// and returns the norm before clipping. A non-positive maxNorm is a no-op.
func ClipGradNorm(p *Parameter, maxNorm float64) float64 {
	norm := mat.Norm(p.Grad, 2)
	if maxNorm <= 0 {
		return norm
	}
	coef := maxNorm / (norm + clipEpsilon)
	if coef < 1 {
		p.Grad.Scale(coef, p.Grad)
	}
	return norm
}

// GradNorm returns the global L2 norm over all gradients.
func GradNorm(params []*Parameter) float64 {
	var sq float64
	for _, p := range params {
		n := mat.Norm(p.Grad, 2)
		sq += n * n
	}
	return math.Sqrt(sq)
}

// extractParam safely reads a hyperparameter from a state map.
func extractParam(params map[string]float64, key string, defaultValue float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return defaultValue
}

// extractBoolParam reads a 0/1 encoded flag from a state map.
func extractBoolParam(params map[string]float64, key string, defaultValue bool) bool {
	if v, ok := params[key]; ok {
		return v != 0
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
