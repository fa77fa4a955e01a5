package layers

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CosineAttention returns row-stochastic attention weights over the support
// of adj: entry (i, j) is the softmax over neighbours j of the cosine
// similarity between rows i and j of h. Entries outside the support are zero.
// The weights are treated as constants during backpropagation.
func CosineAttention(h *mat.Dense, adj mat.Matrix) *mat.Dense {
	n, _ := h.Dims()
	norms := make([]float64, n)
	for i := 0; i < n; i++ {
		norms[i] = floats.Norm(h.RawRowView(i), 2)
	}

	att := mat.NewDense(n, n, nil)
	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		maxScore := math.Inf(-1)
		for j := 0; j < n; j++ {
			if adj.At(i, j) == 0 {
				scores[j] = math.Inf(-1)
				continue
			}
			var s float64
			if norms[i] > 0 && norms[j] > 0 {
				s = floats.Dot(h.RawRowView(i), h.RawRowView(j)) / (norms[i] * norms[j])
			}
			scores[j] = s
			if s > maxScore {
				maxScore = s
			}
		}
		if math.IsInf(maxScore, -1) {
			continue
		}
		row := att.RawRowView(i)
		var sum float64
		for j, s := range scores {
			if math.IsInf(s, -1) {
				continue
			}
			row[j] = math.Exp(s - maxScore)
			sum += row[j]
		}
		floats.Scale(1/sum, row)
	}
	return att
}
