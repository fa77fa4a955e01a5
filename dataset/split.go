package dataset

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// undirectedEdges deduplicates edges, orders endpoints and drops self loops.
func undirectedEdges(raw [][2]int, n int) ([]Edge, error) {
	seen := make(map[Edge]bool, len(raw))
	out := make([]Edge, 0, len(raw))
	for _, e := range raw {
		u, v := e[0], e[1]
		if u < 0 || v < 0 || u >= n || v >= n {
			return nil, fmt.Errorf("edge (%d, %d) out of range for %d nodes", u, v, n)
		}
		if u == v {
			continue
		}
		if u > v {
			u, v = v, u
		}
		key := Edge{u, v}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out, nil
}

// nonEdges lists every node pair u<v that is not an edge, in row-major order.
func nonEdges(n int, edges []Edge) []Edge {
	present := make(map[Edge]bool, len(edges))
	for _, e := range edges {
		present[e] = true
	}
	out := make([]Edge, 0)
	for u := 0; u < n; u++ {
		for v := u + 1; v < n; v++ {
			if !present[Edge{u, v}] {
				out = append(out, Edge{u, v})
			}
		}
	}
	return out
}

// splitNodes returns (val, test, train) node indices.
func splitNodes(n int, opts SplitOptions) ([]int, []int, []int) {
	rng := rand.New(rand.NewSource(opts.Seed))
	perm := rng.Perm(n)
	nVal := int(math.Round(opts.ValProp * float64(n)))
	nTest := int(math.Round(opts.TestProp * float64(n)))
	if nVal+nTest > n {
		nTest = n - nVal
	}
	val := append([]int(nil), perm[:nVal]...)
	test := append([]int(nil), perm[nVal:nVal+nTest]...)
	train := append([]int(nil), perm[nVal+nTest:]...)
	return val, test, train
}

// maskEdges splits positive edges into train/val/test and carves matching
// negative sets out of the non-edges.
func maskEdges(d *Dataset, n int, edges []Edge, opts SplitOptions) error {
	if len(edges) == 0 {
		return fmt.Errorf("link prediction needs at least one edge")
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	pos := append([]Edge(nil), edges...)
	rng.Shuffle(len(pos), func(i, j int) { pos[i], pos[j] = pos[j], pos[i] })
	nVal := int(math.Floor(opts.ValProp * float64(len(pos))))
	nTest := int(math.Floor(opts.TestProp * float64(len(pos))))

	neg := nonEdges(n, edges)
	rng.Shuffle(len(neg), func(i, j int) { neg[i], neg[j] = neg[j], neg[i] })
	if len(neg) < nVal+nTest {
		return fmt.Errorf("graph too dense: %d non-edges for %d val/test negatives", len(neg), nVal+nTest)
	}

	d.ValEdges = pos[:nVal]
	d.TestEdges = pos[nVal : nVal+nTest]
	d.TrainEdges = pos[nVal+nTest:]
	d.ValEdgesFalse = neg[:nVal]
	d.TestEdgesFalse = neg[nVal : nVal+nTest]
	d.TrainEdgesFalse = neg[nVal+nTest:]
	return nil
}

// reconstructionEdges uses the whole graph for every split.
func reconstructionEdges(d *Dataset, n int, edges []Edge, opts SplitOptions) {
	rng := rand.New(rand.NewSource(opts.Seed))
	neg := nonEdges(n, edges)
	rng.Shuffle(len(neg), func(i, j int) { neg[i], neg[j] = neg[j], neg[i] })

	k := len(edges)
	if k > len(neg) {
		k = len(neg)
	}
	d.TrainEdges = edges
	d.ValEdges = edges
	d.TestEdges = edges
	d.TrainEdgesFalse = neg
	d.ValEdgesFalse = neg[:k]
	d.TestEdgesFalse = neg[:k]
}

// adjacency builds the dense symmetric adjacency with self loops, row
// normalised when normalize is set.
func adjacency(n int, edges []Edge, normalize bool) *mat.Dense {
	a := mat.NewDense(n, n, nil)
	for _, e := range edges {
		a.Set(e[0], e[1], 1)
		a.Set(e[1], e[0], 1)
	}
	for i := 0; i < n; i++ {
		a.Set(i, i, 1)
	}
	if normalize {
		rowNormalize(a)
	}
	return a
}

// rowNormalize scales every non-zero row to sum to one.
func rowNormalize(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		s := floats.Sum(row)
		if s != 0 {
			floats.Scale(1/s, row)
		}
	}
}
