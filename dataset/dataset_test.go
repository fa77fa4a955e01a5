package dataset

import (
	"errors"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func ringGraph(n int) *Graph {
	g := &Graph{NumNodes: n}
	for i := 0; i < n; i++ {
		g.Edges = append(g.Edges, [2]int{i, (i + 1) % n})
		g.Labels = append(g.Labels, i%2)
		g.Features = append(g.Features, []float64{float64(i), 1})
	}
	return g
}

func TestParseTask(t *testing.T) {
	for _, s := range []string{"nc", "lp", "rec"} {
		if _, err := ParseTask(s); err != nil {
			t.Errorf("ParseTask(%q) unexpected error: %v", s, err)
		}
	}
	if _, err := ParseTask("gc"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
}

func TestLoadMissingDataset(t *testing.T) {
	_, err := Load(t.TempDir(), "cora", NodeClassification, SplitOptions{})
	if !errors.Is(err, ErrDatasetNotFound) {
		t.Fatalf("expected ErrDatasetNotFound, got %v", err)
	}
}

func TestNodeClassificationSplit(t *testing.T) {
	dir := t.TempDir()
	if err := WriteGraph(dir, "ring", ringGraph(20)); err != nil {
		t.Fatalf("WriteGraph: %v", err)
	}
	opts := SplitOptions{ValProp: 0.1, TestProp: 0.2, Seed: 7, UseFeats: true, NormalizeFeats: true, NormalizeAdj: true}
	d, err := Load(dir, "ring", NodeClassification, opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(d.IdxVal) != 2 || len(d.IdxTest) != 4 || len(d.IdxTrain) != 14 {
		t.Errorf("unexpected split sizes: val=%d test=%d train=%d", len(d.IdxVal), len(d.IdxTest), len(d.IdxTrain))
	}
	seen := map[int]bool{}
	for _, s := range []Split{Train, Val, Test} {
		for _, i := range d.Index(s) {
			if seen[i] {
				t.Errorf("node %d appears in more than one split", i)
			}
			seen[i] = true
		}
	}
	if len(seen) != 20 {
		t.Errorf("expected every node in a split, got %d", len(seen))
	}
	if d.NumClasses() != 2 {
		t.Errorf("expected 2 classes, got %d", d.NumClasses())
	}

	for i := 0; i < d.NumNodes(); i++ {
		if s := floats.Sum(d.AdjTrainNorm.RawRowView(i)); s < 0.999999 || s > 1.000001 {
			t.Errorf("adjacency row %d sums to %f", i, s)
		}
	}

	// same seed, same split
	again, _ := Load(dir, "ring", NodeClassification, opts)
	for i := range d.IdxTrain {
		if d.IdxTrain[i] != again.IdxTrain[i] {
			t.Fatalf("split is not deterministic for a fixed seed")
		}
	}
}

func TestIdentityFeaturesWithoutUseFeats(t *testing.T) {
	d, err := Build("ring", ringGraph(5), NodeClassification, SplitOptions{ValProp: 0.2, TestProp: 0.2})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.FeatDim() != 5 {
		t.Errorf("expected identity features of width 5, got %d", d.FeatDim())
	}
	if d.Features.At(3, 3) != 1 || d.Features.At(3, 2) != 0 {
		t.Errorf("features are not the identity")
	}
}

func TestLinkPredictionMaskEdges(t *testing.T) {
	g := ringGraph(12)
	d, err := Build("ring", g, LinkPrediction, SplitOptions{ValProp: 0.25, TestProp: 0.25, Seed: 3, NormalizeAdj: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(d.ValEdges) != 3 || len(d.TestEdges) != 3 || len(d.TrainEdges) != 6 {
		t.Errorf("unexpected edge split: val=%d test=%d train=%d", len(d.ValEdges), len(d.TestEdges), len(d.TrainEdges))
	}
	if len(d.ValEdgesFalse) != len(d.ValEdges) || len(d.TestEdgesFalse) != len(d.TestEdges) {
		t.Errorf("negative sets must match positive sizes")
	}

	positives := map[Edge]bool{}
	for _, e := range append(append(d.TrainEdges, d.ValEdges...), d.TestEdges...) {
		positives[e] = true
	}
	for _, e := range append(append(d.TrainEdgesFalse, d.ValEdgesFalse...), d.TestEdgesFalse...) {
		if positives[e] {
			t.Errorf("negative edge %v is a real edge", e)
		}
	}

	// held-out edges must not leak into the training adjacency
	for _, e := range d.ValEdges {
		if d.AdjTrainNorm.At(e[0], e[1]) != 0 {
			t.Errorf("validation edge %v present in training adjacency", e)
		}
	}
}

func TestReconstructionUsesWholeGraph(t *testing.T) {
	d, err := Build("ring", ringGraph(6), Reconstruction, SplitOptions{Seed: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(d.TrainEdges) != 6 || len(d.ValEdges) != 6 || len(d.TestEdges) != 6 {
		t.Errorf("reconstruction should evaluate on every edge")
	}
	summary := d.Summary()
	if summary["nb_edges"] != 6 {
		t.Errorf("summary nb_edges = %v", summary["nb_edges"])
	}
}

func TestBuildRejectsBadInput(t *testing.T) {
	g := ringGraph(4)
	g.Labels = g.Labels[:2]
	if _, err := Build("ring", g, NodeClassification, SplitOptions{}); err == nil {
		t.Errorf("expected error for missing labels")
	}
	bad := &Graph{Edges: [][2]int{{0, -1}}}
	if _, err := Build("bad", bad, LinkPrediction, SplitOptions{}); err == nil {
		t.Errorf("expected error for negative node id")
	}
}
