// Package dataset loads a graph from disk and prepares the per-task splits
// consumed by the training loop.
//
// A graph lives in <dataDir>/<name>/graph.json:
//
//	{
//	  "num_nodes": 4,
//	  "features": [[1, 0], [0, 1], [1, 1], [0, 0]],
//	  "labels": [0, 1, 1, 0],
//	  "edges": [[0, 1], [1, 2], [2, 3]]
//	}
//
// Features and labels are optional depending on the task. The Dataset
// returned by Load is never modified afterwards.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDatasetNotFound is returned when graph.json does not exist.
	ErrDatasetNotFound = errors.New("dataset not found")
	// ErrUnknownTask is returned for a task other than nc, lp or rec.
	ErrUnknownTask = errors.New("unknown task")
)

// Task selects which split fields a Dataset carries.
type Task string

const (
	NodeClassification Task = "nc"
	LinkPrediction     Task = "lp"
	Reconstruction     Task = "rec"
)

// ParseTask validates a task name.
func ParseTask(s string) (Task, error) {
	switch Task(s) {
	case NodeClassification, LinkPrediction, Reconstruction:
		return Task(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, s)
	}
}

// Split names one of the three evaluation subsets.
type Split string

const (
	Train Split = "train"
	Val   Split = "val"
	Test  Split = "test"
)

// Edge is an undirected edge stored with the smaller node id first.
type Edge [2]int

// Graph is the on-disk representation of a dataset.
type Graph struct {
	NumNodes int         `json:"num_nodes,omitempty"`
	Features [][]float64 `json:"features,omitempty"`
	Labels   []int       `json:"labels,omitempty"`
	Edges    [][2]int    `json:"edges"`
}

// SplitOptions controls split proportions and preprocessing.
type SplitOptions struct {
	ValProp        float64
	TestProp       float64
	Seed           int64
	UseFeats       bool
	NormalizeFeats bool
	NormalizeAdj   bool
}

// Dataset bundles features, the normalised training adjacency and the split
// sets for one task.
type Dataset struct {
	Name string
	Task Task

	Features     *mat.Dense
	AdjTrainNorm *mat.Dense

	// Node classification
	Labels   []int
	IdxTrain []int
	IdxVal   []int
	IdxTest  []int

	// Link prediction / reconstruction
	TrainEdges      []Edge
	TrainEdgesFalse []Edge
	ValEdges        []Edge
	ValEdgesFalse   []Edge
	TestEdges       []Edge
	TestEdgesFalse  []Edge
}

// NumNodes returns the node count.
func (d *Dataset) NumNodes() int {
	r, _ := d.Features.Dims()
	return r
}

// FeatDim returns the feature dimension.
func (d *Dataset) FeatDim() int {
	_, c := d.Features.Dims()
	return c
}

// NumClasses returns max(label)+1, or 0 without labels.
func (d *Dataset) NumClasses() int {
	n := 0
	for _, l := range d.Labels {
		if l+1 > n {
			n = l + 1
		}
	}
	return n
}

// Index returns the node indices of a split.
func (d *Dataset) Index(split Split) []int {
	switch split {
	case Train:
		return d.IdxTrain
	case Val:
		return d.IdxVal
	default:
		return d.IdxTest
	}
}

// Edges returns the positive edges of a split.
func (d *Dataset) Edges(split Split) []Edge {
	switch split {
	case Train:
		return d.TrainEdges
	case Val:
		return d.ValEdges
	default:
		return d.TestEdges
	}
}

// EdgesFalse returns the negative edges of a split.
func (d *Dataset) EdgesFalse(split Split) []Edge {
	switch split {
	case Train:
		return d.TrainEdgesFalse
	case Val:
		return d.ValEdgesFalse
	default:
		return d.TestEdgesFalse
	}
}

// Summary returns the derived facts recorded next to the run configuration.
func (d *Dataset) Summary() map[string]any {
	out := map[string]any{
		"n_nodes":  d.NumNodes(),
		"feat_dim": d.FeatDim(),
	}
	if d.Task == NodeClassification {
		out["n_classes"] = d.NumClasses()
	} else {
		out["nb_edges"] = len(d.TrainEdges)
		out["nb_false_edges"] = len(d.TrainEdgesFalse)
	}
	return out
}

// GraphPath returns the location of a dataset's graph.json.
func GraphPath(dataDir, name string) string {
	return filepath.Join(dataDir, name, "graph.json")
}

// ReadGraph decodes graph.json for a dataset.
func ReadGraph(dataDir, name string) (*Graph, error) {
	path := GraphPath(dataDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &g, nil
}

// WriteGraph stores g as <dataDir>/<name>/graph.json.
func WriteGraph(dataDir, name string, g *Graph) error {
	path := GraphPath(dataDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create dataset directory: %w", err)
	}
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode graph: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a dataset and builds the splits required by task.
func Load(dataDir, name string, task Task, opts SplitOptions) (*Dataset, error) {
	g, err := ReadGraph(dataDir, name)
	if err != nil {
		return nil, err
	}
	return Build(name, g, task, opts)
}

// Build prepares a Dataset from an in-memory graph.
func Build(name string, g *Graph, task Task, opts SplitOptions) (*Dataset, error) {
	if _, err := ParseTask(string(task)); err != nil {
		return nil, err
	}
	n := g.numNodes()
	if n == 0 {
		return nil, fmt.Errorf("dataset %s has no nodes", name)
	}
	edges, err := undirectedEdges(g.Edges, n)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", name, err)
	}

	features, err := buildFeatures(g, n, opts)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", name, err)
	}

	d := &Dataset{Name: name, Task: task, Features: features}
	switch task {
	case NodeClassification:
		if len(g.Labels) != n {
			return nil, fmt.Errorf("dataset %s: node classification needs %d labels, got %d", name, n, len(g.Labels))
		}
		d.Labels = append([]int(nil), g.Labels...)
		d.IdxVal, d.IdxTest, d.IdxTrain = splitNodes(n, opts)
		d.AdjTrainNorm = adjacency(n, edges, opts.NormalizeAdj)
	case LinkPrediction:
		if err := maskEdges(d, n, edges, opts); err != nil {
			return nil, fmt.Errorf("dataset %s: %w", name, err)
		}
		d.AdjTrainNorm = adjacency(n, d.TrainEdges, opts.NormalizeAdj)
	case Reconstruction:
		reconstructionEdges(d, n, edges, opts)
		d.AdjTrainNorm = adjacency(n, edges, opts.NormalizeAdj)
	}
	return d, nil
}

func (g *Graph) numNodes() int {
	n := g.NumNodes
	if len(g.Features) > n {
		n = len(g.Features)
	}
	if len(g.Labels) > n {
		n = len(g.Labels)
	}
	for _, e := range g.Edges {
		if e[0]+1 > n {
			n = e[0] + 1
		}
		if e[1]+1 > n {
			n = e[1] + 1
		}
	}
	return n
}

func buildFeatures(g *Graph, n int, opts SplitOptions) (*mat.Dense, error) {
	if !opts.UseFeats || len(g.Features) == 0 {
		eye := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			eye.Set(i, i, 1)
		}
		return eye, nil
	}
	if len(g.Features) != n {
		return nil, fmt.Errorf("expected %d feature rows, got %d", n, len(g.Features))
	}
	dim := len(g.Features[0])
	if dim == 0 {
		return nil, fmt.Errorf("feature rows are empty")
	}
	x := mat.NewDense(n, dim, nil)
	for i, row := range g.Features {
		if len(row) != dim {
			return nil, fmt.Errorf("feature row %d has %d columns, expected %d", i, len(row), dim)
		}
		x.SetRow(i, row)
	}
	if opts.NormalizeFeats {
		rowNormalize(x)
	}
	return x, nil
}
