// Package checkpoints persists the artifacts of a training run: embeddings,
// attention adjacency, configuration, optimizer state, model parameters and
// confusion matrices.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Kapil-Pathak/hgcn/optimizer"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// Artifact file names inside a save directory.
const (
	EmbeddingsFile = "embeddings.npy"
	ConfigFile     = "config.json"
	ModelFile      = "model.pth"
	OptimizerFile  = "optimizer.json"
	LogFile        = "log.txt"
	AttentionExt   = "_att_adj.p"
)

// confMatTimeLayout matches strftime("%Y%m%d-%H%M%S").
const confMatTimeLayout = "20060102-150405"

// Writer stores artifacts in one save directory. Every write replaces the
// previous file of the same name.
type Writer struct {
	dir string
}

// NewWriter creates dir if needed and returns a Writer for it.
func NewWriter(dir string) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("save directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create save directory: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Dir returns the save directory.
func (w *Writer) Dir() string {
	return w.dir
}

// SaveEmbeddings writes embeddings.npy.
func (w *Writer) SaveEmbeddings(emb *mat.Dense) error {
	return WriteNpy(filepath.Join(w.dir, EmbeddingsFile), emb)
}

// SaveAttention writes <dataset>_att_adj.p holding the dense attention
// adjacency in npy layout.
func (w *Writer) SaveAttention(datasetName string, att *mat.Dense) error {
	return WriteNpy(filepath.Join(w.dir, datasetName+AttentionExt), att)
}

// SaveConfig writes the flat run configuration as config.json.
func (w *Writer) SaveConfig(values map[string]any) error {
	return writeJSON(filepath.Join(w.dir, ConfigFile), values)
}

// SaveOptimizerState writes optimizer.json.
func (w *Writer) SaveOptimizerState(state *optimizer.State) error {
	return writeJSON(filepath.Join(w.dir, OptimizerFile), state)
}

// SaveModel writes model.pth.
func (w *Writer) SaveModel(params []*optimizer.Parameter, double bool) error {
	return SaveModel(filepath.Join(w.dir, ModelFile), params, double)
}

// LoadOptimizerState reads optimizer.json from dir.
func LoadOptimizerState(dir string) (*optimizer.State, error) {
	data, err := os.ReadFile(filepath.Join(dir, OptimizerFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read optimizer state: %w", err)
	}
	var st optimizer.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode optimizer state: %w", err)
	}
	return &st, nil
}

// SaveConfusionMatrix writes m to dir/<model>_<YYYYmmdd-HHMMSS>.npy, creating
// dir when absent, and returns the path.
func SaveConfusionMatrix(dir, model string, at time.Time, m *mat.Dense) (string, error) {
	if m == nil {
		return "", fmt.Errorf("confusion matrix is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create confusion matrix directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.npy", model, at.Format(confMatTimeLayout)))
	if err := WriteNpy(path, m); err != nil {
		return "", err
	}
	return path, nil
}

// ResolveSaveDir returns the first unused numbered directory under
// root/<task>/<YYYY_M_D>/ (0, 1, 2, ...). The directory is not created.
func ResolveSaveDir(root, task string, now time.Time) (string, error) {
	day := fmt.Sprintf("%d_%d_%d", now.Year(), int(now.Month()), now.Day())
	base := filepath.Join(root, task, day)
	entries, err := os.ReadDir(base)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to list %s: %w", base, err)
	}
	next := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil && n+1 > next {
			next = n + 1
		}
	}
	return filepath.Join(base, strconv.Itoa(next)), nil
}

// WriteNpy stores m at path in NumPy .npy format, replacing any existing file.
func WriteNpy(path string, m *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := npyio.Write(f, m); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// ReadNpy loads a 2-D float64 array written by WriteNpy.
func ReadNpy(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var m mat.Dense
	if err := npyio.Read(f, &m); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return &m, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
