package training

import (
	"fmt"
	"strings"
)

// Metric is one named scalar of a snapshot.
type Metric struct {
	Name  string
	Value float64
}

// Metrics is an immutable snapshot produced by one evaluation call: ordered
// scalar metrics plus a confusion matrix. The zero value is an empty
// snapshot.
type Metrics struct {
	names   []string
	values  map[string]float64
	confMat *ConfusionMatrix
}

// NewMetrics builds a snapshot. Later duplicates of a name overwrite earlier
// values but keep the first position.
func NewMetrics(cm *ConfusionMatrix, metrics ...Metric) Metrics {
	m := Metrics{values: make(map[string]float64, len(metrics)), confMat: cm}
	for _, mt := range metrics {
		if _, ok := m.values[mt.Name]; !ok {
			m.names = append(m.names, mt.Name)
		}
		m.values[mt.Name] = mt.Value
	}
	if m.confMat == nil {
		m.confMat = &ConfusionMatrix{}
	}
	return m
}

// Get returns a scalar and whether it is present.
func (m Metrics) Get(name string) (float64, bool) {
	v, ok := m.values[name]
	return v, ok
}

// Value returns a scalar, or 0 when absent.
func (m Metrics) Value(name string) float64 {
	return m.values[name]
}

// Names returns the scalar names in insertion order.
func (m Metrics) Names() []string {
	return append([]string(nil), m.names...)
}

// Scalars returns a copy of the scalar metrics.
func (m Metrics) Scalars() map[string]float64 {
	out := make(map[string]float64, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// ConfMat returns the confusion matrix. It is never nil for snapshots built
// with NewMetrics, but may have zero classes.
func (m Metrics) ConfMat() *ConfusionMatrix {
	if m.confMat == nil {
		return &ConfusionMatrix{}
	}
	return m.confMat
}

// IsZero reports whether the snapshot carries no scalars.
func (m Metrics) IsZero() bool {
	return len(m.names) == 0
}

// FormatMetrics renders the scalar metrics as "<split>_<name>: %.4f" joined
// by spaces. The confusion matrix is never part of the line.
func FormatMetrics(m Metrics, split string) string {
	parts := make([]string, 0, len(m.names))
	for _, name := range m.names {
		parts = append(parts, fmt.Sprintf("%s_%s: %.4f", split, name, m.values[name]))
	}
	return strings.Join(parts, " ")
}
