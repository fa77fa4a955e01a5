// Package hyperopt runs random hyperparameter searches over training runs.
//
// Every trial gets its own immutable config.Config derived from a base
// configuration, so trials can run in parallel without sharing state.
package hyperopt

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/Kapil-Pathak/hgcn/config"
	"gopkg.in/yaml.v3"
)

// Distribution samples one parameter value.
type Distribution interface {
	Sample(rng *rand.Rand) any
	String() string
}

// Range samples uniformly from [Min, Max]. With Step > 0 the value is
// snapped to Min + k*Step.
type Range struct {
	Min, Max, Step float64
}

func (r Range) Sample(rng *rand.Rand) any {
	if r.Step > 0 {
		n := int(math.Floor((r.Max-r.Min)/r.Step+1e-9)) + 1
		v := r.Min + float64(rng.Intn(n))*r.Step
		// drop float noise such as 0.30000000000000004
		return math.Round(v*1e9) / 1e9
	}
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

func (r Range) String() string {
	if r.Step > 0 {
		return fmt.Sprintf("range(%g, %g, step=%g)", r.Min, r.Max, r.Step)
	}
	return fmt.Sprintf("range(%g, %g)", r.Min, r.Max)
}

// LogRange samples log-uniformly from [Min, Max]. Both bounds must be
// positive.
type LogRange struct {
	Min, Max float64
}

func (r LogRange) Sample(rng *rand.Rand) any {
	lo, hi := math.Log(r.Min), math.Log(r.Max)
	return math.Exp(lo + rng.Float64()*(hi-lo))
}

func (r LogRange) String() string {
	return fmt.Sprintf("logrange(%g, %g)", r.Min, r.Max)
}

// IntRange samples an integer from [Min, Max].
type IntRange struct {
	Min, Max int
}

func (r IntRange) Sample(rng *rand.Rand) any {
	return r.Min + rng.Intn(r.Max-r.Min+1)
}

func (r IntRange) String() string {
	return fmt.Sprintf("int(%d, %d)", r.Min, r.Max)
}

// List picks one of Values uniformly.
type List struct {
	Values []any
}

func (l List) Sample(rng *rand.Rand) any {
	return l.Values[rng.Intn(len(l.Values))]
}

func (l List) String() string {
	parts := make([]string, len(l.Values))
	for i, v := range l.Values {
		parts[i] = fmt.Sprint(v)
	}
	return "choice(" + strings.Join(parts, ", ") + ")"
}

// Value always returns V.
type Value struct {
	V any
}

func (v Value) Sample(*rand.Rand) any { return v.V }
func (v Value) String() string        { return fmt.Sprint(v.V) }

// Space maps configuration keys (the yaml names of config.Config) to
// distributions.
type Space map[string]Distribution

// DefaultSpace searches hidden size, dropout, learning rate and weight
// decay.
func DefaultSpace() Space {
	return Space{
		"dim":          IntRange{Min: 128, Max: 1024},
		"dropout":      Range{Min: 0.1, Max: 0.7, Step: 0.1},
		"lr":           LogRange{Min: 1e-6, Max: 1e-3},
		"weight_decay": LogRange{Min: 1e-6, Max: 1e-3},
	}
}

// Validate checks every distribution can be sampled.
func (s Space) Validate() error {
	for _, key := range s.Keys() {
		switch d := s[key].(type) {
		case Range:
			if d.Max < d.Min || d.Step < 0 {
				return fmt.Errorf("%s: invalid %s", key, d)
			}
		case LogRange:
			if d.Min <= 0 || d.Max < d.Min {
				return fmt.Errorf("%s: invalid %s", key, d)
			}
		case IntRange:
			if d.Max < d.Min {
				return fmt.Errorf("%s: invalid %s", key, d)
			}
		case List:
			if len(d.Values) == 0 {
				return fmt.Errorf("%s: empty choice", key)
			}
		case nil:
			return fmt.Errorf("%s: missing distribution", key)
		}
	}
	return nil
}

// Keys returns the parameter names in sorted order.
func (s Space) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sample draws one value per key, in key order so a seeded rng reproduces
// the same parameters.
func (s Space) Sample(rng *rand.Rand) map[string]any {
	out := make(map[string]any, len(s))
	for _, k := range s.Keys() {
		out[k] = s[k].Sample(rng)
	}
	return out
}

// Apply returns a copy of base with params overriding the keys of the same
// yaml name. Unknown keys and mistyped values are rejected.
func Apply(base config.Config, params map[string]any) (config.Config, error) {
	raw, err := yaml.Marshal(base)
	if err != nil {
		return base, fmt.Errorf("encode base config: %w", err)
	}
	fields := make(map[string]any)
	if err := yaml.Unmarshal(raw, &fields); err != nil {
		return base, fmt.Errorf("decode base config: %w", err)
	}
	for k, v := range params {
		if _, ok := fields[k]; !ok {
			return base, fmt.Errorf("unknown config key %q", k)
		}
		fields[k] = v
	}
	raw, err = yaml.Marshal(fields)
	if err != nil {
		return base, fmt.Errorf("encode trial config: %w", err)
	}

	var cfg config.Config
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return base, fmt.Errorf("decode trial config: %w", err)
	}
	return cfg, nil
}
