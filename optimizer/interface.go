package optimizer

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Parameter is a trainable matrix together with its accumulated gradient.
// Value and Grad are always allocated with mat.NewDense so their backing
// slices are contiguous.
type Parameter struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParameter wraps value with a zeroed gradient of the same shape.
func NewParameter(name string, value *mat.Dense) *Parameter {
	r, c := value.Dims()
	return &Parameter{Name: name, Value: value, Grad: mat.NewDense(r, c, nil)}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// Size returns the number of scalar entries.
func (p *Parameter) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// Optimizer defines the common interface for all optimizers.
// State and LoadState let a run snapshot and restore the moment buffers.
type Optimizer interface {
	// Step applies one update to every parameter from its current gradient.
	Step() error

	// ZeroGrad resets the gradients of all parameters.
	ZeroGrad()

	// LR returns the current learning rate.
	LR() float64

	// SetLR updates the learning rate; schedulers call this once per epoch.
	SetLR(lr float64)

	// State extracts the optimizer state for checkpointing.
	State() *State

	// LoadState restores a state produced by State on an optimizer of the
	// same type over parameters of the same shapes.
	LoadState(state *State) error

	// StepCount returns the number of completed steps.
	StepCount() uint64

	// Name returns the optimizer type, e.g. "Adam".
	Name() string
}

// State represents the complete state of an optimizer.
type State struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	StepCount  uint64             `json:"step_count"`
	Buffers    []Buffer           `json:"buffers"`
}

// Buffer is one per-parameter state tensor, e.g. "exp_avg_0".
type Buffer struct {
	Name      string    `json:"name"`
	Rows      int       `json:"rows"`
	Cols      int       `json:"cols"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"`
}

// Config holds the hyperparameters shared by every optimizer. Fields an
// optimizer does not use are ignored.
type Config struct {
	LearningRate float64
	Momentum     float64
	Dampening    float64
	Nesterov     bool
	WeightDecay  float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	Alpha        float64 // RMSProp smoothing constant
	Rho          float64 // AdaDelta decay
	LRDecay      float64 // Adagrad
}

// DefaultConfig returns the usual defaults for the named optimizer.
func DefaultConfig(name string) Config {
	cfg := Config{
		LearningRate: 1e-3,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		Alpha:        0.99,
		Rho:          0.9,
	}
	switch name {
	case "SGD":
		cfg.LearningRate = 0.01
	case "RMSProp":
		cfg.LearningRate = 0.01
	case "Adagrad":
		cfg.LearningRate = 0.01
		cfg.Epsilon = 1e-10
	case "NAdam":
		cfg.LearningRate = 2e-3
	case "AdaDelta":
		cfg.LearningRate = 1.0
		cfg.Epsilon = 1e-6
	}
	return cfg
}

// New builds the named optimizer over params.
func New(name string, params []*Parameter, cfg Config) (Optimizer, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters to optimize")
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", cfg.LearningRate)
	}
	if cfg.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay must be non-negative, got %f", cfg.WeightDecay)
	}
	switch name {
	case "SGD":
		return NewSGD(params, cfg), nil
	case "Adam":
		return NewAdam(params, cfg)
	case "RMSProp":
		return NewRMSProp(params, cfg)
	case "Adagrad":
		return NewAdagrad(params, cfg), nil
	case "NAdam":
		return NewNAdam(params, cfg)
	case "AdaDelta":
		return NewAdaDelta(params, cfg)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// base carries the bookkeeping shared by all optimizers: the parameter list,
// the learning rate, the step counter and named per-parameter buffers.
type base struct {
	name        string
	params      []*Parameter
	lr          float64
	weightDecay float64
	step        uint64
	slots       map[string][][]float64
}

func newBase(name string, params []*Parameter, lr, weightDecay float64) base {
	return base{
		name:        name,
		params:      params,
		lr:          lr,
		weightDecay: weightDecay,
		slots:       make(map[string][][]float64),
	}
}

func (b *base) Name() string      { return b.name }
func (b *base) LR() float64       { return b.lr }
func (b *base) SetLR(lr float64)  { b.lr = lr }
func (b *base) StepCount() uint64 { return b.step }

func (b *base) ZeroGrad() {
	for _, p := range b.params {
		p.ZeroGrad()
	}
}

// slot returns the zero-initialised buffer stateType for parameter i.
func (b *base) slot(stateType string, i int) []float64 {
	bufs, ok := b.slots[stateType]
	if !ok {
		bufs = make([][]float64, len(b.params))
		b.slots[stateType] = bufs
	}
	if bufs[i] == nil {
		bufs[i] = make([]float64, b.params[i].Size())
	}
	return bufs[i]
}

// gradient returns the gradient with L2 weight decay folded in. The
// parameter's own gradient is left untouched.
func (b *base) gradient(i int) []float64 {
	p := b.params[i]
	g := p.Grad.RawMatrix().Data
	if b.weightDecay == 0 {
		return g
	}
	w := p.Value.RawMatrix().Data
	out := make([]float64, len(g))
	for k := range g {
		out[k] = g[k] + b.weightDecay*w[k]
	}
	return out
}

func (b *base) exportState(hyper map[string]float64) *State {
	params := map[string]float64{"lr": b.lr, "weight_decay": b.weightDecay}
	for k, v := range hyper {
		params[k] = v
	}
	st := &State{Type: b.name, Parameters: params, StepCount: b.step}

	types := make([]string, 0, len(b.slots))
	for t := range b.slots {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		for i, buf := range b.slots[t] {
			if buf == nil {
				continue
			}
			r, c := b.params[i].Value.Dims()
			st.Buffers = append(st.Buffers, Buffer{
				Name:      fmt.Sprintf("%s_%d", t, i),
				Rows:      r,
				Cols:      c,
				Data:      append([]float64(nil), buf...),
				StateType: t,
			})
		}
	}
	return st
}

func (b *base) importState(state *State) error {
	if err := validateStateType(b.name, state); err != nil {
		return err
	}
	slots := make(map[string][][]float64)
	for _, buf := range state.Buffers {
		idx := extractBufferIndex(buf.Name)
		if idx < 0 || idx >= len(b.params) {
			return fmt.Errorf("buffer %s does not match any of %d parameters", buf.Name, len(b.params))
		}
		if len(buf.Data) != b.params[idx].Size() {
			return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				buf.Name, b.params[idx].Size(), len(buf.Data))
		}
		if _, ok := slots[buf.StateType]; !ok {
			slots[buf.StateType] = make([][]float64, len(b.params))
		}
		slots[buf.StateType][idx] = append([]float64(nil), buf.Data...)
	}
	b.slots = slots
	b.step = state.StepCount
	b.lr = extractParam(state.Parameters, "lr", b.lr)
	b.weightDecay = extractParam(state.Parameters, "weight_decay", b.weightDecay)
	return nil
}

// extractBufferIndex extracts the parameter index from state buffer names
// like "exp_avg_0" or "square_avg_12".
func extractBufferIndex(name string) int {
	var idx int
	last := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			last = i
			break
		}
	}
	if last == -1 {
		return -1
	}
	if n, err := fmt.Sscanf(name[last+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer.
func validateStateType(optimizerType string, state *State) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
