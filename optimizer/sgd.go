package optimizer

// SGD implements stochastic gradient descent with optional momentum,
// dampening and Nesterov acceleration.
type SGD struct {
	base
	momentum  float64
	dampening float64
	nesterov  bool
}

// NewSGD creates an SGD optimizer.
func NewSGD(params []*Parameter, cfg Config) *SGD {
	return &SGD{
		base:      newBase("SGD", params, cfg.LearningRate, cfg.WeightDecay),
		momentum:  cfg.Momentum,
		dampening: cfg.Dampening,
		nesterov:  cfg.Nesterov,
	}
}

// Step performs a single optimization step.
func (s *SGD) Step() error {
	first := s.step == 0
	for i, p := range s.params {
		g := s.gradient(i)
		w := p.Value.RawMatrix().Data

		if s.momentum == 0 {
			for k := range w {
				w[k] -= s.lr * g[k]
			}
			continue
		}

		buf := s.slot("momentum_buffer", i)
		for k := range w {
			if first {
				buf[k] = g[k]
			} else {
				buf[k] = s.momentum*buf[k] + (1-s.dampening)*g[k]
			}
			d := buf[k]
			if s.nesterov {
				d = g[k] + s.momentum*buf[k]
			}
			w[k] -= s.lr * d
		}
	}
	s.step++
	return nil
}

func (s *SGD) State() *State {
	return s.exportState(map[string]float64{
		"momentum":  s.momentum,
		"dampening": s.dampening,
		"nesterov":  boolParam(s.nesterov),
	})
}

func (s *SGD) LoadState(state *State) error {
	if err := s.importState(state); err != nil {
		return err
	}
	s.momentum = extractParam(state.Parameters, "momentum", s.momentum)
	s.dampening = extractParam(state.Parameters, "dampening", s.dampening)
	s.nesterov = extractBoolParam(state.Parameters, "nesterov", s.nesterov)
	return nil
}
