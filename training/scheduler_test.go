package training

import (
	"math"
	"testing"

	"github.com/Kapil-Pathak/hgcn/optimizer"
	"gonum.org/v1/gonum/mat"
)

func TestStepDecay(t *testing.T) {
	s := StepDecay{Period: 2, Gamma: 0.1}
	cases := map[int]float64{0: 0.1, 1: 0.1, 2: 0.01, 3: 0.01, 4: 0.001, 6: 0.0001}
	for epoch, want := range cases {
		if got := s.Rate(epoch, 0.1); math.Abs(got-want) > 1e-12 {
			t.Errorf("epoch %d: expected rate %g, got %g", epoch, want, got)
		}
	}
}

func TestStepDecayGammaOne(t *testing.T) {
	if got := (StepDecay{Period: 1, Gamma: 1}).Rate(50, 0.01); got != 0.01 {
		t.Errorf("gamma 1 should keep the rate, got %g", got)
	}
}

func TestExponentialDecay(t *testing.T) {
	s := ExponentialDecay{Gamma: 0.9}
	for epoch, want := range []float64{0.1, 0.09, 0.081} {
		if got := s.Rate(epoch, 0.1); math.Abs(got-want) > 1e-12 {
			t.Errorf("epoch %d: expected rate %g, got %g", epoch, want, got)
		}
	}
}

func TestCosineDecay(t *testing.T) {
	s := CosineDecay{Horizon: 10, Floor: 0.001}
	if got := s.Rate(0, 0.1); math.Abs(got-0.1) > 1e-12 {
		t.Errorf("epoch 0: expected 0.1, got %g", got)
	}
	mid := 0.001 + (0.1-0.001)/2
	if got := s.Rate(5, 0.1); math.Abs(got-mid) > 1e-12 {
		t.Errorf("epoch 5: expected %g, got %g", mid, got)
	}
	if got := s.Rate(12, 0.1); got != 0.001 {
		t.Errorf("past the horizon: expected the floor, got %g", got)
	}
}

func TestNewSchedule(t *testing.T) {
	tests := []struct {
		name     string
		period   int
		wantName string
		wantErr  bool
	}{
		{"step", 5, "StepLR", false},
		{"step", 0, "", true},
		{"exponential", 5, "ExponentialLR", false},
		{"cosine", 5, "CosineAnnealingLR", false},
		{"constant", 5, "ConstantLR", false},
		{"", 5, "ConstantLR", false},
		{"plateau", 5, "", true},
	}

	for _, tt := range tests {
		s, err := NewSchedule(tt.name, tt.period, 0.5, 100)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q period %d: expected error", tt.name, tt.period)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.name, err)
			continue
		}
		if s.Name() != tt.wantName {
			t.Errorf("%q: expected %s, got %s", tt.name, tt.wantName, s.Name())
		}
	}
}

func TestEpochSchedulerDrivesOptimizer(t *testing.T) {
	p := optimizer.NewParameter("w", mat.NewDense(1, 1, []float64{1}))
	cfg := optimizer.DefaultConfig("SGD")
	cfg.LearningRate = 0.1
	opt, err := optimizer.New("SGD", []*optimizer.Parameter{p}, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	sched := NewEpochScheduler(opt, StepDecay{Period: 2, Gamma: 0.5})
	for i, want := range []float64{0.1, 0.05, 0.05, 0.025} {
		sched.Step()
		if math.Abs(sched.LR()-want) > 1e-12 {
			t.Errorf("step %d: expected rate %g, got %g", i+1, want, sched.LR())
		}
		if opt.LR() != sched.LR() {
			t.Errorf("step %d: optimizer rate %g out of sync with scheduler %g", i+1, opt.LR(), sched.LR())
		}
	}
	if sched.Epoch() != 4 {
		t.Errorf("expected epoch 4, got %d", sched.Epoch())
	}
	if sched.Name() != "StepLR" {
		t.Errorf("expected StepLR, got %s", sched.Name())
	}
}
