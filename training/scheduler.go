package training

import (
	"fmt"
	"math"

	"github.com/Kapil-Pathak/hgcn/optimizer"
)

// Schedule maps an epoch and the initial learning rate to the rate for that
// epoch. It holds no state; EpochScheduler does the stepping.
type Schedule interface {
	Rate(epoch int, initial float64) float64
	Name() string
}

// StepDecay multiplies the rate by Gamma every Period epochs.
type StepDecay struct {
	Period int
	Gamma  float64
}

func (s StepDecay) Rate(epoch int, initial float64) float64 {
	return initial * math.Pow(s.Gamma, float64(epoch/s.Period))
}

func (StepDecay) Name() string { return "StepLR" }

// ExponentialDecay multiplies the rate by Gamma every epoch.
type ExponentialDecay struct {
	Gamma float64
}

func (s ExponentialDecay) Rate(epoch int, initial float64) float64 {
	return initial * math.Pow(s.Gamma, float64(epoch))
}

func (ExponentialDecay) Name() string { return "ExponentialLR" }

// CosineDecay anneals from the initial rate to Floor over Horizon epochs and
// stays at Floor afterwards.
type CosineDecay struct {
	Horizon int
	Floor   float64
}

func (s CosineDecay) Rate(epoch int, initial float64) float64 {
	if epoch >= s.Horizon {
		return s.Floor
	}
	progress := float64(epoch) / float64(s.Horizon)
	return s.Floor + (initial-s.Floor)*(1+math.Cos(math.Pi*progress))/2
}

func (CosineDecay) Name() string { return "CosineAnnealingLR" }

// ConstantRate never changes the rate.
type ConstantRate struct{}

func (ConstantRate) Rate(_ int, initial float64) float64 { return initial }

func (ConstantRate) Name() string { return "ConstantLR" }

// NewSchedule builds a schedule from its configuration name. period is the
// decay period for "step", epochs the annealing horizon for "cosine".
func NewSchedule(name string, period int, gamma float64, epochs int) (Schedule, error) {
	switch name {
	case "step":
		if period <= 0 {
			return nil, fmt.Errorf("step schedule needs a positive period, got %d", period)
		}
		return StepDecay{Period: period, Gamma: gamma}, nil
	case "exponential":
		return ExponentialDecay{Gamma: gamma}, nil
	case "cosine":
		if epochs <= 0 {
			return nil, fmt.Errorf("cosine schedule needs a positive horizon, got %d", epochs)
		}
		return CosineDecay{Horizon: epochs}, nil
	case "constant", "":
		return ConstantRate{}, nil
	default:
		return nil, fmt.Errorf("unknown lr scheduler %q", name)
	}
}

// Scheduler is the stateful learning rate scheduler driven by the loop.
type Scheduler interface {
	Step()
	LR() float64
}

// EpochScheduler binds a schedule to an optimizer: every Step advances the
// epoch counter and pushes the new learning rate into the optimizer.
type EpochScheduler struct {
	opt      optimizer.Optimizer
	schedule Schedule
	initial  float64
	epoch    int
}

// NewEpochScheduler captures the optimizer's current learning rate as the
// initial rate.
func NewEpochScheduler(opt optimizer.Optimizer, schedule Schedule) *EpochScheduler {
	return &EpochScheduler{opt: opt, schedule: schedule, initial: opt.LR()}
}

func (s *EpochScheduler) Step() {
	s.epoch++
	s.opt.SetLR(s.schedule.Rate(s.epoch, s.initial))
}

func (s *EpochScheduler) LR() float64 { return s.opt.LR() }

func (s *EpochScheduler) Epoch() int { return s.epoch }

func (s *EpochScheduler) Name() string { return s.schedule.Name() }
