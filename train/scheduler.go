package train

import (
	"fmt"
	"math"
	"sync"
)

// MultiFactorScheduler multiplies the learning rate by a factor each time the
// update count passes one of its steps, with an optional constant warmup.
type MultiFactorScheduler struct {
	steps      []int
	factor     float64
	warmup     bool
	warmupLR   float64
	warmupStep int

	mu  sync.Mutex
	idx int
	lr  float64
}

// SchedulerOption configures a MultiFactorScheduler.
type SchedulerOption func(*MultiFactorScheduler)

// WithWarmup holds the learning rate at lr for the first steps updates.
func WithWarmup(lr float64, steps int) SchedulerOption {
	return func(s *MultiFactorScheduler) {
		s.warmup = true
		s.warmupLR = lr
		s.warmupStep = steps
	}
}

// NewMultiFactorScheduler creates a scheduler.
//
// Arguments:
//   - baseLR: The initial learning rate.
//   - steps: Strictly increasing update counts, each >= 1.
//   - factor: The decay factor, in (0, 1].
//   - opts: Optional warmup.
//
// Returns:
//   - *MultiFactorScheduler: The scheduler.
//   - error: If the steps or factor are invalid.
func NewMultiFactorScheduler(baseLR float64, steps []int, factor float64, opts ...SchedulerOption) (*MultiFactorScheduler, error) {
	for i, s := range steps {
		if s < 1 {
			return nil, fmt.Errorf("schedule step %d must be >= 1", s)
		}
		if i > 0 && s <= steps[i-1] {
			return nil, fmt.Errorf("schedule steps %v must be increasing", steps)
		}
	}
	if factor <= 0 || factor > 1 {
		return nil, fmt.Errorf("factor %v must be in (0, 1]", factor)
	}
	s := &MultiFactorScheduler{steps: append([]int(nil), steps...), factor: factor, lr: baseLR}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SchedulerForEpochs converts decay epochs into update steps for a run that
// starts at beginEpoch. Decays already behind beginEpoch are folded into the
// base rate.
//
// Arguments:
//   - baseLR: The learning rate at epoch 0.
//   - factor: The decay factor.
//   - lrEpochs: Epochs at which the rate decays, possibly fractional.
//   - beginEpoch: The first epoch of this run.
//   - epochSize: Updates per epoch.
//   - opts: Optional warmup.
func SchedulerForEpochs(baseLR, factor float64, lrEpochs []float64, beginEpoch, epochSize int, opts ...SchedulerOption) (*MultiFactorScheduler, error) {
	var steps []int
	passed := 0
	for _, e := range lrEpochs {
		if e <= float64(beginEpoch) {
			passed++
			continue
		}
		if s := int((e - float64(beginEpoch)) * float64(epochSize)); s >= 1 {
			steps = append(steps, s)
		}
	}
	return NewMultiFactorScheduler(baseLR*math.Pow(factor, float64(passed)), steps, factor, opts...)
}

// LR returns the learning rate for the given update count. Counts must not
// decrease between calls.
func (s *MultiFactorScheduler) LR(numUpdate int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.warmup && numUpdate < s.warmupStep {
		return s.warmupLR
	}
	for s.idx < len(s.steps) && numUpdate > s.steps[s.idx] {
		s.idx++
		s.lr *= s.factor
	}
	return s.lr
}
