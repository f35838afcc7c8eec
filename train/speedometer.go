package train

import (
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nvr-ai/go-detlab/metrics"
)

// Speedometer logs throughput and outputs every frequent batches.
type Speedometer struct {
	log       *slog.Logger
	clock     clockwork.Clock
	batchSize int
	frequent  int

	init      bool
	tic       time.Time
	lastCount int
}

// NewSpeedometer creates a Speedometer. A nil clock uses the real clock.
func NewSpeedometer(log *slog.Logger, clock clockwork.Clock, batchSize, frequent int) *Speedometer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if frequent <= 0 {
		frequent = 1
	}
	return &Speedometer{log: log, clock: clock, batchSize: batchSize, frequent: frequent}
}

// Observe is called after every batch with the 0-based batch number of the
// epoch. It returns the measured speed in samples per second when it logs.
func (s *Speedometer) Observe(epoch, nbatch int, outputs map[string]float64) (float64, bool) {
	if s.lastCount > nbatch {
		s.init = false
	}
	s.lastCount = nbatch

	if !s.init {
		s.init = true
		s.tic = s.clock.Now()
		return 0, false
	}
	if nbatch%s.frequent != 0 {
		return 0, false
	}

	elapsed := s.clock.Since(s.tic).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(s.frequent*s.batchSize) / elapsed
	}
	s.tic = s.clock.Now()

	attrs := []any{"epoch", epoch, "batch", nbatch, "samplesPerSec", speed}
	names := make([]string, 0, len(outputs))
	for k := range outputs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		attrs = append(attrs, "train-"+k, outputs[k])
	}
	s.log.Info("training progress", attrs...)

	metrics.TrainSamplesPerSecond.Set(speed)
	if loss, ok := outputs["loss"]; ok {
		metrics.TrainLoss.Set(loss)
	}
	return speed, true
}
