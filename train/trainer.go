package train

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/nvr-ai/go-detlab/metrics"
	"github.com/nvr-ai/go-detlab/prefetch"
	"github.com/nvr-ai/go-detlab/profiler"
)

// BatchIterator is the part of prefetch.Iterator the trainer drives.
type BatchIterator interface {
	Next(ctx context.Context) (*prefetch.Batch, error)
	Reset(ctx context.Context) error
}

// Trainer runs epochs of a Module over a BatchIterator.
type Trainer struct {
	Module      Module
	Iterator    BatchIterator
	Scheduler   *MultiFactorScheduler
	Speedometer *Speedometer
	// Profiler is optional and records batch timings and loss.
	Profiler *profiler.RuntimeProfiler
	Log      *slog.Logger
	Clock    clockwork.Clock

	// Prefix is the checkpoint path prefix.
	Prefix     string
	BeginEpoch int
	EndEpoch   int
}

// Fit trains epochs [BeginEpoch, EndEpoch). Every epoch starts from a reset
// iterator, runs until end of sequence and saves CheckpointPath(Prefix,
// epoch+1).
func (t *Trainer) Fit(ctx context.Context) error {
	if t.Module == nil || t.Iterator == nil || t.Scheduler == nil {
		return errors.New("trainer needs a module, an iterator and a scheduler")
	}
	log := t.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	clock := t.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	numUpdate := 0
	for epoch := t.BeginEpoch; epoch < t.EndEpoch; epoch++ {
		metrics.TrainEpoch.Set(float64(epoch))
		tic := clock.Now()

		if err := t.Iterator.Reset(ctx); err != nil {
			return err
		}

		var lossSum float64
		nbatch := 0
		for ; ; nbatch++ {
			batch, err := t.Iterator.Next(ctx)
			if errors.Is(err, prefetch.ErrEndOfSequence) {
				break
			}
			if err != nil {
				return err
			}

			numUpdate++
			lr := t.Scheduler.LR(numUpdate)
			t.Module.SetLearningRate(lr)
			metrics.TrainLearningRate.Set(lr)

			var done func()
			if t.Profiler != nil {
				done = t.Profiler.StartOperation("batch")
			}
			if err := t.Module.ForwardBackward(batch); err != nil {
				return err
			}
			if err := t.Module.Update(); err != nil {
				return err
			}
			if done != nil {
				done()
			}

			outputs := t.Module.Outputs()
			lossSum += outputs["loss"]
			if t.Profiler != nil {
				t.Profiler.RecordMetric("loss", outputs["loss"])
			}
			metrics.TrainBatches.Inc()
			if t.Speedometer != nil {
				t.Speedometer.Observe(epoch, nbatch, outputs)
			}
		}

		if nbatch > 0 {
			log.Info("epoch finished", "epoch", epoch, "batches", nbatch, "train-loss", lossSum/float64(nbatch))
		}
		log.Info("epoch time cost", "epoch", epoch, "seconds", clock.Since(tic).Seconds())

		if t.Prefix != "" {
			path := CheckpointPath(t.Prefix, epoch+1)
			if err := t.Module.Save(path); err != nil {
				return err
			}
			log.Info("saved checkpoint", "path", path)
		}
	}
	return nil
}
