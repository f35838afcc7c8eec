package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/nvr-ai/go-detlab/config"
	"github.com/nvr-ai/go-detlab/dataset"
	"github.com/nvr-ai/go-detlab/prefetch"
	"github.com/nvr-ai/go-detlab/profiler"
)

// ErrEnd2End is returned when an end-to-end config is given to Run.
var ErrEnd2End = errors.New("TRAIN.END2END must be false for this training routine")

// RunOptions carries process-level dependencies into Run.
type RunOptions struct {
	Log *slog.Logger
	// OutputPath is where checkpoints go; the config output path when empty.
	OutputPath string
	// Observer receives prefetch events, typically metrics.PrefetchObserver.
	Observer prefetch.Observer
	Clock    clockwork.Clock
	// Profile logs runtime profiles while training.
	Profile bool
	// Module overrides the default LinearModule.
	Module Module
}

// slotCollector reports how many prefetch slots hold a batch. A consumer that
// keeps finding no ready slot is data bound.
type slotCollector struct {
	it *prefetch.Iterator
}

func (c slotCollector) CollectMetrics() map[string]float64 {
	ready := 0
	for _, s := range c.it.Slots() {
		if s == prefetch.SlotReady {
			ready++
		}
	}
	return map[string]float64{"prefetch_ready_slots": float64(ready)}
}

// Retry builds the fetch retry policy of cfg, or nil for none.
func Retry(cfg *config.Config) func() backoff.BackOff {
	n := cfg.Train.FetchRetries
	if n == 0 {
		return nil
	}
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), n)
	}
}

// Run trains the model described by cfg.
//
// Arguments:
//   - ctx: Cancels training.
//   - cfg: The experiment configuration.
//   - opts: Logger, output location and optional hooks.
//
// Returns:
//   - error: If data, model or checkpoint handling fails.
func Run(ctx context.Context, cfg *config.Config, opts RunOptions) error {
	if cfg.Train.End2End {
		return ErrEnd2End
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	out := opts.OutputPath
	if out == "" {
		out = cfg.OutputPath
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}

	records, err := dataset.LoadImageSet(cfg, cfg.Dataset.ImageSet)
	if err != nil {
		return err
	}
	if cfg.Train.Flip {
		records = dataset.AppendFlipped(records)
	}
	log.Info("loaded training records", "imageSet", cfg.Dataset.ImageSet, "records", len(records), "flip", cfg.Train.Flip)

	srcCfg := dataset.SourceConfigFor(cfg, cfg.Train.BatchImages)
	srcCfg.Shuffle = cfg.Train.Shuffle
	srcCfg.Seed = uint64(cfg.Train.Seed)
	srcCfg.Logger = log
	src, err := dataset.NewImageSource(records, srcCfg)
	if err != nil {
		return err
	}
	defer src.Close()

	itOpts := []prefetch.Option{
		prefetch.WithSlots(cfg.Train.PrefetchSlots),
		prefetch.WithLogger(log),
	}
	if opts.Observer != nil {
		itOpts = append(itOpts, prefetch.WithObserver(opts.Observer))
	}
	if retry := Retry(cfg); retry != nil {
		itOpts = append(itOpts, prefetch.WithRetry(retry))
	}
	it, err := prefetch.New([]prefetch.Source{src}, itOpts...)
	if err != nil {
		return err
	}
	defer it.Close()

	mod := opts.Module
	if mod == nil {
		mod = NewLinearModule(cfg.Train.LR)
	}
	if err := mod.Bind(it.ProvideData(), it.ProvideLabel()); err != nil {
		return err
	}
	log.Info("bound module", "data", fmt.Sprint(it.ProvideData()), "label", fmt.Sprint(it.ProvideLabel()))

	prefix := filepath.Join(out, cfg.Train.ModelPrefix)
	switch {
	case cfg.Train.Resume:
		path := CheckpointPath(prefix, cfg.Train.BeginEpoch)
		if err := mod.Load(path); err != nil {
			return err
		}
		log.Info("resumed from checkpoint", "path", path)
	case cfg.Network.Pretrained != "":
		path := CheckpointPath(cfg.Network.Pretrained, cfg.Network.PretrainedEpoch)
		if err := mod.Load(path); err != nil {
			return err
		}
		log.Info("loaded pretrained parameters", "path", path)
	}

	lrEpochs, err := cfg.LRSteps()
	if err != nil {
		return err
	}
	epochSize := (len(records) + cfg.Train.BatchImages - 1) / cfg.Train.BatchImages
	var schedOpts []SchedulerOption
	if cfg.Train.Warmup {
		schedOpts = append(schedOpts, WithWarmup(cfg.Train.WarmupLR, cfg.Train.WarmupStep))
	}
	sched, err := SchedulerForEpochs(cfg.Train.LR, cfg.Train.LRFactor, lrEpochs, cfg.Train.BeginEpoch, epochSize, schedOpts...)
	if err != nil {
		return err
	}

	var prof *profiler.RuntimeProfiler
	if opts.Profile {
		prof = profiler.NewRuntimeProfiler(profiler.ProfilingOptions{Logger: log.With("component", "profiler"), Clock: opts.Clock})
		prof.AddMetricsCollector(slotCollector{it})
		prof.Start()
		defer prof.Stop()
	}

	trainer := &Trainer{
		Module:      mod,
		Iterator:    it,
		Scheduler:   sched,
		Speedometer: NewSpeedometer(log, opts.Clock, cfg.Train.BatchImages, cfg.Default.Frequent),
		Profiler:    prof,
		Log:         log,
		Clock:       opts.Clock,
		Prefix:      prefix,
		BeginEpoch:  cfg.Train.BeginEpoch,
		EndEpoch:    cfg.Train.EndEpoch,
	}
	return trainer.Fit(ctx)
}
