package inference

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nvr-ai/go-detlab/config"
	"github.com/nvr-ai/go-detlab/dataset"
	"github.com/nvr-ai/go-detlab/detection"
	"github.com/nvr-ai/go-detlab/eval"
	"github.com/nvr-ai/go-detlab/prefetch"
)

// TestOptions carries process-level dependencies into Test.
type TestOptions struct {
	Log *slog.Logger
	// OutputPath receives the results file; the config output path when empty.
	OutputPath string
	// Detector overrides the ONNX detector loaded from TEST.model_path.
	Detector Detector
	// Observer receives prefetch events.
	Observer prefetch.Observer
}

// ResultsPath is the detection results file of imageSet under out.
func ResultsPath(out, imageSet string) string {
	return filepath.Join(out, fmt.Sprintf("detections_%s_results.json", strings.ReplaceAll(imageSet, "+", "_")))
}

// Test evaluates the detector of cfg on its test image set.
//
// Arguments:
//   - ctx: Cancels the evaluation.
//   - cfg: The experiment configuration.
//   - opts: Logger, output location and an optional detector.
//
// Returns:
//   - *eval.Result: Per-class AP and mAP.
//   - error: If data, the detector or evaluation fails.
func Test(ctx context.Context, cfg *config.Config, opts TestOptions) (*eval.Result, error) {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	out := opts.OutputPath
	if out == "" {
		out = cfg.OutputPath
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return nil, err
	}

	imageSet := cfg.Dataset.TestImageSet
	records, err := dataset.LoadImageSet(cfg, imageSet)
	if err != nil {
		return nil, err
	}
	log.Info("loaded test records", "imageSet", imageSet, "records", len(records))

	batchSize := cfg.Test.BatchImages
	det := opts.Detector
	if det == nil {
		det, err = NewONNXDetector(SessionConfig{
			ModelPath: cfg.Test.ModelPath,
			Batch:     batchSize,
			Height:    cfg.Network.InputHeight,
			Width:     cfg.Network.InputWidth,
			Anchors:   cfg.Network.NumAnchors,
			Classes:   cfg.Dataset.NumClasses,
		})
		if err != nil {
			return nil, err
		}
		log.Info("loaded detector", "model", cfg.Test.ModelPath)
	}
	defer det.Close()

	srcCfg := dataset.SourceConfigFor(cfg, batchSize)
	srcCfg.Logger = log
	src, err := dataset.NewImageSource(records, srcCfg)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	itOpts := []prefetch.Option{prefetch.WithLogger(log)}
	if opts.Observer != nil {
		itOpts = append(itOpts, prefetch.WithObserver(opts.Observer))
	}
	it, err := prefetch.New([]prefetch.Source{src}, itOpts...)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	filterCfg := detection.FilterConfig{
		NMS:            true,
		ClassSpecific:  !cfg.Test.ClassAgnostic,
		NMSThreshold:   cfg.Test.NMS,
		ScoreThreshold: cfg.Test.ScoreThresh,
		MaxDetections:  cfg.Test.MaxPerImage,
		Parallelism:    cfg.Default.Workers,
	}
	filter, err := detection.NewFilter(filterCfg)
	if err != nil {
		return nil, err
	}
	defer filter.Close()

	evaluator, err := eval.New(eval.Config{Classes: cfg.Classes(), SkipBackground: true, Use07Metric: cfg.Test.Use07Metric})
	if err != nil {
		return nil, err
	}

	runner := &Runner{
		Detector:       det,
		Iterator:       it,
		Record:         src.Record,
		Filter:         filter,
		Evaluator:      evaluator,
		SkipBackground: true,
		ResultsPath:    ResultsPath(out, imageSet),
		Log:            log,
	}
	return runner.Run(ctx)
}
