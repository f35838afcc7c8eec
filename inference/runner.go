package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-detlab/dataset"
	"github.com/nvr-ai/go-detlab/detection"
	"github.com/nvr-ai/go-detlab/eval"
	"github.com/nvr-ai/go-detlab/metrics"
	"github.com/nvr-ai/go-detlab/prefetch"
)

// BatchIterator is the part of prefetch.Iterator the runner drives.
type BatchIterator interface {
	Next(ctx context.Context) (*prefetch.Batch, error)
	ProvideLabel() []prefetch.DataDesc
}

// CocoResult is one detection in the COCO results format.
type CocoResult struct {
	ImageID    string     `json:"image_id"`
	CategoryID int        `json:"category_id"`
	BBox       [4]float64 `json:"bbox"`
	Score      float32    `json:"score"`
}

// Runner evaluates a Detector over every batch of an iterator.
type Runner struct {
	Detector Detector
	Iterator BatchIterator
	// Record resolves a Batch.Index entry to its record.
	Record    func(i int) dataset.Record
	Filter    *detection.Filter
	Evaluator *eval.Evaluator
	// SkipBackground drops label 0 detections.
	SkipBackground bool
	// ResultsPath receives the detections as JSON when set.
	ResultsPath string
	Log         *slog.Logger
}

// Run drains the iterator, evaluates every real sample and writes the
// results file.
//
// Arguments:
//   - ctx: Cancels the run.
//
// Returns:
//   - *eval.Result: Per-class AP and mAP.
//   - error: If detection, filtering or evaluation fails.
func (r *Runner) Run(ctx context.Context) (*eval.Result, error) {
	if r.Detector == nil || r.Iterator == nil || r.Record == nil || r.Filter == nil || r.Evaluator == nil {
		return nil, errors.New("runner needs a detector, an iterator, records, a filter and an evaluator")
	}
	log := r.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	infoIdx := -1
	for i, d := range r.Iterator.ProvideLabel() {
		if d.Name == dataset.ImInfoName {
			infoIdx = i
		}
	}
	if infoIdx < 0 {
		return nil, fmt.Errorf("iterator provides no %s label", dataset.ImInfoName)
	}

	var results []CocoResult
	for nbatch := 0; ; nbatch++ {
		batch, err := r.Iterator.Next(ctx)
		if errors.Is(err, prefetch.ErrEndOfSequence) {
			break
		}
		if err != nil {
			return nil, err
		}

		boxes, scores, err := r.Detector.Detect(ctx, batch)
		if err != nil {
			return nil, err
		}
		filtered, err := r.Filter.Apply(boxes, scores)
		if err != nil {
			return nil, err
		}
		imInfo, ok := batch.Label[infoIdx].Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("%s is not float32", dataset.ImInfoName)
		}

		n := len(batch.Index) - batch.Pad
		for b := 0; b < n; b++ {
			rec := r.Record(batch.Index[b])
			dets := r.rescale(filtered.Detections(b), imInfo[b*3+2], rec)
			if err := r.Evaluator.Add(dets, groundTruth(rec)); err != nil {
				return nil, err
			}
			for _, d := range dets {
				results = append(results, CocoResult{ImageID: rec.ID, CategoryID: d.Label, BBox: d.Box.PixelXYWH(), Score: d.Score})
			}
			metrics.TestImages.Inc()
		}
		log.Debug("evaluated batch", "batch", nbatch, "images", n)
	}

	res, err := r.Evaluator.Evaluate()
	if err != nil {
		return nil, err
	}
	metrics.TestMAP.Set(res.MAP)

	for _, c := range res.Classes {
		if c.Positives == 0 {
			continue
		}
		log.Info("class average precision", "class", c.Name, "ap", c.AP, "positives", c.Positives, "detected", c.Detected)
	}
	log.Info("evaluation finished", "images", r.Evaluator.Images(), "mAP", res.MAP)

	if r.ResultsPath != "" {
		if err := writeResults(r.ResultsPath, results); err != nil {
			return nil, err
		}
		log.Info("wrote detection results", "path", r.ResultsPath, "detections", len(results))
	}
	return res, nil
}

// rescale maps detections from network input pixels to the original image
// and clips them to it.
func (r *Runner) rescale(dets []detection.Detection, scale float32, rec dataset.Record) []detection.Detection {
	if scale <= 0 {
		scale = 1
	}
	maxX, maxY := float32(rec.Width-1), float32(rec.Height-1)
	out := dets[:0]
	for _, d := range dets {
		if r.SkipBackground && d.Label == 0 {
			continue
		}
		b := d.Box.Scale(scale)
		b.X1 = math32.Min(math32.Max(b.X1, 0), maxX)
		b.Y1 = math32.Min(math32.Max(b.Y1, 0), maxY)
		b.X2 = math32.Min(math32.Max(b.X2, 0), maxX)
		b.Y2 = math32.Min(math32.Max(b.Y2, 0), maxY)
		d.Box = b
		out = append(out, d)
	}
	return out
}

func groundTruth(rec dataset.Record) []eval.GroundTruth {
	gts := make([]eval.GroundTruth, len(rec.Boxes))
	for i, b := range rec.Boxes {
		gts[i] = eval.GroundTruth{Box: b, Label: rec.Classes[i]}
		if i < len(rec.Difficult) {
			gts[i].Difficult = rec.Difficult[i]
		}
	}
	return gts
}

func writeResults(path string, results []CocoResult) error {
	if results == nil {
		results = []CocoResult{}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
