// Package eval - Pascal VOC style average precision for detection results.
package eval

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/nvr-ai/go-detlab/detection"
	"github.com/nvr-ai/go-detlab/mask"
)

// GroundTruth is one annotated object.
type GroundTruth struct {
	Box   detection.Box
	Label int
	// Difficult objects neither count as positives nor penalize detections.
	Difficult bool
}

// Config configures an Evaluator.
type Config struct {
	// Classes names every class index, including background when present.
	Classes []string
	// SkipBackground excludes class 0 from the mean.
	SkipBackground bool
	// IoUThreshold is the minimum overlap for a true positive.
	IoUThreshold float64
	// Use07Metric selects the VOC2007 11-point interpolated AP.
	Use07Metric bool
}

// ClassResult is the average precision of one class.
type ClassResult struct {
	Name      string
	AP        float64
	Positives int
	Detected  int
}

// Result summarizes an evaluation.
type Result struct {
	Classes []ClassResult
	// MAP is the mean AP over classes that have at least one positive.
	MAP float64
}

type scoredDet struct {
	image int
	score float32
	box   detection.Box
}

type imageGT struct {
	boxes     []mask.Bbox
	difficult []bool
}

// Evaluator accumulates detections and ground truth image by image.
type Evaluator struct {
	cfg Config

	mu     sync.Mutex
	images int
	// dets and gts are indexed by class.
	dets [][]scoredDet
	gts  []map[int]*imageGT
}

// New creates an Evaluator.
func New(cfg Config) (*Evaluator, error) {
	if len(cfg.Classes) == 0 {
		return nil, fmt.Errorf("eval: no classes")
	}
	if cfg.IoUThreshold == 0 {
		cfg.IoUThreshold = 0.5
	}
	if cfg.IoUThreshold < 0 || cfg.IoUThreshold > 1 {
		return nil, fmt.Errorf("eval: iou threshold %v out of range", cfg.IoUThreshold)
	}

	e := &Evaluator{
		cfg:  cfg,
		dets: make([][]scoredDet, len(cfg.Classes)),
		gts:  make([]map[int]*imageGT, len(cfg.Classes)),
	}
	for c := range e.gts {
		e.gts[c] = make(map[int]*imageGT)
	}
	return e, nil
}

// Add records the detections and ground truth of one image. It is safe for
// concurrent use.
func (e *Evaluator) Add(dets []detection.Detection, gts []GroundTruth) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	img := e.images
	for _, d := range dets {
		if d.Label < 0 || d.Label >= len(e.cfg.Classes) {
			return fmt.Errorf("eval: detection label %d out of range", d.Label)
		}
	}
	for _, g := range gts {
		if g.Label < 0 || g.Label >= len(e.cfg.Classes) {
			return fmt.Errorf("eval: ground truth label %d out of range", g.Label)
		}
	}

	e.images++
	for _, d := range dets {
		e.dets[d.Label] = append(e.dets[d.Label], scoredDet{image: img, score: d.Score, box: d.Box})
	}
	for _, g := range gts {
		ig, ok := e.gts[g.Label][img]
		if !ok {
			ig = &imageGT{}
			e.gts[g.Label][img] = ig
		}
		ig.boxes = append(ig.boxes, bbox(g.Box))
		ig.difficult = append(ig.difficult, g.Difficult)
	}
	return nil
}

// Images is the number of images added so far.
func (e *Evaluator) Images() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images
}

// Evaluate computes per-class AP and mAP over everything added.
func (e *Evaluator) Evaluate() (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pool := pond.NewResultPool[ClassResult](runtime.NumCPU())
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for c := range e.cfg.Classes {
		c := c
		group.SubmitErr(func() (ClassResult, error) {
			return e.evaluateClass(c)
		})
	}
	classes, err := group.Wait()
	if err != nil {
		return nil, err
	}

	res := &Result{Classes: classes}
	var sum float64
	var n int
	for c, cr := range classes {
		if c == 0 && e.cfg.SkipBackground {
			continue
		}
		if cr.Positives == 0 {
			continue
		}
		sum += cr.AP
		n++
	}
	if n > 0 {
		res.MAP = sum / float64(n)
	}
	return res, nil
}

func (e *Evaluator) evaluateClass(c int) (ClassResult, error) {
	res := ClassResult{Name: e.cfg.Classes[c], Detected: len(e.dets[c])}

	matched := make(map[int][]bool, len(e.gts[c]))
	for img, ig := range e.gts[c] {
		matched[img] = make([]bool, len(ig.boxes))
		for _, d := range ig.difficult {
			if !d {
				res.Positives++
			}
		}
	}
	if res.Positives == 0 {
		return res, nil
	}

	dets := append([]scoredDet(nil), e.dets[c]...)
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].score > dets[j].score })

	tp := make([]float64, len(dets))
	fp := make([]float64, len(dets))
	for i, d := range dets {
		ig, ok := e.gts[c][d.image]
		if !ok {
			fp[i] = 1
			continue
		}
		ious, err := mask.BboxIoU([]mask.Bbox{bbox(d.box)}, ig.boxes, nil)
		if err != nil {
			return res, err
		}
		best, bestIoU := -1, -math.MaxFloat64
		for g, iou := range ious[0] {
			if iou > bestIoU {
				best, bestIoU = g, iou
			}
		}
		switch {
		case bestIoU <= e.cfg.IoUThreshold:
			fp[i] = 1
		case ig.difficult[best]:
			// Neither a hit nor a miss.
		case !matched[d.image][best]:
			tp[i] = 1
			matched[d.image][best] = true
		default:
			fp[i] = 1
		}
	}

	rec := make([]float64, len(dets))
	prec := make([]float64, len(dets))
	var ctp, cfp float64
	for i := range dets {
		ctp += tp[i]
		cfp += fp[i]
		rec[i] = ctp / float64(res.Positives)
		prec[i] = ctp / math.Max(ctp+cfp, math.SmallestNonzeroFloat64)
	}
	res.AP = AveragePrecision(rec, prec, e.cfg.Use07Metric)
	return res, nil
}

// AveragePrecision integrates a precision/recall curve.
//
// With use07 it averages the maximum precision at recall 0, 0.1, ..., 1.
// Otherwise it computes the exact area under the monotone precision envelope.
func AveragePrecision(rec, prec []float64, use07 bool) float64 {
	if use07 {
		var ap float64
		for t := 0; t <= 10; t++ {
			thr := float64(t) / 10
			p := 0.0
			for i := range rec {
				if rec[i] >= thr && prec[i] > p {
					p = prec[i]
				}
			}
			ap += p / 11
		}
		return ap
	}

	mrec := append(append([]float64{0}, rec...), 1)
	mpre := append(append([]float64{0}, prec...), 0)
	for i := len(mpre) - 2; i >= 0; i-- {
		mpre[i] = math.Max(mpre[i], mpre[i+1])
	}
	var ap float64
	for i := 1; i < len(mrec); i++ {
		if mrec[i] != mrec[i-1] {
			ap += (mrec[i] - mrec[i-1]) * mpre[i]
		}
	}
	return ap
}

func bbox(b detection.Box) mask.Bbox {
	return mask.Bbox(b.PixelXYWH())
}
