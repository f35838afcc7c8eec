package detection

import (
	"fmt"
	"runtime"
	"sort"

	"github.com/alitto/pond/v2"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Padding fills every unused output position.
const Padding = -1

// FilterConfig defines how raw per-anchor predictions become detections.
type FilterConfig struct {
	// NMS enables non-maximum suppression.
	NMS bool
	// ClassSpecific runs thresholding and NMS per class. Otherwise only the
	// highest scoring class of every anchor is considered.
	ClassSpecific bool
	// NMSThreshold is the IoU above which a box is suppressed.
	NMSThreshold float32
	// ScoreThreshold is the minimum score, exclusive, for a candidate.
	ScoreThreshold float32
	// MaxDetections is the fixed number of detections per image.
	MaxDetections int
	// Parallelism bounds how many images are filtered concurrently.
	Parallelism int
}

// DefaultFilterConfig returns the RetinaNet defaults.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		NMS:            true,
		ClassSpecific:  true,
		NMSThreshold:   0.5,
		ScoreThreshold: 0.05,
		MaxDetections:  300,
		Parallelism:    runtime.NumCPU(),
	}
}

// Validate checks the configuration.
func (c FilterConfig) Validate() error {
	if c.MaxDetections <= 0 {
		return errors.New("max detections must be > 0")
	}
	if c.NMSThreshold < 0 || c.NMSThreshold > 1 {
		return errors.New("nms threshold must be in [0, 1]")
	}
	if c.Parallelism <= 0 {
		return errors.New("parallelism must be > 0")
	}
	return nil
}

// FilterResult holds fixed-size, padded detections for a batch.
type FilterResult struct {
	// Boxes is [B, MaxDetections, 4], float32.
	Boxes *tensor.Dense
	// Scores is [B, MaxDetections], float32.
	Scores *tensor.Dense
	// Labels is [B, MaxDetections], int32.
	Labels *tensor.Dense
	// Other follows every extra input, gathered at the kept anchors:
	// [B, MaxDetections, ...], float32.
	Other []*tensor.Dense
	// Counts is the number of real detections per image.
	Counts []int

	anchors [][]int
}

// Detections returns the real (non-padding) detections of image b.
func (r *FilterResult) Detections(b int) []Detection {
	boxes := r.Boxes.Data().([]float32)
	scores := r.Scores.Data().([]float32)
	labels := r.Labels.Data().([]int32)
	maxDet := r.Scores.Shape()[1]

	out := make([]Detection, r.Counts[b])
	for k := range out {
		o := b*maxDet + k
		out[k] = Detection{
			Box:    Box{X1: boxes[o*4], Y1: boxes[o*4+1], X2: boxes[o*4+2], Y2: boxes[o*4+3]},
			Score:  scores[o],
			Label:  int(labels[o]),
			Anchor: r.anchors[b][k],
		}
	}
	return out
}

// Filter turns per-anchor boxes and class scores into a fixed number of
// detections per image.
type Filter struct {
	cfg  FilterConfig
	pool pond.Pool
}

// NewFilter creates a Filter. Close releases its worker pool.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid filter config")
	}
	return &Filter{cfg: cfg, pool: pond.NewPool(cfg.Parallelism)}, nil
}

// Config returns the filter configuration.
func (f *Filter) Config() FilterConfig {
	return f.cfg
}

// Close stops the worker pool.
func (f *Filter) Close() {
	f.pool.StopAndWait()
}

type candidate struct {
	anchor int
	label  int
	score  float32
}

// Apply filters a batch.
//
// Arguments:
//   - boxes: [B, A, 4] float32 boxes in corner format.
//   - classification: [B, A, C] float32 class scores.
//   - other: Optional float32 tensors shaped [B, A, ...] gathered alongside.
//
// Returns:
//   - *FilterResult: Padded detections, highest score first.
//   - error: If shapes or dtypes do not line up.
func (f *Filter) Apply(boxes, classification *tensor.Dense, other ...*tensor.Dense) (*FilterResult, error) {
	bs, err := float32Data(boxes, "boxes")
	if err != nil {
		return nil, err
	}
	cs, err := float32Data(classification, "classification")
	if err != nil {
		return nil, err
	}

	bShape, cShape := boxes.Shape(), classification.Shape()
	if len(bShape) != 3 || bShape[2] != 4 {
		return nil, fmt.Errorf("boxes must be [B, A, 4], got %v", bShape)
	}
	if len(cShape) != 3 || cShape[0] != bShape[0] || cShape[1] != bShape[1] {
		return nil, fmt.Errorf("classification must be [%d, %d, C], got %v", bShape[0], bShape[1], cShape)
	}
	batch, anchors, classes := bShape[0], bShape[1], cShape[2]

	otherData := make([][]float32, len(other))
	otherInner := make([]int, len(other))
	for i, o := range other {
		d, err := float32Data(o, fmt.Sprintf("other[%d]", i))
		if err != nil {
			return nil, err
		}
		s := o.Shape()
		if len(s) < 2 || s[0] != batch || s[1] != anchors {
			return nil, fmt.Errorf("other[%d] must be [%d, %d, ...], got %v", i, batch, anchors, s)
		}
		otherData[i] = d
		otherInner[i] = 1
		for _, dim := range s[2:] {
			otherInner[i] *= dim
		}
	}

	maxDet := f.cfg.MaxDetections
	res := &FilterResult{Counts: make([]int, batch), anchors: make([][]int, batch)}
	outBoxes := filled(batch*maxDet*4, Padding)
	outScores := filled(batch*maxDet, Padding)
	outLabels := make([]int32, batch*maxDet)
	for i := range outLabels {
		outLabels[i] = Padding
	}
	outOther := make([][]float32, len(other))
	for i := range other {
		outOther[i] = filled(batch*maxDet*otherInner[i], Padding)
	}

	group := f.pool.NewGroup()
	for b := 0; b < batch; b++ {
		b := b
		group.Submit(func() {
			itemBoxes := make([]Box, anchors)
			for a := range itemBoxes {
				o := (b*anchors + a) * 4
				itemBoxes[a] = Box{X1: bs[o], Y1: bs[o+1], X2: bs[o+2], Y2: bs[o+3]}
			}
			kept := f.filterItem(itemBoxes, cs[b*anchors*classes:(b+1)*anchors*classes], classes)

			// Each task writes only its own image's rows.
			res.Counts[b] = len(kept)
			res.anchors[b] = make([]int, len(kept))
			for k, c := range kept {
				res.anchors[b][k] = c.anchor
				o := b*maxDet + k
				copy(outBoxes[o*4:o*4+4], bs[(b*anchors+c.anchor)*4:(b*anchors+c.anchor)*4+4])
				outScores[o] = c.score
				outLabels[o] = int32(c.label)
				for i, d := range otherData {
					n := otherInner[i]
					src := (b*anchors + c.anchor) * n
					copy(outOther[i][o*n:(o+1)*n], d[src:src+n])
				}
			}
		})
	}
	if err := group.Wait(); err != nil {
		return nil, errors.Wrap(err, "filter detections")
	}

	res.Boxes = tensor.New(tensor.WithShape(batch, maxDet, 4), tensor.WithBacking(outBoxes))
	res.Scores = tensor.New(tensor.WithShape(batch, maxDet), tensor.WithBacking(outScores))
	res.Labels = tensor.New(tensor.WithShape(batch, maxDet), tensor.WithBacking(outLabels))
	for i, o := range other {
		shape := append([]int{batch, maxDet}, o.Shape()[2:]...)
		res.Other = append(res.Other, tensor.New(tensor.WithShape(shape...), tensor.WithBacking(outOther[i])))
	}
	return res, nil
}

// filterItem selects at most MaxDetections candidates of one image.
func (f *Filter) filterItem(boxes []Box, cls []float32, classes int) []candidate {
	var cands []candidate
	if f.cfg.ClassSpecific {
		for c := 0; c < classes; c++ {
			scores := make([]float32, len(boxes))
			for a := range boxes {
				scores[a] = cls[a*classes+c]
			}
			cands = append(cands, f.selectCandidates(boxes, scores, func(int) int { return c })...)
		}
	} else {
		scores := make([]float32, len(boxes))
		labels := make([]int, len(boxes))
		for a := range boxes {
			best := 0
			for c := 1; c < classes; c++ {
				if cls[a*classes+c] > cls[a*classes+best] {
					best = c
				}
			}
			labels[a] = best
			scores[a] = cls[a*classes+best]
		}
		cands = f.selectCandidates(boxes, scores, func(a int) int { return labels[a] })
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if len(cands) > f.cfg.MaxDetections {
		cands = cands[:f.cfg.MaxDetections]
	}
	return cands
}

// selectCandidates thresholds scores and optionally applies NMS.
func (f *Filter) selectCandidates(boxes []Box, scores []float32, label func(anchor int) int) []candidate {
	var idx []int
	for a, s := range scores {
		if s > f.cfg.ScoreThreshold {
			idx = append(idx, a)
		}
	}
	if len(idx) == 0 {
		return nil
	}

	if f.cfg.NMS {
		subBoxes := make([]Box, len(idx))
		subScores := make([]float32, len(idx))
		for k, a := range idx {
			subBoxes[k] = boxes[a]
			subScores[k] = scores[a]
		}
		kept := NMS(subBoxes, subScores, f.cfg.NMSThreshold, f.cfg.MaxDetections)
		for k, i := range kept {
			kept[k] = idx[i]
		}
		idx = kept
	}

	out := make([]candidate, len(idx))
	for k, a := range idx {
		out[k] = candidate{anchor: a, label: label(a), score: scores[a]}
	}
	return out
}

func float32Data(t *tensor.Dense, name string) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("%s is nil", name)
	}
	if t.Dtype() != tensor.Float32 {
		return nil, fmt.Errorf("%s must be float32, got %s", name, t.Dtype())
	}
	d, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%s has no float32 backing", name)
	}
	return d, nil
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}
