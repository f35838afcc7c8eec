package eval

import (
	"testing"

	"github.com/nvr-ai/go-detlab/detection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var classes = []string{"__background__", "cat", "dog"}

func newEvaluator(t *testing.T, use07 bool) *Evaluator {
	t.Helper()
	e, err := New(Config{Classes: classes, SkipBackground: true, Use07Metric: use07})
	require.NoError(t, err)
	return e
}

func TestEvaluator_PerfectDetection(t *testing.T) {
	e := newEvaluator(t, false)

	box := detection.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}
	require.NoError(t, e.Add(
		[]detection.Detection{{Box: box, Score: 0.9, Label: 1}},
		[]GroundTruth{{Box: box, Label: 1}},
	))

	res, err := e.Evaluate()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Classes[1].AP, 1e-9)
	assert.Equal(t, 1, res.Classes[1].Positives)
	assert.Zero(t, res.Classes[2].Positives)
	assert.InDelta(t, 1.0, res.MAP, 1e-9, "classes without positives are left out of the mean")
	assert.Equal(t, 1, e.Images())
}

func TestEvaluator_FalsePositiveRankedFirst(t *testing.T) {
	e := newEvaluator(t, false)

	box := detection.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}
	require.NoError(t, e.Add(
		[]detection.Detection{
			{Box: detection.Box{X1: 200, Y1: 200, X2: 240, Y2: 240}, Score: 0.9, Label: 1},
			{Box: box, Score: 0.8, Label: 1},
		},
		[]GroundTruth{{Box: box, Label: 1}},
	))

	res, err := e.Evaluate()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Classes[1].AP, 1e-9)
}

func TestEvaluator_InclusivePixelOverlap(t *testing.T) {
	e := newEvaluator(t, false)

	// 3x3 pixels against 3x2 pixels overlap by 6/9, above the 0.5 threshold.
	require.NoError(t, e.Add(
		[]detection.Detection{{Box: detection.Box{X1: 0, Y1: 0, X2: 2, Y2: 1}, Score: 0.9, Label: 1}},
		[]GroundTruth{{Box: detection.Box{X1: 0, Y1: 0, X2: 2, Y2: 2}, Label: 1}},
	))

	res, err := e.Evaluate()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Classes[1].AP, 1e-9)
}

func TestEvaluator_DuplicateIsFalsePositive(t *testing.T) {
	e := newEvaluator(t, false)

	box := detection.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}
	require.NoError(t, e.Add(
		[]detection.Detection{
			{Box: box, Score: 0.9, Label: 2},
			{Box: box, Score: 0.8, Label: 2},
		},
		[]GroundTruth{{Box: box, Label: 2}},
	))
	// A second image with a missed dog halves recall.
	require.NoError(t, e.Add(nil, []GroundTruth{{Box: box, Label: 2}}))

	res, err := e.Evaluate()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Classes[2].AP, 1e-9)
	assert.Equal(t, 2, res.Classes[2].Positives)
	assert.Equal(t, 2, res.Classes[2].Detected)
}

func TestEvaluator_DifficultIgnored(t *testing.T) {
	e := newEvaluator(t, false)

	box := detection.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}
	require.NoError(t, e.Add(
		[]detection.Detection{{Box: box, Score: 0.9, Label: 1}},
		[]GroundTruth{{Box: box, Label: 1, Difficult: true}},
	))

	res, err := e.Evaluate()
	require.NoError(t, err)
	assert.Zero(t, res.Classes[1].Positives)
	assert.Zero(t, res.MAP)
}

func TestEvaluator_LabelRange(t *testing.T) {
	e := newEvaluator(t, false)
	assert.Error(t, e.Add([]detection.Detection{{Label: 3}}, nil))
	assert.Error(t, e.Add(nil, []GroundTruth{{Label: -1}}))
	assert.Zero(t, e.Images())

	_, err := New(Config{})
	assert.Error(t, err)
}

func TestAveragePrecision(t *testing.T) {
	rec := []float64{0.5, 1}
	prec := []float64{1, 0.5}

	assert.InDelta(t, 0.75, AveragePrecision(rec, prec, false), 1e-9)
	assert.InDelta(t, 8.5/11, AveragePrecision(rec, prec, true), 1e-9)
}
