package detection

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIoU(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Box
		expected float32
	}{
		{"Identical boxes", Box{0, 0, 100, 100}, Box{0, 0, 100, 100}, 1},
		{"No overlap", Box{0, 0, 100, 100}, Box{200, 200, 300, 300}, 0},
		{"Touching edges", Box{0, 0, 100, 100}, Box{100, 0, 200, 100}, 0},
		{"Half overlap", Box{0, 0, 100, 100}, Box{50, 50, 150, 150}, 2500.0 / 17500.0},
		{"One inside other", Box{0, 0, 100, 100}, Box{25, 25, 75, 75}, 0.25},
		{"Degenerate", Box{10, 10, 10, 10}, Box{10, 10, 10, 10}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IoU(tt.a, tt.b)
			assert.InDelta(t, tt.expected, got, 1e-5)
			assert.Equal(t, got, IoU(tt.b, tt.a), "IoU must be symmetric")
			assert.False(t, math.IsNaN(float64(got)))
		})
	}
}

func TestNMS(t *testing.T) {
	boxes := []Box{
		{0, 0, 10, 10},
		{1, 1, 11, 11},
		{50, 50, 60, 60},
		{0, 0, 10, 10},
	}
	scores := []float32{0.6, 0.9, 0.5, 0.9}

	assert.Equal(t, []int{1, 2}, NMS(boxes, scores, 0.5, 0))
	assert.Equal(t, []int{1}, NMS(boxes, scores, 0.5, 1))
	assert.Equal(t, []int{1, 3, 0, 2}, NMS(boxes, scores, 1.0, 0))
	assert.Nil(t, NMS(nil, nil, 0.5, 0))
}

func TestBox(t *testing.T) {
	b := Box{10, 20, 40, 60}
	assert.Equal(t, float32(1200), b.Area())
	assert.Equal(t, Box{5, 10, 20, 30}, b.Scale(2))
	assert.Equal(t, [4]float64{10, 20, 30, 40}, b.XYWH())
	assert.Equal(t, [4]float64{10, 20, 31, 41}, b.PixelXYWH())
	assert.Equal(t, [4]float64{3, 3, 1, 1}, Box{3, 3, 3, 3}.PixelXYWH())
	assert.Equal(t, float32(0), Box{5, 5, 1, 1}.Area())
}
