// Package detection - Bounding boxes, non-maximum suppression and detection filtering.
package detection

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Box is an axis-aligned box in corner format.
//
// Dataset records hold 0-based pixel indices with X2 and Y2 inclusive, so a
// box covering one pixel has X1 == X2. Width, Height and IoU treat the
// corners as continuous coordinates; use PixelXYWH to count covered pixels.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// Width of the box, zero when degenerate.
func (b Box) Width() float32 {
	return math32.Max(0, b.X2-b.X1)
}

// Height of the box, zero when degenerate.
func (b Box) Height() float32 {
	return math32.Max(0, b.Y2-b.Y1)
}

// Area of the box.
func (b Box) Area() float32 {
	return b.Width() * b.Height()
}

// Scale divides all coordinates by s, mapping network input back to image space.
func (b Box) Scale(s float32) Box {
	return Box{X1: b.X1 / s, Y1: b.Y1 / s, X2: b.X2 / s, Y2: b.Y2 / s}
}

// XYWH converts to the [x, y, width, height] layout used by COCO.
func (b Box) XYWH() [4]float64 {
	return [4]float64{float64(b.X1), float64(b.Y1), float64(b.Width()), float64(b.Height())}
}

// PixelXYWH converts inclusive pixel corners to [x, y, width, height], where
// width and height count the covered pixels as the VOC devkit does.
func (b Box) PixelXYWH() [4]float64 {
	return [4]float64{float64(b.X1), float64(b.Y1), float64(b.Width() + 1), float64(b.Height() + 1)}
}

// String formats the box for logs.
func (b Box) String() string {
	return fmt.Sprintf("(%.1f, %.1f)-(%.1f, %.1f)", b.X1, b.Y1, b.X2, b.Y2)
}

// IoU returns the intersection over union of a and b, in [0, 1].
//
// Touching boxes and degenerate boxes yield 0.
func IoU(a, b Box) float32 {
	ix1 := math32.Max(a.X1, b.X1)
	iy1 := math32.Max(a.Y1, b.Y1)
	ix2 := math32.Min(a.X2, b.X2)
	iy2 := math32.Min(a.Y2, b.Y2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0
	}
	inter := interW * interH

	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one kept detection of an image.
type Detection struct {
	// Box in the coordinate space of the input boxes.
	Box Box
	// Score is the class confidence.
	Score float32
	// Label is the class index.
	Label int
	// Anchor is the index of the anchor or proposal the detection came from.
	Anchor int
}
