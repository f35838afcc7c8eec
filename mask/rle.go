// Package mask - Run-length encoded binary masks compatible with the COCO mask API.
//
// Masks are stored column-major: pixel (x, y) of an h-by-w mask lives at
// index x*h + y. Run lengths alternate between zeros and ones, starting with
// zeros, so a mask whose first pixel is set starts with a zero-length run.
package mask

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrSizeMismatch is returned when masks of different sizes are combined.
var ErrSizeMismatch = errors.New("mask: size mismatch")

// RLE is a run-length encoded binary mask.
type RLE struct {
	H, W   int
	Counts []uint32
}

// Bbox is a box in [x, y, width, height] layout.
type Bbox [4]float64

// Encode run-length encodes a column-major mask of h*w pixels. Any non-zero
// pixel counts as set.
//
// Arguments:
//   - m: Column-major pixels.
//   - h: Mask height.
//   - w: Mask width.
//
// Returns:
//   - RLE: The encoded mask.
//   - error: If len(m) != h*w.
func Encode(m []byte, h, w int) (RLE, error) {
	if len(m) != h*w {
		return RLE{}, fmt.Errorf("mask: %d pixels for a %dx%d mask", len(m), h, w)
	}

	counts := make([]uint32, 0, 8)
	var p byte
	var c uint32
	for _, px := range m {
		if px != 0 {
			px = 1
		}
		if px != p {
			counts = append(counts, c)
			c = 0
			p = px
		}
		c++
	}
	counts = append(counts, c)

	return RLE{H: h, W: w, Counts: counts}, nil
}

// Decode expands the mask into column-major pixels of 0 or 1.
func (r RLE) Decode() []byte {
	out := make([]byte, 0, r.H*r.W)
	var v byte
	for _, c := range r.Counts {
		for k := uint32(0); k < c; k++ {
			out = append(out, v)
		}
		v = 1 - v
	}
	return out
}

// Area is the number of set pixels.
func (r RLE) Area() int {
	a := 0
	for j := 1; j < len(r.Counts); j += 2 {
		a += int(r.Counts[j])
	}
	return a
}

// ToBbox returns the tight bounding box of the set pixels, or zeros for an
// empty mask.
func (r RLE) ToBbox() Bbox {
	m := (len(r.Counts) / 2) * 2
	if m == 0 || r.H == 0 {
		return Bbox{}
	}

	h := r.H
	xs, ys, xe, ye := r.W, h, 0, 0
	var cc, xp int
	for j := 0; j < m; j++ {
		cc += int(r.Counts[j])
		t := cc - j%2
		y := t % h
		x := (t - y) / h
		if j%2 == 0 {
			xp = x
		} else if xp < x {
			// The run wraps a column, so it spans the full height.
			ys = 0
			ye = h - 1
		}
		xs = min(xs, x)
		xe = max(xe, x)
		ys = min(ys, y)
		ye = max(ye, y)
	}
	return Bbox{float64(xs), float64(ys), float64(xe - xs + 1), float64(ye - ys + 1)}
}

// Merge computes the union, or the intersection when intersect is set, of
// masks of equal size.
func Merge(rles []RLE, intersect bool) (RLE, error) {
	if len(rles) == 0 {
		return RLE{}, nil
	}
	out := RLE{H: rles[0].H, W: rles[0].W, Counts: append([]uint32(nil), rles[0].Counts...)}

	for _, b := range rles[1:] {
		if b.H != out.H || b.W != out.W {
			return RLE{}, ErrSizeMismatch
		}
		a := out.Counts
		if len(a) == 0 || len(b.Counts) == 0 {
			return RLE{}, errors.New("mask: empty counts")
		}

		merged := make([]uint32, 0, len(a)+len(b.Counts))
		ca, cb := a[0], b.Counts[0]
		var v, va, vb bool
		ai, bi := 1, 1
		var cc uint32
		for ct := uint32(1); ct > 0; {
			c := min(ca, cb)
			cc += c
			ct = 0

			ca -= c
			if ca == 0 && ai < len(a) {
				ca = a[ai]
				ai++
				va = !va
			}
			ct += ca

			cb -= c
			if cb == 0 && bi < len(b.Counts) {
				cb = b.Counts[bi]
				bi++
				vb = !vb
			}
			ct += cb

			vp := v
			if intersect {
				v = va && vb
			} else {
				v = va || vb
			}
			if v != vp || ct == 0 {
				merged = append(merged, cc)
				cc = 0
			}
		}
		out.Counts = merged
	}
	return out, nil
}

// BboxIoU computes the IoU of every detection box against every ground truth
// box. For crowd ground truth the detection area is the denominator.
//
// Returns:
//   - [][]float64 indexed [detection][ground truth].
func BboxIoU(dt, gt []Bbox, iscrowd []bool) ([][]float64, error) {
	if iscrowd != nil && len(iscrowd) != len(gt) {
		return nil, fmt.Errorf("mask: %d crowd flags for %d ground truth boxes", len(iscrowd), len(gt))
	}

	out := make([][]float64, len(dt))
	for d, D := range dt {
		out[d] = make([]float64, len(gt))
		da := D[2] * D[3]
		for g, G := range gt {
			w := math.Min(D[0]+D[2], G[0]+G[2]) - math.Max(D[0], G[0])
			if w <= 0 {
				continue
			}
			h := math.Min(D[1]+D[3], G[1]+G[3]) - math.Max(D[1], G[1])
			if h <= 0 {
				continue
			}
			i := w * h
			u := da + G[2]*G[3] - i
			if iscrowd != nil && iscrowd[g] {
				u = da
			}
			out[d][g] = i / u
		}
	}
	return out, nil
}

// IoU computes the mask IoU of every detection against every ground truth.
// Pairs of different sizes get -1.
//
// Returns:
//   - [][]float64 indexed [detection][ground truth].
func IoU(dt, gt []RLE, iscrowd []bool) ([][]float64, error) {
	db := make([]Bbox, len(dt))
	for i, r := range dt {
		db[i] = r.ToBbox()
	}
	gb := make([]Bbox, len(gt))
	for i, r := range gt {
		gb[i] = r.ToBbox()
	}
	out, err := BboxIoU(db, gb, iscrowd)
	if err != nil {
		return nil, err
	}

	for d, D := range dt {
		for g, G := range gt {
			if out[d][g] <= 0 {
				continue
			}
			if D.H != G.H || D.W != G.W {
				out[d][g] = -1
				continue
			}
			inter, union := overlap(D.Counts, G.Counts)
			switch {
			case inter == 0:
				union = 1
			case iscrowd != nil && iscrowd[g]:
				union = uint64(D.Area())
			}
			out[d][g] = float64(inter) / float64(union)
		}
	}
	return out, nil
}

// overlap walks two run sequences of the same mask size and counts pixels set
// in both and in either.
func overlap(a, b []uint32) (inter, union uint64) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0
	}
	ca, cb := a[0], b[0]
	var va, vb bool
	ai, bi := 1, 1
	for ct := uint32(1); ct > 0; {
		c := min(ca, cb)
		if va || vb {
			union += uint64(c)
			if va && vb {
				inter += uint64(c)
			}
		}
		ct = 0

		ca -= c
		if ca == 0 && ai < len(a) {
			ca = a[ai]
			ai++
			va = !va
		}
		ct += ca

		cb -= c
		if cb == 0 && bi < len(b) {
			cb = b[bi]
			bi++
			vb = !vb
		}
		ct += cb
	}
	return inter, union
}

// FrBbox rasterizes a box into an h-by-w mask.
func FrBbox(bb Bbox, h, w int) RLE {
	xs, ys := bb[0], bb[1]
	xe, ye := xs+bb[2], ys+bb[3]
	return FrPoly([]float64{xs, ys, xs, ye, xe, ye, xe, ys}, h, w)
}

// FrPoly rasterizes a closed polygon given as x0, y0, x1, y1, ... into an
// h-by-w mask. The boundary is traced at 5x resolution and downsampled, which
// matches COCO's rasterization pixel for pixel.
func FrPoly(xy []float64, h, w int) RLE {
	const scale = 5.0
	k := len(xy) / 2
	if k == 0 {
		return RLE{H: h, W: w, Counts: []uint32{uint32(h * w)}}
	}

	x := make([]int, k+1)
	y := make([]int, k+1)
	for j := 0; j < k; j++ {
		x[j] = int(scale*xy[j*2] + .5)
		y[j] = int(scale*xy[j*2+1] + .5)
	}
	x[k], y[k] = x[0], y[0]

	// Dense boundary points at the upsampled resolution.
	var u, v []int
	for j := 0; j < k; j++ {
		xs, xe, ys, ye := x[j], x[j+1], y[j], y[j+1]
		dx, dy := abs(xe-xs), abs(ys-ye)
		flip := (dx >= dy && xs > xe) || (dx < dy && ys > ye)
		if flip {
			xs, xe = xe, xs
			ys, ye = ye, ys
		}
		if dx >= dy {
			s := 0.0
			if dx > 0 {
				s = float64(ye-ys) / float64(dx)
			}
			for d := 0; d <= dx; d++ {
				t := d
				if flip {
					t = dx - d
				}
				u = append(u, t+xs)
				v = append(v, int(float64(ys)+s*float64(t)+.5))
			}
		} else {
			s := float64(xe-xs) / float64(dy)
			for d := 0; d <= dy; d++ {
				t := d
				if flip {
					t = dy - d
				}
				v = append(v, t+ys)
				u = append(u, int(float64(xs)+s*float64(t)+.5))
			}
		}
	}

	// Points where the boundary crosses a pixel column, downsampled.
	var a []uint32
	for j := 1; j < len(u); j++ {
		if u[j] == u[j-1] {
			continue
		}
		xd := float64(u[j])
		if u[j] >= u[j-1] {
			xd = float64(u[j] - 1)
		}
		xd = (xd+.5)/scale - .5
		if math.Floor(xd) != xd || xd < 0 || xd > float64(w-1) {
			continue
		}
		yd := float64(min(v[j], v[j-1]))
		yd = (yd+.5)/scale - .5
		if yd < 0 {
			yd = 0
		} else if yd > float64(h) {
			yd = float64(h)
		}
		yd = math.Ceil(yd)
		a = append(a, uint32(int(xd)*h+int(yd)))
	}
	a = append(a, uint32(h*w))

	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	var p uint32
	for j := range a {
		t := a[j]
		a[j] -= p
		p = t
	}

	counts := make([]uint32, 0, len(a))
	counts = append(counts, a[0])
	for j := 1; j < len(a); {
		if a[j] > 0 {
			counts = append(counts, a[j])
			j++
			continue
		}
		j++
		if j < len(a) {
			counts[len(counts)-1] += a[j]
			j++
		}
	}
	return RLE{H: h, W: w, Counts: counts}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
