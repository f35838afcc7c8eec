package mask

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	// 3x3 mask with only the center pixel set.
	m := []byte{0, 0, 0, 0, 1, 0, 0, 0, 0}
	r, err := Encode(m, 3, 3)
	require.NoError(t, err)

	assert.Equal(t, []uint32{4, 1, 4}, r.Counts)
	assert.Equal(t, m, r.Decode())
	assert.Equal(t, 1, r.Area())
	assert.Equal(t, Bbox{1, 1, 1, 1}, r.ToBbox())

	first, err := Encode([]byte{1, 1, 0, 0}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 2, 2}, first.Counts, "a set first pixel starts with an empty zero run")

	_, err = Encode(m, 2, 2)
	assert.Error(t, err)
}

func TestToBbox(t *testing.T) {
	assert.Equal(t, Bbox{}, RLE{H: 4, W: 4, Counts: []uint32{16}}.ToBbox())
	assert.Equal(t, Bbox{0, 0, 2, 2}, RLE{H: 4, W: 4, Counts: []uint32{0, 2, 2, 2, 10}}.ToBbox())

	// A run from the bottom of column 0 into the top of column 1 spans the full height.
	assert.Equal(t, Bbox{0, 0, 2, 4}, RLE{H: 4, W: 4, Counts: []uint32{3, 2, 11}}.ToBbox())
}

func TestFrBbox(t *testing.T) {
	tests := []struct {
		name   string
		bb     Bbox
		h, w   int
		counts []uint32
	}{
		{"origin", Bbox{0, 0, 2, 2}, 4, 4, []uint32{0, 2, 2, 2, 10}},
		{"offset", Bbox{1, 1, 2, 2}, 5, 5, []uint32{6, 2, 3, 2, 12}},
		{"half pixel", Bbox{0.5, 0.5, 2, 2}, 4, 4, []uint32{5, 2, 2, 2, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := FrBbox(tt.bb, tt.h, tt.w)
			assert.Equal(t, tt.counts, r.Counts)
			assert.Equal(t, tt.h, r.H)
			assert.Equal(t, tt.w, r.W)
		})
	}

	r := FrBbox(Bbox{1, 1, 2, 2}, 5, 5)
	assert.Equal(t, 4, r.Area())
	assert.Equal(t, Bbox{1, 1, 2, 2}, r.ToBbox())
}

func TestMerge(t *testing.T) {
	a := RLE{H: 4, W: 4, Counts: []uint32{0, 2, 2, 2, 10}}
	b := RLE{H: 4, W: 4, Counts: []uint32{5, 2, 2, 2, 5}}

	union, err := Merge([]RLE{a, b}, false)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 2, 2, 3, 2, 2, 5}, union.Counts)
	assert.Equal(t, 7, union.Area())

	inter, err := Merge([]RLE{a, b}, true)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5, 1, 10}, inter.Counts)

	single, err := Merge([]RLE{a}, false)
	require.NoError(t, err)
	assert.Equal(t, a, single)

	_, err = Merge([]RLE{a, {H: 3, W: 3, Counts: []uint32{9}}}, false)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestIoU(t *testing.T) {
	a := RLE{H: 4, W: 4, Counts: []uint32{0, 2, 2, 2, 10}}
	b := RLE{H: 4, W: 4, Counts: []uint32{5, 2, 2, 2, 5}}
	far := RLE{H: 4, W: 4, Counts: []uint32{15, 1}}

	iou, err := IoU([]RLE{a, far}, []RLE{a, b}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, iou[0][0], 1e-9)
	assert.InDelta(t, 1.0/7.0, iou[0][1], 1e-9)
	assert.Zero(t, iou[1][0])
	assert.Zero(t, iou[1][1])

	crowd, err := IoU([]RLE{a}, []RLE{b}, []bool{true})
	require.NoError(t, err)
	assert.InDelta(t, 0.25, crowd[0][0], 1e-9)

	_, err = IoU([]RLE{a}, []RLE{b}, []bool{true, false})
	assert.Error(t, err)
}

func TestBboxIoU(t *testing.T) {
	iou, err := BboxIoU(
		[]Bbox{{0, 0, 2, 2}, {10, 10, 1, 1}},
		[]Bbox{{1, 1, 2, 2}},
		[]bool{false},
	)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/7.0, iou[0][0], 1e-9)
	assert.Zero(t, iou[1][0])

	crowd, err := BboxIoU([]Bbox{{0, 0, 2, 2}}, []Bbox{{0, 0, 10, 10}}, []bool{true})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, crowd[0][0], 1e-9)
}

func TestStringCodec(t *testing.T) {
	tests := []struct {
		counts []uint32
		want   string
	}{
		{[]uint32{4, 1, 4}, "414"},
		{[]uint32{0, 2, 2, 2, 10}, "02208"},
		{[]uint32{100, 37, 1000, 3, 5000}, "T3U1Xo0nNPm3"},
	}
	for _, tt := range tests {
		r := RLE{H: 100, W: 100, Counts: tt.counts}
		assert.Equal(t, tt.want, r.String())

		back, err := FrString(tt.want, 100, 100)
		require.NoError(t, err)
		assert.Equal(t, tt.counts, back.Counts)
	}

	_, err := FrString("0P", 2, 2)
	assert.Error(t, err, "a continuation bit on the last character is truncated input")
	_, err = FrString("~", 2, 2)
	assert.Error(t, err)
}

func TestRLEJSON(t *testing.T) {
	r := RLE{H: 4, W: 4, Counts: []uint32{0, 2, 2, 2, 10}}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"size":[4,4],"counts":"02208"}`, string(b))

	var back RLE
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, r, back)

	var list RLE
	require.NoError(t, json.Unmarshal([]byte(`{"size":[4,4],"counts":[0,2,2,2,10]}`), &list))
	assert.Equal(t, r, list)
}
