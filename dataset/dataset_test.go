package dataset

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/chai2010/webp"
	"github.com/nvr-ai/go-detlab/config"
	"github.com/nvr-ai/go-detlab/detection"
	"github.com/nvr-ai/go-detlab/prefetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

const annotation = `<annotation>
	<filename>%s.jpg</filename>
	<size><width>20</width><height>10</height><depth>3</depth></size>
	<object>
		<name>Cat</name>
		<difficult>0</difficult>
		<bndbox><xmin>1</xmin><ymin>2</ymin><xmax>11</xmax><ymax>9</ymax></bndbox>
	</object>
	<object>
		<name>dog</name>
		<difficult>1</difficult>
		<bndbox><xmin>5</xmin><ymin>1</ymin><xmax>20</xmax><ymax>10</ymax></bndbox>
	</object>
	<object>
		<name>bird</name>
		<difficult>0</difficult>
		<bndbox><xmin>1</xmin><ymin>1</ymin><xmax>2</xmax><ymax>2</ymax></bndbox>
	</object>
</annotation>`

var classes = []string{"__background__", "cat", "dog"}

func writeDevkit(t *testing.T, ids ...string) string {
	t.Helper()
	root := t.TempDir()
	voc := filepath.Join(root, "VOC2007")
	require.NoError(t, os.MkdirAll(filepath.Join(voc, "ImageSets", "Main"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(voc, "Annotations"), 0o755))

	var list bytes.Buffer
	for _, id := range ids {
		list.WriteString(id + "\n")
		body := []byte(replaceID(annotation, id))
		require.NoError(t, os.WriteFile(filepath.Join(voc, "Annotations", id+".xml"), body, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(voc, "ImageSets", "Main", "trainval.txt"), list.Bytes(), 0o644))
	return root
}

func replaceID(s, id string) string {
	return string(bytes.ReplaceAll([]byte(s), []byte("%s"), []byte(id)))
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestLoadVOCImageSet(t *testing.T) {
	root := writeDevkit(t, "000001", "000002")

	recs, err := LoadVOCImageSet(root, "2007_trainval", classes)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	r := recs[0]
	assert.Equal(t, "000001", r.ID)
	assert.Equal(t, filepath.Join(root, "VOC2007", "JPEGImages", "000001.jpg"), r.Image)
	assert.Equal(t, 20, r.Width)
	assert.Equal(t, 10, r.Height)
	// Unknown classes are dropped and boxes become 0-based.
	assert.Equal(t, []detection.Box{{X1: 0, Y1: 1, X2: 10, Y2: 8}, {X1: 4, Y1: 0, X2: 19, Y2: 9}}, r.Boxes)
	assert.Equal(t, []int{1, 2}, r.Classes)
	assert.Equal(t, []bool{false, true}, r.Difficult)

	_, err = LoadVOCImageSet(root, "trainval", classes)
	assert.Error(t, err)
	_, err = LoadVOCImageSet(root, "2012_trainval", classes)
	assert.Error(t, err)
}

func TestAppendFlipped(t *testing.T) {
	recs := []Record{{Width: 20, Height: 10, Boxes: []detection.Box{{X1: 0, Y1: 1, X2: 10, Y2: 8}}, Classes: []int{1}}}

	out := AppendFlipped(recs)
	require.Len(t, out, 2)
	assert.False(t, out[0].Flipped)
	assert.True(t, out[1].Flipped)
	assert.Equal(t, detection.Box{X1: 9, Y1: 1, X2: 19, Y2: 8}, out[1].Boxes[0])
	// The original is untouched.
	assert.Equal(t, detection.Box{X1: 0, Y1: 1, X2: 10, Y2: 8}, recs[0].Boxes[0])
}

func TestLoadDirectoryImageFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame-10.png", "frame-2.png", "cover.png", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}

	files, err := LoadDirectoryImageFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, 2, files[0].Frame)
	assert.Equal(t, 10, files[1].Frame)
	assert.Equal(t, -1, files[2].Frame)
	assert.Equal(t, []byte("cover.png"), files[2].Data)

	_, err = LoadDirectoryImageFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestLoadDirectoryRecords(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "night")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writePNG(t, filepath.Join(dir, "cam-2.png"), solid(6, 4, color.Black))
	var buf bytes.Buffer
	require.NoError(t, webp.Encode(&buf, solid(3, 5, color.White), &webp.Options{Lossless: true}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cam-1.webp"), buf.Bytes(), 0o644))

	cfg := config.Default()
	cfg.Dataset.Dataset = "directory"
	cfg.Dataset.DatasetPath = root
	records, err := LoadImageSet(cfg, "night")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "cam-1", records[0].ID)
	assert.Equal(t, 3, records[0].Width)
	assert.Equal(t, 5, records[0].Height)
	assert.Equal(t, "cam-2", records[1].ID)
	assert.Equal(t, 6, records[1].Width)
	assert.Empty(t, records[1].Boxes)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cam-3.png"), []byte("not a png"), 0o644))
	_, err = LoadDirectoryRecords(dir)
	assert.Error(t, err)

	_, err = LoadDirectoryRecords(t.TempDir())
	assert.Error(t, err)

	cfg.Dataset.Dataset = "coco"
	_, err = LoadImageSet(cfg, "night")
	assert.Error(t, err)
}

func imageRecords(t *testing.T) []Record {
	t.Helper()
	dir := t.TempDir()

	a := filepath.Join(dir, "a.png")
	writePNG(t, a, solid(20, 10, color.RGBA{R: 200, G: 100, B: 50, A: 255}))

	b := filepath.Join(dir, "b.webp")
	var buf bytes.Buffer
	require.NoError(t, webp.Encode(&buf, solid(10, 10, color.RGBA{R: 10, G: 20, B: 30, A: 255}), &webp.Options{Lossless: true}))
	require.NoError(t, os.WriteFile(b, buf.Bytes(), 0o644))

	c := filepath.Join(dir, "c.png")
	writePNG(t, c, solid(10, 20, color.RGBA{A: 255}))

	return []Record{
		{ID: "a", Image: a, Width: 20, Height: 10, Boxes: []detection.Box{{X1: 2, Y1: 2, X2: 12, Y2: 8}}, Classes: []int{1}},
		{ID: "b", Image: b, Width: 10, Height: 10},
		{ID: "c", Image: c, Width: 10, Height: 20},
	}
}

func TestImageSource(t *testing.T) {
	src, err := NewImageSource(imageRecords(t), SourceConfig{BatchSize: 2, Width: 10, Height: 10, MaxGTBoxes: 4, Workers: 2})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, []int{2, 3, 10, 10}, src.ProvideData()[0].Shape)
	assert.Equal(t, []int{2, 4, 5}, src.ProvideLabel()[1].Shape)

	ctx := context.Background()
	b, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, b.Index)
	assert.Equal(t, 0, b.Pad)

	data := b.Data[0].Data().([]float32)
	plane := 100
	// Image a is scaled by 0.5 into the top 5 rows; the rest stays zero.
	assert.InDelta(t, 200, data[0], 1)
	assert.InDelta(t, 100, data[plane], 1)
	assert.InDelta(t, 50, data[2*plane], 1)
	assert.Equal(t, float32(0), data[9*10])
	// Image b comes from WebP.
	assert.InDelta(t, 10, data[3*plane], 1)
	assert.InDelta(t, 30, data[5*plane+99], 1)

	imInfo := b.Label[0].Data().([]float32)
	assert.Equal(t, []float32{5, 10, 0.5, 10, 10, 1}, imInfo)

	gt := b.Label[1].Data().([]float32)
	assert.Equal(t, []float32{1, 1, 6, 4, 1}, gt[:5])
	assert.Equal(t, float32(-1), gt[5])
	assert.Equal(t, float32(-1), gt[4*5])

	b, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, b.Index)
	assert.Equal(t, 1, b.Pad)
	assert.Equal(t, []float32{10, 5, 0.5}, b.Label[0].Data().([]float32)[:3])

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, prefetch.ErrEndOfSequence)

	require.NoError(t, src.Reset())
	b, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, b.Index)
}

func TestImageSourceFlip(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			if x < 2 {
				img.Set(x, y, color.RGBA{R: 255, A: 255})
			} else {
				img.Set(x, y, color.RGBA{B: 255, A: 255})
			}
		}
	}
	p := filepath.Join(dir, "half.png")
	writePNG(t, p, img)

	recs := AppendFlipped([]Record{{Image: p, Width: 4, Height: 2}})
	src, err := NewImageSource(recs, SourceConfig{BatchSize: 2, Width: 4, Height: 2, Workers: 1})
	require.NoError(t, err)
	defer src.Close()

	b, err := src.Next(context.Background())
	require.NoError(t, err)
	data := b.Data[0].Data().([]float32)
	plane := 8
	// Original: red on the left. Flipped: blue on the left.
	assert.InDelta(t, 255, data[0], 1)
	assert.InDelta(t, 0, data[2*plane], 1)
	assert.InDelta(t, 0, data[3*plane], 1)
	assert.InDelta(t, 255, data[5*plane], 1)
}

func TestImageSourceShuffle(t *testing.T) {
	recs := make([]Record, 8)
	order := func(seed uint64) []int {
		src, err := NewImageSource(recs, SourceConfig{BatchSize: 1, Width: 1, Height: 1, Shuffle: true, Seed: seed})
		require.NoError(t, err)
		defer src.Close()
		return append([]int(nil), src.order...)
	}
	assert.Equal(t, order(7), order(7))
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, order(7))
}

func TestImageSourceErrors(t *testing.T) {
	_, err := NewImageSource(nil, SourceConfig{BatchSize: 1, Width: 1, Height: 1})
	assert.Error(t, err)
	_, err = NewImageSource(make([]Record, 1), SourceConfig{Width: 1, Height: 1})
	assert.Error(t, err)

	src, err := NewImageSource([]Record{{Image: filepath.Join(t.TempDir(), "missing.png")}}, SourceConfig{BatchSize: 1, Width: 1, Height: 1})
	require.NoError(t, err)
	defer src.Close()
	_, err = src.Next(context.Background())
	assert.Error(t, err)
}

func TestImageSourceBehindIterator(t *testing.T) {
	src, err := NewImageSource(imageRecords(t), SourceConfig{BatchSize: 1, Width: 10, Height: 10, Workers: 1})
	require.NoError(t, err)
	defer src.Close()

	it, err := prefetch.New([]prefetch.Source{src}, prefetch.WithSlots(2))
	require.NoError(t, err)
	defer it.Close()

	ctx := context.Background()
	for epoch := 0; epoch < 2; epoch++ {
		var seen []int
		for {
			b, err := it.Next(ctx)
			if err != nil {
				require.ErrorIs(t, err, prefetch.ErrEndOfSequence)
				break
			}
			seen = append(seen, b.Index...)
		}
		assert.Equal(t, []int{0, 1, 2}, seen)
		require.NoError(t, it.Reset(ctx))
	}
}

func TestSliceSource(t *testing.T) {
	desc := []prefetch.DataDesc{{Name: "data", Shape: []int{1, 2}, Dtype: tensor.Float32}}
	batches := []*prefetch.Batch{{Index: []int{0}}, {Index: []int{1}}}
	src := NewSliceSource(batches, desc, nil)

	ctx := context.Background()
	b, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, batches[0], b)
	_, err = src.Next(ctx)
	require.NoError(t, err)
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, prefetch.ErrEndOfSequence)

	require.NoError(t, src.Reset())
	b, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, batches[0], b)
	assert.Equal(t, desc, src.ProvideData())

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.Next(cctx)
	assert.ErrorIs(t, err, context.Canceled)
}
