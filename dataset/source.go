package dataset

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/chai2010/webp"
	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-detlab/prefetch"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Names of the tensors an ImageSource produces.
const (
	DataName     = "data"
	ImInfoName   = "im_info"
	GTBoxesName  = "gt_boxes"
	gtBoxColumns = 5
)

// SourceConfig configures an ImageSource.
type SourceConfig struct {
	// BatchSize is the number of images per batch.
	BatchSize int
	// Width and Height are the fixed network input size. Images are scaled to
	// fit inside it keeping their aspect ratio and the rest is zero.
	Width, Height int
	// PixelMeans are subtracted per channel, in B, G, R order.
	PixelMeans [3]float32
	// MaxGTBoxes is the padded number of ground truth rows per image.
	MaxGTBoxes int
	// Shuffle reorders records on every Reset.
	Shuffle bool
	// Seed seeds the shuffle.
	Seed uint64
	// Workers bounds how many images of a batch are decoded concurrently.
	Workers int
	// Logger is optional.
	Logger *slog.Logger
}

// Validate checks the configuration and fills defaults.
func (c *SourceConfig) Validate() error {
	if c.BatchSize <= 0 {
		return errors.New("batch size must be > 0")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("input size %dx%d must be positive", c.Width, c.Height)
	}
	if c.MaxGTBoxes <= 0 {
		c.MaxGTBoxes = 100
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

// sample is one decoded and transformed image.
type sample struct {
	data   []float32
	imInfo [3]float32
	gt     []float32
}

// ImageSource reads records from disk and yields fixed-size batches. It
// implements prefetch.Source. The last partial batch of an epoch is filled by
// wrapping around to the first records and reports the count in Batch.Pad.
type ImageSource struct {
	cfg     SourceConfig
	records []Record
	pool    pond.ResultPool[sample]

	mu     sync.Mutex
	order  []int
	cursor int
	rng    *rand.Rand
}

// NewImageSource creates a source over records. Close releases its decode pool.
func NewImageSource(records []Record, cfg SourceConfig) (*ImageSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid source config")
	}
	if len(records) == 0 {
		return nil, errors.New("no records")
	}

	s := &ImageSource{
		cfg:     cfg,
		records: records,
		pool:    pond.NewResultPool[sample](cfg.Workers),
		order:   make([]int, len(records)),
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	for i := range s.order {
		s.order[i] = i
	}
	s.shuffle()
	return s, nil
}

// Records is the number of records per epoch.
func (s *ImageSource) Records() int {
	return len(s.records)
}

// Record returns the record at index i, as reported by Batch.Index.
func (s *ImageSource) Record(i int) Record {
	return s.records[i]
}

// Close stops the decode pool.
func (s *ImageSource) Close() {
	s.pool.StopAndWait()
}

// ProvideData describes the image tensor.
func (s *ImageSource) ProvideData() []prefetch.DataDesc {
	return []prefetch.DataDesc{
		{Name: DataName, Shape: []int{s.cfg.BatchSize, 3, s.cfg.Height, s.cfg.Width}, Dtype: tensor.Float32},
	}
}

// ProvideLabel describes the image info and ground truth tensors.
func (s *ImageSource) ProvideLabel() []prefetch.DataDesc {
	return []prefetch.DataDesc{
		{Name: ImInfoName, Shape: []int{s.cfg.BatchSize, 3}, Dtype: tensor.Float32},
		{Name: GTBoxesName, Shape: []int{s.cfg.BatchSize, s.cfg.MaxGTBoxes, gtBoxColumns}, Dtype: tensor.Float32},
	}
}

// Reset rewinds to the first batch and reshuffles when configured.
func (s *ImageSource) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
	s.shuffle()
	return nil
}

func (s *ImageSource) shuffle() {
	if !s.cfg.Shuffle {
		return
	}
	s.rng.Shuffle(len(s.order), func(i, j int) { s.order[i], s.order[j] = s.order[j], s.order[i] })
}

// Next decodes the next batch.
func (s *ImageSource) Next(ctx context.Context) (*prefetch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cursor >= len(s.order) {
		return nil, prefetch.ErrEndOfSequence
	}

	n := s.cfg.BatchSize
	idx := make([]int, n)
	pad := 0
	for k := range idx {
		pos := s.cursor + k
		if pos >= len(s.order) {
			pad++
		}
		idx[k] = s.order[pos%len(s.order)]
	}

	group := s.pool.NewGroupContext(ctx)
	for _, i := range idx {
		rec := s.records[i]
		group.SubmitErr(func() (sample, error) {
			return s.load(rec)
		})
	}
	samples, err := group.Wait()
	if err != nil {
		return nil, err
	}
	s.cursor += n

	plane := s.cfg.Height * s.cfg.Width
	data := make([]float32, n*3*plane)
	imInfo := make([]float32, n*3)
	gt := make([]float32, n*s.cfg.MaxGTBoxes*gtBoxColumns)
	for k, smp := range samples {
		copy(data[k*3*plane:], smp.data)
		copy(imInfo[k*3:], smp.imInfo[:])
		copy(gt[k*s.cfg.MaxGTBoxes*gtBoxColumns:], smp.gt)
	}

	return &prefetch.Batch{
		Data: []tensor.Tensor{
			tensor.New(tensor.WithShape(n, 3, s.cfg.Height, s.cfg.Width), tensor.WithBacking(data)),
		},
		Label: []tensor.Tensor{
			tensor.New(tensor.WithShape(n, 3), tensor.WithBacking(imInfo)),
			tensor.New(tensor.WithShape(n, s.cfg.MaxGTBoxes, gtBoxColumns), tensor.WithBacking(gt)),
		},
		Index: idx,
		Pad:   pad,
	}, nil
}

// load decodes one record into network input layout.
func (s *ImageSource) load(rec Record) (sample, error) {
	img, err := decodeImage(rec.Image)
	if err != nil {
		return sample{}, err
	}
	if rec.Flipped {
		img = flipHorizontal(img)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := math.Min(float64(s.cfg.Width)/float64(w), float64(s.cfg.Height)/float64(h))
	rw := max(1, min(s.cfg.Width, int(math.Round(float64(w)*scale))))
	rh := max(1, min(s.cfg.Height, int(math.Round(float64(h)*scale))))
	resized := resize.Resize(uint(rw), uint(rh), img, resize.Bilinear)

	plane := s.cfg.Height * s.cfg.Width
	data := make([]float32, 3*plane)
	rb := resized.Bounds()
	for y := 0; y < rh; y++ {
		for x := 0; x < rw; x++ {
			r, g, bl, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			o := y*s.cfg.Width + x
			data[o] = float32(r>>8) - s.cfg.PixelMeans[2]
			data[plane+o] = float32(g>>8) - s.cfg.PixelMeans[1]
			data[2*plane+o] = float32(bl>>8) - s.cfg.PixelMeans[0]
		}
	}

	gt := make([]float32, s.cfg.MaxGTBoxes*gtBoxColumns)
	for i := range gt {
		gt[i] = -1
	}
	if len(rec.Boxes) > s.cfg.MaxGTBoxes {
		s.cfg.Logger.Warn("ground truth truncated", "image", rec.Image, "boxes", len(rec.Boxes), "max", s.cfg.MaxGTBoxes)
	}
	for i, box := range rec.Boxes {
		if i >= s.cfg.MaxGTBoxes {
			break
		}
		sb := box.Scale(float32(1 / scale))
		copy(gt[i*gtBoxColumns:], []float32{sb.X1, sb.Y1, sb.X2, sb.Y2, float32(rec.Classes[i])})
	}

	return sample{
		data:   data,
		imInfo: [3]float32{float32(rh), float32(rw), float32(scale)},
		gt:     gt,
	}, nil
}

// decodeImage decodes JPEG, PNG or WebP.
func decodeImage(path string) (image.Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read image")
	}
	if strings.EqualFold(filepath.Ext(path), ".webp") {
		img, err := webp.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.Wrapf(err, "decode webp %s", path)
		}
		return img, nil
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "decode image %s", path)
	}
	return img, nil
}

func flipHorizontal(img image.Image) image.Image {
	b := img.Bounds()
	src := image.NewRGBA(b)
	draw.Draw(src, b, img, b.Min, draw.Src)
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(b.Max.X-1-(x-b.Min.X), y, src.At(x, y))
		}
	}
	return dst
}
