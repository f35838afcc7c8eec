// Package inference - Detector sessions and the evaluation routine that runs
// them over a test image set.
package inference

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/nvr-ai/go-detlab/prefetch"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// SharedLibraryEnv overrides the onnxruntime shared library location.
const SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// Detector predicts per-anchor boxes and class scores for a batch.
type Detector interface {
	// Detect returns boxes [N, A, 4] in network input pixels and class
	// scores [N, A, C], both float32.
	Detect(ctx context.Context, batch *prefetch.Batch) (boxes, scores *tensor.Dense, err error)
	// Close releases the detector.
	Close() error
}

// SessionConfig describes an exported detector.
type SessionConfig struct {
	// ModelPath is the ONNX file.
	ModelPath string
	// LibraryPath is the onnxruntime shared library; SharedLibPath when empty.
	LibraryPath string

	Batch, Height, Width int
	// Anchors is the number of predictions per image.
	Anchors int
	// Classes includes background when the model predicts it.
	Classes int

	InputName  string
	BoxesName  string
	ScoresName string

	IntraOpThreads int
	InterOpThreads int
}

func (c *SessionConfig) applyDefaults() {
	if c.LibraryPath == "" {
		c.LibraryPath = SharedLibPath()
	}
	if c.InputName == "" {
		c.InputName = "data"
	}
	if c.BoxesName == "" {
		c.BoxesName = "boxes"
	}
	if c.ScoresName == "" {
		c.ScoresName = "scores"
	}
	if c.IntraOpThreads == 0 {
		c.IntraOpThreads = runtime.NumCPU()
	}
}

// Validate checks the configuration and fills defaults.
func (c *SessionConfig) Validate() error {
	c.applyDefaults()
	if c.ModelPath == "" {
		return errors.New("model path is required")
	}
	if c.Batch <= 0 || c.Height <= 0 || c.Width <= 0 {
		return fmt.Errorf("input shape %dx3x%dx%d must be positive", c.Batch, c.Height, c.Width)
	}
	if c.Anchors <= 0 {
		return errors.New("anchors must be > 0")
	}
	if c.Classes <= 0 {
		return errors.New("classes must be > 0")
	}
	return nil
}

// SharedLibPath returns the onnxruntime shared library for the current
// platform, honoring SharedLibraryEnv.
//
// Returns:
//   - string: The path to the shared library.
func SharedLibPath() string {
	if p := os.Getenv(SharedLibraryEnv); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.1.23.0.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "./third_party/onnxruntime_arm64.so"
	}
	return "./third_party/onnxruntime.so"
}

var envMu sync.Mutex

// initEnvironment initializes the process wide onnxruntime environment once.
func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(err, "onnxruntime library not found at %s", libPath)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("error initializing ORT environment: %w", err)
	}
	return nil
}

// ONNXDetector runs an exported detector through onnxruntime. Detect calls are
// serialized since the session tensors are shared.
type ONNXDetector struct {
	cfg SessionConfig

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	boxes   *ort.Tensor[float32]
	scores  *ort.Tensor[float32]
}

// NewONNXDetector creates a detector session.
//
// Arguments:
//   - cfg: The model location and tensor layout.
//
// Returns:
//   - *ONNXDetector: The detector, to be closed by the caller.
//   - error: If the runtime or the model cannot be loaded.
func NewONNXDetector(cfg SessionConfig) (*ONNXDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid session config")
	}
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	d := &ONNXDetector{cfg: cfg}
	var err error
	d.input, err = ort.NewEmptyTensor[float32](ort.NewShape(int64(cfg.Batch), 3, int64(cfg.Height), int64(cfg.Width)))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	d.boxes, err = ort.NewEmptyTensor[float32](ort.NewShape(int64(cfg.Batch), int64(cfg.Anchors), 4))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("error creating boxes tensor: %w", err)
	}
	d.scores, err = ort.NewEmptyTensor[float32](ort.NewShape(int64(cfg.Batch), int64(cfg.Anchors), int64(cfg.Classes)))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("error creating scores tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("error creating ORT session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		d.Close()
		return nil, err
	}
	if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
		d.Close()
		return nil, err
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		d.Close()
		return nil, err
	}

	d.session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.BoxesName, cfg.ScoresName},
		[]ort.ArbitraryTensor{d.input},
		[]ort.ArbitraryTensor{d.boxes, d.scores},
		options,
	)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("error creating ORT session: %w", err)
	}
	return d, nil
}

// Detect runs the model on the first data tensor of batch.
func (d *ONNXDetector) Detect(ctx context.Context, batch *prefetch.Batch) (*tensor.Dense, *tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if len(batch.Data) == 0 {
		return nil, nil, errors.New("batch has no data")
	}
	data, ok := batch.Data[0].Data().([]float32)
	if !ok {
		return nil, nil, fmt.Errorf("data tensor is %s, want float32", batch.Data[0].Dtype())
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil {
		return nil, nil, errors.New("detector is closed")
	}
	in := d.input.GetData()
	if len(data) != len(in) {
		return nil, nil, fmt.Errorf("data has %d values, model input takes %d", len(data), len(in))
	}
	copy(in, data)
	if err := d.session.Run(); err != nil {
		return nil, nil, fmt.Errorf("failed to run inference: %w", err)
	}

	c := d.cfg
	boxes := tensor.New(tensor.WithShape(c.Batch, c.Anchors, 4), tensor.WithBacking(append([]float32(nil), d.boxes.GetData()...)))
	scores := tensor.New(tensor.WithShape(c.Batch, c.Anchors, c.Classes), tensor.WithBacking(append([]float32(nil), d.scores.GetData()...)))
	return boxes, scores, nil
}

// Close releases the session and its tensors.
func (d *ONNXDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	for _, t := range []**ort.Tensor[float32]{&d.input, &d.boxes, &d.scores} {
		if *t != nil {
			(*t).Destroy()
			*t = nil
		}
	}
	return nil
}
