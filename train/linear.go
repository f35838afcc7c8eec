package train

import (
	"fmt"
	"os"

	"github.com/nvr-ai/go-detlab/dataset"
	"github.com/nvr-ai/go-detlab/prefetch"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// linearFeatures is a bias plus one pooled value per color channel.
const linearFeatures = 4

// LinearModule is a least-squares head trained with gorgonia. It pools every
// image to its per-channel mean and regresses the number of ground truth
// objects, which is enough to exercise a full bind, forward, backward and
// update cycle on real batches.
type LinearModule struct {
	g      *G.ExprGraph
	x, y   *G.Node
	w      *G.Node
	loss   *G.Node
	vm     G.VM
	solver G.Solver

	batch   int
	dataIdx int
	gtIdx   int
	lr      float64
	last    float64
	dirty   bool
}

// NewLinearModule creates an unbound module.
func NewLinearModule(lr float64) *LinearModule {
	return &LinearModule{lr: lr, gtIdx: -1}
}

// Bind builds the graph for the batch size of the data descriptor named
// "data".
func (m *LinearModule) Bind(data, label []prefetch.DataDesc) error {
	m.dataIdx = -1
	for i, d := range data {
		if d.Name == dataset.DataName {
			m.dataIdx = i
		}
	}
	if m.dataIdx < 0 {
		return fmt.Errorf("no %q input among %v", dataset.DataName, data)
	}
	shape := data[m.dataIdx].Shape
	if len(shape) != 4 || shape[1] != 3 {
		return fmt.Errorf("%q must be [N, 3, H, W], got %v", dataset.DataName, shape)
	}
	m.batch = shape[0]
	for i, l := range label {
		if l.Name == dataset.GTBoxesName {
			m.gtIdx = i
		}
	}

	m.g = G.NewGraph()
	m.x = G.NewMatrix(m.g, tensor.Float64, G.WithShape(m.batch, linearFeatures), G.WithName("x"))
	m.y = G.NewMatrix(m.g, tensor.Float64, G.WithShape(m.batch, 1), G.WithName("y"))
	m.w = G.NewMatrix(m.g, tensor.Float64, G.WithShape(linearFeatures, 1), G.WithName("w"), G.WithInit(G.Zeroes()))

	pred, err := G.Mul(m.x, m.w)
	if err != nil {
		return errors.Wrap(err, "build prediction")
	}
	diff, err := G.Sub(pred, m.y)
	if err != nil {
		return errors.Wrap(err, "build residual")
	}
	sq, err := G.Square(diff)
	if err != nil {
		return errors.Wrap(err, "build squared residual")
	}
	if m.loss, err = G.Mean(sq); err != nil {
		return errors.Wrap(err, "build loss")
	}
	if _, err := G.Grad(m.loss, m.w); err != nil {
		return errors.Wrap(err, "build gradient")
	}

	m.vm = G.NewTapeMachine(m.g, G.BindDualValues(m.w))
	m.solver = G.NewVanillaSolver(G.WithLearnRate(m.lr))
	return nil
}

// ForwardBackward computes the loss and its gradient for one batch.
func (m *LinearModule) ForwardBackward(batch *prefetch.Batch) error {
	if m.vm == nil {
		return errors.New("module is not bound")
	}
	if m.dataIdx >= len(batch.Data) {
		return fmt.Errorf("batch has %d data tensors", len(batch.Data))
	}

	x, err := m.features(batch.Data[m.dataIdx])
	if err != nil {
		return err
	}
	y := make([]float64, m.batch)
	if m.gtIdx >= 0 && m.gtIdx < len(batch.Label) {
		if y, err = m.targets(batch.Label[m.gtIdx]); err != nil {
			return err
		}
	}

	if m.dirty {
		m.vm.Reset()
	}
	if err := G.Let(m.x, tensor.New(tensor.WithShape(m.batch, linearFeatures), tensor.WithBacking(x))); err != nil {
		return errors.Wrap(err, "set features")
	}
	if err := G.Let(m.y, tensor.New(tensor.WithShape(m.batch, 1), tensor.WithBacking(y))); err != nil {
		return errors.Wrap(err, "set targets")
	}
	if err := m.vm.RunAll(); err != nil {
		return errors.Wrap(err, "forward backward")
	}
	m.dirty = true

	loss, ok := m.loss.Value().Data().(float64)
	if !ok {
		return fmt.Errorf("unexpected loss value %v", m.loss.Value())
	}
	m.last = loss
	return nil
}

// features pools [N, 3, H, W] pixels into [N, 4] rows of bias and
// normalized channel means.
func (m *LinearModule) features(t tensor.Tensor) ([]float64, error) {
	px, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("data must be float32, got %v", t.Dtype())
	}
	shape := t.Shape()
	if len(shape) != 4 || shape[0] != m.batch || shape[1] != 3 {
		return nil, fmt.Errorf("data shape %v does not match bound batch %d", shape, m.batch)
	}
	plane := shape[2] * shape[3]

	out := make([]float64, m.batch*linearFeatures)
	for n := 0; n < m.batch; n++ {
		out[n*linearFeatures] = 1
		for c := 0; c < 3; c++ {
			var sum float64
			for _, v := range px[(n*3+c)*plane : (n*3+c+1)*plane] {
				sum += float64(v)
			}
			out[n*linearFeatures+1+c] = sum / float64(plane) / 128
		}
	}
	return out, nil
}

// targets counts the real rows of padded [N, G, 5] ground truth.
func (m *LinearModule) targets(t tensor.Tensor) ([]float64, error) {
	gt, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("ground truth must be float32, got %v", t.Dtype())
	}
	shape := t.Shape()
	if len(shape) != 3 || shape[0] != m.batch || shape[2] != 5 {
		return nil, fmt.Errorf("ground truth shape %v does not match bound batch %d", shape, m.batch)
	}

	out := make([]float64, m.batch)
	for n := 0; n < m.batch; n++ {
		for g := 0; g < shape[1]; g++ {
			if gt[(n*shape[1]+g)*5+4] >= 0 {
				out[n]++
			}
		}
	}
	return out, nil
}

// Update takes one solver step.
func (m *LinearModule) Update() error {
	if !m.dirty {
		return errors.New("update without forward backward")
	}
	if err := m.solver.Step(G.NodesToValueGrads(G.Nodes{m.w})); err != nil {
		return errors.Wrap(err, "solver step")
	}
	return nil
}

// Outputs reports the last mean squared error as "loss".
func (m *LinearModule) Outputs() map[string]float64 {
	return map[string]float64{"loss": m.last}
}

// SetLearningRate replaces the solver with one using lr. The vanilla solver
// keeps no per-parameter state.
func (m *LinearModule) SetLearningRate(lr float64) {
	if lr == m.lr && m.solver != nil {
		return
	}
	m.lr = lr
	if m.solver != nil {
		m.solver = G.NewVanillaSolver(G.WithLearnRate(lr))
	}
}

// Weights returns a copy of the learned parameters.
func (m *LinearModule) Weights() []float64 {
	if m.w == nil {
		return nil
	}
	return append([]float64(nil), m.w.Value().Data().([]float64)...)
}

// Save writes the weights as a NumPy array.
func (m *LinearModule) Save(path string) error {
	if m.w == nil {
		return errors.New("module is not bound")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	defer f.Close()

	w, ok := m.w.Value().(*tensor.Dense)
	if !ok {
		return fmt.Errorf("unexpected weight value %T", m.w.Value())
	}
	if err := w.WriteNpy(f); err != nil {
		return errors.Wrapf(err, "write checkpoint %s", path)
	}
	return f.Close()
}

// Load reads weights written by Save into a bound module.
func (m *LinearModule) Load(path string) error {
	if m.w == nil {
		return errors.New("module is not bound")
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()

	loaded := new(tensor.Dense)
	if err := loaded.ReadNpy(f); err != nil {
		return errors.Wrapf(err, "read checkpoint %s", path)
	}
	src, ok := loaded.Data().([]float64)
	dst := m.w.Value().Data().([]float64)
	if !ok || len(src) != len(dst) {
		return fmt.Errorf("checkpoint %s holds %v %v, want %d float64", path, loaded.Dtype(), loaded.Shape(), len(dst))
	}
	copy(dst, src)
	return nil
}
