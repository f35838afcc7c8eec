// Package train - The training routine: a framework module driven by a
// prefetching iterator, with learning rate scheduling, progress logging and
// per-epoch checkpoints.
package train

import (
	"fmt"

	"github.com/nvr-ai/go-detlab/prefetch"
)

// Module is the boundary to the numerical framework that owns the network.
type Module interface {
	// Bind allocates the module for batches described by data and label.
	Bind(data, label []prefetch.DataDesc) error
	// ForwardBackward runs one batch and computes gradients.
	ForwardBackward(batch *prefetch.Batch) error
	// Update applies the gradients of the last ForwardBackward.
	Update() error
	// Outputs reports named scalar outputs of the last batch, such as loss.
	Outputs() map[string]float64
	// SetLearningRate changes the step size of subsequent updates.
	SetLearningRate(lr float64)
	// Save writes the parameters to path.
	Save(path string) error
	// Load reads parameters written by Save.
	Load(path string) error
}

// CheckpointPath names the parameter file of an epoch: "<prefix>-0007.params".
func CheckpointPath(prefix string, epoch int) string {
	return fmt.Sprintf("%s-%04d.params", prefix, epoch)
}
