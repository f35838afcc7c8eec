// Package prefetch - Double-buffered prefetching over a single batch source.
//
// The Iterator keeps a fixed ring of slots filled by one background worker per
// slot, so fetching the next batch overlaps with consumption of the current one.
package prefetch

import (
	"context"
	"errors"
	"fmt"

	"gorgonia.org/tensor"
)

// ErrEndOfSequence is returned when the wrapped source is exhausted.
//
// Sources return it from Next to signal exhaustion; the Iterator surfaces it to
// the consumer once every batch before it has been delivered.
var ErrEndOfSequence = errors.New("end of sequence")

// DataDesc describes one data or label field produced by a source.
type DataDesc struct {
	// Name is the field name the model binds to (e.g. "data", "im_info").
	Name string
	// Shape is the full batch shape, the leading dimension being the batch size.
	Shape []int
	// Dtype is the element type of the field.
	Dtype tensor.Dtype
}

// String formats the descriptor for logs.
func (d DataDesc) String() string {
	return fmt.Sprintf("DataDesc[%s,%v,%s]", d.Name, d.Shape, d.Dtype)
}

// Batch is one unit of model input plus labels.
type Batch struct {
	// Data holds one tensor per DataDesc in ProvideData order.
	Data []tensor.Tensor
	// Label holds one tensor per DataDesc in ProvideLabel order.
	Label []tensor.Tensor
	// Index identifies the samples in the batch within the source.
	Index []int
	// Pad is the number of trailing samples that only pad the batch.
	Pad int
}

// Source is a sequential batch source.
//
// Implementations do not need to be safe for concurrent use: the Iterator
// never calls Next concurrently and never calls Reset while a Next is running.
type Source interface {
	// Next returns the next batch or ErrEndOfSequence once exhausted.
	Next(ctx context.Context) (*Batch, error)
	// Reset rewinds the source to its first batch.
	Reset() error
	// ProvideData describes the data fields of every batch.
	ProvideData() []DataDesc
	// ProvideLabel describes the label fields of every batch.
	ProvideLabel() []DataDesc
}

// rename applies a name mapping to a list of descriptors.
func rename(descs []DataDesc, names map[string]string) []DataDesc {
	out := make([]DataDesc, len(descs))
	for i, d := range descs {
		out[i] = DataDesc{Name: d.Name, Shape: append([]int(nil), d.Shape...), Dtype: d.Dtype}
		if n, ok := names[d.Name]; ok {
			out[i].Name = n
		}
	}
	return out
}

// checkRename verifies that every key in names refers to a known descriptor.
func checkRename(descs []DataDesc, names map[string]string) error {
	known := make(map[string]struct{}, len(descs))
	for _, d := range descs {
		known[d.Name] = struct{}{}
	}
	for from := range names {
		if _, ok := known[from]; !ok {
			return fmt.Errorf("rename: source provides no field %q", from)
		}
	}
	return nil
}
