package dataset

import (
	"context"
	"sync"

	"github.com/nvr-ai/go-detlab/prefetch"
)

// SliceSource yields prepared batches from memory. It implements
// prefetch.Source.
type SliceSource struct {
	batches []*prefetch.Batch
	data    []prefetch.DataDesc
	label   []prefetch.DataDesc

	mu  sync.Mutex
	pos int
}

// NewSliceSource creates a source over batches described by data and label.
func NewSliceSource(batches []*prefetch.Batch, data, label []prefetch.DataDesc) *SliceSource {
	return &SliceSource{batches: batches, data: data, label: label}
}

// Next returns the next batch or prefetch.ErrEndOfSequence.
func (s *SliceSource) Next(ctx context.Context) (*prefetch.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.batches) {
		return nil, prefetch.ErrEndOfSequence
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

// Reset rewinds to the first batch.
func (s *SliceSource) Reset() error {
	s.mu.Lock()
	s.pos = 0
	s.mu.Unlock()
	return nil
}

func (s *SliceSource) ProvideData() []prefetch.DataDesc  { return s.data }
func (s *SliceSource) ProvideLabel() []prefetch.DataDesc { return s.label }
