package prefetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrSingleSource is returned when New is given anything but exactly one source.
	ErrSingleSource = errors.New("prefetch: exactly one source is supported")
	// ErrInvalidSlots is returned for a negative slot count.
	ErrInvalidSlots = errors.New("prefetch: slots must be > 0")
	// ErrClosed is returned by operations on a closed Iterator.
	ErrClosed = errors.New("prefetch: iterator closed")
	// ErrSourcePanic wraps a panic raised by the wrapped source.
	ErrSourcePanic = errors.New("prefetch: source panicked")
)

// SlotState is the signal state of one slot.
type SlotState int32

const (
	// SlotTaken means the slot was released to its worker, which is fetching or about to.
	SlotTaken SlotState = iota
	// SlotReady means the slot holds a fetched batch, sentinel or error.
	SlotReady
	// SlotStopped means the worker has exited.
	SlotStopped
)

// String returns the state name.
func (s SlotState) String() string {
	switch s {
	case SlotTaken:
		return "taken"
	case SlotReady:
		return "ready"
	case SlotStopped:
		return "stopped"
	default:
		return fmt.Sprintf("SlotState(%d)", int32(s))
	}
}

// result is what a worker publishes into its slot. end is the exhaustion sentinel.
type result struct {
	batch *Batch
	end   bool
	err   error
}

func (r result) outcome() FetchOutcome {
	switch {
	case r.end:
		return FetchEnd
	case r.err != nil:
		return FetchError
	default:
		return FetchOK
	}
}

// slot is one buffer position. taken and ready hold at most one signal each.
type slot struct {
	taken chan struct{}
	ready chan result
	state atomic.Int32
}

// Iterator prefetches batches from a single Source into a ring of slots.
//
// Each slot owns one worker goroutine. A worker waits until its slot is
// taken, fetches the next batch, then publishes it as ready. The consumer
// walks the slots round-robin. A fetch turn token travels from slot to slot so
// the source is always read in slot order, which keeps batches in source
// order for any number of slots.
//
// Next and Reset must be called from a single consumer. Close may be called
// from any goroutine.
type Iterator struct {
	source Source
	opts   Options
	log    *slog.Logger

	slots []*slot
	turns []chan struct{}

	// Consumer-side state, guarded by mu.
	mu      sync.Mutex
	cursor  int
	pending []bool
	halted  error

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New wraps sources, which must contain exactly one Source, and starts prefetching.
//
// Arguments:
//   - sources: The batch sources to wrap. Only a single source is supported.
//   - opts: Functional options, see WithSlots, WithRetry and friends.
//
// Returns:
//   - *Iterator: A running iterator. Call Close to stop its workers.
//   - error: ErrSingleSource, ErrInvalidSlots or a rename error.
func New(sources []Source, opts ...Option) (*Iterator, error) {
	if len(sources) != 1 || sources[0] == nil {
		return nil, ErrSingleSource
	}

	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	src := sources[0]
	if err := checkRename(src.ProvideData(), o.RenameData); err != nil {
		return nil, err
	}
	if err := checkRename(src.ProvideLabel(), o.RenameLabel); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	it := &Iterator{
		source:  src,
		opts:    o,
		log:     o.Logger.With("component", "prefetch"),
		slots:   make([]*slot, o.Slots),
		turns:   make([]chan struct{}, o.Slots),
		pending: make([]bool, o.Slots),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for i := range it.slots {
		it.slots[i] = &slot{
			taken: make(chan struct{}, 1),
			ready: make(chan result, 1),
		}
		it.turns[i] = make(chan struct{}, 1)
	}

	it.turns[0] <- struct{}{}
	for i, s := range it.slots {
		it.release(i, s)
	}

	it.wg.Add(len(it.slots))
	for i := range it.slots {
		go it.worker(i)
	}
	it.log.Debug("prefetch started", "slots", len(it.slots))

	return it, nil
}

// Next returns the next batch in source order.
//
// It blocks until the current slot is ready. Once the source is exhausted it
// returns ErrEndOfSequence, and keeps doing so until Reset. A fetch failure is
// returned the same way, wrapped with the slot index.
//
// Arguments:
//   - ctx: Bounds the wait for the current slot.
//
// Returns:
//   - *Batch: The next batch.
//   - error: ErrEndOfSequence, a fetch error, ErrClosed or ctx.Err().
func (it *Iterator) Next(ctx context.Context) (*Batch, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed.Load() {
		return nil, ErrClosed
	}
	if it.halted != nil {
		return nil, it.halted
	}

	i := it.cursor
	s := it.slots[i]
	start := time.Now()

	var res result
	select {
	case res = <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-it.done:
		return nil, ErrClosed
	}
	it.opts.Observer.ObserveWait(i, time.Since(start))

	it.pending[i] = false
	if it.closed.Load() {
		return nil, ErrClosed
	}
	it.cursor = (i + 1) % len(it.slots)

	if res.end {
		it.halted = ErrEndOfSequence
		return nil, it.halted
	}
	if res.err != nil {
		it.halted = fmt.Errorf("prefetch slot %d: %w", i, res.err)
		return nil, it.halted
	}

	it.release(i, s)
	return res.batch, nil
}

// Reset waits for every slot to become ready, rewinds the source and restarts
// prefetching from slot 0.
//
// Arguments:
//   - ctx: Bounds the wait for in-flight fetches.
//
// Returns:
//   - error: The source's reset error, ErrClosed or ctx.Err().
func (it *Iterator) Reset(ctx context.Context) error {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed.Load() {
		return ErrClosed
	}

	// Wait for in-flight fetches and discard whatever they produced.
	for i, s := range it.slots {
		if !it.pending[i] {
			continue
		}
		select {
		case <-s.ready:
			it.pending[i] = false
		case <-ctx.Done():
			return ctx.Err()
		case <-it.done:
			return ErrClosed
		}
	}

	if err := it.source.Reset(); err != nil {
		return fmt.Errorf("prefetch reset source: %w", err)
	}

	// No worker is fetching, so the single turn token sits in one of the turn
	// channels. Move it back to slot 0.
	for _, t := range it.turns {
		select {
		case <-t:
		default:
		}
	}
	it.turns[0] <- struct{}{}

	it.cursor = 0
	it.halted = nil
	for i, s := range it.slots {
		it.release(i, s)
	}
	it.log.Debug("prefetch reset")

	return nil
}

// Close stops all workers and waits for them to exit. It is safe to call more
// than once and from any goroutine.
func (it *Iterator) Close() error {
	it.closeOnce.Do(func() {
		it.closed.Store(true)
		close(it.done)
		it.cancel()
		it.wg.Wait()
		for _, s := range it.slots {
			s.state.Store(int32(SlotStopped))
		}
		it.log.Debug("prefetch stopped")
	})
	return nil
}

// ProvideData returns the data descriptors of the wrapped source, renamed.
func (it *Iterator) ProvideData() []DataDesc {
	return rename(it.source.ProvideData(), it.opts.RenameData)
}

// ProvideLabel returns the label descriptors of the wrapped source, renamed.
func (it *Iterator) ProvideLabel() []DataDesc {
	return rename(it.source.ProvideLabel(), it.opts.RenameLabel)
}

// BatchSize is the leading dimension of the first data field, or 0 when the
// source describes no data.
func (it *Iterator) BatchSize() int {
	descs := it.source.ProvideData()
	if len(descs) == 0 || len(descs[0].Shape) == 0 {
		return 0
	}
	return descs[0].Shape[0]
}

// Slots returns a snapshot of every slot's state.
func (it *Iterator) Slots() []SlotState {
	out := make([]SlotState, len(it.slots))
	for i, s := range it.slots {
		out[i] = SlotState(s.state.Load())
	}
	return out
}

// release marks slot i taken and wakes its worker. Caller holds mu or is New.
func (it *Iterator) release(i int, s *slot) {
	s.state.Store(int32(SlotTaken))
	it.pending[i] = true
	s.taken <- struct{}{}
}

func (it *Iterator) worker(i int) {
	defer it.wg.Done()

	s := it.slots[i]
	next := it.turns[(i+1)%len(it.turns)]
	log := it.log.With("slot", i)
	log.Debug("prefetch worker started")
	defer log.Debug("prefetch worker exited")

	for {
		select {
		case <-s.taken:
		case <-it.done:
			return
		}
		if it.closed.Load() {
			return
		}

		select {
		case <-it.turns[i]:
		case <-it.done:
			return
		}

		res := it.fetch(i)
		next <- struct{}{}

		s.state.Store(int32(SlotReady))
		s.ready <- res
	}
}

// fetch reads one batch from the source, retrying per the configured policy.
func (it *Iterator) fetch(i int) (res result) {
	start := time.Now()
	defer func() {
		it.opts.Observer.ObserveFetch(i, time.Since(start), res.outcome())
	}()

	op := func() error {
		batch, err := it.next()
		switch {
		case errors.Is(err, ErrEndOfSequence):
			res = result{end: true}
			return nil
		case err != nil:
			return err
		case batch == nil:
			return errors.New("source returned a nil batch")
		}
		res = result{batch: batch}
		return nil
	}

	var err error
	if it.opts.Retry == nil {
		err = op()
	} else {
		err = backoff.RetryNotify(op, backoff.WithContext(it.opts.Retry(), it.ctx), func(err error, wait time.Duration) {
			it.log.Warn("prefetch fetch failed, retrying", "slot", i, "error", err, "wait", wait)
		})
	}
	if err != nil {
		if !it.closed.Load() {
			it.log.Error("prefetch fetch failed", "slot", i, "error", err)
		}
		res = result{err: err}
	}
	return res
}

// next calls the source, converting a panic into an error.
func (it *Iterator) next() (batch *Batch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSourcePanic, r)
		}
	}()
	return it.source.Next(it.ctx)
}
