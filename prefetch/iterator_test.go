package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// seqSource yields batches whose Index is {0}, {1}, ... then ErrEndOfSequence.
type seqSource struct {
	mu     sync.Mutex
	n      int
	pos    int
	resets int
	delay  time.Duration
	failAt map[int]int // index -> remaining failures
	panics bool
	active atomic.Int32
	overlap atomic.Bool
}

func (s *seqSource) Next(ctx context.Context) (*Batch, error) {
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.active.Add(-1)

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= s.n {
		return nil, ErrEndOfSequence
	}
	if s.panics && s.pos == 1 {
		panic("decoder exploded")
	}
	if left := s.failAt[s.pos]; left > 0 {
		s.failAt[s.pos] = left - 1
		return nil, fmt.Errorf("transient failure at %d", s.pos)
	}
	b := &Batch{Index: []int{s.pos}}
	s.pos++
	return b, nil
}

func (s *seqSource) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
	s.resets++
	return nil
}

func (s *seqSource) ProvideData() []DataDesc {
	return []DataDesc{{Name: "data", Shape: []int{2, 3, 8, 8}, Dtype: tensor.Float32}}
}

func (s *seqSource) ProvideLabel() []DataDesc {
	return []DataDesc{{Name: "im_info", Shape: []int{2, 3}, Dtype: tensor.Float32}}
}

// blockingSource blocks every Next until its context is cancelled.
type blockingSource struct {
	seqSource
	entered chan struct{}
}

func (s *blockingSource) Next(ctx context.Context) (*Batch, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func drain(t *testing.T, it *Iterator) []int {
	t.Helper()
	var got []int
	for {
		b, err := it.Next(context.Background())
		if errors.Is(err, ErrEndOfSequence) {
			return got
		}
		require.NoError(t, err)
		got = append(got, b.Index[0])
	}
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestIterator_DeliversInOrderForAnySlotCount(t *testing.T) {
	for _, slots := range []int{1, 2, 3, 4, 8} {
		for _, n := range []int{0, 1, 5, 17} {
			t.Run(fmt.Sprintf("slots=%d/batches=%d", slots, n), func(t *testing.T) {
				src := &seqSource{n: n}
				it, err := New([]Source{src}, WithSlots(slots))
				require.NoError(t, err)
				defer it.Close()

				got := drain(t, it)
				if n == 0 {
					assert.Empty(t, got)
				} else {
					assert.Equal(t, seq(n), got)
				}
				assert.False(t, src.overlap.Load(), "source must never be read concurrently")
			})
		}
	}
}

func TestIterator_EndOfSequenceIsSticky(t *testing.T) {
	it, err := New([]Source{&seqSource{n: 2}}, WithSlots(3))
	require.NoError(t, err)
	defer it.Close()

	assert.Equal(t, []int{0, 1}, drain(t, it))
	for i := 0; i < 3; i++ {
		_, err := it.Next(context.Background())
		assert.ErrorIs(t, err, ErrEndOfSequence)
	}
}

func TestIterator_ResetReplays(t *testing.T) {
	for _, slots := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("slots=%d", slots), func(t *testing.T) {
			src := &seqSource{n: 7}
			it, err := New([]Source{src}, WithSlots(slots))
			require.NoError(t, err)
			defer it.Close()

			first := drain(t, it)
			require.NoError(t, it.Reset(context.Background()))
			second := drain(t, it)

			assert.Equal(t, seq(7), first)
			assert.Equal(t, first, second)
			assert.Equal(t, 1, src.resets)
		})
	}
}

func TestIterator_ResetMidEpoch(t *testing.T) {
	it, err := New([]Source{&seqSource{n: 10}}, WithSlots(3))
	require.NoError(t, err)
	defer it.Close()

	for i := 0; i < 4; i++ {
		b, err := it.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, b.Index[0])
	}
	require.NoError(t, it.Reset(context.Background()))
	assert.Equal(t, seq(10), drain(t, it))
}

func TestIterator_SingleSlotScenario(t *testing.T) {
	it, err := New([]Source{&seqSource{n: 3}}, WithSlots(1))
	require.NoError(t, err)
	defer it.Close()

	ctx := context.Background()
	for _, want := range []int{0, 1, 2} {
		b, err := it.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, b.Index[0])
	}
	_, err = it.Next(ctx)
	assert.ErrorIs(t, err, ErrEndOfSequence)

	require.NoError(t, it.Reset(ctx))
	b, err := it.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Index[0])
}

func TestIterator_CloseUnblocksWorkers(t *testing.T) {
	src := &blockingSource{entered: make(chan struct{}, 1)}
	it, err := New([]Source{src}, WithSlots(4))
	require.NoError(t, err)

	select {
	case <-src.entered:
	case <-time.After(time.Second):
		t.Fatal("worker never called the source")
	}

	done := make(chan struct{})
	go func() {
		_ = it.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	for _, st := range it.Slots() {
		assert.Equal(t, SlotStopped, st)
	}
	assert.NoError(t, it.Close())
}

func TestIterator_CloseReleasesWaitingConsumer(t *testing.T) {
	src := &blockingSource{entered: make(chan struct{}, 1)}
	it, err := New([]Source{src}, WithSlots(2))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := it.Next(context.Background())
		errCh <- err
	}()
	<-src.entered
	require.NoError(t, it.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}

	_, err = it.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, it.Reset(context.Background()), ErrClosed)
}

func TestIterator_NextHonorsContext(t *testing.T) {
	src := &blockingSource{entered: make(chan struct{}, 1)}
	it, err := New([]Source{src}, WithSlots(1))
	require.NoError(t, err)
	defer it.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = it.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIterator_SlotSignalsAreExclusive(t *testing.T) {
	src := &seqSource{n: 30, delay: 200 * time.Microsecond}
	it, err := New([]Source{src}, WithSlots(3))
	require.NoError(t, err)
	defer it.Close()

	stop := make(chan struct{})
	sampled := make(chan int)
	var bad atomic.Int32
	go func() {
		n := 0
		defer func() { sampled <- n }()
		for {
			select {
			case <-stop:
				return
			default:
			}
			// A slot is signalled as taken or as ready, never both.
			for _, s := range it.slots {
				if len(s.taken)+len(s.ready) > 1 {
					bad.Add(1)
				}
			}
			n++
		}
	}()

	ctx := context.Background()
	assert.Equal(t, seq(30), drain(t, it))
	require.NoError(t, it.Reset(ctx))
	for range 10 {
		_, err := it.Next(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, it.Reset(ctx))
	assert.Equal(t, seq(30), drain(t, it))

	close(stop)
	assert.Positive(t, <-sampled)
	assert.Zero(t, bad.Load())
	for _, st := range it.Slots() {
		assert.Contains(t, []SlotState{SlotTaken, SlotReady}, st)
	}
}

func TestIterator_FetchErrorPoisonsUntilReset(t *testing.T) {
	src := &seqSource{n: 5, failAt: map[int]int{2: 1}}
	it, err := New([]Source{src}, WithSlots(2))
	require.NoError(t, err)
	defer it.Close()

	ctx := context.Background()
	for _, want := range []int{0, 1} {
		b, err := it.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, b.Index[0])
	}
	_, err = it.Next(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transient failure at 2")
	_, again := it.Next(ctx)
	assert.Equal(t, err, again)

	require.NoError(t, it.Reset(ctx))
	assert.Equal(t, seq(5), drain(t, it))
}

func TestIterator_FetchRetry(t *testing.T) {
	src := &seqSource{n: 4, failAt: map[int]int{1: 2, 3: 1}}
	it, err := New([]Source{src}, WithSlots(2), WithRetry(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}))
	require.NoError(t, err)
	defer it.Close()

	assert.Equal(t, seq(4), drain(t, it))
}

func TestIterator_SourcePanicBecomesError(t *testing.T) {
	it, err := New([]Source{&seqSource{n: 3, panics: true}}, WithSlots(2))
	require.NoError(t, err)
	defer it.Close()

	b, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, b.Index[0])

	_, err = it.Next(context.Background())
	assert.ErrorIs(t, err, ErrSourcePanic)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrSingleSource)

	_, err = New([]Source{&seqSource{}, &seqSource{}})
	assert.ErrorIs(t, err, ErrSingleSource)

	_, err = New([]Source{&seqSource{}}, WithSlots(-1))
	assert.ErrorIs(t, err, ErrInvalidSlots)

	_, err = New([]Source{&seqSource{}}, WithRenameData(map[string]string{"nope": "x"}))
	assert.Error(t, err)
}

func TestIterator_Descriptors(t *testing.T) {
	it, err := New([]Source{&seqSource{}},
		WithRenameData(map[string]string{"data": "data1"}),
		WithRenameLabel(map[string]string{"im_info": "info1"}),
	)
	require.NoError(t, err)
	defer it.Close()

	data := it.ProvideData()
	require.Len(t, data, 1)
	assert.Equal(t, "data1", data[0].Name)
	assert.Equal(t, []int{2, 3, 8, 8}, data[0].Shape)
	assert.Equal(t, tensor.Float32, data[0].Dtype)
	assert.Equal(t, "info1", it.ProvideLabel()[0].Name)
	assert.Equal(t, 2, it.BatchSize())
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[FetchOutcome]int
	waits    int
}

func (r *recordingObserver) ObserveFetch(_ int, _ time.Duration, o FetchOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[o]++
}

func (r *recordingObserver) ObserveWait(int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits++
}

func TestIterator_Observer(t *testing.T) {
	obs := &recordingObserver{outcomes: map[FetchOutcome]int{}}
	it, err := New([]Source{&seqSource{n: 3}}, WithSlots(1), WithObserver(obs))
	require.NoError(t, err)

	drain(t, it)
	require.NoError(t, it.Close())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 3, obs.outcomes[FetchOK])
	assert.Equal(t, 1, obs.outcomes[FetchEnd])
	assert.Equal(t, 4, obs.waits)
}
