package prefetch

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultSlots is the number of prefetch slots when none is configured.
const DefaultSlots = 4

// FetchOutcome classifies a single fetch from the wrapped source.
type FetchOutcome string

const (
	// FetchOK means the source returned a batch.
	FetchOK FetchOutcome = "ok"
	// FetchEnd means the source was exhausted.
	FetchEnd FetchOutcome = "end"
	// FetchError means the source failed after all retries.
	FetchError FetchOutcome = "error"
)

// Observer receives timing events from the Iterator.
//
// Calls come from worker goroutines and from the consumer concurrently.
type Observer interface {
	// ObserveFetch is called after every fetch, including retried ones as a whole.
	ObserveFetch(slot int, took time.Duration, outcome FetchOutcome)
	// ObserveWait is called after the consumer waited for a slot to become ready.
	ObserveWait(slot int, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveFetch(int, time.Duration, FetchOutcome) {}
func (nopObserver) ObserveWait(int, time.Duration)                {}

// Options configures an Iterator.
type Options struct {
	// Slots is the number of buffer slots and therefore of background workers.
	Slots int
	// RenameData maps source data field names to the names exposed by ProvideData.
	RenameData map[string]string
	// RenameLabel maps source label field names to the names exposed by ProvideLabel.
	RenameLabel map[string]string
	// Retry builds the backoff policy for a failing fetch. Nil disables retries.
	Retry func() backoff.BackOff
	// Logger receives worker lifecycle and fault logs.
	Logger *slog.Logger
	// Observer receives fetch and wait timings.
	Observer Observer
}

// Option mutates Options.
type Option func(*Options)

// WithSlots sets the number of prefetch slots.
func WithSlots(n int) Option {
	return func(o *Options) { o.Slots = n }
}

// WithRenameData renames data fields exposed by ProvideData.
func WithRenameData(names map[string]string) Option {
	return func(o *Options) { o.RenameData = names }
}

// WithRenameLabel renames label fields exposed by ProvideLabel.
func WithRenameLabel(names map[string]string) Option {
	return func(o *Options) { o.RenameLabel = names }
}

// WithRetry retries failing fetches with the backoff policy built by newBackOff.
//
// Example:
//
//	prefetch.WithRetry(func() backoff.BackOff {
//	    return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
//	})
func WithRetry(newBackOff func() backoff.BackOff) Option {
	return func(o *Options) { o.Retry = newBackOff }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

// WithObserver sets the timing observer.
func WithObserver(obs Observer) Option {
	return func(o *Options) { o.Observer = obs }
}

func (o *Options) validate() error {
	if o.Slots == 0 {
		o.Slots = DefaultSlots
	}
	if o.Slots < 0 {
		return ErrInvalidSlots
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return nil
}
