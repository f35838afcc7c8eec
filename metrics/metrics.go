// Package metrics - Prometheus collectors for prefetching, training and
// evaluation, and the HTTP endpoint that exposes them.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nvr-ai/go-detlab/prefetch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PrefetchFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "detlab_prefetch_fetch_duration_seconds",
		Help:    "Time a slot worker spent fetching one batch from the source.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"slot", "outcome"})
	PrefetchWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "detlab_prefetch_wait_duration_seconds",
		Help:    "Time the consumer waited for a slot to become ready.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"slot"})
	PrefetchFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "detlab_prefetch_fetches_total", Help: "Batch fetches by outcome.",
	}, []string{"outcome"})

	TrainBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "detlab_train_batches_total", Help: "Training batches processed.",
	})
	TrainSamplesPerSecond = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "detlab_train_samples_per_second", Help: "Most recent training throughput.",
	})
	TrainEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "detlab_train_epoch", Help: "Current training epoch.",
	})
	TrainLearningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "detlab_train_learning_rate", Help: "Current learning rate.",
	})
	TrainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "detlab_train_loss", Help: "Mean loss over the last logging window.",
	})

	TestImages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "detlab_test_images_total", Help: "Images evaluated.",
	})
	TestMAP = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "detlab_test_map", Help: "Mean average precision of the last evaluation.",
	})
)

// PrefetchObserver records prefetch activity. It implements prefetch.Observer.
type PrefetchObserver struct{}

func (PrefetchObserver) ObserveFetch(slot int, took time.Duration, outcome prefetch.FetchOutcome) {
	PrefetchFetchDuration.WithLabelValues(strconv.Itoa(slot), string(outcome)).Observe(took.Seconds())
	PrefetchFetches.WithLabelValues(string(outcome)).Inc()
}

func (PrefetchObserver) ObserveWait(slot int, took time.Duration) {
	PrefetchWaitDuration.WithLabelValues(strconv.Itoa(slot)).Observe(took.Seconds())
}

const shutdownTimeout = 5 * time.Second

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, log *slog.Logger, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
