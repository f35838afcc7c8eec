package metrics

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/nvr-ai/go-detlab/prefetch"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefetchObserver(t *testing.T) {
	before := testutil.ToFloat64(PrefetchFetches.WithLabelValues(string(prefetch.FetchEnd)))

	var obs prefetch.Observer = PrefetchObserver{}
	obs.ObserveFetch(1, 10*time.Millisecond, prefetch.FetchEnd)
	obs.ObserveWait(1, time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(PrefetchFetches.WithLabelValues(string(prefetch.FetchEnd))))
	assert.Positive(t, testutil.CollectAndCount(PrefetchWaitDuration))
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, slog.New(slog.DiscardHandler), addr) }()

	TestImages.Inc()
	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ = io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, string(body), "detlab_test_images_total")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
