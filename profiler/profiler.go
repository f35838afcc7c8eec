// Package profiler - Periodic runtime and operation timing reports for long
// running training and evaluation jobs.
package profiler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MetricsCollector supplies custom metrics sampled on every tick.
type MetricsCollector interface {
	CollectMetrics() map[string]float64
}

// RuntimeProfiler samples the Go runtime and user supplied metrics, and logs
// a summary every report interval.
type RuntimeProfiler struct {
	log            *slog.Logger
	clock          clockwork.Clock
	reportInterval time.Duration
	sampleInterval time.Duration
	maxSamples     int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	running     bool
	startTime   time.Time
	memStats    runtime.MemStats
	lastGCCount uint32
	metrics     map[string]*window
	operations  map[string]*window
	collectors  []MetricsCollector
}

// ProfilingOptions configures the runtime profiler.
type ProfilingOptions struct {
	// ReportInterval specifies how often to log a report (default: 30s).
	ReportInterval time.Duration
	// SampleInterval specifies how often to sample (default: 1s).
	SampleInterval time.Duration
	// MaxSamples bounds the samples kept per metric (default: 600).
	MaxSamples int
	// Logger receives the reports.
	Logger *slog.Logger
	// Clock drives the tickers; the real clock when nil.
	Clock clockwork.Clock
}

// window keeps the most recent samples of one series.
type window struct {
	values []float64
	sum    float64
	count  int64
}

func (w *window) add(v float64, limit int) {
	w.values = append(w.values, v)
	w.sum += v
	if len(w.values) > limit {
		w.sum -= w.values[0]
		w.values = w.values[1:]
	}
	w.count++
}

func (w *window) summary() Summary {
	s := Summary{Samples: len(w.values), Count: w.count}
	if len(w.values) == 0 {
		return s
	}
	s.Avg = w.sum / float64(len(w.values))
	s.Min, s.Max = w.values[0], w.values[0]
	for _, v := range w.values[1:] {
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}
	return s
}

// Summary describes one series over its retained window. Count is the
// number of samples ever recorded.
type Summary struct {
	Avg, Min, Max float64
	Samples       int
	Count         int64
}

// Stats is a snapshot of the profiler state.
type Stats struct {
	Uptime     time.Duration
	Goroutines int
	HeapAlloc  uint64
	Sys        uint64
	GCCycles   uint32
	// Metrics holds custom metric summaries by name.
	Metrics map[string]Summary
	// Operations holds operation durations in seconds by name.
	Operations map[string]Summary
}

// NewRuntimeProfiler creates a profiler; Start begins sampling.
//
// Arguments:
//   - opts: Configuration options for the profiler.
//
// Returns:
//   - *RuntimeProfiler: A stopped profiler.
func NewRuntimeProfiler(opts ProfilingOptions) *RuntimeProfiler {
	if opts.ReportInterval == 0 {
		opts.ReportInterval = 30 * time.Second
	}
	if opts.SampleInterval == 0 {
		opts.SampleInterval = time.Second
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = 600
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &RuntimeProfiler{
		log:            opts.Logger,
		clock:          opts.Clock,
		reportInterval: opts.ReportInterval,
		sampleInterval: opts.SampleInterval,
		maxSamples:     opts.MaxSamples,
		startTime:      opts.Clock.Now(),
		metrics:        make(map[string]*window),
		operations:     make(map[string]*window),
	}
}

// Start begins sampling and reporting. Calling it twice is a no-op.
func (rp *RuntimeProfiler) Start() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.running {
		return
	}
	rp.running = true
	rp.startTime = rp.clock.Now()

	ctx, cancel := context.WithCancel(context.Background())
	rp.cancel = cancel

	rp.wg.Add(2)
	go rp.every(ctx, rp.sampleInterval, rp.sample)
	go rp.every(ctx, rp.reportInterval, rp.report)
}

// Stop halts the profiler, logs a final report and waits for its goroutines.
func (rp *RuntimeProfiler) Stop() {
	rp.mu.Lock()
	if !rp.running {
		rp.mu.Unlock()
		return
	}
	rp.running = false
	rp.mu.Unlock()

	rp.cancel()
	rp.wg.Wait()
	rp.report()
}

func (rp *RuntimeProfiler) every(ctx context.Context, d time.Duration, fn func()) {
	defer rp.wg.Done()
	ticker := rp.clock.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			fn()
		}
	}
}

// AddMetricsCollector registers a collector polled on every sample.
func (rp *RuntimeProfiler) AddMetricsCollector(collector MetricsCollector) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.collectors = append(rp.collectors, collector)
}

// RecordMetric records one value of a custom metric.
func (rp *RuntimeProfiler) RecordMetric(name string, value float64) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.series(rp.metrics, name).add(value, rp.maxSamples)
}

// StartOperation begins timing an operation and returns the function that
// ends it.
//
// Arguments:
//   - name: The operation name.
//
// Returns:
//   - func(): Records the elapsed time when called.
func (rp *RuntimeProfiler) StartOperation(name string) func() {
	start := rp.clock.Now()
	return func() {
		took := rp.clock.Since(start)
		rp.mu.Lock()
		defer rp.mu.Unlock()
		rp.series(rp.operations, name).add(took.Seconds(), rp.maxSamples)
	}
}

func (rp *RuntimeProfiler) series(m map[string]*window, name string) *window {
	w, ok := m[name]
	if !ok {
		w = &window{values: make([]float64, 0, min(rp.maxSamples, 64))}
		m[name] = w
	}
	return w
}

func (rp *RuntimeProfiler) sample() {
	rp.mu.Lock()
	collectors := append([]MetricsCollector(nil), rp.collectors...)
	rp.mu.Unlock()

	// Collectors run unlocked so they may call back into the profiler.
	collected := make([]map[string]float64, 0, len(collectors))
	for _, c := range collectors {
		collected = append(collected, c.CollectMetrics())
	}

	rp.mu.Lock()
	defer rp.mu.Unlock()
	runtime.ReadMemStats(&rp.memStats)
	for _, m := range collected {
		for name, v := range m {
			rp.series(rp.metrics, name).add(v, rp.maxSamples)
		}
	}
}

// report logs the current snapshot.
func (rp *RuntimeProfiler) report() {
	s := rp.Snapshot()

	rp.mu.Lock()
	newGC := s.GCCycles - rp.lastGCCount
	rp.lastGCCount = s.GCCycles
	rp.mu.Unlock()

	rp.log.Info("runtime profile",
		"uptime", s.Uptime.Truncate(time.Millisecond),
		"goroutines", s.Goroutines,
		"heapAlloc", formatBytes(s.HeapAlloc),
		"sys", formatBytes(s.Sys),
		"gcCycles", s.GCCycles,
		"newGCCycles", newGC,
	)
	for _, name := range sortedKeys(s.Metrics) {
		m := s.Metrics[name]
		rp.log.Info("metric", "name", name, "avg", m.Avg, "min", m.Min, "max", m.Max, "samples", m.Samples)
	}
	for _, name := range sortedKeys(s.Operations) {
		o := s.Operations[name]
		rp.log.Info("operation", "name", name,
			"avg", seconds(o.Avg), "min", seconds(o.Min), "max", seconds(o.Max), "count", o.Count)
	}
}

// Snapshot returns the current statistics.
func (rp *RuntimeProfiler) Snapshot() Stats {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	runtime.ReadMemStats(&rp.memStats)
	s := Stats{
		Uptime:     rp.clock.Since(rp.startTime),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  rp.memStats.HeapAlloc,
		Sys:        rp.memStats.Sys,
		GCCycles:   rp.memStats.NumGC,
		Metrics:    make(map[string]Summary, len(rp.metrics)),
		Operations: make(map[string]Summary, len(rp.operations)),
	}
	for name, w := range rp.metrics {
		s.Metrics[name] = w.summary()
	}
	for name, w := range rp.operations {
		s.Operations[name] = w.summary()
	}
	return s
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second)).Truncate(time.Microsecond)
}

func sortedKeys(m map[string]Summary) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
