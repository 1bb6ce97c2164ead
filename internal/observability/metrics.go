package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	lockAcquireTotal *prometheus.CounterVec
	lockReleaseTotal *prometheus.CounterVec
	locksHeld        prometheus.Gauge

	cacheRequestTotal *prometheus.CounterVec
	cacheComputeTotal *prometheus.CounterVec
	cacheFillDuration prometheus.Histogram

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolQueueDepth        prometheus.Gauge

	turnTotal           *prometheus.CounterVec
	turnDuration        prometheus.Histogram
	turnToolRounds      prometheus.Histogram
	checkpointDuration  prometheus.Histogram
	generateStreamTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			lockAcquireTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lock_acquire_total",
					Help: "Total lock acquire attempts by outcome.",
				},
				[]string{"outcome"},
			),
			lockReleaseTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lock_release_total",
					Help: "Total lock releases by outcome.",
				},
				[]string{"outcome"},
			),
			locksHeld: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "locks_held",
					Help: "Locks currently held by this process.",
				},
			),
			cacheRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "context_cache_request_total",
					Help: "Total context cache requests by result.",
				},
				[]string{"result"},
			),
			cacheComputeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "context_cache_compute_total",
					Help: "Total context computations by mode (winner, fallback).",
				},
				[]string{"mode"},
			),
			cacheFillDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "context_cache_fill_duration_seconds",
					Help:    "Context computation duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolQueueDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tool_queue_depth",
					Help: "Invocations waiting for a free worker.",
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_total",
					Help: "Total turns by outcome.",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "End-to-end turn duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			turnToolRounds: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "turn_tool_rounds",
					Help:    "Tool rounds used per turn.",
					Buckets: []float64{0, 1, 2, 3, 4, 5, 6},
				},
			),
			checkpointDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "checkpoint_duration_seconds",
					Help:    "Turn checkpoint write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			generateStreamTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "generate_stream_total",
					Help: "Total generation streams by provider and status.",
				},
				[]string{"provider", "status"},
			),
		}

		prometheus.MustRegister(
			m.lockAcquireTotal,
			m.lockReleaseTotal,
			m.locksHeld,
			m.cacheRequestTotal,
			m.cacheComputeTotal,
			m.cacheFillDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolQueueDepth,
			m.turnTotal,
			m.turnDuration,
			m.turnToolRounds,
			m.checkpointDuration,
			m.generateStreamTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the HTTP handler serving the metrics endpoint.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordLockAcquire(outcome string) {
	m := getMetrics()
	m.lockAcquireTotal.WithLabelValues(outcome).Inc()
	if outcome == "acquired" {
		m.locksHeld.Inc()
	}
}

func RecordLockRelease(outcome string) {
	m := getMetrics()
	m.lockReleaseTotal.WithLabelValues(outcome).Inc()
	if outcome == "released" {
		m.locksHeld.Dec()
	}
}

func RecordCacheRequest(result string) {
	getMetrics().cacheRequestTotal.WithLabelValues(result).Inc()
}

func RecordCacheCompute(mode string, duration time.Duration) {
	m := getMetrics()
	m.cacheComputeTotal.WithLabelValues(mode).Inc()
	m.cacheFillDuration.Observe(duration.Seconds())
}

func RecordToolExecution(tool, status string, duration time.Duration) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func SetToolQueueDepth(depth int) {
	getMetrics().toolQueueDepth.Set(float64(depth))
}

func RecordTurn(outcome string, duration time.Duration, toolRounds int) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
	m.turnToolRounds.Observe(float64(toolRounds))
}

func RecordCheckpoint(duration time.Duration) {
	getMetrics().checkpointDuration.Observe(duration.Seconds())
}

func RecordGenerateStream(provider string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().generateStreamTotal.WithLabelValues(provider, status).Inc()
}
