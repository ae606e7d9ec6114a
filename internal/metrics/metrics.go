// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts packets that completed a stage's Step successfully.
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eegd_packets_total",
			Help: "Total number of packets processed by a pipeline stage",
		},
		[]string{"pipeline", "stage"},
	)

	// DropsTotal counts packets dropped by an edge's backpressure policy.
	DropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eegd_drops_total",
			Help: "Total number of packets dropped by edge backpressure policy",
		},
		[]string{"pipeline", "from", "to", "policy"},
	)

	// PoolExhaustedTotal counts failed buffer acquires (TryAcquire, or a timed-out Acquire) per pipeline and stage.
	PoolExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eegd_pool_exhausted_total",
			Help: "Total number of pool acquire failures due to exhaustion",
		},
		[]string{"pipeline", "pool"},
	)

	// PoolInUse tracks buffers currently checked out of a pool.
	PoolInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eegd_pool_in_use",
			Help: "Number of buffers currently checked out of a pool",
		},
		[]string{"pipeline", "pool"},
	)

	// StageLatencySeconds measures Step call latency per stage.
	StageLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eegd_stage_latency_seconds",
			Help:    "Latency of a pipeline stage's Step call",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1us to ~1s
		},
		[]string{"pipeline", "stage"},
	)

	// PipelineStatus tracks pipeline lifecycle state (0=Stopped, 1=Starting,
	// 2=Started, 3=Stopping, 4=Error).
	PipelineStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eegd_pipeline_status",
			Help: "Current pipeline lifecycle state",
		},
		[]string{"pipeline"},
	)

	// FilterSaturatedTotal counts NaN/Inf guard trips in gui_filter stages.
	FilterSaturatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eegd_filter_saturated_total",
			Help: "Total number of samples clamped to zero by the filter's NaN/Inf guard",
		},
		[]string{"pipeline", "stage"},
	)

	// WebsocketConnections tracks currently connected subscribers.
	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eegd_websocket_connections",
			Help: "Number of currently connected WebSocket subscribers",
		},
	)

	// WebsocketOutboxDropsTotal counts per-connection outbox overflow drops.
	WebsocketOutboxDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eegd_websocket_outbox_drops_total",
			Help: "Total number of data frames dropped by a saturated connection outbox",
		},
		[]string{"topic"},
	)

	// DriverConsecutiveErrors tracks the current run of acquisition errors.
	DriverConsecutiveErrors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eegd_driver_consecutive_errors",
			Help: "Current count of consecutive acquisition interrupt errors",
		},
		[]string{"pipeline"},
	)
)

// Pipeline status values matching PipelineStatus gauge convention.
const (
	PipelineStatusStopped  = 0
	PipelineStatusStarting = 1
	PipelineStatusStarted  = 2
	PipelineStatusStopping = 3
	PipelineStatusError    = 4
)
