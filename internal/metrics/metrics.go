// Package metrics registers the Prometheus collectors for the engine,
// session, and seed cache components, served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GPUWorkerQueueDepth tracks the GPU Worker's queue depth (queued plus
// in-flight tasks), fed by engine.Worker's depth observer.
var GPUWorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "biome",
	Subsystem: "gpu_worker",
	Name:      "queue_depth",
	Help:      "Number of tasks queued or in flight on the GPU worker.",
})

// FrameGenerationSeconds observes end-to-end gen_frame latency.
var FrameGenerationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "biome",
	Subsystem: "engine",
	Name:      "frame_generation_seconds",
	Help:      "Time to generate one frame via the GPU worker.",
	Buckets:   prometheus.DefBuckets,
})

// DiscardedControlMessages counts control messages dropped by coalescing
// because a newer control message superseded them before the next tick.
var DiscardedControlMessages = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "biome",
	Subsystem: "session",
	Name:      "discarded_control_messages_total",
	Help:      "Control messages discarded by coalescing in favor of a newer one.",
})

// SessionStateTransitions counts transitions by destination state.
var SessionStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "biome",
	Subsystem: "session",
	Name:      "state_transitions_total",
	Help:      "Session FSM transitions, labeled by the state entered.",
}, []string{"state"})
