// Package metrics provides Prometheus metrics for the swarmcast scheduler.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all swarmcast metrics.
var Registry = prometheus.NewRegistry()

// SchedulerMetrics holds all Prometheus metrics for one scheduler node. It
// satisfies scheduler.Observer so the scheduler can report events directly.
type SchedulerMetrics struct {
	// Chunk lifecycle (counters)
	QueuedTotal         prometheus.Counter
	DispatchedTotal     prometheus.Counter
	CompletedTotal      prometheus.Counter
	BytesSentTotal      prometheus.Counter
	FailedTotal         *prometheus.CounterVec // labels: reason
	RetryExhaustedTotal prometheus.Counter

	// Redistribution events by kind
	RedistributionsTotal *prometheus.CounterVec // labels: kind

	// Dispatches per carrier
	CarrierDispatchTotal *prometheus.CounterVec // labels: carrier

	// Scheduler state (gauges)
	QueueDepth                 prometheus.Gauge
	ActiveAllocations          prometheus.Gauge
	PendingRedistributions     prometheus.Gauge
	ThroughputBytesPerSecond   prometheus.Gauge
	EstimatedCompletionSeconds prometheus.Gauge

	// Carrier quality
	CarrierSNR         *prometheus.GaugeVec // labels: carrier
	CarrierEnabled     *prometheus.GaugeVec // labels: carrier
	CarrierReliability *prometheus.GaugeVec // labels: carrier

	// Swarm view
	SwarmCompletion prometheus.Gauge
	ActivePeers     prometheus.Gauge

	NodeInfo *prometheus.GaugeVec // labels: node, version
}

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the node name as a constant label.
func InitMetrics(node, version string) *SchedulerMetrics {
	constLabels := prometheus.Labels{
		"node": node,
	}
	factory := promauto.With(Registry)

	m := &SchedulerMetrics{
		QueuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "swarmcast_chunks_queued_total",
			Help:        "Total chunks accepted for scheduling",
			ConstLabels: constLabels,
		}),
		DispatchedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "swarmcast_chunks_dispatched_total",
			Help:        "Total transmission attempts started",
			ConstLabels: constLabels,
		}),
		CompletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "swarmcast_chunks_completed_total",
			Help:        "Total chunks transmitted successfully",
			ConstLabels: constLabels,
		}),
		BytesSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "swarmcast_bytes_sent_total",
			Help:        "Total payload bytes transmitted successfully",
			ConstLabels: constLabels,
		}),
		FailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "swarmcast_allocations_failed_total",
			Help:        "Total allocations ended without completing",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		RetryExhaustedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "swarmcast_retry_exhausted_total",
			Help:        "Total chunks dropped after exhausting retries",
			ConstLabels: constLabels,
		}),
		RedistributionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "swarmcast_redistribution_events_total",
			Help:        "Total redistribution events by kind",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		CarrierDispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "swarmcast_carrier_dispatch_total",
			Help:        "Total dispatches per carrier",
			ConstLabels: constLabels,
		}, []string{"carrier"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "swarmcast_queue_depth",
			Help:        "Chunks waiting in the pipeline and backlog",
			ConstLabels: constLabels,
		}),
		ActiveAllocations: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "swarmcast_active_allocations",
			Help:        "Carriers currently transmitting a chunk",
			ConstLabels: constLabels,
		}),
		PendingRedistributions: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "swarmcast_pending_redistributions",
			Help:        "Redistributions parked until a carrier frees up",
			ConstLabels: constLabels,
		}),
		ThroughputBytesPerSecond: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "swarmcast_throughput_bytes_per_second",
			Help:        "Observed transmission throughput",
			ConstLabels: constLabels,
		}),
		EstimatedCompletionSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "swarmcast_estimated_completion_seconds",
			Help:        "Estimated time to drain queued and in-flight chunks",
			ConstLabels: constLabels,
		}),

		CarrierSNR: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "swarmcast_carrier_snr_db",
			Help:        "Latest reported carrier SNR in dB",
			ConstLabels: constLabels,
		}, []string{"carrier"}),
		CarrierEnabled: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "swarmcast_carrier_enabled",
			Help:        "Whether the carrier is enabled (1) or not (0)",
			ConstLabels: constLabels,
		}, []string{"carrier"}),
		CarrierReliability: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "swarmcast_carrier_reliability",
			Help:        "SNR stability score over the recent sample history (0-1)",
			ConstLabels: constLabels,
		}, []string{"carrier"}),

		SwarmCompletion: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "swarmcast_swarm_completion_ratio",
			Help:        "Fraction of pieces held locally",
			ConstLabels: constLabels,
		}),
		ActivePeers: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "swarmcast_active_peers",
			Help:        "Peers currently counted for rarity",
			ConstLabels: constLabels,
		}),

		NodeInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swarmcast_node_info",
			Help: "Node information (value is always 1)",
		}, []string{"node", "version"}),
	}

	m.NodeInfo.WithLabelValues(node, version).Set(1)

	return m
}

// ChunksQueued records chunks accepted by the scheduler.
func (m *SchedulerMetrics) ChunksQueued(n int) {
	m.QueuedTotal.Add(float64(n))
}

// ChunkDispatched records a transmission attempt on a carrier.
func (m *SchedulerMetrics) ChunkDispatched(carrierID int) {
	m.DispatchedTotal.Inc()
	m.CarrierDispatchTotal.WithLabelValues(strconv.Itoa(carrierID)).Inc()
}

// ChunkCompleted records a successful transmission.
func (m *SchedulerMetrics) ChunkCompleted(bytes int) {
	m.CompletedTotal.Inc()
	m.BytesSentTotal.Add(float64(bytes))
}

// ChunkFailed records an allocation that ended without completing.
func (m *SchedulerMetrics) ChunkFailed(reason string) {
	m.FailedTotal.WithLabelValues(reason).Inc()
}

// RetryExhausted records a chunk dropped after its last retry.
func (m *SchedulerMetrics) RetryExhausted() {
	m.RetryExhaustedTotal.Inc()
}

// Redistribution records a redistribution event.
func (m *SchedulerMetrics) Redistribution(kind string) {
	m.RedistributionsTotal.WithLabelValues(kind).Inc()
}
