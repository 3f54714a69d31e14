package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/swarmcast/swarmcast/internal/scheduler"
)

var _ scheduler.Observer = (*SchedulerMetrics)(nil)

// SchedulerStatus is the scheduler view the collector polls.
type SchedulerStatus interface {
	GetAllocationStatus() scheduler.AllocationStatus
	EstimatedCompletion() time.Duration
	CarrierReliability(carrierID int) float64
}

// CarrierStatus interface for reading live carrier quality, normally the modem.
type CarrierStatus interface {
	CarrierStatus() []scheduler.CarrierStatus
}

// SwarmStatus interface for reading the rarity tracker.
type SwarmStatus interface {
	Completion() float64
	ActivePeers() int
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Scheduler SchedulerStatus
	Carriers  CarrierStatus
	Swarm     SwarmStatus
}

// Collector periodically copies scheduler state into gauges. Event counters
// are fed directly through the scheduler.Observer methods instead.
type Collector struct {
	metrics *SchedulerMetrics

	scheduler SchedulerStatus
	carriers  CarrierStatus
	swarm     SwarmStatus
}

// NewCollector creates a new metrics collector.
func NewCollector(m *SchedulerMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics:   m,
		scheduler: cfg.Scheduler,
		carriers:  cfg.Carriers,
		swarm:     cfg.Swarm,
	}
}

// Collect updates all gauges from the current state.
func (c *Collector) Collect() {
	c.collectAllocationStats()
	c.collectCarrierStats()
	c.collectSwarmStats()
}

func (c *Collector) collectAllocationStats() {
	if c.scheduler == nil {
		return
	}

	status := c.scheduler.GetAllocationStatus()
	c.metrics.QueueDepth.Set(float64(status.Queued))
	c.metrics.ActiveAllocations.Set(float64(status.Active))
	c.metrics.PendingRedistributions.Set(float64(status.Pending))
	c.metrics.ThroughputBytesPerSecond.Set(status.Throughput)
	c.metrics.EstimatedCompletionSeconds.Set(c.scheduler.EstimatedCompletion().Seconds())
}

func (c *Collector) collectCarrierStats() {
	if c.carriers == nil {
		return
	}

	for _, st := range c.carriers.CarrierStatus() {
		label := strconv.Itoa(st.ID)
		c.metrics.CarrierSNR.WithLabelValues(label).Set(st.SNR)
		if st.Enabled {
			c.metrics.CarrierEnabled.WithLabelValues(label).Set(1)
		} else {
			c.metrics.CarrierEnabled.WithLabelValues(label).Set(0)
		}
		if c.scheduler != nil {
			c.metrics.CarrierReliability.WithLabelValues(label).Set(c.scheduler.CarrierReliability(st.ID))
		}
	}
}

func (c *Collector) collectSwarmStats() {
	if c.swarm == nil {
		c.metrics.SwarmCompletion.Set(0)
		c.metrics.ActivePeers.Set(0)
		return
	}

	c.metrics.SwarmCompletion.Set(c.swarm.Completion())
	c.metrics.ActivePeers.Set(float64(c.swarm.ActivePeers()))
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
