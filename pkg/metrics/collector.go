package metrics

import (
	"context"
	"time"

	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/rs/zerolog"
)

// QueueStatsSource reports job counts per queue and state
type QueueStatsSource interface {
	QueueDepths(ctx context.Context) (map[string]map[string]int64, error)
}

// QuotaSource lists every tenant quota
type QuotaSource interface {
	ListQuotas() ([]*types.Quota, error)
}

// Collector periodically refreshes the gauges that mirror stored state
type Collector struct {
	queues   QueueStatsSource
	quotas   QuotaSource
	interval time.Duration
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// NewCollector creates a new metrics collector. Either source may be nil.
func NewCollector(queues QueueStatsSource, quotas QuotaSource) *Collector {
	return &Collector{
		queues:   queues,
		quotas:   quotas,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("metrics"),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectQueueMetrics()
	c.collectQuotaMetrics()
}

func (c *Collector) collectQueueMetrics() {
	if c.queues == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	depths, err := c.queues.QueueDepths(ctx)
	UpdateComponentErr(ComponentQueue, err)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to collect queue stats")
		return
	}

	for queue, states := range depths {
		for state, count := range states {
			QueueJobs.WithLabelValues(queue, state).Set(float64(count))
		}
	}
}

func (c *Collector) collectQuotaMetrics() {
	if c.quotas == nil {
		return
	}

	quotas, err := c.quotas.ListQuotas()
	UpdateComponentErr(ComponentStore, err)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to collect quota stats")
		return
	}

	for _, q := range quotas {
		RecordQuota(q)
	}
}

// RecordQuota mirrors one tenant's quota into the usage and limit gauges
func RecordQuota(q *types.Quota) {
	QuotaUsed.WithLabelValues(q.TenantID, "pods").Set(float64(q.Usage.UsedPods))
	QuotaUsed.WithLabelValues(q.TenantID, "cpu_cores").Set(float64(q.Usage.UsedCPUCores))
	QuotaUsed.WithLabelValues(q.TenantID, "ram_mb").Set(float64(q.Usage.UsedRAMMB))
	QuotaUsed.WithLabelValues(q.TenantID, "disk_gb").Set(float64(q.Usage.UsedDiskGB))

	QuotaLimit.WithLabelValues(q.TenantID, "pods").Set(float64(q.Limits.MaxPods))
	QuotaLimit.WithLabelValues(q.TenantID, "cpu_cores").Set(float64(q.Limits.MaxCPUCores))
	QuotaLimit.WithLabelValues(q.TenantID, "ram_mb").Set(float64(q.Limits.MaxRAMMB))
	QuotaLimit.WithLabelValues(q.TenantID, "disk_gb").Set(float64(q.Limits.MaxDiskGB))
}
