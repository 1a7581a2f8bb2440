package reconciler

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/cuemby/cloudpods/pkg/metrics"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// DefaultInterval is how often stored usage is rebuilt from the pods table
const DefaultInterval = 15 * time.Minute

// QuotaSource lists tenants and rebuilds their usage counters
type QuotaSource interface {
	ListQuotas() ([]*types.Quota, error)
	RecalculateUsage(tenantID string) (*types.Quota, error)
}

// Drift describes a tenant whose stored usage disagreed with its pods
type Drift struct {
	TenantID string
	Before   types.QuotaUsage
	After    types.QuotaUsage
}

// Reconciler corrects quota usage counters that drifted from the pods they
// account for, for example after a compensation step failed.
type Reconciler struct {
	quotas   QuotaSource
	interval time.Duration
	mu       sync.Mutex
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(quotas QuotaSource, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		quotas:   quotas,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation cycle failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one reconciliation cycle over every tenant with a quota
// record. A tenant that fails does not stop the others; the returned error
// aggregates all failures.
func (r *Reconciler) Reconcile() ([]Drift, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	quotas, err := r.quotas.ListQuotas()
	if err != nil {
		return nil, fmt.Errorf("failed to list quotas: %w", err)
	}

	var drifts []Drift
	var result *multierror.Error
	for _, q := range quotas {
		after, err := r.quotas.RecalculateUsage(q.TenantID)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("tenant %s: %w", q.TenantID, err))
			continue
		}
		metrics.RecordQuota(after)

		if after.Usage != q.Usage {
			drifts = append(drifts, Drift{TenantID: q.TenantID, Before: q.Usage, After: after.Usage})
		}
	}

	event := r.logger.Debug()
	if len(drifts) > 0 {
		event = r.logger.Info()
	}
	event.Int("tenants", len(quotas)).Int("drifted", len(drifts)).Msg("Reconciliation cycle complete")
	return drifts, result.ErrorOrNil()
}
