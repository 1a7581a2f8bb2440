package quota

import (
	"errors"
	"fmt"
	"math"

	"github.com/containerd/errdefs"
	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/cuemby/cloudpods/pkg/metrics"
	"github.com/cuemby/cloudpods/pkg/storage"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/rs/zerolog"
)

// errDenied aborts a reservation transaction without writing
var errDenied = errors.New("quota denied")

// Engine decides admission for create and scale requests and keeps the
// running tally of committed resources per tenant.
type Engine struct {
	store    storage.Store
	defaults types.QuotaLimits
	logger   zerolog.Logger
}

// NewEngine creates a quota engine. defaults are the limits given to a tenant
// whose quota is created lazily.
func NewEngine(store storage.Store, defaults types.QuotaLimits) *Engine {
	return &Engine{
		store:    store,
		defaults: defaults,
		logger:   log.WithComponent("quota"),
	}
}

// GetOrCreateQuota returns the tenant's quota, creating it with the default
// limits and zero usage on first access.
func (e *Engine) GetOrCreateQuota(tenantID string) (*types.Quota, error) {
	q, err := e.store.GetQuota(tenantID)
	if err == nil {
		return q, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("failed to load quota for tenant %s: %w", tenantID, err)
	}

	q, err = e.store.CreateQuotaIfNotExists(&types.Quota{
		TenantID: tenantID,
		Limits:   e.defaults,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quota for tenant %s: %w", tenantID, err)
	}
	e.logger.Info().Str("tenant_id", tenantID).Msg("Created default quota")
	return q, nil
}

// ListQuotas returns every stored tenant quota
func (e *Engine) ListQuotas() ([]*types.Quota, error) {
	return e.store.ListQuotas()
}

// update applies fn atomically, creating the quota first if needed
func (e *Engine) update(tenantID string, fn storage.QuotaMutator) (*types.Quota, error) {
	q, err := e.store.UpdateQuota(tenantID, fn)
	if errdefs.IsNotFound(err) {
		if _, err = e.GetOrCreateQuota(tenantID); err != nil {
			return nil, err
		}
		q, err = e.store.UpdateQuota(tenantID, fn)
	}
	if err != nil {
		return nil, err
	}
	metrics.RecordQuota(q)
	return q, nil
}

// CheckCreateCapacity evaluates pods, CPU, RAM and disk in that order and
// reports the first dimension that would be exceeded. It does not mutate state.
func (e *Engine) CheckCreateCapacity(tenantID string, req types.ResourceRequest) (*types.QuotaCheckResult, error) {
	q, err := e.GetOrCreateQuota(tenantID)
	if err != nil {
		return nil, err
	}
	result := evaluateCreate(q, req)
	recordDecision("create", result)
	return result, nil
}

// CheckScaleCapacity checks only the dimensions that increase. A scale-down is
// always allowed. It does not mutate state.
func (e *Engine) CheckScaleCapacity(tenantID string, req types.ScaleRequest) (*types.QuotaCheckResult, error) {
	q, err := e.GetOrCreateQuota(tenantID)
	if err != nil {
		return nil, err
	}
	result := evaluateScale(q, req)
	recordDecision("scale", result)
	return result, nil
}

// ReserveCreateCapacity checks and commits the request in one atomic update.
// On denial nothing is written and the result carries the reason.
func (e *Engine) ReserveCreateCapacity(tenantID string, req types.ResourceRequest) (*types.QuotaCheckResult, error) {
	var result *types.QuotaCheckResult
	_, err := e.update(tenantID, func(q *types.Quota) error {
		result = evaluateCreate(q, req)
		if !result.Allowed {
			return errDenied
		}
		addUsage(&q.Usage, 1, req.Cores, req.RAMMB, req.Disk())
		return nil
	})
	if err != nil && !errors.Is(err, errDenied) {
		return nil, fmt.Errorf("failed to reserve capacity for tenant %s: %w", tenantID, err)
	}
	recordDecision("create", result)
	if result.Allowed {
		e.logger.Debug().Str("tenant_id", tenantID).Int("cores", req.Cores).Int("ram_mb", req.RAMMB).
			Int("disk_gb", req.Disk()).Msg("Reserved create capacity")
	}
	return result, nil
}

// ReserveScaleCapacity checks the request and commits the increasing deltas
// atomically. Decreases are applied by SettleScale once the resize succeeds.
func (e *Engine) ReserveScaleCapacity(tenantID string, req types.ScaleRequest) (*types.QuotaCheckResult, error) {
	var result *types.QuotaCheckResult
	_, err := e.update(tenantID, func(q *types.Quota) error {
		result = evaluateScale(q, req)
		if !result.Allowed {
			return errDenied
		}
		addUsage(&q.Usage, 0, max(req.CoresDelta(), 0), max(req.RAMDelta(), 0), 0)
		return nil
	})
	if err != nil && !errors.Is(err, errDenied) {
		return nil, fmt.Errorf("failed to reserve scale capacity for tenant %s: %w", tenantID, err)
	}
	recordDecision("scale", result)
	return result, nil
}

// ReleaseScaleReservation undoes ReserveScaleCapacity after a failed resize
func (e *Engine) ReleaseScaleReservation(tenantID string, req types.ScaleRequest) error {
	_, err := e.update(tenantID, func(q *types.Quota) error {
		addUsage(&q.Usage, 0, -max(req.CoresDelta(), 0), -max(req.RAMDelta(), 0), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release scale reservation for tenant %s: %w", tenantID, err)
	}
	return nil
}

// SettleScale applies the decreasing deltas of a successful resize
func (e *Engine) SettleScale(tenantID string, req types.ScaleRequest) error {
	_, err := e.update(tenantID, func(q *types.Quota) error {
		addUsage(&q.Usage, 0, min(req.CoresDelta(), 0), min(req.RAMDelta(), 0), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to settle scale for tenant %s: %w", tenantID, err)
	}
	return nil
}

// IncrementUsage adds one pod and its resources to the tenant's usage
func (e *Engine) IncrementUsage(tenantID string, req types.ResourceRequest) error {
	_, err := e.update(tenantID, func(q *types.Quota) error {
		addUsage(&q.Usage, 1, req.Cores, req.RAMMB, req.Disk())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to increment usage for tenant %s: %w", tenantID, err)
	}
	return nil
}

// DecrementUsage removes one pod and its resources, clamping every field at
// zero so a duplicate destroy cannot drive usage negative.
func (e *Engine) DecrementUsage(tenantID string, req types.ResourceRequest) error {
	_, err := e.update(tenantID, func(q *types.Quota) error {
		addUsage(&q.Usage, -1, -req.Cores, -req.RAMMB, -req.Disk())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to decrement usage for tenant %s: %w", tenantID, err)
	}
	return nil
}

// UpdateUsageAfterScale applies the signed CPU and RAM deltas of a resize
func (e *Engine) UpdateUsageAfterScale(tenantID string, req types.ScaleRequest) error {
	if req.CoresDelta() == 0 && req.RAMDelta() == 0 {
		return nil
	}
	_, err := e.update(tenantID, func(q *types.Quota) error {
		addUsage(&q.Usage, 0, req.CoresDelta(), req.RAMDelta(), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update usage after scale for tenant %s: %w", tenantID, err)
	}
	return nil
}

// RecalculateUsage recomputes usage from the tenant's active and provisioning
// pods and overwrites the stored tally.
func (e *Engine) RecalculateUsage(tenantID string) (*types.Quota, error) {
	pods, err := e.store.ListPodsByTenant(tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pods for tenant %s: %w", tenantID, err)
	}

	var usage types.QuotaUsage
	for _, pod := range pods {
		if !pod.Status.CountsTowardQuota() {
			continue
		}
		addUsage(&usage, 1, pod.Cores, pod.MemoryMB, pod.DiskGB)
	}

	var previous types.QuotaUsage
	q, err := e.update(tenantID, func(q *types.Quota) error {
		previous = q.Usage
		q.Usage = usage
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store recalculated usage for tenant %s: %w", tenantID, err)
	}

	if previous != usage {
		e.logger.Warn().
			Str("tenant_id", tenantID).
			Interface("previous", previous).
			Interface("recalculated", usage).
			Msg("Corrected quota usage drift")
	}
	return q, nil
}

// SetQuotaLimits updates the given limits; nil fields keep their value
func (e *Engine) SetQuotaLimits(tenantID string, patch types.QuotaLimitsPatch) (*types.Quota, error) {
	for name, v := range map[string]*int{
		"maxPods":     patch.MaxPods,
		"maxCpuCores": patch.MaxCPUCores,
		"maxRamMb":    patch.MaxRAMMB,
		"maxDiskGb":   patch.MaxDiskGB,
	} {
		if v != nil && *v < 0 {
			return nil, fmt.Errorf("%s must not be negative: %w", name, errdefs.ErrInvalidArgument)
		}
	}

	q, err := e.update(tenantID, func(q *types.Quota) error {
		if patch.MaxPods != nil {
			q.Limits.MaxPods = *patch.MaxPods
		}
		if patch.MaxCPUCores != nil {
			q.Limits.MaxCPUCores = *patch.MaxCPUCores
		}
		if patch.MaxRAMMB != nil {
			q.Limits.MaxRAMMB = *patch.MaxRAMMB
		}
		if patch.MaxDiskGB != nil {
			q.Limits.MaxDiskGB = *patch.MaxDiskGB
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set quota limits for tenant %s: %w", tenantID, err)
	}

	e.logger.Info().Str("tenant_id", tenantID).Interface("limits", q.Limits).Msg("Updated quota limits")
	return q, nil
}

// GetQuotaSummary returns limits, usage, headroom and percentage per dimension
func (e *Engine) GetQuotaSummary(tenantID string) (*types.QuotaSummary, error) {
	q, err := e.GetOrCreateQuota(tenantID)
	if err != nil {
		return nil, err
	}
	return &types.QuotaSummary{
		TenantID: tenantID,
		Limits:   q.Limits,
		Used:     q.Usage,
		Pods:     summarize(q.Limits.MaxPods, q.Usage.UsedPods),
		CPUCores: summarize(q.Limits.MaxCPUCores, q.Usage.UsedCPUCores),
		RAMMB:    summarize(q.Limits.MaxRAMMB, q.Usage.UsedRAMMB),
		DiskGB:   summarize(q.Limits.MaxDiskGB, q.Usage.UsedDiskGB),
	}, nil
}

func summarize(limit, used int) types.DimensionSummary {
	var percent int
	switch {
	case limit > 0:
		percent = int(math.Round(float64(used) * 100 / float64(limit)))
	case used > 0:
		percent = 100
	}
	return types.DimensionSummary{
		Limit:       limit,
		Used:        used,
		Available:   limit - used,
		PercentUsed: percent,
	}
}

func evaluateCreate(q *types.Quota, req types.ResourceRequest) *types.QuotaCheckResult {
	result := &types.QuotaCheckResult{
		Allowed: true,
		Current: q.Usage,
		Limits:  q.Limits,
		Requested: types.RequestedResources{
			Pods:   1,
			Cores:  req.Cores,
			RAMMB:  req.RAMMB,
			DiskGB: req.Disk(),
		},
	}

	u, l := q.Usage, q.Limits
	switch {
	case u.UsedPods+1 > l.MaxPods:
		result.Reason = fmt.Sprintf("Pod limit reached: %d of %d pods in use", u.UsedPods, l.MaxPods)
	case u.UsedCPUCores+req.Cores > l.MaxCPUCores:
		result.Reason = fmt.Sprintf("CPU cores limit exceeded: %d requested, %d of %d CPU cores in use",
			req.Cores, u.UsedCPUCores, l.MaxCPUCores)
	case u.UsedRAMMB+req.RAMMB > l.MaxRAMMB:
		result.Reason = fmt.Sprintf("RAM limit exceeded: %d MB requested, %d of %d MB in use",
			req.RAMMB, u.UsedRAMMB, l.MaxRAMMB)
	case u.UsedDiskGB+req.Disk() > l.MaxDiskGB:
		result.Reason = fmt.Sprintf("Disk limit exceeded: %d GB requested, %d of %d GB in use",
			req.Disk(), u.UsedDiskGB, l.MaxDiskGB)
	}
	result.Allowed = result.Reason == ""
	return result
}

func evaluateScale(q *types.Quota, req types.ScaleRequest) *types.QuotaCheckResult {
	cores, ram := req.CoresDelta(), req.RAMDelta()
	result := &types.QuotaCheckResult{
		Current:   q.Usage,
		Limits:    q.Limits,
		Requested: types.RequestedResources{Cores: cores, RAMMB: ram},
	}

	u, l := q.Usage, q.Limits
	switch {
	case cores > 0 && u.UsedCPUCores+cores > l.MaxCPUCores:
		result.Reason = fmt.Sprintf("CPU cores limit exceeded: %d additional requested, %d of %d CPU cores in use",
			cores, u.UsedCPUCores, l.MaxCPUCores)
	case ram > 0 && u.UsedRAMMB+ram > l.MaxRAMMB:
		result.Reason = fmt.Sprintf("RAM limit exceeded: %d MB additional requested, %d of %d MB in use",
			ram, u.UsedRAMMB, l.MaxRAMMB)
	}
	result.Allowed = result.Reason == ""
	return result
}

// addUsage applies signed deltas, clamping every field at zero
func addUsage(u *types.QuotaUsage, pods, cores, ramMB, diskGB int) {
	u.UsedPods = max(u.UsedPods+pods, 0)
	u.UsedCPUCores = max(u.UsedCPUCores+cores, 0)
	u.UsedRAMMB = max(u.UsedRAMMB+ramMB, 0)
	u.UsedDiskGB = max(u.UsedDiskGB+diskGB, 0)
}

func recordDecision(operation string, result *types.QuotaCheckResult) {
	if result == nil {
		return
	}
	outcome := "allowed"
	if !result.Allowed {
		outcome = "denied"
	}
	metrics.QuotaDecisions.WithLabelValues(operation, outcome).Inc()
}
