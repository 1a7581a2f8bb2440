package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type staticQueues struct {
	depths map[string]map[string]int64
	err    error
}

func (s staticQueues) QueueDepths(context.Context) (map[string]map[string]int64, error) {
	return s.depths, s.err
}

type staticQuotas []*types.Quota

func (s staticQuotas) ListQuotas() ([]*types.Quota, error) {
	return s, nil
}

func TestCollector_Collect(t *testing.T) {
	healthChecker = newHealthChecker()

	c := NewCollector(
		staticQueues{depths: map[string]map[string]int64{
			"backup": {"waiting": 3, "failed": 1},
		}},
		staticQuotas{{
			TenantID: "collector-tenant",
			Limits:   types.DefaultQuotaLimits(),
			Usage:    types.QuotaUsage{UsedPods: 2, UsedCPUCores: 3},
		}},
	)
	c.collect()

	assert.Equal(t, 3.0, testutil.ToFloat64(QueueJobs.WithLabelValues("backup", "waiting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(QueueJobs.WithLabelValues("backup", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(QuotaUsed.WithLabelValues("collector-tenant", "pods")))
	assert.Equal(t, 8.0, testutil.ToFloat64(QuotaLimit.WithLabelValues("collector-tenant", "cpu_cores")))
	assert.True(t, healthChecker.components[ComponentQueue].Healthy)
	assert.True(t, healthChecker.components[ComponentStore].Healthy)
}

func TestCollector_QueueFailureMarksUnhealthy(t *testing.T) {
	healthChecker = newHealthChecker()

	c := NewCollector(staticQueues{err: errors.New("redis down")}, nil)
	c.collect()

	comp := healthChecker.components[ComponentQueue]
	assert.False(t, comp.Healthy)
	assert.Equal(t, "redis down", comp.Message)
}

type failingQuotas struct{}

func (failingQuotas) ListQuotas() ([]*types.Quota, error) {
	return nil, errors.New("store closed")
}

func TestCollector_QuotaFailureMarksUnhealthy(t *testing.T) {
	healthChecker = newHealthChecker()

	c := NewCollector(nil, failingQuotas{})
	c.collect()

	comp := healthChecker.components[ComponentStore]
	assert.False(t, comp.Healthy)
	assert.Equal(t, "store closed", comp.Message)
}
