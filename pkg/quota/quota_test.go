package quota

import (
	"fmt"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/cuemby/cloudpods/pkg/storage"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewEngine(store, types.DefaultQuotaLimits()), store
}

func intPtr(v int) *int { return &v }

func TestGetOrCreateQuota_Defaults(t *testing.T) {
	e, _ := newTestEngine(t)

	q, err := e.GetOrCreateQuota("tenant-1")
	require.NoError(t, err)

	assert.Equal(t, types.QuotaUsage{}, q.Usage)
	assert.Equal(t, types.QuotaLimits{MaxPods: 5, MaxCPUCores: 8, MaxRAMMB: 16384, MaxDiskGB: 100}, q.Limits)

	// Second call returns the same record
	q2, err := e.GetOrCreateQuota("tenant-1")
	require.NoError(t, err)
	assert.Equal(t, q.Limits, q2.Limits)
}

func TestCheckCreateCapacity(t *testing.T) {
	e, _ := newTestEngine(t)

	res, err := e.CheckCreateCapacity("t", types.ResourceRequest{Cores: 9, RAMMB: 0})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "CPU cores")

	res, err = e.CheckCreateCapacity("t", types.ResourceRequest{Cores: 1, RAMMB: 100})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Empty(t, res.Reason)
	assert.Equal(t, types.RequestedResources{Pods: 1, Cores: 1, RAMMB: 100, DiskGB: 8}, res.Requested)

	// Checks never mutate
	q, err := e.GetOrCreateQuota("t")
	require.NoError(t, err)
	assert.Equal(t, types.QuotaUsage{}, q.Usage)
}

func TestCheckCreateCapacity_OrderAndBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		usage   types.QuotaUsage
		req     types.ResourceRequest
		allowed bool
		reason  string
	}{
		{
			name:    "exactly at limit is allowed",
			usage:   types.QuotaUsage{UsedPods: 4, UsedCPUCores: 6, UsedRAMMB: 16000, UsedDiskGB: 92},
			req:     types.ResourceRequest{Cores: 2, RAMMB: 384, DiskGB: 8},
			allowed: true,
		},
		{
			name:   "pods checked first",
			usage:  types.QuotaUsage{UsedPods: 5, UsedCPUCores: 8},
			req:    types.ResourceRequest{Cores: 1},
			reason: "Pod limit",
		},
		{
			name:   "cpu before ram",
			usage:  types.QuotaUsage{UsedCPUCores: 8, UsedRAMMB: 16384},
			req:    types.ResourceRequest{Cores: 1, RAMMB: 1},
			reason: "CPU cores",
		},
		{
			name:   "ram",
			usage:  types.QuotaUsage{UsedRAMMB: 16000},
			req:    types.ResourceRequest{Cores: 1, RAMMB: 512},
			reason: "RAM",
		},
		{
			name:   "disk uses default size",
			usage:  types.QuotaUsage{UsedDiskGB: 93},
			req:    types.ResourceRequest{Cores: 1, RAMMB: 512},
			reason: "Disk",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, store := newTestEngine(t)
			_, err := e.GetOrCreateQuota("t")
			require.NoError(t, err)
			_, err = store.UpdateQuota("t", func(q *types.Quota) error {
				q.Usage = tt.usage
				return nil
			})
			require.NoError(t, err)

			res, err := e.CheckCreateCapacity("t", tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, res.Allowed)
			if tt.reason != "" {
				assert.Contains(t, res.Reason, tt.reason)
			}
			assert.Equal(t, tt.usage, res.Current)
		})
	}
}

func TestCheckScaleCapacity_ScaleDownAlwaysAllowed(t *testing.T) {
	e, store := newTestEngine(t)
	_, err := e.GetOrCreateQuota("t")
	require.NoError(t, err)

	// Usage far above limits
	_, err = store.UpdateQuota("t", func(q *types.Quota) error {
		q.Usage = types.QuotaUsage{UsedPods: 50, UsedCPUCores: 100, UsedRAMMB: 1 << 20, UsedDiskGB: 1000}
		return nil
	})
	require.NoError(t, err)

	for _, req := range []types.ScaleRequest{
		{CurrentCores: 4, CurrentRAMMB: 4096, NewCores: 2, NewRAMMB: 2048},
		{CurrentCores: 4, CurrentRAMMB: 4096, NewCores: 4, NewRAMMB: 4096},
		{CurrentCores: 4, CurrentRAMMB: 4096, NewCores: 1, NewRAMMB: 4096},
	} {
		res, err := e.CheckScaleCapacity("t", req)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "%+v", req)
	}
}

func TestCheckScaleCapacity_OnlyIncreasesChecked(t *testing.T) {
	e, store := newTestEngine(t)
	_, err := e.GetOrCreateQuota("t")
	require.NoError(t, err)
	_, err = store.UpdateQuota("t", func(q *types.Quota) error {
		q.Usage = types.QuotaUsage{UsedCPUCores: 6, UsedRAMMB: 20000}
		return nil
	})
	require.NoError(t, err)

	// RAM already over the limit but shrinking; CPU grows within headroom
	res, err := e.CheckScaleCapacity("t", types.ScaleRequest{CurrentCores: 2, CurrentRAMMB: 4096, NewCores: 4, NewRAMMB: 2048})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, types.RequestedResources{Cores: 2, RAMMB: -2048}, res.Requested)

	res, err = e.CheckScaleCapacity("t", types.ScaleRequest{CurrentCores: 2, CurrentRAMMB: 4096, NewCores: 5, NewRAMMB: 4096})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "CPU cores")
}

func TestIncrementDecrementClampsAtZero(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.IncrementUsage("t", types.ResourceRequest{Cores: 2, RAMMB: 2048, DiskGB: 8}))
	q, err := e.GetOrCreateQuota("t")
	require.NoError(t, err)
	assert.Equal(t, types.QuotaUsage{UsedPods: 1, UsedCPUCores: 2, UsedRAMMB: 2048, UsedDiskGB: 8}, q.Usage)

	require.NoError(t, e.DecrementUsage("t", types.ResourceRequest{Cores: 5, RAMMB: 5000, DiskGB: 20}))
	q, err = e.GetOrCreateQuota("t")
	require.NoError(t, err)
	assert.Equal(t, types.QuotaUsage{}, q.Usage)

	// Duplicate destroy stays at zero
	require.NoError(t, e.DecrementUsage("t", types.ResourceRequest{Cores: 1, RAMMB: 1}))
	q, err = e.GetOrCreateQuota("t")
	require.NoError(t, err)
	assert.Equal(t, types.QuotaUsage{}, q.Usage)
}

func TestUpdateUsageAfterScale(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.IncrementUsage("t", types.ResourceRequest{Cores: 2, RAMMB: 2048}))

	require.NoError(t, e.UpdateUsageAfterScale("t", types.ScaleRequest{CurrentCores: 2, CurrentRAMMB: 2048, NewCores: 4, NewRAMMB: 1024}))
	q, err := e.GetOrCreateQuota("t")
	require.NoError(t, err)
	assert.Equal(t, 4, q.Usage.UsedCPUCores)
	assert.Equal(t, 1024, q.Usage.UsedRAMMB)

	// Zero delta is a no-op
	before := q.UpdatedAt
	require.NoError(t, e.UpdateUsageAfterScale("t", types.ScaleRequest{CurrentCores: 4, CurrentRAMMB: 1024, NewCores: 4, NewRAMMB: 1024}))
	q, err = e.GetOrCreateQuota("t")
	require.NoError(t, err)
	assert.Equal(t, before, q.UpdatedAt)
}

func TestRecalculateUsage(t *testing.T) {
	e, store := newTestEngine(t)

	require.NoError(t, store.CreatePod(&types.CloudPod{ID: "p1", TenantID: "t", Cores: 2, MemoryMB: 1024, DiskGB: 10, Status: types.PodStatusActive}))
	require.NoError(t, store.CreatePod(&types.CloudPod{ID: "p2", TenantID: "t", Cores: 1, MemoryMB: 512, DiskGB: 5, Status: types.PodStatusActive}))
	require.NoError(t, store.CreatePod(&types.CloudPod{ID: "p3", TenantID: "t", Cores: 4, MemoryMB: 4096, DiskGB: 50, Status: types.PodStatusDeleted}))
	require.NoError(t, store.CreatePod(&types.CloudPod{ID: "p4", TenantID: "other", Cores: 4, MemoryMB: 4096, DiskGB: 50, Status: types.PodStatusActive}))

	// Drift
	require.NoError(t, e.IncrementUsage("t", types.ResourceRequest{Cores: 7, RAMMB: 9999, DiskGB: 77}))

	q, err := e.RecalculateUsage("t")
	require.NoError(t, err)
	assert.Equal(t, types.QuotaUsage{UsedPods: 2, UsedCPUCores: 3, UsedRAMMB: 1536, UsedDiskGB: 15}, q.Usage)

	stored, err := store.GetQuota("t")
	require.NoError(t, err)
	assert.Equal(t, q.Usage, stored.Usage)
}

func TestRecalculateUsage_CountsProvisioning(t *testing.T) {
	e, store := newTestEngine(t)
	require.NoError(t, store.CreatePod(&types.CloudPod{ID: "p1", TenantID: "t", Cores: 1, MemoryMB: 512, DiskGB: 12, Status: types.PodStatusProvisioning}))
	require.NoError(t, store.CreatePod(&types.CloudPod{ID: "p2", TenantID: "t", Cores: 1, MemoryMB: 512, DiskGB: 8, Status: types.PodStatusSuspended}))

	q, err := e.RecalculateUsage("t")
	require.NoError(t, err)
	assert.Equal(t, types.QuotaUsage{UsedPods: 1, UsedCPUCores: 1, UsedRAMMB: 512, UsedDiskGB: 12}, q.Usage)
}

func TestRecalculateUsage_SumsStoredDisk(t *testing.T) {
	e, store := newTestEngine(t)
	// a pod row without a disk size contributes nothing, not the request default
	require.NoError(t, store.CreatePod(&types.CloudPod{ID: "p1", TenantID: "t", Cores: 1, MemoryMB: 512, Status: types.PodStatusActive}))
	require.NoError(t, store.CreatePod(&types.CloudPod{ID: "p2", TenantID: "t", Cores: 1, MemoryMB: 512, DiskGB: 20, Status: types.PodStatusActive}))

	q, err := e.RecalculateUsage("t")
	require.NoError(t, err)
	assert.Equal(t, 20, q.Usage.UsedDiskGB)
}

func TestListQuotas(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.GetOrCreateQuota("a")
	require.NoError(t, err)
	_, err = e.GetOrCreateQuota("b")
	require.NoError(t, err)

	quotas, err := e.ListQuotas()
	require.NoError(t, err)
	var tenants []string
	for _, q := range quotas {
		tenants = append(tenants, q.TenantID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, tenants)
}

func TestSetQuotaLimits(t *testing.T) {
	e, _ := newTestEngine(t)

	q, err := e.SetQuotaLimits("t", types.QuotaLimitsPatch{MaxPods: intPtr(10), MaxDiskGB: intPtr(500)})
	require.NoError(t, err)
	assert.Equal(t, types.QuotaLimits{MaxPods: 10, MaxCPUCores: 8, MaxRAMMB: 16384, MaxDiskGB: 500}, q.Limits)

	q, err = e.SetQuotaLimits("t", types.QuotaLimitsPatch{MaxCPUCores: intPtr(16)})
	require.NoError(t, err)
	assert.Equal(t, types.QuotaLimits{MaxPods: 10, MaxCPUCores: 16, MaxRAMMB: 16384, MaxDiskGB: 500}, q.Limits)

	_, err = e.SetQuotaLimits("t", types.QuotaLimitsPatch{MaxRAMMB: intPtr(-1)})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestGetQuotaSummary(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.IncrementUsage("t", types.ResourceRequest{Cores: 3, RAMMB: 5000, DiskGB: 33}))
	_, err := e.SetQuotaLimits("t", types.QuotaLimitsPatch{MaxDiskGB: intPtr(0)})
	require.NoError(t, err)

	s, err := e.GetQuotaSummary("t")
	require.NoError(t, err)

	assert.Equal(t, types.DimensionSummary{Limit: 5, Used: 1, Available: 4, PercentUsed: 20}, s.Pods)
	assert.Equal(t, types.DimensionSummary{Limit: 8, Used: 3, Available: 5, PercentUsed: 38}, s.CPUCores)
	assert.Equal(t, types.DimensionSummary{Limit: 16384, Used: 5000, Available: 11384, PercentUsed: 31}, s.RAMMB)
	assert.Equal(t, types.DimensionSummary{Limit: 0, Used: 33, Available: -33, PercentUsed: 100}, s.DiskGB)
}

func TestReserveCreateCapacity(t *testing.T) {
	e, _ := newTestEngine(t)

	res, err := e.ReserveCreateCapacity("t", types.ResourceRequest{Cores: 4, RAMMB: 1024})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	q, err := e.GetOrCreateQuota("t")
	require.NoError(t, err)
	assert.Equal(t, types.QuotaUsage{UsedPods: 1, UsedCPUCores: 4, UsedRAMMB: 1024, UsedDiskGB: 8}, q.Usage)

	// Denied reservation writes nothing
	res, err = e.ReserveCreateCapacity("t", types.ResourceRequest{Cores: 5, RAMMB: 1024})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "CPU cores")

	q, err = e.GetOrCreateQuota("t")
	require.NoError(t, err)
	assert.Equal(t, 4, q.Usage.UsedCPUCores)
}

func TestReserveCreateCapacity_ConcurrentNeverOvercommits(t *testing.T) {
	e, _ := newTestEngine(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.ReserveCreateCapacity("t", types.ResourceRequest{Cores: 1, RAMMB: 256})
			if !assert.NoError(t, err, fmt.Sprint(i)) {
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, allowed)
	q, err := e.GetOrCreateQuota("t")
	require.NoError(t, err)
	assert.Equal(t, 5, q.Usage.UsedPods)
	assert.Equal(t, 5, q.Usage.UsedCPUCores)
}

func TestScaleReservation(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.IncrementUsage("t", types.ResourceRequest{Cores: 2, RAMMB: 4096}))

	req := types.ScaleRequest{CurrentCores: 2, CurrentRAMMB: 4096, NewCores: 4, NewRAMMB: 2048}

	res, err := e.ReserveScaleCapacity("t", req)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	q, err := e.GetOrCreateQuota("t")
	require.NoError(t, err)
	assert.Equal(t, 4, q.Usage.UsedCPUCores)
	assert.Equal(t, 4096, q.Usage.UsedRAMMB, "decrease is not applied until settled")

	require.NoError(t, e.SettleScale("t", req))
	q, err = e.GetOrCreateQuota("t")
	require.NoError(t, err)
	assert.Equal(t, 4, q.Usage.UsedCPUCores)
	assert.Equal(t, 2048, q.Usage.UsedRAMMB)

	// A failed resize gives the growth back
	req = types.ScaleRequest{CurrentCores: 4, CurrentRAMMB: 2048, NewCores: 6, NewRAMMB: 2048}
	res, err = e.ReserveScaleCapacity("t", req)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.NoError(t, e.ReleaseScaleReservation("t", req))

	q, err = e.GetOrCreateQuota("t")
	require.NoError(t, err)
	assert.Equal(t, 4, q.Usage.UsedCPUCores)
}

func TestReserveScaleCapacity_Denied(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.IncrementUsage("t", types.ResourceRequest{Cores: 2, RAMMB: 16000}))

	res, err := e.ReserveScaleCapacity("t", types.ScaleRequest{CurrentCores: 2, CurrentRAMMB: 16000, NewCores: 2, NewRAMMB: 17000})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "RAM")

	q, err := e.GetOrCreateQuota("t")
	require.NoError(t, err)
	assert.Equal(t, 16000, q.Usage.UsedRAMMB)
}
