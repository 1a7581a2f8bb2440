package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/cloudpods/pkg/backup"
	"github.com/cuemby/cloudpods/pkg/pve"
	"github.com/cuemby/cloudpods/pkg/queue"
	"github.com/cuemby/cloudpods/pkg/storage"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)

// TestFilterActivePods tests the pod filtering logic
func TestFilterActivePods(t *testing.T) {
	tests := []struct {
		name     string
		pods     []*types.CloudPod
		expected int
	}{
		{
			name: "all active",
			pods: []*types.CloudPod{
				{ID: "p1", VMID: 101, PVENode: "pve1", Status: types.PodStatusActive},
				{ID: "p2", VMID: 102, PVENode: "pve1", Status: types.PodStatusActive},
			},
			expected: 2,
		},
		{
			name: "mixed states",
			pods: []*types.CloudPod{
				{ID: "p1", VMID: 101, PVENode: "pve1", Status: types.PodStatusActive},
				{ID: "p2", VMID: 102, PVENode: "pve1", Status: types.PodStatusSuspended},
				{ID: "p3", VMID: 103, PVENode: "pve1", Status: types.PodStatusProvisioning},
				{ID: "p4", VMID: 104, PVENode: "pve1", Status: types.PodStatusDeleted},
			},
			expected: 1,
		},
		{
			name: "not placed",
			pods: []*types.CloudPod{
				{ID: "p1", VMID: 0, PVENode: "pve1", Status: types.PodStatusActive},
				{ID: "p2", VMID: 102, PVENode: "", Status: types.PodStatusActive},
			},
			expected: 0,
		},
		{
			name:     "empty list",
			pods:     []*types.CloudPod{},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, filterActivePods(tt.pods), tt.expected)
		})
	}
}

type fixture struct {
	sched   *Scheduler
	store   storage.Store
	backups *backup.Engine
	queues  *queue.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	backups := backup.NewEngine(store, pve.NewFakeExecutor(), nil, nil, backup.Options{
		Now: func() time.Time { return created },
	})
	queues := queue.NewManager(queue.NewMemoryBackend(), nil, queue.Options{})
	t.Cleanup(func() { _ = queues.Close() })

	return &fixture{
		sched:   NewScheduler(backups, store, queues, time.Minute),
		store:   store,
		backups: backups,
		queues:  queues,
	}
}

func (f *fixture) addPod(t *testing.T, id, tenant string, vmid int, status types.PodStatus) {
	t.Helper()
	require.NoError(t, f.store.CreatePod(&types.CloudPod{
		ID: id, TenantID: tenant, VMID: vmid, PVENode: "pve1", Status: status,
	}))
}

func (f *fixture) addPolicy(t *testing.T, spec backup.PolicySpec) *types.BackupPolicy {
	t.Helper()
	policy, err := f.backups.CreatePolicy(context.Background(), spec, nil)
	require.NoError(t, err)
	// Pin the creation time the schedule is counted from
	policy.CreatedAt = created
	require.NoError(t, f.store.UpdateBackupPolicy(policy))
	return policy
}

func (f *fixture) at(t time.Time) {
	f.sched.now = func() time.Time { return t }
}

func TestRunOnceSchedulesTenantWidePolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPod(t, "p1", "t1", 101, types.PodStatusActive)
	f.addPod(t, "p2", "t1", 102, types.PodStatusActive)
	f.addPod(t, "p3", "t1", 103, types.PodStatusSuspended)
	f.addPod(t, "p4", "t2", 104, types.PodStatusActive)
	policy := f.addPolicy(t, backup.PolicySpec{TenantID: "t1", Name: "nightly", Schedule: "daily"})

	// Before the first slot
	f.at(created.Add(time.Hour))
	n, err := f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	slot := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	f.at(slot.Add(30 * time.Second))
	n, err = f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, pod := range []string{"p1", "p2"} {
		id := fmt.Sprintf("backup-%s-%s-%d", policy.ID, pod, slot.Unix())
		job, err := f.queues.GetJob(ctx, queue.QueueBackup, id)
		require.NoError(t, err)
		require.NotNil(t, job, id)

		p, err := job.Payload()
		require.NoError(t, err)
		payload := p.(queue.BackupPayload)
		assert.Equal(t, queue.TriggerSchedule, payload.TriggeredBy)
		require.NotNil(t, payload.PolicyID)
		assert.Equal(t, policy.ID, *payload.PolicyID)
		assert.Equal(t, types.BackupTypeSnapshot, payload.Type())
	}

	stored, err := f.backups.GetPolicy(policy.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRunAt)
	assert.True(t, slot.Equal(*stored.LastRunAt))

	// Same slot again: nothing new
	n, err = f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stats, _ := f.queues.GetQueueStats(ctx)
	assert.Equal(t, int64(2), stats[queue.QueueBackup].Waiting)
}

func TestRunOncePodScopedAndInactivePolicies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPod(t, "p1", "t1", 101, types.PodStatusActive)
	f.addPod(t, "p2", "t1", 102, types.PodStatusActive)

	podID := "p2"
	full := types.BackupTypeFull
	f.addPolicy(t, backup.PolicySpec{TenantID: "t1", PodID: &podID, Name: "p2 hourly", Schedule: "hourly", Type: &full})
	inactive := false
	f.addPolicy(t, backup.PolicySpec{TenantID: "t1", Name: "off", Schedule: "hourly", IsActive: &inactive})

	f.at(created.Add(2 * time.Hour))
	n, err := f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := f.queues.Reserve(ctx, queue.QueueBackup)
	require.NoError(t, err)
	require.NotNil(t, job)
	p, err := job.Payload()
	require.NoError(t, err)
	assert.Equal(t, "p2", p.(queue.BackupPayload).CloudPodID)
	assert.Equal(t, types.BackupTypeFull, p.(queue.BackupPayload).Type())
}

func TestRunOnceSkipsMissingPod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPod(t, "p1", "t1", 101, types.PodStatusActive)
	policy := f.addPolicy(t, backup.PolicySpec{TenantID: "t1", PodID: strPtr("p1"), Name: "x", Schedule: "hourly"})
	require.NoError(t, f.store.DeletePod("p1"))

	f.at(created.Add(2 * time.Hour))
	n, err := f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, _ := f.backups.GetPolicy(policy.ID)
	assert.NotNil(t, stored.LastRunAt)
}

func strPtr(s string) *string { return &s }
