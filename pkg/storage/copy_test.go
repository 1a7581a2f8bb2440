package storage

import (
	"testing"
	"time"

	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCopySource(t *testing.T, s Store) {
	t.Helper()
	_, err := s.CreateQuotaIfNotExists(&types.Quota{
		TenantID: "acme",
		Limits:   types.QuotaLimits{MaxPods: 5, MaxCPUCores: 10, MaxRAMMB: 8192, MaxDiskGB: 100},
	})
	require.NoError(t, err)
	_, err = s.UpdateQuota("acme", func(q *types.Quota) error {
		q.Usage = types.QuotaUsage{UsedPods: 1, UsedCPUCores: 2, UsedRAMMB: 2048, UsedDiskGB: 20}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.CreatePod(&types.CloudPod{ID: "p1", TenantID: "acme", VMID: 101, PVENode: "pve1", Cores: 2, MemoryMB: 2048, Status: types.PodStatusActive}))

	policyID := "pol1"
	require.NoError(t, s.CreateBackupPolicy(&types.BackupPolicy{ID: policyID, TenantID: "acme", Name: "nightly", Schedule: "daily", RetentionCount: 3, Type: types.BackupTypeSnapshot, IsActive: true}))

	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateBackup(&types.Backup{ID: "b1", PodID: "p1", PolicyID: &policyID, BackupType: types.BackupTypeSnapshot, Status: types.BackupStatusCompleted, CreatedAt: created}))
	require.NoError(t, s.CreateBackup(&types.Backup{ID: "b2", PodID: "p1", BackupType: types.BackupTypeSnapshot, Status: types.BackupStatusFailed, CreatedAt: created.Add(time.Hour)}))
}

func TestCopy(t *testing.T) {
	src := newTestBoltStore(t)
	dst := newTestBoltStore(t)
	seedCopySource(t, src)

	report, err := Copy(src, dst, false)
	require.NoError(t, err)
	assert.Equal(t, CopyReport{Quotas: 1, Pods: 1, Policies: 1, Backups: 2}, report)

	q, err := dst.GetQuota("acme")
	require.NoError(t, err)
	assert.Equal(t, 5, q.Limits.MaxPods)
	assert.Equal(t, 2048, q.Usage.UsedRAMMB)

	pod, err := dst.GetPod("p1")
	require.NoError(t, err)
	assert.Equal(t, types.PodStatusActive, pod.Status)
	assert.Equal(t, 101, pod.VMID)

	backups, err := dst.ListBackupsByPolicy("pol1", "")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, "b1", backups[0].ID)

	policy, err := dst.GetBackupPolicy("pol1")
	require.NoError(t, err)
	assert.Equal(t, "nightly", policy.Name)
}

func TestCopy_Rerun(t *testing.T) {
	src := newTestBoltStore(t)
	dst := newTestBoltStore(t)
	seedCopySource(t, src)

	_, err := Copy(src, dst, false)
	require.NoError(t, err)
	_, err = Copy(src, dst, false)
	require.NoError(t, err)

	pods, err := dst.ListPods()
	require.NoError(t, err)
	assert.Len(t, pods, 1)

	backups, err := dst.ListBackupsByPod("p1")
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	q, err := dst.GetQuota("acme")
	require.NoError(t, err)
	assert.Equal(t, 1, q.Usage.UsedPods)
}

func TestCopy_DryRun(t *testing.T) {
	src := newTestBoltStore(t)
	dst := newTestBoltStore(t)
	seedCopySource(t, src)

	report, err := Copy(src, dst, true)
	require.NoError(t, err)
	assert.Equal(t, CopyReport{Quotas: 1, Pods: 1, Policies: 1, Backups: 2}, report)

	quotas, err := dst.ListQuotas()
	require.NoError(t, err)
	assert.Empty(t, quotas)
	pods, err := dst.ListPods()
	require.NoError(t, err)
	assert.Empty(t, pods)
}
