package storage

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract against any implementation
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("QuotaLifecycle", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetQuota("tenant-1")
		assert.True(t, errdefs.IsNotFound(err))

		created, err := s.CreateQuotaIfNotExists(&types.Quota{
			TenantID: "tenant-1",
			Limits:   types.DefaultQuotaLimits(),
		})
		require.NoError(t, err)
		assert.Equal(t, 5, created.Limits.MaxPods)

		// Second create keeps the stored record
		again, err := s.CreateQuotaIfNotExists(&types.Quota{
			TenantID: "tenant-1",
			Limits:   types.QuotaLimits{MaxPods: 99},
		})
		require.NoError(t, err)
		assert.Equal(t, 5, again.Limits.MaxPods)

		updated, err := s.UpdateQuota("tenant-1", func(q *types.Quota) error {
			q.Usage.UsedPods = 2
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, updated.Usage.UsedPods)

		got, err := s.GetQuota("tenant-1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Usage.UsedPods)
	})

	t.Run("UpdateQuotaAbortsOnError", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateQuotaIfNotExists(&types.Quota{TenantID: "t", Limits: types.DefaultQuotaLimits()})
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = s.UpdateQuota("t", func(q *types.Quota) error {
			q.Usage.UsedPods = 42
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.GetQuota("t")
		require.NoError(t, err)
		assert.Equal(t, 0, got.Usage.UsedPods)
	})

	t.Run("UpdateQuotaMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpdateQuota("nobody", func(q *types.Quota) error { return nil })
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("UpdateQuotaConcurrent", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateQuotaIfNotExists(&types.Quota{TenantID: "t", Limits: types.DefaultQuotaLimits()})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateQuota("t", func(q *types.Quota) error {
					q.Usage.UsedCPUCores++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.GetQuota("t")
		require.NoError(t, err)
		assert.Equal(t, 20, got.Usage.UsedCPUCores)
	})

	t.Run("Pods", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreatePod(&types.CloudPod{ID: "p1", TenantID: "a", VMID: 101, PVENode: "pve1", Status: types.PodStatusActive}))
		require.NoError(t, s.CreatePod(&types.CloudPod{ID: "p2", TenantID: "a", VMID: 102, PVENode: "pve1", Status: types.PodStatusDeleted}))
		require.NoError(t, s.CreatePod(&types.CloudPod{ID: "p3", TenantID: "b", VMID: 103, PVENode: "pve2", Status: types.PodStatusActive}))

		pods, err := s.ListPodsByTenant("a")
		require.NoError(t, err)
		assert.Len(t, pods, 2)

		all, err := s.ListPods()
		require.NoError(t, err)
		assert.Len(t, all, 3)

		p, err := s.GetPod("p1")
		require.NoError(t, err)
		p.Status = types.PodStatusSuspended
		require.NoError(t, s.UpdatePod(p))

		p, err = s.GetPod("p1")
		require.NoError(t, err)
		assert.Equal(t, types.PodStatusSuspended, p.Status)

		require.NoError(t, s.DeletePod("p1"))
		_, err = s.GetPod("p1")
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("Policies", func(t *testing.T) {
		s := newStore(t)
		podID := "p1"
		require.NoError(t, s.CreateBackupPolicy(&types.BackupPolicy{ID: "bp1", TenantID: "a", PodID: &podID, Name: "nightly", Schedule: "daily", RetentionCount: 7, Type: types.BackupTypeSnapshot, IsActive: true}))
		require.NoError(t, s.CreateBackupPolicy(&types.BackupPolicy{ID: "bp2", TenantID: "a", Name: "weekly", Schedule: "weekly", RetentionCount: 2, Type: types.BackupTypeFull}))
		require.NoError(t, s.CreateBackupPolicy(&types.BackupPolicy{ID: "bp3", TenantID: "b", Name: "hourly", Schedule: "hourly", RetentionCount: 3, Type: types.BackupTypeSnapshot, IsActive: true}))

		byTenant, err := s.ListBackupPolicies("a")
		require.NoError(t, err)
		assert.Len(t, byTenant, 2)

		all, err := s.ListBackupPolicies("")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		active, err := s.ListActiveBackupPolicies()
		require.NoError(t, err)
		assert.Len(t, active, 2)

		got, err := s.GetBackupPolicy("bp1")
		require.NoError(t, err)
		require.NotNil(t, got.PodID)
		assert.Equal(t, "p1", *got.PodID)

		got.IsActive = false
		require.NoError(t, s.UpdateBackupPolicy(got))
		active, err = s.ListActiveBackupPolicies()
		require.NoError(t, err)
		assert.Len(t, active, 1)

		require.NoError(t, s.DeleteBackupPolicy("bp1"))
		_, err = s.GetBackupPolicy("bp1")
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("BackupsNewestFirst", func(t *testing.T) {
		s := newStore(t)
		policyID := "bp1"
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 1; i <= 5; i++ {
			status := types.BackupStatusCompleted
			if i == 3 {
				status = types.BackupStatusFailed
			}
			require.NoError(t, s.CreateBackup(&types.Backup{
				ID:         fmt.Sprintf("b%d", i),
				PodID:      "p1",
				PolicyID:   &policyID,
				BackupType: types.BackupTypeSnapshot,
				Status:     status,
				CreatedAt:  base.Add(time.Duration(i) * time.Hour),
			}))
		}
		require.NoError(t, s.CreateBackup(&types.Backup{ID: "manual", PodID: "p1", Status: types.BackupStatusCompleted, CreatedAt: base}))

		completed, err := s.ListBackupsByPolicy(policyID, types.BackupStatusCompleted)
		require.NoError(t, err)
		var ids []string
		for _, b := range completed {
			ids = append(ids, b.ID)
		}
		assert.Equal(t, []string{"b5", "b4", "b2", "b1"}, ids)

		everything, err := s.ListBackupsByPolicy(policyID, "")
		require.NoError(t, err)
		assert.Len(t, everything, 5)

		byPod, err := s.ListBackupsByPod("p1")
		require.NoError(t, err)
		require.Len(t, byPod, 6)
		assert.Equal(t, "manual", byPod[5].ID)

		require.NoError(t, s.DeleteBackup("b5"))
		_, err = s.GetBackup("b5")
		assert.True(t, errdefs.IsNotFound(err))
	})
}
