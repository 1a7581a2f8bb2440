package storage

import (
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/cuemby/cloudpods/pkg/types"
)

// QuotaMutator edits a quota in place inside a store transaction. Returning an
// error aborts the transaction and leaves the stored record untouched.
type QuotaMutator func(q *types.Quota) error

// Store defines the persistence required by the orchestrator. Every method is
// individually atomic; UpdateQuota is an atomic read-modify-write.
type Store interface {
	// Quotas
	GetQuota(tenantID string) (*types.Quota, error)
	CreateQuotaIfNotExists(quota *types.Quota) (*types.Quota, error)
	UpdateQuota(tenantID string, fn QuotaMutator) (*types.Quota, error)
	ListQuotas() ([]*types.Quota, error)

	// CloudPods
	CreatePod(pod *types.CloudPod) error
	GetPod(id string) (*types.CloudPod, error)
	ListPods() ([]*types.CloudPod, error)
	ListPodsByTenant(tenantID string) ([]*types.CloudPod, error)
	UpdatePod(pod *types.CloudPod) error
	DeletePod(id string) error

	// Backup policies
	CreateBackupPolicy(policy *types.BackupPolicy) error
	GetBackupPolicy(id string) (*types.BackupPolicy, error)
	ListBackupPolicies(tenantID string) ([]*types.BackupPolicy, error)
	ListActiveBackupPolicies() ([]*types.BackupPolicy, error)
	UpdateBackupPolicy(policy *types.BackupPolicy) error
	DeleteBackupPolicy(id string) error

	// Backups
	CreateBackup(backup *types.Backup) error
	GetBackup(id string) (*types.Backup, error)
	ListBackupsByPod(podID string) ([]*types.Backup, error)
	// ListBackupsByPolicy returns the policy's backups in the given status,
	// newest first. An empty status matches every status.
	ListBackupsByPolicy(policyID string, status types.BackupStatus) ([]*types.Backup, error)
	UpdateBackup(backup *types.Backup) error
	DeleteBackup(id string) error

	// Utility
	Close() error
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s not found: %s: %w", kind, id, errdefs.ErrNotFound)
}
