/*
Package types defines the data model shared by every cloudpods package.

The types here are plain records. They carry json tags for the CLI and the
queue, yaml tags where a record can be applied from a file, and gorm tags for
the PostgreSQL store. Behaviour lives in the engines that own each record.

# Core Types

Quotas:
  - Quota: Per-tenant limits and current usage
  - QuotaLimits, QuotaUsage: The four dimensions (pods, cores, RAM, disk)
  - ResourceRequest, ScaleRequest: Inputs of a capacity check
  - QuotaCheckResult: Allow or deny with a reason naming the dimension
  - QuotaLimitsPatch: Partial limit update, nil fields are left alone
  - QuotaSummary: Limits, usage and headroom for display

CloudPods:
  - CloudPod: A tenant container on a Proxmox node
  - PodStatus: provisioning, active, suspended, deleted

Backups:
  - BackupPolicy: Schedule, retention count and type for a tenant or one pod
  - Backup: One snapshot or vzdump archive and its status
  - BackupType: snapshot or full-backup
  - BackupStatus: pending, running, completed, failed

# Quota Accounting

Only pods in provisioning or active state count toward usage, see
PodStatus.CountsTowardQuota. A request that leaves DiskGB at zero is charged
DefaultDiskGB:

	req := types.ResourceRequest{Cores: 2, RAMMB: 2048}
	req.Disk() // 8

# Optional Fields

Fields that may be absent are pointers (BackupPolicy.PodID, Backup.PolicyID,
Backup.SizeGB). A nil PodID makes a policy tenant-wide; a nil PolicyID marks
a manual backup.
*/
package types
