package types

import "time"

// BackupType selects the hypervisor mechanism used for a backup
type BackupType string

const (
	// BackupTypeSnapshot is a hypervisor-native point-in-time snapshot
	BackupTypeSnapshot BackupType = "snapshot"

	// BackupTypeFull is an archival vzdump export
	BackupTypeFull BackupType = "full-backup"
)

// Valid reports whether t is a known backup type
func (t BackupType) Valid() bool {
	return t == BackupTypeSnapshot || t == BackupTypeFull
}

// BackupStatus is the state of a single backup
type BackupStatus string

const (
	BackupStatusPending   BackupStatus = "pending"
	BackupStatusRunning   BackupStatus = "running"
	BackupStatusCompleted BackupStatus = "completed"
	BackupStatusFailed    BackupStatus = "failed"
)

// Terminal reports whether no further transition is allowed
func (s BackupStatus) Terminal() bool {
	return s == BackupStatusCompleted || s == BackupStatusFailed
}

// DefaultRetentionCount is the retention of a policy created without one
const DefaultRetentionCount = 7

// BackupPolicy schedules backups for one pod or for every pod of a tenant
type BackupPolicy struct {
	ID             string     `json:"id" yaml:"id,omitempty" gorm:"column:id;primaryKey;size:64"`
	TenantID       string     `json:"tenantId" yaml:"tenantId" gorm:"column:tenant_id;size:64;index;not null"`
	PodID          *string    `json:"podId,omitempty" yaml:"podId,omitempty" gorm:"column:pod_id;size:64;index"` // nil = tenant-wide
	Name           string     `json:"name" yaml:"name" gorm:"column:name;size:100;not null"`
	Schedule       string     `json:"schedule" yaml:"schedule" gorm:"column:schedule;size:100"` // cron expression or hourly/daily/weekly/monthly
	RetentionCount int        `json:"retentionCount" yaml:"retentionCount" gorm:"column:retention_count;not null"`
	Type           BackupType `json:"type" yaml:"type" gorm:"column:type;size:20"`
	IsActive       bool       `json:"isActive" yaml:"isActive" gorm:"column:is_active;not null;index"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty" yaml:"-" gorm:"column:last_run_at"`
	CreatedAt      time.Time  `json:"createdAt" yaml:"-" gorm:"column:created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" yaml:"-" gorm:"column:updated_at"`
}

// TableName specifies the table name for BackupPolicy
func (BackupPolicy) TableName() string {
	return "backup_policies"
}

// Backup is one snapshot or archive of a pod
type Backup struct {
	ID           string       `json:"id" gorm:"column:id;primaryKey;size:64"`
	PodID        string       `json:"podId" gorm:"column:pod_id;size:64;index;not null"`
	PolicyID     *string      `json:"policyId,omitempty" gorm:"column:policy_id;size:64;index"` // nil for manual backups
	BackupType   BackupType   `json:"backupType" gorm:"column:backup_type;size:20"`
	Location     string       `json:"location" gorm:"column:location;size:500"`
	Status       BackupStatus `json:"status" gorm:"column:status;size:20;index"`
	SizeGB       *float64     `json:"sizeGb,omitempty" gorm:"column:size_gb"`
	ErrorMessage string       `json:"errorMessage,omitempty" gorm:"column:error_message;size:1000"`
	CreatedAt    time.Time    `json:"createdAt" gorm:"column:created_at;index"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty" gorm:"column:completed_at"`
}

// TableName specifies the table name for Backup
func (Backup) TableName() string {
	return "cloudpod_backups"
}
