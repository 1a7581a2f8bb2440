package types

import "time"

// DefaultDiskGB is the disk size assumed when a request leaves DiskGB unset
const DefaultDiskGB = 8

// QuotaLimits is the resource ceiling of a tenant
type QuotaLimits struct {
	MaxPods     int `json:"maxPods" yaml:"maxPods" gorm:"column:max_pods;not null"`
	MaxCPUCores int `json:"maxCpuCores" yaml:"maxCpuCores" gorm:"column:max_cpu_cores;not null"`
	MaxRAMMB    int `json:"maxRamMb" yaml:"maxRamMb" gorm:"column:max_ram_mb;not null"`
	MaxDiskGB   int `json:"maxDiskGb" yaml:"maxDiskGb" gorm:"column:max_disk_gb;not null"`
}

// DefaultQuotaLimits returns the limits given to a tenant on first access
func DefaultQuotaLimits() QuotaLimits {
	return QuotaLimits{
		MaxPods:     5,
		MaxCPUCores: 8,
		MaxRAMMB:    16384,
		MaxDiskGB:   100,
	}
}

// QuotaUsage is the committed (or reserved) resource total of a tenant
type QuotaUsage struct {
	UsedPods     int `json:"usedPods" gorm:"column:used_pods;not null;default:0"`
	UsedCPUCores int `json:"usedCpuCores" gorm:"column:used_cpu_cores;not null;default:0"`
	UsedRAMMB    int `json:"usedRamMb" gorm:"column:used_ram_mb;not null;default:0"`
	UsedDiskGB   int `json:"usedDiskGb" gorm:"column:used_disk_gb;not null;default:0"`
}

// Quota is the per-tenant limits and usage record
type Quota struct {
	TenantID  string      `json:"tenantId" gorm:"column:tenant_id;primaryKey;size:64"`
	Limits    QuotaLimits `json:"limits" gorm:"embedded"`
	Usage     QuotaUsage  `json:"usage" gorm:"embedded"`
	CreatedAt time.Time   `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt time.Time   `json:"updatedAt" gorm:"column:updated_at"`
}

// TableName specifies the table name for Quota
func (Quota) TableName() string {
	return "cloudpod_quotas"
}

// ResourceRequest is the footprint of a pod being created
type ResourceRequest struct {
	Cores  int `json:"cores"`
	RAMMB  int `json:"ramMb"`
	DiskGB int `json:"diskGb"` // 0 means DefaultDiskGB
}

// Disk returns the requested disk size, applying DefaultDiskGB when unset
func (r ResourceRequest) Disk() int {
	if r.DiskGB <= 0 {
		return DefaultDiskGB
	}
	return r.DiskGB
}

// ScaleRequest describes a CPU/RAM resize of an existing pod
type ScaleRequest struct {
	CurrentCores int `json:"currentCores"`
	CurrentRAMMB int `json:"currentRamMb"`
	NewCores     int `json:"newCores"`
	NewRAMMB     int `json:"newRamMb"`
}

// CoresDelta is the signed CPU change
func (r ScaleRequest) CoresDelta() int {
	return r.NewCores - r.CurrentCores
}

// RAMDelta is the signed RAM change in MB
func (r ScaleRequest) RAMDelta() int {
	return r.NewRAMMB - r.CurrentRAMMB
}

// RequestedResources is the amount a check asked for. For scale checks the
// values are the signed deltas.
type RequestedResources struct {
	Pods   int `json:"pods"`
	Cores  int `json:"cpuCores"`
	RAMMB  int `json:"ramMb"`
	DiskGB int `json:"diskGb"`
}

// QuotaCheckResult is an admission decision. A denial is a value, not an error.
type QuotaCheckResult struct {
	Allowed   bool               `json:"allowed"`
	Reason    string             `json:"reason,omitempty"`
	Current   QuotaUsage         `json:"current"`
	Limits    QuotaLimits        `json:"limits"`
	Requested RequestedResources `json:"requested"`
}

// QuotaLimitsPatch is a partial limits update; nil fields keep their value
type QuotaLimitsPatch struct {
	MaxPods     *int `json:"maxPods,omitempty" yaml:"maxPods,omitempty"`
	MaxCPUCores *int `json:"maxCpuCores,omitempty" yaml:"maxCpuCores,omitempty"`
	MaxRAMMB    *int `json:"maxRamMb,omitempty" yaml:"maxRamMb,omitempty"`
	MaxDiskGB   *int `json:"maxDiskGb,omitempty" yaml:"maxDiskGb,omitempty"`
}

// DimensionSummary is one line of a quota dashboard
type DimensionSummary struct {
	Limit       int `json:"limit"`
	Used        int `json:"used"`
	Available   int `json:"available"`
	PercentUsed int `json:"percentUsed"`
}

// QuotaSummary is the dashboard read-model of a tenant quota
type QuotaSummary struct {
	TenantID string           `json:"tenantId"`
	Limits   QuotaLimits      `json:"limits"`
	Used     QuotaUsage       `json:"used"`
	Pods     DimensionSummary `json:"pods"`
	CPUCores DimensionSummary `json:"cpuCores"`
	RAMMB    DimensionSummary `json:"ramMb"`
	DiskGB   DimensionSummary `json:"diskGb"`
}
