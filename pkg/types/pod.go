package types

import "time"

// PodStatus is the lifecycle state of a CloudPod
type PodStatus string

const (
	PodStatusProvisioning PodStatus = "provisioning"
	PodStatusActive       PodStatus = "active"
	PodStatusSuspended    PodStatus = "suspended"
	PodStatusDeleted      PodStatus = "deleted"
)

// CountsTowardQuota reports whether a pod in this state holds tenant resources
func (s PodStatus) CountsTowardQuota() bool {
	return s == PodStatusActive || s == PodStatusProvisioning
}

// CloudPod is a tenant-owned container running on a Proxmox node
type CloudPod struct {
	ID        string    `json:"id" gorm:"column:id;primaryKey;size:64"`
	TenantID  string    `json:"tenantId" gorm:"column:tenant_id;size:64;index;not null"`
	VMID      int       `json:"vmid" gorm:"column:vmid;index"`
	PVENode   string    `json:"pveNode" gorm:"column:pve_node;size:100"`
	Hostname  string    `json:"hostname" gorm:"column:hostname;size:253"`
	Region    string    `json:"region,omitempty" gorm:"column:region;size:50"`
	Cores     int       `json:"cores" gorm:"column:cores"`
	MemoryMB  int       `json:"memoryMb" gorm:"column:memory_mb"`
	SwapMB    int       `json:"swapMb" gorm:"column:swap_mb"`
	DiskGB    int       `json:"diskGb" gorm:"column:disk_gb"`
	IPAddress string    `json:"ipAddress,omitempty" gorm:"column:ip_address;size:64"`
	Status    PodStatus `json:"status" gorm:"column:status;size:20;index"`
	CreatedAt time.Time `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"column:updated_at"`
}

// TableName specifies the table name for CloudPod
func (CloudPod) TableName() string {
	return "cloud_pods"
}

// Addressable reports whether the pod can be targeted on the hypervisor
func (p *CloudPod) Addressable() bool {
	return p.VMID > 0 && p.PVENode != ""
}
