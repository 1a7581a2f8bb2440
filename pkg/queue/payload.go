package queue

import (
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/cuemby/cloudpods/pkg/types"
)

// Name identifies a job queue
type Name string

const (
	QueueCreate  Name = "create"
	QueueDestroy Name = "destroy"
	QueueBackup  Name = "backup"
	QueueHealth  Name = "health"
	QueueScale   Name = "scale"
)

// Names lists every queue in a stable order
var Names = []Name{QueueCreate, QueueDestroy, QueueBackup, QueueHealth, QueueScale}

// Valid reports whether n is a known queue
func (n Name) Valid() bool {
	for _, known := range Names {
		if n == known {
			return true
		}
	}
	return false
}

// Payload is the body of a job. The set of implementations is closed: one
// struct per queue.
type Payload interface {
	// Queue returns the queue the payload belongs to
	Queue() Name
	// Target returns the hypervisor id the job acts on, used in job keys
	Target() int
	Validate() error
	sealed()
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrInvalidArgument)
}

// CreatePayload provisions a new container
type CreatePayload struct {
	TenantID    string  `json:"tenantId"`
	CloudPodID  string  `json:"cloudPodId,omitempty"`
	VMID        int     `json:"vmid"`
	Hostname    string  `json:"hostname"`
	Cores       int     `json:"cores"`
	MemoryMB    int     `json:"memoryMb"`
	SwapMB      int     `json:"swapMb"`
	DiskGB      int     `json:"diskGb"`
	Region      string  `json:"region"`
	RequestedBy string  `json:"requestedBy"`
	BlueprintID *string `json:"blueprintId,omitempty"`
	PlanID      *string `json:"planId,omitempty"`
	IP          *string `json:"ip,omitempty"` // CIDR; nil with AutoIP false means DHCP
	AutoIP      bool    `json:"autoIp,omitempty"`
}

func (CreatePayload) Queue() Name { return QueueCreate }
func (p CreatePayload) Target() int { return p.VMID }
func (CreatePayload) sealed() {}

// Resources returns the quota footprint of the container
func (p CreatePayload) Resources() types.ResourceRequest {
	return types.ResourceRequest{Cores: p.Cores, RAMMB: p.MemoryMB, DiskGB: p.DiskGB}
}

func (p CreatePayload) Validate() error {
	switch {
	case p.TenantID == "":
		return invalid("create: tenantId is required")
	case p.VMID <= 0:
		return invalid("create: vmid must be positive")
	case p.Hostname == "":
		return invalid("create: hostname is required")
	case p.Cores <= 0:
		return invalid("create: cores must be positive")
	case p.MemoryMB <= 0:
		return invalid("create: memoryMb must be positive")
	case p.SwapMB < 0 || p.DiskGB < 0:
		return invalid("create: swapMb and diskGb must not be negative")
	case p.RequestedBy == "":
		return invalid("create: requestedBy is required")
	}
	return nil
}

// DestroyPayload removes a container
type DestroyPayload struct {
	TenantID    string  `json:"tenantId"`
	VMID        int     `json:"vmid"`
	CloudPodID  string  `json:"cloudPodId"`
	RequestedBy string  `json:"requestedBy"`
	Reason      *string `json:"reason,omitempty"`
}

func (DestroyPayload) Queue() Name { return QueueDestroy }
func (p DestroyPayload) Target() int { return p.VMID }
func (DestroyPayload) sealed() {}

func (p DestroyPayload) Validate() error {
	switch {
	case p.TenantID == "":
		return invalid("destroy: tenantId is required")
	case p.VMID <= 0:
		return invalid("destroy: vmid must be positive")
	case p.CloudPodID == "":
		return invalid("destroy: cloudPodId is required")
	case p.RequestedBy == "":
		return invalid("destroy: requestedBy is required")
	}
	return nil
}

// BackupMode is the vzdump consistency mode
type BackupMode string

const (
	BackupModeSnapshot BackupMode = "snapshot"
	BackupModeSuspend  BackupMode = "suspend"
	BackupModeStop     BackupMode = "stop"
)

// Trigger records why a job was enqueued
type Trigger string

const (
	TriggerSchedule   Trigger = "schedule"
	TriggerManual     Trigger = "manual"
	TriggerPreScale   Trigger = "pre-scale"
	TriggerPreDestroy Trigger = "pre-destroy"
	TriggerExternal   Trigger = "external-trigger"
)

// BackupPayload backs up a container
type BackupPayload struct {
	TenantID     string            `json:"tenantId"`
	VMID         int               `json:"vmid"`
	CloudPodID   string            `json:"cloudPodId"`
	Mode         BackupMode        `json:"mode"`
	TriggeredBy  Trigger           `json:"triggeredBy"`
	SnapshotName *string           `json:"snapshotName,omitempty"`
	Reason       *string           `json:"reason,omitempty"`
	PolicyID     *string           `json:"policyId,omitempty"`
	BackupType   *types.BackupType `json:"backupType,omitempty"` // nil means snapshot
}

func (BackupPayload) Queue() Name { return QueueBackup }
func (p BackupPayload) Target() int { return p.VMID }
func (BackupPayload) sealed() {}

// Type returns the requested backup type, snapshot when unset
func (p BackupPayload) Type() types.BackupType {
	if p.BackupType == nil {
		return types.BackupTypeSnapshot
	}
	return *p.BackupType
}

func (p BackupPayload) Validate() error {
	switch {
	case p.TenantID == "":
		return invalid("backup: tenantId is required")
	case p.VMID <= 0:
		return invalid("backup: vmid must be positive")
	case p.CloudPodID == "":
		return invalid("backup: cloudPodId is required")
	}
	switch p.Mode {
	case BackupModeSnapshot, BackupModeSuspend, BackupModeStop:
	default:
		return invalid("backup: unknown mode %q", p.Mode)
	}
	switch p.TriggeredBy {
	case TriggerSchedule, TriggerManual, TriggerPreScale, TriggerPreDestroy:
	default:
		return invalid("backup: unknown trigger %q", p.TriggeredBy)
	}
	if !p.Type().Valid() {
		return invalid("backup: unknown backup type %q", p.Type())
	}
	return nil
}

// SweepPodID is the cloudPodId of a health job that checks every pod
const SweepPodID = "all"

// HealthPayload checks one container, or all of them when IsSweep
type HealthPayload struct {
	TenantID    string  `json:"tenantId"`
	VMID        int     `json:"vmid"`
	CloudPodID  string  `json:"cloudPodId"`
	TriggeredBy Trigger `json:"triggeredBy"`
}

// NewSweepPayload returns the payload of the scheduled all-pods health check
func NewSweepPayload() HealthPayload {
	return HealthPayload{
		TenantID:    "system",
		VMID:        0,
		CloudPodID:  SweepPodID,
		TriggeredBy: TriggerSchedule,
	}
}

func (HealthPayload) Queue() Name { return QueueHealth }
func (p HealthPayload) Target() int { return p.VMID }
func (HealthPayload) sealed() {}

// IsSweep reports whether the payload is the all-pods sentinel
func (p HealthPayload) IsSweep() bool {
	return p.VMID == 0 && p.CloudPodID == SweepPodID
}

func (p HealthPayload) Validate() error {
	if p.TenantID == "" {
		return invalid("health: tenantId is required")
	}
	switch p.TriggeredBy {
	case TriggerSchedule, TriggerManual, TriggerExternal:
	default:
		return invalid("health: unknown trigger %q", p.TriggeredBy)
	}
	if p.IsSweep() {
		return nil
	}
	if p.VMID <= 0 || p.CloudPodID == "" || p.CloudPodID == SweepPodID {
		return invalid("health: vmid and cloudPodId must both name a pod, or be 0 and %q", SweepPodID)
	}
	return nil
}

// ScalePayload resizes CPU and memory of a container
type ScalePayload struct {
	TenantID        string  `json:"tenantId"`
	VMID            int     `json:"vmid"`
	CloudPodID      string  `json:"cloudPodId"`
	CurrentCores    int     `json:"currentCores"`
	CurrentMemoryMB int     `json:"currentMemoryMb"`
	NewCores        int     `json:"newCores"`
	NewMemoryMB     int     `json:"newMemoryMb"`
	RequestedBy     string  `json:"requestedBy"`
	BackupFirst     bool    `json:"backupFirst"`
	Reason          *string `json:"reason,omitempty"`
}

func (ScalePayload) Queue() Name { return QueueScale }
func (p ScalePayload) Target() int { return p.VMID }
func (ScalePayload) sealed() {}

// Request returns the quota view of the resize
func (p ScalePayload) Request() types.ScaleRequest {
	return types.ScaleRequest{
		CurrentCores: p.CurrentCores,
		CurrentRAMMB: p.CurrentMemoryMB,
		NewCores:     p.NewCores,
		NewRAMMB:     p.NewMemoryMB,
	}
}

func (p ScalePayload) Validate() error {
	switch {
	case p.TenantID == "":
		return invalid("scale: tenantId is required")
	case p.VMID <= 0:
		return invalid("scale: vmid must be positive")
	case p.CloudPodID == "":
		return invalid("scale: cloudPodId is required")
	case p.NewCores <= 0 || p.NewMemoryMB <= 0:
		return invalid("scale: newCores and newMemoryMb must be positive")
	case p.CurrentCores < 0 || p.CurrentMemoryMB < 0:
		return invalid("scale: current resources must not be negative")
	case p.RequestedBy == "":
		return invalid("scale: requestedBy is required")
	}
	return nil
}
