package orchestrator

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/cuemby/cloudpods/pkg/audit"
	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/cuemby/cloudpods/pkg/queue"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// CreateRequest asks for a new CloudPod
type CreateRequest struct {
	TenantID    string
	VMID        int
	Node        string // empty picks the first configured node
	Hostname    string
	Cores       int
	MemoryMB    int
	SwapMB      int
	DiskGB      int // 0 means the default disk size
	Region      string
	RequestedBy string
	BlueprintID *string
	PlanID      *string
	IP          *string
	AutoIP      bool
	// JobID overrides the derived idempotency key
	JobID string
	Audit *audit.Context
}

// Admission is the outcome of a producer request. When Decision denies the
// request nothing was written and Job is nil.
type Admission struct {
	Decision *types.QuotaCheckResult
	Pod      *types.CloudPod
	Job      *queue.Job
	// Duplicate is set when the request matched an existing job
	Duplicate bool
}

// Admitted reports whether a job exists for the request
func (a *Admission) Admitted() bool {
	return a.Job != nil
}

// RequestCreate reserves quota, registers the pod as provisioning and
// enqueues the create job. A denial is returned as a decision, not an error.
// If registering or enqueueing fails the reservation is released.
func (c *Context) RequestCreate(ctx context.Context, req CreateRequest) (*Admission, error) {
	node := req.Node
	if node == "" {
		node = c.defaultNode()
	}
	if node == "" {
		return nil, fmt.Errorf("no hypervisor node given or configured: %w", errdefs.ErrInvalidArgument)
	}

	payload := queue.CreatePayload{
		TenantID:    req.TenantID,
		VMID:        req.VMID,
		Hostname:    req.Hostname,
		Cores:       req.Cores,
		MemoryMB:    req.MemoryMB,
		SwapMB:      req.SwapMB,
		DiskGB:      req.DiskGB,
		Region:      req.Region,
		RequestedBy: req.RequestedBy,
		BlueprintID: req.BlueprintID,
		PlanID:      req.PlanID,
		IP:          req.IP,
		AutoIP:      req.AutoIP,
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	jobID := req.JobID
	if jobID == "" {
		id, err := c.Queues.DeriveJobID(payload)
		if err != nil {
			return nil, err
		}
		jobID = id
	}
	if existing, err := c.existingJob(ctx, queue.QueueCreate, jobID); err != nil || existing != nil {
		return existing, err
	}

	resources := payload.Resources()
	decision, err := c.Quota.ReserveCreateCapacity(req.TenantID, resources)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		logger := log.WithTenantID(req.TenantID)
		logger.Info().Str("reason", decision.Reason).Msg("Create request denied by quota")
		return &Admission{Decision: decision}, nil
	}

	pod := &types.CloudPod{
		ID:       uuid.New().String(),
		TenantID: req.TenantID,
		VMID:     req.VMID,
		PVENode:  node,
		Hostname: req.Hostname,
		Region:   req.Region,
		Cores:    req.Cores,
		MemoryMB: req.MemoryMB,
		SwapMB:   req.SwapMB,
		DiskGB:   resources.Disk(),
		Status:   types.PodStatusProvisioning,
	}
	if err := c.Store.CreatePod(pod); err != nil {
		return nil, c.releaseCreate(req.TenantID, resources, fmt.Errorf("failed to register pod: %w", err))
	}

	payload.CloudPodID = pod.ID
	job, err := c.Queues.EnqueueCreate(ctx, payload, queue.WithJobID(jobID))
	if err != nil {
		err = fmt.Errorf("failed to enqueue create job: %w", err)
		if derr := c.Store.DeletePod(pod.ID); derr != nil {
			err = multierror.Append(err, derr)
		}
		return nil, c.releaseCreate(req.TenantID, resources, err)
	}

	// A concurrent request with the same key won the enqueue
	if winner, derr := job.Payload(); derr == nil && winner.(queue.CreatePayload).CloudPodID != pod.ID {
		if err := c.Store.DeletePod(pod.ID); err != nil {
			return nil, c.releaseCreate(req.TenantID, resources, err)
		}
		if err := c.releaseCreate(req.TenantID, resources, nil); err != nil {
			return nil, err
		}
		return c.existingJob(ctx, queue.QueueCreate, job.ID)
	}

	c.Audit.Log(ctx, audit.Entry{
		Action:     audit.ActionPodCreate,
		Category:   audit.CategoryCloudPod,
		Ctx:        req.Audit,
		EntityType: "cloudpod",
		EntityID:   pod.ID,
		Details: map[string]interface{}{
			"vmid":     pod.VMID,
			"node":     pod.PVENode,
			"hostname": pod.Hostname,
			"cores":    pod.Cores,
			"memoryMb": pod.MemoryMB,
			"diskGb":   pod.DiskGB,
			"jobId":    job.ID,
		},
	})
	logger := log.WithJobID(string(queue.QueueCreate), job.ID)
	logger.Info().
		Str("tenant_id", req.TenantID).Str("pod_id", pod.ID).Int("vmid", pod.VMID).Msg("Create admitted")
	return &Admission{Decision: decision, Pod: pod, Job: job}, nil
}

// releaseCreate undoes a create reservation, returning cause joined with any
// failure to release
func (c *Context) releaseCreate(tenantID string, resources types.ResourceRequest, cause error) error {
	if err := c.Quota.DecrementUsage(tenantID, resources); err != nil {
		if cause == nil {
			return err
		}
		return multierror.Append(cause, err)
	}
	return cause
}

// existingJob returns the admission of a job already present under id, or
// nil when there is none
func (c *Context) existingJob(ctx context.Context, name queue.Name, id string) (*Admission, error) {
	job, err := c.Queues.GetJob(ctx, name, id)
	if err != nil || job == nil {
		return nil, err
	}
	admission := &Admission{
		Decision:  &types.QuotaCheckResult{Allowed: true},
		Job:       job,
		Duplicate: true,
	}
	p, err := job.Payload()
	if err != nil {
		return admission, nil
	}
	var podID string
	switch p := p.(type) {
	case queue.CreatePayload:
		podID = p.CloudPodID
	case queue.ScalePayload:
		podID = p.CloudPodID
	case queue.DestroyPayload:
		podID = p.CloudPodID
	case queue.BackupPayload:
		podID = p.CloudPodID
	}
	if pod, err := c.Store.GetPod(podID); err == nil {
		admission.Pod = pod
	}
	return admission, nil
}

// tenantPod loads a pod, hiding pods of other tenants
func (c *Context) tenantPod(podID, tenantID string) (*types.CloudPod, error) {
	pod, err := c.Store.GetPod(podID)
	if err != nil {
		return nil, err
	}
	if pod.TenantID != tenantID {
		return nil, fmt.Errorf("pod not found: %s: %w", podID, errdefs.ErrNotFound)
	}
	return pod, nil
}

// ScaleRequest asks to resize a pod's CPU and memory
type ScaleRequest struct {
	TenantID    string
	PodID       string
	NewCores    int
	NewMemoryMB int
	RequestedBy string
	BackupFirst bool
	Reason      *string
	JobID       string
	Audit       *audit.Context
}

// RequestScale reserves the growth of a resize and enqueues the scale job.
// Shrinking is never denied.
func (c *Context) RequestScale(ctx context.Context, req ScaleRequest) (*Admission, error) {
	pod, err := c.tenantPod(req.PodID, req.TenantID)
	if err != nil {
		return nil, err
	}
	if pod.Status != types.PodStatusActive || !pod.Addressable() {
		return nil, fmt.Errorf("pod %s is %s: %w", pod.ID, pod.Status, errdefs.ErrFailedPrecondition)
	}

	payload := queue.ScalePayload{
		TenantID:        pod.TenantID,
		VMID:            pod.VMID,
		CloudPodID:      pod.ID,
		CurrentCores:    pod.Cores,
		CurrentMemoryMB: pod.MemoryMB,
		NewCores:        req.NewCores,
		NewMemoryMB:     req.NewMemoryMB,
		RequestedBy:     req.RequestedBy,
		BackupFirst:     req.BackupFirst,
		Reason:          req.Reason,
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	jobID := req.JobID
	if jobID == "" {
		if jobID, err = c.Queues.DeriveJobID(payload); err != nil {
			return nil, err
		}
	}
	if existing, err := c.existingJob(ctx, queue.QueueScale, jobID); err != nil || existing != nil {
		return existing, err
	}

	scale := payload.Request()
	decision, err := c.Quota.ReserveScaleCapacity(pod.TenantID, scale)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		logger := log.WithPodID(pod.ID)
		logger.Info().Str("reason", decision.Reason).Msg("Scale request denied by quota")
		return &Admission{Decision: decision, Pod: pod}, nil
	}

	job, err := c.Queues.EnqueueScale(ctx, payload, queue.WithJobID(jobID))
	if err != nil {
		err = fmt.Errorf("failed to enqueue scale job: %w", err)
		if rerr := c.Quota.ReleaseScaleReservation(pod.TenantID, scale); rerr != nil {
			err = multierror.Append(err, rerr)
		}
		return nil, err
	}

	c.Audit.Log(ctx, audit.Entry{
		Action:     audit.ActionPodScale,
		Category:   audit.CategoryCloudPod,
		Ctx:        req.Audit,
		EntityType: "cloudpod",
		EntityID:   pod.ID,
		Details: map[string]interface{}{
			"fromCores":    pod.Cores,
			"fromMemoryMb": pod.MemoryMB,
			"toCores":      req.NewCores,
			"toMemoryMb":   req.NewMemoryMB,
			"backupFirst":  req.BackupFirst,
			"jobId":        job.ID,
		},
	})
	return &Admission{Decision: decision, Pod: pod, Job: job}, nil
}

// DestroyRequest asks to remove a pod
type DestroyRequest struct {
	TenantID    string
	PodID       string
	RequestedBy string
	Reason      *string
	JobID       string
	Audit       *audit.Context
}

// RequestDestroy enqueues the destroy job of a pod. Usage is released by the
// job once the container is gone.
func (c *Context) RequestDestroy(ctx context.Context, req DestroyRequest) (*Admission, error) {
	pod, err := c.tenantPod(req.PodID, req.TenantID)
	if err != nil {
		return nil, err
	}
	if pod.Status == types.PodStatusDeleted {
		return nil, fmt.Errorf("pod %s is already deleted: %w", pod.ID, errdefs.ErrFailedPrecondition)
	}
	if !pod.Addressable() {
		return nil, fmt.Errorf("pod %s has no vmid or node: %w", pod.ID, errdefs.ErrFailedPrecondition)
	}

	payload := queue.DestroyPayload{
		TenantID:    pod.TenantID,
		VMID:        pod.VMID,
		CloudPodID:  pod.ID,
		RequestedBy: req.RequestedBy,
		Reason:      req.Reason,
	}
	var opts []queue.EnqueueOption
	if req.JobID != "" {
		opts = append(opts, queue.WithJobID(req.JobID))
	}
	job, err := c.Queues.EnqueueDestroy(ctx, payload, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue destroy job: %w", err)
	}

	c.Audit.Log(ctx, audit.Entry{
		Action:     audit.ActionPodDestroy,
		Category:   audit.CategoryCloudPod,
		Ctx:        req.Audit,
		EntityType: "cloudpod",
		EntityID:   pod.ID,
		Details:    map[string]interface{}{"vmid": pod.VMID, "jobId": job.ID},
	})
	return &Admission{Decision: &types.QuotaCheckResult{Allowed: true}, Pod: pod, Job: job}, nil
}

// BackupRequest asks for a manual backup of a pod
type BackupRequest struct {
	TenantID     string
	PodID        string
	Type         *types.BackupType // nil means snapshot
	Mode         queue.BackupMode  // empty means snapshot
	SnapshotName *string
	Reason       *string
	JobID        string
}

// RequestBackup enqueues a manual backup
func (c *Context) RequestBackup(ctx context.Context, req BackupRequest) (*queue.Job, error) {
	pod, err := c.tenantPod(req.PodID, req.TenantID)
	if err != nil {
		return nil, err
	}
	if !pod.Addressable() {
		return nil, fmt.Errorf("pod %s has no vmid or node: %w", pod.ID, errdefs.ErrNotFound)
	}

	mode := req.Mode
	if mode == "" {
		mode = queue.BackupModeSnapshot
	}
	payload := queue.BackupPayload{
		TenantID:     pod.TenantID,
		VMID:         pod.VMID,
		CloudPodID:   pod.ID,
		Mode:         mode,
		TriggeredBy:  queue.TriggerManual,
		SnapshotName: req.SnapshotName,
		Reason:       req.Reason,
		BackupType:   req.Type,
	}
	var opts []queue.EnqueueOption
	if req.JobID != "" {
		opts = append(opts, queue.WithJobID(req.JobID))
	}
	return c.Queues.EnqueueBackup(ctx, payload, opts...)
}

// RequestHealthCheck enqueues a manual health check of one pod
func (c *Context) RequestHealthCheck(ctx context.Context, tenantID, podID string) (*queue.Job, error) {
	pod, err := c.tenantPod(podID, tenantID)
	if err != nil {
		return nil, err
	}
	return c.Queues.EnqueueHealth(ctx, queue.HealthPayload{
		TenantID:    pod.TenantID,
		VMID:        pod.VMID,
		CloudPodID:  pod.ID,
		TriggeredBy: queue.TriggerManual,
	})
}
