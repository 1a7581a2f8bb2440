package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/cuemby/cloudpods/pkg/audit"
	"github.com/cuemby/cloudpods/pkg/backup"
	"github.com/cuemby/cloudpods/pkg/health"
	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/cuemby/cloudpods/pkg/pve"
	"github.com/cuemby/cloudpods/pkg/queue"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/cuemby/cloudpods/pkg/worker"
	"github.com/rs/zerolog"
)

// Handle executes one job attempt. It is the worker pool's Handler.
func (c *Context) Handle(ctx context.Context, job *queue.Job) error {
	payload, err := job.Payload()
	if err != nil {
		return worker.Permanent(err)
	}
	logger := log.WithJobID(string(job.Queue), job.ID)

	switch p := payload.(type) {
	case queue.CreatePayload:
		err = c.handleCreate(ctx, p, logger)
	case queue.DestroyPayload:
		err = c.handleDestroy(ctx, p, logger)
	case queue.BackupPayload:
		err = c.handleBackup(ctx, p, logger)
	case queue.HealthPayload:
		err = c.handleHealth(ctx, p, logger)
	case queue.ScalePayload:
		err = c.handleScale(ctx, p, logger)
	default:
		return worker.Permanent(fmt.Errorf("no handler for %T", payload))
	}

	// Retrying cannot make a missing record appear or an invalid request valid
	if errdefs.IsNotFound(err) || errdefs.IsInvalidArgument(err) || errdefs.IsFailedPrecondition(err) {
		return worker.Permanent(err)
	}
	return err
}

// OnFailed compensates the quota reservation of a job that failed for good
func (c *Context) OnFailed(ctx context.Context, job *queue.Job, cause error) {
	payload, err := job.Payload()
	if err != nil {
		return
	}
	logger := log.WithJobID(string(job.Queue), job.ID)

	switch p := payload.(type) {
	case queue.CreatePayload:
		c.compensateCreate(p, cause, logger)
	case queue.ScalePayload:
		c.compensateScale(p, logger)
	}
}

func systemActor(tenantID, requestedBy string) *audit.Context {
	return &audit.Context{ActorID: requestedBy, ActorType: "system", TenantID: tenantID}
}

// containerState returns the pct state of a container, or "" when it does
// not exist on the node
func (c *Context) containerState(ctx context.Context, node string, vmid int) (string, error) {
	out, err := pve.Run(ctx, c.Exec, node, pve.Status(vmid))
	if pve.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	state, err := pve.ParseStatus(out)
	if err != nil {
		// Empty or unexpected output is treated as no container
		return "", nil
	}
	return state, nil
}

func (c *Context) createOptions(p queue.CreatePayload) pve.CreateOptions {
	opts := pve.CreateOptions{
		Template:    c.Config.PVE.Template,
		Hostname:    p.Hostname,
		Cores:       p.Cores,
		MemoryMB:    p.MemoryMB,
		SwapMB:      p.SwapMB,
		DiskGB:      p.Resources().Disk(),
		RootStorage: c.Config.PVE.RootStorage,
		Bridge:      c.Config.PVE.Bridge,
	}
	// AutoIP without an address pool falls back to DHCP
	if p.IP != nil {
		opts.IP = *p.IP
	}
	return opts
}

// handleCreate creates and starts the container. Steps already done by an
// earlier attempt are skipped.
func (c *Context) handleCreate(ctx context.Context, p queue.CreatePayload, logger zerolog.Logger) error {
	if p.CloudPodID == "" {
		return fmt.Errorf("create job has no cloudPodId: %w", errdefs.ErrInvalidArgument)
	}
	pod, err := c.Store.GetPod(p.CloudPodID)
	if err != nil {
		return err
	}
	switch pod.Status {
	case types.PodStatusActive:
		logger.Info().Str("pod_id", pod.ID).Msg("Pod already active")
		return nil
	case types.PodStatusDeleted:
		return fmt.Errorf("pod %s was deleted before provisioning: %w", pod.ID, errdefs.ErrFailedPrecondition)
	}

	state, err := c.containerState(ctx, pod.PVENode, p.VMID)
	if err != nil {
		return err
	}
	if state == "" {
		if _, err := pve.Run(ctx, c.Exec, pod.PVENode, pve.Create(p.VMID, c.createOptions(p))); err != nil {
			return err
		}
	}
	if state != health.StateRunning {
		if _, err := pve.Run(ctx, c.Exec, pod.PVENode, pve.Start(p.VMID)); err != nil {
			return err
		}
	}

	pod.Status = types.PodStatusActive
	if p.IP != nil {
		pod.IPAddress, _, _ = strings.Cut(*p.IP, "/")
	}
	if err := c.Store.UpdatePod(pod); err != nil {
		return fmt.Errorf("failed to activate pod %s: %w", pod.ID, err)
	}

	c.Audit.Log(ctx, audit.Entry{
		Action:     audit.ActionPodCreate,
		Category:   audit.CategoryCloudPod,
		Ctx:        systemActor(p.TenantID, p.RequestedBy),
		EntityType: "cloudpod",
		EntityID:   pod.ID,
		Details:    map[string]interface{}{"vmid": p.VMID, "node": pod.PVENode, "status": pod.Status},
	})
	logger.Info().Str("pod_id", pod.ID).Int("vmid", p.VMID).Str("node", pod.PVENode).Msg("Pod provisioned")
	return nil
}

// compensateCreate releases the reservation of a create that will never
// finish and marks its pod deleted. The container itself is left alone: a
// failed create may have collided with a VMID that belongs to someone else.
func (c *Context) compensateCreate(p queue.CreatePayload, cause error, logger zerolog.Logger) {
	if p.CloudPodID != "" {
		pod, err := c.Store.GetPod(p.CloudPodID)
		if err == nil {
			if !pod.Status.CountsTowardQuota() || pod.Status == types.PodStatusActive {
				return
			}
			pod.Status = types.PodStatusDeleted
			if err := c.Store.UpdatePod(pod); err != nil {
				logger.Error().Err(err).Str("pod_id", pod.ID).Msg("Failed to mark pod deleted")
			}
		} else if !errdefs.IsNotFound(err) {
			logger.Error().Err(err).Msg("Failed to load pod of failed create")
		}
	}

	if err := c.Quota.DecrementUsage(p.TenantID, p.Resources()); err != nil {
		logger.Error().Err(err).Msg("Failed to release create reservation")
		return
	}
	logger.Warn().AnErr("cause", cause).Str("tenant_id", p.TenantID).Msg("Released quota of failed create")
}

// handleDestroy stops and destroys the container, then releases its usage.
// A pod already marked deleted is a no-op, so usage is released once.
func (c *Context) handleDestroy(ctx context.Context, p queue.DestroyPayload, logger zerolog.Logger) error {
	pod, err := c.Store.GetPod(p.CloudPodID)
	if err != nil {
		return err
	}
	if pod.TenantID != p.TenantID {
		return fmt.Errorf("pod %s does not belong to tenant %s: %w", pod.ID, p.TenantID, errdefs.ErrInvalidArgument)
	}
	if pod.Status == types.PodStatusDeleted {
		logger.Info().Str("pod_id", pod.ID).Msg("Pod already deleted")
		return nil
	}

	if pod.Addressable() {
		state, err := c.containerState(ctx, pod.PVENode, p.VMID)
		if err != nil {
			return err
		}
		if state == health.StateRunning {
			if _, err := pve.Run(ctx, c.Exec, pod.PVENode, pve.Stop(p.VMID)); err != nil {
				return err
			}
		}
		if state != "" {
			if _, err := pve.Run(ctx, c.Exec, pod.PVENode, pve.Destroy(p.VMID)); err != nil {
				return err
			}
		}
	}

	counted := pod.Status.CountsTowardQuota()
	pod.Status = types.PodStatusDeleted
	if err := c.Store.UpdatePod(pod); err != nil {
		return fmt.Errorf("failed to mark pod %s deleted: %w", pod.ID, err)
	}
	if counted {
		resources := types.ResourceRequest{Cores: pod.Cores, RAMMB: pod.MemoryMB, DiskGB: pod.DiskGB}
		if err := c.Quota.DecrementUsage(pod.TenantID, resources); err != nil {
			// The pod is gone; the reconciler corrects the counter
			logger.Error().Err(err).Str("pod_id", pod.ID).Msg("Failed to release usage of destroyed pod")
		}
	}

	c.Audit.Log(ctx, audit.Entry{
		Action:     audit.ActionPodDestroy,
		Category:   audit.CategoryCloudPod,
		Ctx:        systemActor(p.TenantID, p.RequestedBy),
		EntityType: "cloudpod",
		EntityID:   pod.ID,
		Details:    map[string]interface{}{"vmid": p.VMID, "status": pod.Status},
	})
	logger.Info().Str("pod_id", pod.ID).Int("vmid", p.VMID).Msg("Pod destroyed")
	return nil
}

// handleBackup runs the backup and, for policy backups, prunes the policy's
// old backups. Retention problems never fail the backup job.
func (c *Context) handleBackup(ctx context.Context, p queue.BackupPayload, logger zerolog.Logger) error {
	b, err := c.Backups.TriggerBackup(ctx, backup.TriggerRequest{
		PodID:        p.CloudPodID,
		TenantID:     p.TenantID,
		PolicyID:     p.PolicyID,
		Type:         p.Type(),
		SnapshotName: p.SnapshotName,
		Mode:         string(p.Mode),
		Audit:        systemActor(p.TenantID, string(p.TriggeredBy)),
	})
	if err != nil {
		return err
	}

	if p.PolicyID != nil {
		deleted, err := c.Backups.EnforceRetention(ctx, *p.PolicyID)
		if err != nil {
			logger.Error().Err(err).Str("policy_id", *p.PolicyID).Msg("Retention enforcement failed")
		} else if deleted > 0 {
			logger.Info().Str("policy_id", *p.PolicyID).Int("deleted", deleted).Msg("Pruned old backups")
		}
	}

	logger.Info().Str("backup_id", b.ID).Str("pod_id", p.CloudPodID).Msg("Backup job complete")
	return nil
}

// handleHealth checks one pod or sweeps all of them. An unhealthy pod is a
// result, not a job failure.
func (c *Context) handleHealth(ctx context.Context, p queue.HealthPayload, logger zerolog.Logger) error {
	if p.IsSweep() {
		report, err := c.Health.Sweep(ctx)
		if err != nil {
			return err
		}
		logger.Debug().Int("checked", report.Checked).Strs("unhealthy", report.Unhealthy).Msg("Sweep finished")
		return nil
	}

	result, err := c.Health.CheckPodByID(ctx, p.CloudPodID)
	if err != nil {
		return err
	}
	logger.Debug().Str("pod_id", p.CloudPodID).Bool("healthy", result.Healthy).Str("message", result.Message).Msg("Health check finished")
	return nil
}

// handleScale optionally snapshots the pod, resizes it, records the new size
// and settles the quota of any decrease
func (c *Context) handleScale(ctx context.Context, p queue.ScalePayload, logger zerolog.Logger) error {
	pod, err := c.Store.GetPod(p.CloudPodID)
	if err != nil {
		return err
	}
	if pod.Status != types.PodStatusActive || !pod.Addressable() {
		return fmt.Errorf("pod %s is %s: %w", pod.ID, pod.Status, errdefs.ErrFailedPrecondition)
	}
	if pod.Cores == p.NewCores && pod.MemoryMB == p.NewMemoryMB {
		// Growth reserved at admission was already charged by the resize that got here first
		if err := c.Quota.ReleaseScaleReservation(p.TenantID, p.Request()); err != nil {
			logger.Error().Err(err).Str("pod_id", pod.ID).Msg("Failed to release scale reservation")
		}
		logger.Info().Str("pod_id", pod.ID).Msg("Pod already at requested size")
		return nil
	}

	if p.BackupFirst {
		_, err := c.Backups.TriggerBackup(ctx, backup.TriggerRequest{
			PodID:    pod.ID,
			TenantID: pod.TenantID,
			Type:     types.BackupTypeSnapshot,
			Audit:    systemActor(p.TenantID, string(queue.TriggerPreScale)),
		})
		if err != nil {
			return fmt.Errorf("pre-scale backup failed: %w", err)
		}
	}

	if _, err := pve.Run(ctx, c.Exec, pod.PVENode, pve.Set(p.VMID, p.NewCores, p.NewMemoryMB)); err != nil {
		return err
	}

	pod.Cores = p.NewCores
	pod.MemoryMB = p.NewMemoryMB
	if err := c.Store.UpdatePod(pod); err != nil {
		return fmt.Errorf("failed to record new size of pod %s: %w", pod.ID, err)
	}
	if err := c.Quota.SettleScale(p.TenantID, p.Request()); err != nil {
		logger.Error().Err(err).Str("pod_id", pod.ID).Msg("Failed to settle scale usage")
	}

	c.Audit.Log(ctx, audit.Entry{
		Action:     audit.ActionPodScale,
		Category:   audit.CategoryCloudPod,
		Ctx:        systemActor(p.TenantID, p.RequestedBy),
		EntityType: "cloudpod",
		EntityID:   pod.ID,
		Details:    map[string]interface{}{"cores": p.NewCores, "memoryMb": p.NewMemoryMB},
	})
	logger.Info().Str("pod_id", pod.ID).Int("cores", p.NewCores).Int("memory_mb", p.NewMemoryMB).Msg("Pod resized")
	return nil
}

// compensateScale releases the growth reserved for a resize that never
// happened
func (c *Context) compensateScale(p queue.ScalePayload, logger zerolog.Logger) {
	pod, err := c.Store.GetPod(p.CloudPodID)
	if err == nil && pod.Cores == p.NewCores && pod.MemoryMB == p.NewMemoryMB {
		return
	}
	if err := c.Quota.ReleaseScaleReservation(p.TenantID, p.Request()); err != nil {
		logger.Error().Err(err).Msg("Failed to release scale reservation")
		return
	}
	logger.Warn().Str("tenant_id", p.TenantID).Msg("Released quota of failed scale")
}
