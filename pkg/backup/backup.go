package backup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/cloudpods/pkg/audit"
	"github.com/cuemby/cloudpods/pkg/events"
	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/cuemby/cloudpods/pkg/metrics"
	"github.com/cuemby/cloudpods/pkg/pve"
	"github.com/cuemby/cloudpods/pkg/storage"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// SnapshotPrefix starts the name of every snapshot taken by the engine
const SnapshotPrefix = "backup_"

// SnapshotName returns the deterministic snapshot name for t
func SnapshotName(t time.Time) string {
	return SnapshotPrefix + t.UTC().Format("20060102T150405Z")
}

// Options configures full-backup archives
type Options struct {
	// DumpStorage is the PVE storage receiving vzdump archives
	DumpStorage string
	// Compression is passed to vzdump --compress
	Compression string
	Now         func() time.Time
}

// Engine manages backup policies and executes backups on the hypervisor
type Engine struct {
	store  storage.Store
	exec   pve.Executor
	audit  *audit.Logger
	broker *events.Broker
	opts   Options
	logger zerolog.Logger
}

// NewEngine creates a backup engine. auditLogger and broker may be nil.
func NewEngine(store storage.Store, exec pve.Executor, auditLogger *audit.Logger, broker *events.Broker, opts Options) *Engine {
	if opts.DumpStorage == "" {
		opts.DumpStorage = "local"
	}
	if opts.Compression == "" {
		opts.Compression = "zstd"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:  store,
		exec:   exec,
		audit:  auditLogger,
		broker: broker,
		opts:   opts,
		logger: log.WithComponent("backup"),
	}
}

func (e *Engine) now() time.Time {
	return e.opts.Now().UTC()
}

// tenantPod loads a pod, hiding pods of other tenants
func (e *Engine) tenantPod(podID, tenantID string) (*types.CloudPod, error) {
	pod, err := e.store.GetPod(podID)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && pod.TenantID != tenantID {
		return nil, fmt.Errorf("pod not found: %s: %w", podID, errdefs.ErrNotFound)
	}
	return pod, nil
}

// TriggerRequest asks for one backup of a pod
type TriggerRequest struct {
	PodID    string
	TenantID string
	// PolicyID is nil for manual backups
	PolicyID *string
	Type     types.BackupType
	// SnapshotName overrides the generated snapshot name
	SnapshotName *string
	// Mode is the vzdump mode of a full backup, snapshot when empty
	Mode  string
	Audit *audit.Context
}

// TriggerBackup records a backup and runs it on the pod's node. The record
// moves pending, running, then completed or failed. A failure is recorded on
// the backup before it is returned.
func (e *Engine) TriggerBackup(ctx context.Context, req TriggerRequest) (*types.Backup, error) {
	if req.Type == "" {
		req.Type = types.BackupTypeSnapshot
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unknown backup type %q: %w", req.Type, errdefs.ErrInvalidArgument)
	}

	pod, err := e.tenantPod(req.PodID, req.TenantID)
	if err != nil {
		return nil, err
	}
	if !pod.Addressable() {
		return nil, fmt.Errorf("pod %s has no vmid or node: %w", pod.ID, errdefs.ErrNotFound)
	}

	logger := log.WithPodID(pod.ID).With().Str("backup_type", string(req.Type)).Logger()
	timer := metrics.NewTimer()

	backup := &types.Backup{
		ID:         uuid.New().String(),
		PodID:      pod.ID,
		PolicyID:   req.PolicyID,
		BackupType: req.Type,
		Status:     types.BackupStatusPending,
		CreatedAt:  e.now(),
	}
	if err := e.store.CreateBackup(backup); err != nil {
		return nil, fmt.Errorf("failed to record backup: %w", err)
	}

	backup.Status = types.BackupStatusRunning
	if err := e.store.UpdateBackup(backup); err != nil {
		return nil, fmt.Errorf("failed to mark backup %s running: %w", backup.ID, err)
	}

	location, err := e.capture(ctx, pod, backup, req)
	if err != nil {
		return nil, e.fail(backup, err, logger)
	}
	backup.Location = location
	backup.SizeGB = e.estimateSize(ctx, pod, logger)

	completed := e.now()
	backup.Status = types.BackupStatusCompleted
	backup.CompletedAt = &completed
	if err := e.store.UpdateBackup(backup); err != nil {
		return nil, fmt.Errorf("failed to mark backup %s completed: %w", backup.ID, err)
	}

	timer.ObserveDurationVec(metrics.BackupDuration, string(req.Type))
	metrics.BackupsTotal.WithLabelValues(string(req.Type), "completed").Inc()
	logger.Info().Str("backup_id", backup.ID).Str("location", location).Dur("duration", timer.Duration()).Msg("Backup completed")

	details := map[string]interface{}{
		"podId":      pod.ID,
		"vmid":       pod.VMID,
		"backupType": backup.BackupType,
		"location":   backup.Location,
	}
	if backup.PolicyID != nil {
		details["policyId"] = *backup.PolicyID
	}
	e.audit.Log(ctx, audit.Entry{
		Action:     audit.ActionBackupCreate,
		Category:   audit.CategoryBackup,
		Ctx:        req.Audit,
		EntityType: "backup",
		EntityID:   backup.ID,
		Details:    details,
	})
	e.publish(events.EventBackupCompleted, backup, "")
	return backup, nil
}

// capture runs the hypervisor command and returns the backup's location
func (e *Engine) capture(ctx context.Context, pod *types.CloudPod, backup *types.Backup, req TriggerRequest) (string, error) {
	switch backup.BackupType {
	case types.BackupTypeSnapshot:
		name := SnapshotName(backup.CreatedAt)
		if req.SnapshotName != nil && *req.SnapshotName != "" {
			name = *req.SnapshotName
		}
		if _, err := pve.Run(ctx, e.exec, pod.PVENode, pve.Snapshot(pod.VMID, name)); err != nil {
			return "", err
		}
		return name, nil

	case types.BackupTypeFull:
		mode := req.Mode
		if mode == "" {
			mode = "snapshot"
		}
		out, err := pve.Run(ctx, e.exec, pod.PVENode, pve.Vzdump(pod.VMID, mode, e.opts.DumpStorage, e.opts.Compression))
		if err != nil {
			return "", err
		}
		return pve.ParseVzdumpArchive(out)
	}
	return "", fmt.Errorf("unknown backup type %q", backup.BackupType)
}

// estimateSize reads the rootfs size from the container config. Failures are
// logged and leave the size unset.
func (e *Engine) estimateSize(ctx context.Context, pod *types.CloudPod, logger zerolog.Logger) *float64 {
	out, err := pve.Run(ctx, e.exec, pod.PVENode, pve.Config(pod.VMID))
	if err != nil {
		logger.Debug().Err(err).Msg("Could not read container config for size estimate")
		return nil
	}
	size, err := pve.ParseRootfsSizeGB(out)
	if err != nil {
		logger.Debug().Err(err).Msg("Could not estimate backup size")
		return nil
	}
	return &size
}

// fail records cause on the backup and returns it, joined with any error
// hit while recording
func (e *Engine) fail(backup *types.Backup, cause error, logger zerolog.Logger) error {
	backup.Status = types.BackupStatusFailed
	backup.ErrorMessage = cause.Error()

	metrics.BackupsTotal.WithLabelValues(string(backup.BackupType), "failed").Inc()
	logger.Error().Err(cause).Str("backup_id", backup.ID).Msg("Backup failed")
	e.publish(events.EventBackupFailed, backup, cause.Error())

	err := fmt.Errorf("backup %s failed: %w", backup.ID, cause)
	if uerr := e.store.UpdateBackup(backup); uerr != nil {
		return multierror.Append(err, fmt.Errorf("failed to record backup failure: %w", uerr))
	}
	return err
}

func (e *Engine) completedBackup(id string) (*types.Backup, error) {
	backup, err := e.store.GetBackup(id)
	if err != nil {
		return nil, err
	}
	if backup.Status != types.BackupStatusCompleted {
		return nil, fmt.Errorf("backup %s is %s, not completed: %w", id, backup.Status, errdefs.ErrFailedPrecondition)
	}
	return backup, nil
}

// RestoreBackup rolls the pod back to a completed snapshot. Restoring a
// full-backup archive is not supported.
func (e *Engine) RestoreBackup(ctx context.Context, backupID string, actx *audit.Context) error {
	backup, err := e.store.GetBackup(backupID)
	if err != nil {
		return err
	}
	if backup.BackupType == types.BackupTypeFull {
		return fmt.Errorf("restore of full-backup %s is not supported: %w", backupID, errdefs.ErrNotImplemented)
	}
	if backup, err = e.completedBackup(backupID); err != nil {
		return err
	}

	pod, err := e.store.GetPod(backup.PodID)
	if err != nil {
		return err
	}
	if !pod.Addressable() {
		return fmt.Errorf("pod %s has no vmid or node: %w", pod.ID, errdefs.ErrNotFound)
	}

	if _, err := pve.Run(ctx, e.exec, pod.PVENode, pve.Rollback(pod.VMID, backup.Location)); err != nil {
		return fmt.Errorf("failed to restore backup %s: %w", backupID, err)
	}

	e.logger.Info().Str("backup_id", backupID).Str("pod_id", pod.ID).Msg("Backup restored")
	e.audit.Log(ctx, audit.Entry{
		Action:     audit.ActionBackupRestore,
		Category:   audit.CategoryBackup,
		Ctx:        actx,
		EntityType: "backup",
		EntityID:   backupID,
		Details:    map[string]interface{}{"podId": pod.ID, "location": backup.Location},
	})
	return nil
}

// DeleteBackup removes a completed backup. A snapshot is deleted on the
// hypervisor first; the record is only removed once that succeeded. When the
// pod itself is gone its snapshots went with it and only the record is
// removed.
func (e *Engine) DeleteBackup(ctx context.Context, backupID string, actx *audit.Context) error {
	backup, err := e.completedBackup(backupID)
	if err != nil {
		return err
	}

	if backup.BackupType == types.BackupTypeSnapshot {
		pod, err := e.store.GetPod(backup.PodID)
		switch {
		case errdefs.IsNotFound(err):
			e.logger.Debug().Str("backup_id", backupID).Msg("Pod gone, removing snapshot record only")
		case err != nil:
			return err
		case !pod.Addressable() || pod.Status == types.PodStatusDeleted:
			e.logger.Debug().Str("backup_id", backupID).Msg("Pod not on a node, removing snapshot record only")
		default:
			if _, err := pve.Run(ctx, e.exec, pod.PVENode, pve.DelSnapshot(pod.VMID, backup.Location)); err != nil {
				return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
			}
		}
	}

	if err := e.store.DeleteBackup(backupID); err != nil {
		return fmt.Errorf("failed to delete backup record %s: %w", backupID, err)
	}

	e.audit.Log(ctx, audit.Entry{
		Action:     audit.ActionBackupDelete,
		Category:   audit.CategoryBackup,
		Ctx:        actx,
		EntityType: "backup",
		EntityID:   backupID,
		Details:    map[string]interface{}{"podId": backup.PodID, "location": backup.Location},
	})
	return nil
}

// EnforceRetention deletes the policy's completed backups beyond the newest
// RetentionCount, one at a time, newest first. A failed deletion is logged
// and skipped. Cancellation stops the pass early without an error; the rest
// is pruned on the next run. It returns the number of backups deleted.
func (e *Engine) EnforceRetention(ctx context.Context, policyID string) (int, error) {
	policy, err := e.store.GetBackupPolicy(policyID)
	if err != nil {
		return 0, err
	}
	backups, err := e.store.ListBackupsByPolicy(policyID, types.BackupStatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("failed to list backups of policy %s: %w", policyID, err)
	}
	if len(backups) <= policy.RetentionCount {
		return 0, nil
	}

	deleted := 0
	for _, b := range backups[policy.RetentionCount:] {
		if err := ctx.Err(); err != nil {
			e.logger.Warn().Err(err).Str("policy_id", policyID).Int("deleted", deleted).
				Msg("Retention interrupted, remaining backups left for the next run")
			break
		}
		if err := e.DeleteBackup(ctx, b.ID, nil); err != nil {
			e.logger.Warn().Err(err).Str("policy_id", policyID).Str("backup_id", b.ID).
				Msg("Failed to prune backup, skipping")
			continue
		}
		deleted++
	}

	metrics.RetentionDeleted.Add(float64(deleted))
	if deleted > 0 {
		e.logger.Info().Str("policy_id", policyID).Int("deleted", deleted).
			Int("retention", policy.RetentionCount).Msg("Enforced backup retention")
	}
	return deleted, nil
}

// ListBackups returns the backups of a pod, newest first
func (e *Engine) ListBackups(podID string) ([]*types.Backup, error) {
	return e.store.ListBackupsByPod(podID)
}

// GetBackup returns one backup
func (e *Engine) GetBackup(id string) (*types.Backup, error) {
	return e.store.GetBackup(id)
}

func (e *Engine) publish(t events.EventType, b *types.Backup, message string) {
	meta := map[string]string{
		"backup_id":   b.ID,
		"pod_id":      b.PodID,
		"backup_type": string(b.BackupType),
		"created_at":  strconv.FormatInt(b.CreatedAt.Unix(), 10),
	}
	if b.PolicyID != nil {
		meta["policy_id"] = *b.PolicyID
	}
	e.broker.Publish(&events.Event{Type: t, Message: message, Metadata: meta})
}

// IsCommandFailure reports whether err came from the hypervisor
func IsCommandFailure(err error) bool {
	var ce *pve.CommandError
	return errors.As(err, &ce)
}
