package backup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/cloudpods/pkg/audit"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/google/uuid"
)

// PolicySpec describes a new policy. Nil fields take their documented default.
type PolicySpec struct {
	TenantID string  `json:"tenantId" yaml:"tenantId"`
	PodID    *string `json:"podId,omitempty" yaml:"podId,omitempty"`
	Name     string  `json:"name" yaml:"name"`
	Schedule string  `json:"schedule" yaml:"schedule"`
	// RetentionCount defaults to types.DefaultRetentionCount
	RetentionCount *int `json:"retentionCount,omitempty" yaml:"retentionCount,omitempty"`
	// Type defaults to snapshot
	Type *types.BackupType `json:"type,omitempty" yaml:"type,omitempty"`
	// IsActive defaults to true
	IsActive *bool `json:"isActive,omitempty" yaml:"isActive,omitempty"`
}

// PolicyPatch is a partial update; nil fields keep their value
type PolicyPatch struct {
	Name           *string           `json:"name,omitempty" yaml:"name,omitempty"`
	Schedule       *string           `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	RetentionCount *int              `json:"retentionCount,omitempty" yaml:"retentionCount,omitempty"`
	Type           *types.BackupType `json:"type,omitempty" yaml:"type,omitempty"`
	IsActive       *bool             `json:"isActive,omitempty" yaml:"isActive,omitempty"`
}

func validatePolicy(p *types.BackupPolicy) error {
	if p.TenantID == "" {
		return fmt.Errorf("tenantId is required: %w", errdefs.ErrInvalidArgument)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("policy name is required: %w", errdefs.ErrInvalidArgument)
	}
	if p.RetentionCount < 1 {
		return fmt.Errorf("retentionCount must be at least 1, got %d: %w", p.RetentionCount, errdefs.ErrInvalidArgument)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("unknown backup type %q: %w", p.Type, errdefs.ErrInvalidArgument)
	}
	if _, err := ParseSchedule(p.Schedule); err != nil {
		return err
	}
	return nil
}

// CreatePolicy stores a new policy. A pod-scoped policy must name a pod of
// the same tenant.
func (e *Engine) CreatePolicy(ctx context.Context, spec PolicySpec, actx *audit.Context) (*types.BackupPolicy, error) {
	policy := &types.BackupPolicy{
		ID:             uuid.New().String(),
		TenantID:       spec.TenantID,
		PodID:          spec.PodID,
		Name:           spec.Name,
		Schedule:       spec.Schedule,
		RetentionCount: types.DefaultRetentionCount,
		Type:           types.BackupTypeSnapshot,
		IsActive:       true,
	}
	if spec.RetentionCount != nil {
		policy.RetentionCount = *spec.RetentionCount
	}
	if spec.Type != nil {
		policy.Type = *spec.Type
	}
	if spec.IsActive != nil {
		policy.IsActive = *spec.IsActive
	}

	if err := validatePolicy(policy); err != nil {
		return nil, err
	}
	if policy.PodID != nil {
		if _, err := e.tenantPod(*policy.PodID, policy.TenantID); err != nil {
			return nil, err
		}
	}

	if err := e.store.CreateBackupPolicy(policy); err != nil {
		return nil, fmt.Errorf("failed to create backup policy: %w", err)
	}

	e.logger.Info().Str("policy_id", policy.ID).Str("tenant_id", policy.TenantID).
		Str("schedule", policy.Schedule).Msg("Created backup policy")
	e.audit.Log(ctx, audit.Entry{
		Action:     audit.ActionPolicyCreate,
		Category:   audit.CategoryBackup,
		Ctx:        actx,
		EntityType: "backup_policy",
		EntityID:   policy.ID,
		Details: map[string]interface{}{
			"name":           policy.Name,
			"schedule":       policy.Schedule,
			"retentionCount": policy.RetentionCount,
			"type":           policy.Type,
		},
	})
	return policy, nil
}

// UpdatePolicy applies patch to an existing policy
func (e *Engine) UpdatePolicy(ctx context.Context, id string, patch PolicyPatch, actx *audit.Context) (*types.BackupPolicy, error) {
	policy, err := e.store.GetBackupPolicy(id)
	if err != nil {
		return nil, err
	}

	changes := map[string]interface{}{}
	if patch.Name != nil {
		policy.Name = *patch.Name
		changes["name"] = *patch.Name
	}
	if patch.Schedule != nil {
		policy.Schedule = *patch.Schedule
		changes["schedule"] = *patch.Schedule
	}
	if patch.RetentionCount != nil {
		policy.RetentionCount = *patch.RetentionCount
		changes["retentionCount"] = *patch.RetentionCount
	}
	if patch.Type != nil {
		policy.Type = *patch.Type
		changes["type"] = *patch.Type
	}
	if patch.IsActive != nil {
		policy.IsActive = *patch.IsActive
		changes["isActive"] = *patch.IsActive
	}

	if err := validatePolicy(policy); err != nil {
		return nil, err
	}
	policy.UpdatedAt = e.now()
	if err := e.store.UpdateBackupPolicy(policy); err != nil {
		return nil, fmt.Errorf("failed to update backup policy %s: %w", id, err)
	}

	e.audit.Log(ctx, audit.Entry{
		Action:     audit.ActionPolicyUpdate,
		Category:   audit.CategoryBackup,
		Ctx:        actx,
		EntityType: "backup_policy",
		EntityID:   id,
		Details:    changes,
	})
	return policy, nil
}

// DeletePolicy removes a policy. Its backups are kept and become unattributed
// to any schedule.
func (e *Engine) DeletePolicy(ctx context.Context, id string, actx *audit.Context) error {
	policy, err := e.store.GetBackupPolicy(id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteBackupPolicy(id); err != nil {
		return fmt.Errorf("failed to delete backup policy %s: %w", id, err)
	}

	e.logger.Info().Str("policy_id", id).Msg("Deleted backup policy")
	e.audit.Log(ctx, audit.Entry{
		Action:     audit.ActionPolicyDelete,
		Category:   audit.CategoryBackup,
		Ctx:        actx,
		EntityType: "backup_policy",
		EntityID:   id,
		Details:    map[string]interface{}{"name": policy.Name},
	})
	return nil
}

func (e *Engine) GetPolicy(id string) (*types.BackupPolicy, error) {
	return e.store.GetBackupPolicy(id)
}

// ListPolicies lists the policies of a tenant, or all policies when tenantID
// is empty
func (e *Engine) ListPolicies(tenantID string) ([]*types.BackupPolicy, error) {
	return e.store.ListBackupPolicies(tenantID)
}

// GetPoliciesDueForBackup returns every active policy. It is a coarse filter:
// evaluating the schedule is left to the caller (see DueSlot).
func (e *Engine) GetPoliciesDueForBackup() ([]*types.BackupPolicy, error) {
	return e.store.ListActiveBackupPolicies()
}

// MarkPolicyRun records that the policy's run for slot was dispatched
func (e *Engine) MarkPolicyRun(id string, slot time.Time) error {
	policy, err := e.store.GetBackupPolicy(id)
	if err != nil {
		return err
	}
	policy.LastRunAt = &slot
	return e.store.UpdateBackupPolicy(policy)
}
