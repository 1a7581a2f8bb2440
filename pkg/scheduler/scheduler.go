package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/cloudpods/pkg/backup"
	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/cuemby/cloudpods/pkg/metrics"
	"github.com/cuemby/cloudpods/pkg/queue"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/rs/zerolog"
)

// PolicySource lists active policies and records dispatched runs
type PolicySource interface {
	GetPoliciesDueForBackup() ([]*types.BackupPolicy, error)
	MarkPolicyRun(id string, slot time.Time) error
}

// PodSource resolves the pods a policy covers
type PodSource interface {
	GetPod(id string) (*types.CloudPod, error)
	ListPodsByTenant(tenantID string) ([]*types.CloudPod, error)
}

// Enqueuer adds backup jobs
type Enqueuer interface {
	EnqueueBackup(ctx context.Context, p queue.BackupPayload, opts ...queue.EnqueueOption) (*queue.Job, error)
}

// Scheduler turns due backup policies into backup jobs
type Scheduler struct {
	policies PolicySource
	pods     PodSource
	jobs     Enqueuer
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// NewScheduler creates a new scheduler evaluating policies every interval
func NewScheduler(policies PolicySource, pods PodSource, jobs Enqueuer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		policies: policies,
		pods:     pods,
		jobs:     jobs,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("scheduler"),
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("Backup scheduling cycle failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce performs one scheduling cycle and returns the number of jobs added
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	policies, err := s.policies.GetPoliciesDueForBackup()
	if err != nil {
		return 0, fmt.Errorf("failed to list backup policies: %w", err)
	}

	now := s.now().UTC()
	total := 0
	for _, policy := range policies {
		slot, due, err := backup.DueSlot(policy, now)
		if err != nil {
			s.logger.Warn().Err(err).Str("policy_id", policy.ID).Msg("Skipping policy with invalid schedule")
			continue
		}
		if !due {
			continue
		}

		n, err := s.schedulePolicy(ctx, policy, slot)
		total += n
		if err != nil {
			s.logger.Error().Err(err).Str("policy_id", policy.ID).Msg("Failed to schedule policy")
		}
	}
	return total, nil
}

// schedulePolicy enqueues one backup per covered pod. Job IDs derive from
// the slot, so a cycle repeated after a partial failure adds no duplicates.
func (s *Scheduler) schedulePolicy(ctx context.Context, policy *types.BackupPolicy, slot time.Time) (int, error) {
	pods, err := s.selectPods(policy)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, pod := range pods {
		backupType := policy.Type
		payload := queue.BackupPayload{
			TenantID:    pod.TenantID,
			VMID:        pod.VMID,
			CloudPodID:  pod.ID,
			Mode:        queue.BackupModeSnapshot,
			TriggeredBy: queue.TriggerSchedule,
			PolicyID:    &policy.ID,
			BackupType:  &backupType,
		}
		jobID := fmt.Sprintf("backup-%s-%s-%d", policy.ID, pod.ID, slot.Unix())
		if _, err := s.jobs.EnqueueBackup(ctx, payload, queue.WithJobID(jobID)); err != nil {
			return added, fmt.Errorf("failed to enqueue backup of pod %s: %w", pod.ID, err)
		}
		added++
		metrics.BackupsScheduled.Inc()
	}

	if err := s.policies.MarkPolicyRun(policy.ID, slot); err != nil {
		return added, fmt.Errorf("failed to record run: %w", err)
	}

	s.logger.Info().Str("policy_id", policy.ID).Time("slot", slot).Int("pods", added).Msg("Scheduled backups")
	return added, nil
}

// selectPods returns the pods a policy covers that can be backed up now
func (s *Scheduler) selectPods(policy *types.BackupPolicy) ([]*types.CloudPod, error) {
	if policy.PodID == nil {
		pods, err := s.pods.ListPodsByTenant(policy.TenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to list pods of tenant %s: %w", policy.TenantID, err)
		}
		return filterActivePods(pods), nil
	}

	pod, err := s.pods.GetPod(*policy.PodID)
	if errdefs.IsNotFound(err) {
		s.logger.Warn().Str("policy_id", policy.ID).Str("pod_id", *policy.PodID).Msg("Policy pod no longer exists")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return filterActivePods([]*types.CloudPod{pod}), nil
}

// filterActivePods returns only active pods placed on a node
func filterActivePods(pods []*types.CloudPod) []*types.CloudPod {
	var active []*types.CloudPod
	for _, pod := range pods {
		if pod.Status == types.PodStatusActive && pod.Addressable() {
			active = append(active, pod)
		}
	}
	return active
}
