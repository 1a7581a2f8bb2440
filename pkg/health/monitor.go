package health

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/cuemby/cloudpods/pkg/events"
	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/cuemby/cloudpods/pkg/metrics"
	"github.com/cuemby/cloudpods/pkg/pve"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// PodSource lists the pods the monitor watches
type PodSource interface {
	GetPod(id string) (*types.CloudPod, error)
	ListPods() ([]*types.CloudPod, error)
}

// SweepReport summarises one all-pods health sweep
type SweepReport struct {
	Checked   int
	Unhealthy []string
}

// Monitor checks pods and keeps their consecutive-failure status. A pod is
// reported unhealthy once it fails Retries checks in a row, and recovered on
// the next success.
type Monitor struct {
	exec   pve.Executor
	pods   PodSource
	broker *events.Broker
	config Config

	mu       sync.Mutex
	statuses map[string]*Status

	logger zerolog.Logger
}

// NewMonitor creates a monitor. broker may be nil.
func NewMonitor(exec pve.Executor, pods PodSource, broker *events.Broker, config Config) *Monitor {
	if config.Retries < 1 {
		config.Retries = DefaultConfig().Retries
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Monitor{
		exec:     exec,
		pods:     pods,
		broker:   broker,
		config:   config,
		statuses: make(map[string]*Status),
		logger:   log.WithComponent("health"),
	}
}

// checkers returns the checks run against a pod, in order
func (m *Monitor) checkers(pod *types.CloudPod) []Checker {
	checks := []Checker{NewPodChecker(m.exec, pod.PVENode, pod.VMID)}
	if m.config.TCPPort > 0 && pod.IPAddress != "" {
		checks = append(checks, NewTCPChecker(pod.IPAddress, m.config.TCPPort))
	}
	return checks
}

// CheckPod runs every check against pod, stopping at the first failure, and
// records the outcome
func (m *Monitor) CheckPod(ctx context.Context, pod *types.CloudPod) Result {
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	var result Result
	for _, checker := range m.checkers(pod) {
		result = checker.Check(ctx)
		if !result.Healthy {
			break
		}
	}

	m.record(pod, result)
	return result
}

// CheckPodByID loads a pod and checks it
func (m *Monitor) CheckPodByID(ctx context.Context, podID string) (Result, error) {
	pod, err := m.pods.GetPod(podID)
	if err != nil {
		return Result{}, err
	}
	if !pod.Addressable() {
		return Result{}, fmt.Errorf("pod %s is not placed on a node", podID)
	}
	return m.CheckPod(ctx, pod), nil
}

// Sweep checks every active pod. Pods that are no longer active are
// forgotten. The sweep stops early only when ctx is done.
func (m *Monitor) Sweep(ctx context.Context) (*SweepReport, error) {
	pods, err := m.pods.ListPods()
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	report := &SweepReport{}
	seen := make(map[string]bool, len(pods))
	var result *multierror.Error
	for _, pod := range pods {
		if pod.Status != types.PodStatusActive || !pod.Addressable() {
			continue
		}
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		seen[pod.ID] = true
		m.CheckPod(ctx, pod)
		report.Checked++
		if status, ok := m.Status(pod.ID); ok && !status.Healthy {
			report.Unhealthy = append(report.Unhealthy, pod.ID)
		}
	}

	if result.ErrorOrNil() == nil {
		m.forget(seen)
	}
	m.logger.Info().Int("checked", report.Checked).Int("unhealthy", len(report.Unhealthy)).Msg("Health sweep complete")
	return report, result.ErrorOrNil()
}

// Status returns a copy of the tracked status of a pod
func (m *Monitor) Status(podID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[podID]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

func (m *Monitor) record(pod *types.CloudPod, result Result) {
	m.mu.Lock()
	status, ok := m.statuses[pod.ID]
	if !ok {
		status = NewStatus()
		m.statuses[pod.ID] = status
	}
	changed := status.Update(result, m.config)
	healthy := status.Healthy
	failures := status.ConsecutiveFailures
	m.updateGauge()
	m.mu.Unlock()

	logger := log.WithPodID(pod.ID)
	if !result.Healthy {
		logger.Warn().Int("vmid", pod.VMID).Int("consecutive_failures", failures).Str("message", result.Message).Msg("Pod health check failed")
	}
	if !changed {
		return
	}

	eventType := events.EventPodRecovered
	if !healthy {
		eventType = events.EventPodUnhealthy
		logger.Error().Int("vmid", pod.VMID).Msg("Pod marked unhealthy")
	} else {
		logger.Info().Int("vmid", pod.VMID).Msg("Pod recovered")
	}
	m.broker.Publish(&events.Event{
		Type:    eventType,
		Message: result.Message,
		Metadata: map[string]string{
			"pod_id":    pod.ID,
			"tenant_id": pod.TenantID,
			"vmid":      strconv.Itoa(pod.VMID),
			"node":      pod.PVENode,
		},
	})
}

// forget drops statuses of pods not seen by a complete sweep
func (m *Monitor) forget(seen map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.statuses {
		if !seen[id] {
			delete(m.statuses, id)
		}
	}
	m.updateGauge()
}

// updateGauge must be called with mu held
func (m *Monitor) updateGauge() {
	unhealthy := 0
	for _, s := range m.statuses {
		if !s.Healthy {
			unhealthy++
		}
	}
	metrics.PodsUnhealthy.Set(float64(unhealthy))
}
