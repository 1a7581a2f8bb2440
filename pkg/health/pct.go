package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/cloudpods/pkg/pve"
)

// StateRunning is the pct status of a healthy container
const StateRunning = "running"

// PodChecker asks the hypervisor whether a container is running
type PodChecker struct {
	Exec pve.Executor
	Node string
	VMID int
	now  func() time.Time
}

// NewPodChecker creates a checker for one container
func NewPodChecker(exec pve.Executor, node string, vmid int) *PodChecker {
	return &PodChecker{Exec: exec, Node: node, VMID: vmid, now: time.Now}
}

// Check runs pct status on the pod's node
func (c *PodChecker) Check(ctx context.Context) Result {
	start := c.now()

	out, err := pve.Run(ctx, c.Exec, c.Node, pve.Status(c.VMID))
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("status command failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	state, err := pve.ParseStatus(out)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   err.Error(),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   state == StateRunning,
		Message:   "container " + state,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the check type
func (c *PodChecker) Type() CheckType {
	return CheckTypePct
}
