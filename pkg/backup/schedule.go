package backup

import (
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/hashicorp/cronexpr"
)

// Named cadences accepted in place of a cron expression
var cadences = map[string]string{
	"hourly":  "@hourly",
	"daily":   "@daily",
	"weekly":  "@weekly",
	"monthly": "@monthly",
}

// maxMissedSlots bounds the walk to the latest missed slot
const maxMissedSlots = 10000

// ParseSchedule parses a cron expression or a named cadence
func ParseSchedule(schedule string) (*cronexpr.Expression, error) {
	s := strings.TrimSpace(schedule)
	if macro, ok := cadences[strings.ToLower(s)]; ok {
		s = macro
	}
	if s == "" {
		return nil, fmt.Errorf("schedule is required: %w", errdefs.ErrInvalidArgument)
	}
	expr, err := cronexpr.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %v: %w", schedule, err, errdefs.ErrInvalidArgument)
	}
	return expr, nil
}

// NextRun returns the first scheduled time strictly after after
func NextRun(policy *types.BackupPolicy, after time.Time) (time.Time, error) {
	expr, err := ParseSchedule(policy.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	next := expr.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q never fires after %s", policy.Schedule, after)
	}
	return next, nil
}

// DueSlot reports whether policy has a run due at now and returns the latest
// scheduled time not after now. Runs are counted from LastRunAt, or from
// CreatedAt for a policy that never ran. Missed slots collapse into one.
func DueSlot(policy *types.BackupPolicy, now time.Time) (time.Time, bool, error) {
	expr, err := ParseSchedule(policy.Schedule)
	if err != nil {
		return time.Time{}, false, err
	}

	base := policy.CreatedAt
	if policy.LastRunAt != nil {
		base = *policy.LastRunAt
	}

	next := expr.Next(base.UTC())
	if next.IsZero() || next.After(now) {
		return time.Time{}, false, nil
	}

	slot := next
	for i := 0; i < maxMissedSlots; i++ {
		following := expr.Next(slot)
		if following.IsZero() || following.After(now) {
			break
		}
		slot = following
	}
	return slot, true, nil
}
