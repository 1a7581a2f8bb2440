package storage

import (
	"fmt"

	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/hashicorp/go-multierror"
)

// CopyReport counts the records seen in the source store
type CopyReport struct {
	Quotas   int `json:"quotas"`
	Pods     int `json:"pods"`
	Policies int `json:"policies"`
	Backups  int `json:"backups"`
}

// Copy writes every record of src into dst, overwriting records with the same
// key. Running it twice yields the same destination. With dryRun only the
// source is read.
func Copy(src, dst Store, dryRun bool) (CopyReport, error) {
	logger := log.WithComponent("storage")
	var report CopyReport
	var result *multierror.Error

	quotas, err := src.ListQuotas()
	if err != nil {
		return report, fmt.Errorf("failed to list quotas: %w", err)
	}
	for _, q := range quotas {
		report.Quotas++
		if dryRun {
			continue
		}
		if err := copyQuota(dst, q); err != nil {
			result = multierror.Append(result, fmt.Errorf("quota %s: %w", q.TenantID, err))
		}
	}

	pods, err := src.ListPods()
	if err != nil {
		return report, fmt.Errorf("failed to list pods: %w", err)
	}
	for _, p := range pods {
		report.Pods++
		backups, err := src.ListBackupsByPod(p.ID)
		if err != nil {
			return report, fmt.Errorf("failed to list backups of pod %s: %w", p.ID, err)
		}
		report.Backups += len(backups)
		if dryRun {
			continue
		}

		if err := dst.UpdatePod(p); err != nil {
			result = multierror.Append(result, fmt.Errorf("pod %s: %w", p.ID, err))
			continue
		}
		for _, b := range backups {
			if err := dst.UpdateBackup(b); err != nil {
				result = multierror.Append(result, fmt.Errorf("backup %s: %w", b.ID, err))
			}
		}
	}

	policies, err := src.ListBackupPolicies("")
	if err != nil {
		return report, fmt.Errorf("failed to list backup policies: %w", err)
	}
	for _, p := range policies {
		report.Policies++
		if dryRun {
			continue
		}
		if err := dst.UpdateBackupPolicy(p); err != nil {
			result = multierror.Append(result, fmt.Errorf("backup policy %s: %w", p.ID, err))
		}
	}

	logger.Info().
		Int("quotas", report.Quotas).
		Int("pods", report.Pods).
		Int("policies", report.Policies).
		Int("backups", report.Backups).
		Bool("dry_run", dryRun).
		Msg("Store copy finished")
	return report, result.ErrorOrNil()
}

func copyQuota(dst Store, q *types.Quota) error {
	if _, err := dst.CreateQuotaIfNotExists(q); err != nil {
		return err
	}
	_, err := dst.UpdateQuota(q.TenantID, func(stored *types.Quota) error {
		stored.Limits = q.Limits
		stored.Usage = q.Usage
		return nil
	})
	return err
}
