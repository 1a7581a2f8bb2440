package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/cloudpods/pkg/audit"
	"github.com/cuemby/cloudpods/pkg/config"
	"github.com/cuemby/cloudpods/pkg/orchestrator"
	"github.com/cuemby/cloudpods/pkg/quota"
	"github.com/cuemby/cloudpods/pkg/storage"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/spf13/cobra"
)

// openStore opens persistence only, for commands that never reach a node
func openStore(cmd *cobra.Command) (*config.Config, storage.Store, *audit.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	store, sink, err := orchestrator.OpenStore(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, store, audit.NewLogger(sink), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cliActor(cmd *cobra.Command, tenantID string) *audit.Context {
	actor, _ := cmd.Flags().GetString("actor")
	if actor == "" {
		actor = os.Getenv("USER")
	}
	return &audit.Context{ActorID: actor, ActorType: "admin", TenantID: tenantID}
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and manage tenant quotas",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show TENANT",
	Short: "Show limits, usage and headroom of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		summary, err := quota.NewEngine(store, cfg.Quota.Defaults).GetQuotaSummary(args[0])
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

var quotaSetCmd = &cobra.Command{
	Use:   "set TENANT",
	Short: "Change the limits of a tenant",
	Long: `Change one or more limits of a tenant. Limits not given keep their
current value. Lowering a limit below current usage is allowed; it only
blocks new growth.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch types.QuotaLimitsPatch
		for flag, field := range map[string]**int{
			"max-pods":      &patch.MaxPods,
			"max-cpu-cores": &patch.MaxCPUCores,
			"max-ram-mb":    &patch.MaxRAMMB,
			"max-disk-gb":   &patch.MaxDiskGB,
		} {
			if cmd.Flags().Changed(flag) {
				v, _ := cmd.Flags().GetInt(flag)
				*field = &v
			}
		}
		if patch == (types.QuotaLimitsPatch{}) {
			return fmt.Errorf("no limit given")
		}

		cfg, store, auditLogger, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		q, err := quota.NewEngine(store, cfg.Quota.Defaults).SetQuotaLimits(args[0], patch)
		if err != nil {
			return err
		}
		auditLogger.Log(cmd.Context(), audit.Entry{
			Action:     audit.ActionQuotaSetLimits,
			Category:   audit.CategoryQuota,
			Ctx:        cliActor(cmd, args[0]),
			EntityType: "quota",
			EntityID:   args[0],
			Details:    map[string]interface{}{"limits": q.Limits},
		})
		return printJSON(q)
	},
}

var quotaRecalcCmd = &cobra.Command{
	Use:   "recalc TENANT",
	Short: "Rebuild a tenant's usage from its pods",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		q, err := quota.NewEngine(store, cfg.Quota.Defaults).RecalculateUsage(args[0])
		if err != nil {
			return err
		}
		return printJSON(q)
	},
}

var quotaCheckCmd = &cobra.Command{
	Use:   "check TENANT",
	Short: "Evaluate a create or scale request without reserving anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cores, _ := cmd.Flags().GetInt("cores")
		ramMB, _ := cmd.Flags().GetInt("ram-mb")
		diskGB, _ := cmd.Flags().GetInt("disk-gb")
		currentCores, _ := cmd.Flags().GetInt("current-cores")
		currentRAMMB, _ := cmd.Flags().GetInt("current-ram-mb")
		scale := cmd.Flags().Changed("current-cores") || cmd.Flags().Changed("current-ram-mb")

		cfg, store, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		engine := quota.NewEngine(store, cfg.Quota.Defaults)

		var result *types.QuotaCheckResult
		if scale {
			result, err = engine.CheckScaleCapacity(args[0], types.ScaleRequest{
				CurrentCores: currentCores,
				CurrentRAMMB: currentRAMMB,
				NewCores:     cores,
				NewRAMMB:     ramMB,
			})
		} else {
			result, err = engine.CheckCreateCapacity(args[0], types.ResourceRequest{Cores: cores, RAMMB: ramMB, DiskGB: diskGB})
		}
		if err != nil {
			return err
		}
		if err := printJSON(result); err != nil {
			return err
		}
		if !result.Allowed {
			store.Close()
			os.Exit(2)
		}
		return nil
	},
}

func init() {
	quotaCmd.AddCommand(quotaShowCmd)
	quotaCmd.AddCommand(quotaSetCmd)
	quotaCmd.AddCommand(quotaRecalcCmd)
	quotaCmd.AddCommand(quotaCheckCmd)

	quotaSetCmd.Flags().Int("max-pods", 0, "Maximum number of pods")
	quotaSetCmd.Flags().Int("max-cpu-cores", 0, "Maximum CPU cores")
	quotaSetCmd.Flags().Int("max-ram-mb", 0, "Maximum RAM in MB")
	quotaSetCmd.Flags().Int("max-disk-gb", 0, "Maximum disk in GB")
	quotaSetCmd.Flags().String("actor", "", "Actor recorded in the audit log (default $USER)")

	quotaCheckCmd.Flags().Int("cores", 1, "CPU cores requested (new cores for a scale)")
	quotaCheckCmd.Flags().Int("ram-mb", 512, "RAM in MB requested (new RAM for a scale)")
	quotaCheckCmd.Flags().Int("disk-gb", 0, "Disk in GB requested (0 means the default size)")
	quotaCheckCmd.Flags().Int("current-cores", 0, "Current cores; makes this a scale check")
	quotaCheckCmd.Flags().Int("current-ram-mb", 0, "Current RAM in MB; makes this a scale check")

	rootCmd.AddCommand(quotaCmd)
}
