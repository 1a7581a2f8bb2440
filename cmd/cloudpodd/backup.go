package main

import (
	"fmt"
	"time"

	"github.com/cuemby/cloudpods/pkg/backup"
	"github.com/cuemby/cloudpods/pkg/orchestrator"
	"github.com/cuemby/cloudpods/pkg/queue"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Trigger, restore and manage pod backups",
}

var backupTriggerCmd = &cobra.Command{
	Use:   "trigger POD_ID",
	Short: "Take a manual backup of a pod",
	Long: `Take a manual backup of a pod through the backup queue.

With the memory queue backend the job runs in this process. With the redis
backend it is handed to the serve workers; use --wait to follow it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		typ, _ := cmd.Flags().GetString("type")
		mode, _ := cmd.Flags().GetString("mode")

		req := orchestrator.BackupRequest{
			TenantID: tenantID,
			PodID:    args[0],
			Mode:     queue.BackupMode(mode),
		}
		if cmd.Flags().Changed("type") {
			t := types.BackupType(typ)
			req.Type = &t
		}
		if cmd.Flags().Changed("name") {
			name, _ := cmd.Flags().GetString("name")
			req.SnapshotName = &name
		}
		if cmd.Flags().Changed("reason") {
			reason, _ := cmd.Flags().GetString("reason")
			req.Reason = &reason
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		oc, err := orchestrator.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer oc.Close()

		job, err := oc.RequestBackup(cmd.Context(), req)
		if err != nil {
			return err
		}
		job, err = settleJob(cmd, cfg, oc, job)
		if err != nil {
			return err
		}
		return reportJob(job)
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore BACKUP_ID",
	Short: "Roll a pod back to a completed snapshot backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		oc, err := openContext(cmd)
		if err != nil {
			return err
		}
		defer oc.Close()

		b, err := oc.Backups.GetBackup(args[0])
		if err != nil {
			return err
		}
		pod, err := oc.Store.GetPod(b.PodID)
		if err != nil {
			return err
		}
		if err := oc.Backups.RestoreBackup(cmd.Context(), b.ID, cliActor(cmd, pod.TenantID)); err != nil {
			return err
		}
		fmt.Printf("✓ Pod %s restored from backup %s\n", pod.ID, b.ID)
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete BACKUP_ID",
	Short: "Delete a backup and its hypervisor snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		oc, err := openContext(cmd)
		if err != nil {
			return err
		}
		defer oc.Close()

		b, err := oc.Backups.GetBackup(args[0])
		if err != nil {
			return err
		}
		var tenantID string
		if pod, err := oc.Store.GetPod(b.PodID); err == nil {
			tenantID = pod.TenantID
		}
		if err := oc.Backups.DeleteBackup(cmd.Context(), b.ID, cliActor(cmd, tenantID)); err != nil {
			return err
		}
		fmt.Printf("✓ Backup deleted: %s\n", b.ID)
		return nil
	},
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune POLICY_ID",
	Short: "Delete completed backups beyond a policy's retention count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		oc, err := openContext(cmd)
		if err != nil {
			return err
		}
		defer oc.Close()

		deleted, err := oc.Backups.EnforceRetention(cmd.Context(), args[0])
		fmt.Printf("Pruned %d backup(s) of policy %s\n", deleted, args[0])
		return err
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list POD_ID",
	Short: "List the backups of a pod, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		cfg, store, auditLogger, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		engine := backup.NewEngine(store, nil, auditLogger, nil, backup.Options{
			DumpStorage: cfg.Backup.DumpStorage,
			Compression: cfg.Backup.Compression,
		})
		backups, err := engine.ListBackups(args[0])
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(backups)
		}

		fmt.Printf("%-36s  %-11s  %-10s  %-20s  %s\n", "ID", "TYPE", "STATUS", "CREATED", "LOCATION")
		for _, b := range backups {
			fmt.Printf("%-36s  %-11s  %-10s  %-20s  %s\n",
				b.ID, b.BackupType, b.Status, b.CreatedAt.Format(time.RFC3339), b.Location)
		}
		return nil
	},
}

func init() {
	backupTriggerCmd.Flags().String("tenant", "", "Tenant owning the pod (required)")
	backupTriggerCmd.Flags().String("type", string(types.BackupTypeSnapshot), "Backup type: snapshot or full-backup")
	backupTriggerCmd.Flags().String("mode", string(queue.BackupModeSnapshot), "vzdump mode: snapshot, suspend or stop")
	backupTriggerCmd.Flags().String("name", "", "Snapshot name (default derived from the time)")
	backupTriggerCmd.Flags().String("reason", "", "Reason recorded with the job")
	backupTriggerCmd.Flags().Bool("wait", false, "Wait for the job to settle on a shared queue")
	_ = backupTriggerCmd.MarkFlagRequired("tenant")

	backupRestoreCmd.Flags().String("actor", "", "Actor recorded in the audit log (default $USER)")
	backupDeleteCmd.Flags().String("actor", "", "Actor recorded in the audit log (default $USER)")
	backupListCmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	backupCmd.AddCommand(backupTriggerCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupDeleteCmd)
	backupCmd.AddCommand(backupPruneCmd)
	backupCmd.AddCommand(backupListCmd)

	rootCmd.AddCommand(backupCmd)
}
