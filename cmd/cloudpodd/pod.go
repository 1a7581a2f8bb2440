package main

import (
	"fmt"
	"os"

	"github.com/cuemby/cloudpods/pkg/config"
	"github.com/cuemby/cloudpods/pkg/orchestrator"
	"github.com/spf13/cobra"
)

var podCmd = &cobra.Command{
	Use:   "pod",
	Short: "Create, scale, destroy and inspect CloudPods",
}

func optionalString(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

// admit settles an admitted request's job and prints the outcome. A denied
// request exits with status 2 after printing the quota decision.
func admit(cmd *cobra.Command, cfg *config.Config, oc *orchestrator.Context, adm *orchestrator.Admission) error {
	if !adm.Admitted() {
		if err := printJSON(adm.Decision); err != nil {
			return err
		}
		_ = oc.Close()
		os.Exit(2)
	}
	if adm.Duplicate {
		fmt.Fprintf(os.Stderr, "Request matches existing job %s\n", adm.Job.ID)
		return reportJob(adm.Job)
	}
	job, err := settleJob(cmd, cfg, oc, adm.Job)
	if err != nil {
		return err
	}
	return reportJob(job)
}

func openForRequest(cmd *cobra.Command) (*config.Config, *orchestrator.Context, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	oc, err := orchestrator.Open(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, oc, nil
}

var podCreateCmd = &cobra.Command{
	Use:   "create HOSTNAME",
	Short: "Reserve quota for a new pod and run its create job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := orchestrator.CreateRequest{Hostname: args[0]}
		req.TenantID, _ = cmd.Flags().GetString("tenant")
		req.VMID, _ = cmd.Flags().GetInt("vmid")
		req.Node, _ = cmd.Flags().GetString("node")
		req.Cores, _ = cmd.Flags().GetInt("cores")
		req.MemoryMB, _ = cmd.Flags().GetInt("memory-mb")
		req.SwapMB, _ = cmd.Flags().GetInt("swap-mb")
		req.DiskGB, _ = cmd.Flags().GetInt("disk-gb")
		req.Region, _ = cmd.Flags().GetString("region")
		req.AutoIP, _ = cmd.Flags().GetBool("auto-ip")
		req.JobID, _ = cmd.Flags().GetString("job-id")
		req.BlueprintID = optionalString(cmd, "blueprint")
		req.PlanID = optionalString(cmd, "plan")
		req.IP = optionalString(cmd, "ip")
		actx := cliActor(cmd, req.TenantID)
		req.RequestedBy = actx.ActorID
		req.Audit = actx

		cfg, oc, err := openForRequest(cmd)
		if err != nil {
			return err
		}
		defer oc.Close()

		adm, err := oc.RequestCreate(cmd.Context(), req)
		if err != nil {
			return err
		}
		return admit(cmd, cfg, oc, adm)
	},
}

var podScaleCmd = &cobra.Command{
	Use:   "scale POD_ID",
	Short: "Reserve the growth of a resize and run the scale job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := orchestrator.ScaleRequest{PodID: args[0]}
		req.TenantID, _ = cmd.Flags().GetString("tenant")
		req.NewCores, _ = cmd.Flags().GetInt("cores")
		req.NewMemoryMB, _ = cmd.Flags().GetInt("memory-mb")
		req.BackupFirst, _ = cmd.Flags().GetBool("backup-first")
		req.JobID, _ = cmd.Flags().GetString("job-id")
		req.Reason = optionalString(cmd, "reason")
		actx := cliActor(cmd, req.TenantID)
		req.RequestedBy = actx.ActorID
		req.Audit = actx

		cfg, oc, err := openForRequest(cmd)
		if err != nil {
			return err
		}
		defer oc.Close()

		adm, err := oc.RequestScale(cmd.Context(), req)
		if err != nil {
			return err
		}
		return admit(cmd, cfg, oc, adm)
	},
}

var podDestroyCmd = &cobra.Command{
	Use:   "destroy POD_ID",
	Short: "Run the destroy job of a pod",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := orchestrator.DestroyRequest{PodID: args[0]}
		req.TenantID, _ = cmd.Flags().GetString("tenant")
		req.JobID, _ = cmd.Flags().GetString("job-id")
		req.Reason = optionalString(cmd, "reason")
		actx := cliActor(cmd, req.TenantID)
		req.RequestedBy = actx.ActorID
		req.Audit = actx

		cfg, oc, err := openForRequest(cmd)
		if err != nil {
			return err
		}
		defer oc.Close()

		adm, err := oc.RequestDestroy(cmd.Context(), req)
		if err != nil {
			return err
		}
		return admit(cmd, cfg, oc, adm)
	},
}

var podCheckCmd = &cobra.Command{
	Use:   "check POD_ID",
	Short: "Run a health check of one pod",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")

		cfg, oc, err := openForRequest(cmd)
		if err != nil {
			return err
		}
		defer oc.Close()

		job, err := oc.RequestHealthCheck(cmd.Context(), tenantID, args[0])
		if err != nil {
			return err
		}
		job, err = settleJob(cmd, cfg, oc, job)
		if err != nil {
			return err
		}
		if err := reportJob(job); err != nil {
			return err
		}
		if status, ok := oc.Health.Status(args[0]); ok {
			return printJSON(status)
		}
		return nil
	},
}

var podListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pods",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		output, _ := cmd.Flags().GetString("output")

		_, store, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		pods, err := store.ListPods()
		if tenantID != "" {
			pods, err = store.ListPodsByTenant(tenantID)
		}
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(pods)
		}

		fmt.Printf("%-36s  %-12s  %-20s  %-6s  %-8s  %-5s  %-7s  %s\n",
			"ID", "TENANT", "HOSTNAME", "VMID", "NODE", "CORES", "MEM MB", "STATUS")
		for _, p := range pods {
			fmt.Printf("%-36s  %-12s  %-20s  %-6d  %-8s  %-5d  %-7d  %s\n",
				p.ID, p.TenantID, p.Hostname, p.VMID, p.PVENode, p.Cores, p.MemoryMB, p.Status)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{podCreateCmd, podScaleCmd, podDestroyCmd, podCheckCmd} {
		c.Flags().String("tenant", "", "Tenant owning the pod (required)")
		_ = c.MarkFlagRequired("tenant")
		c.Flags().Bool("wait", false, "Wait for the job to settle on a shared queue")
	}
	for _, c := range []*cobra.Command{podCreateCmd, podScaleCmd, podDestroyCmd} {
		c.Flags().String("actor", "", "Actor recorded in the audit log (default $USER)")
		c.Flags().String("job-id", "", "Explicit idempotency key for the job")
	}

	podCreateCmd.Flags().Int("vmid", 0, "Proxmox container ID (required)")
	podCreateCmd.Flags().String("node", "", "Proxmox node (default the first configured node)")
	podCreateCmd.Flags().Int("cores", 1, "CPU cores")
	podCreateCmd.Flags().Int("memory-mb", 512, "Memory in MB")
	podCreateCmd.Flags().Int("swap-mb", 0, "Swap in MB")
	podCreateCmd.Flags().Int("disk-gb", 0, "Root disk in GB (0 means the default size)")
	podCreateCmd.Flags().String("region", "", "Region label")
	podCreateCmd.Flags().String("blueprint", "", "Blueprint ID")
	podCreateCmd.Flags().String("plan", "", "Plan ID")
	podCreateCmd.Flags().String("ip", "", "Static IP in CIDR form")
	podCreateCmd.Flags().Bool("auto-ip", false, "Let the node assign an address")
	_ = podCreateCmd.MarkFlagRequired("vmid")

	podScaleCmd.Flags().Int("cores", 0, "New CPU cores (required)")
	podScaleCmd.Flags().Int("memory-mb", 0, "New memory in MB (required)")
	podScaleCmd.Flags().Bool("backup-first", false, "Snapshot the pod before resizing")
	podScaleCmd.Flags().String("reason", "", "Reason recorded with the job")
	_ = podScaleCmd.MarkFlagRequired("cores")
	_ = podScaleCmd.MarkFlagRequired("memory-mb")

	podDestroyCmd.Flags().String("reason", "", "Reason recorded with the job")

	podListCmd.Flags().String("tenant", "", "Only list this tenant's pods")
	podListCmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	podCmd.AddCommand(podCreateCmd)
	podCmd.AddCommand(podScaleCmd)
	podCmd.AddCommand(podDestroyCmd)
	podCmd.AddCommand(podCheckCmd)
	podCmd.AddCommand(podListCmd)

	rootCmd.AddCommand(podCmd)
}
