package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/cloudpods/pkg/backup"
	"github.com/cuemby/cloudpods/pkg/config"
	"github.com/cuemby/cloudpods/pkg/storage"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Resource is one document of an applied YAML file
type Resource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ResourceMetadata `yaml:"metadata"`
	Spec       yaml.Node        `yaml:"spec"`
}

type ResourceMetadata struct {
	// ID selects an existing policy to update
	ID   string `yaml:"id,omitempty"`
	Name string `yaml:"name"`
}

// openBackupEngine wires a backup engine over the store. Policy commands
// never run pct or vzdump, so no executor is opened.
func openBackupEngine(cmd *cobra.Command) (*config.Config, storage.Store, *backup.Engine, error) {
	cfg, store, auditLogger, err := openStore(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	engine := backup.NewEngine(store, nil, auditLogger, nil, backup.Options{
		DumpStorage: cfg.Backup.DumpStorage,
		Compression: cfg.Backup.Compression,
	})
	return cfg, store, engine, nil
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage backup policies",
}

var policyApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update backup policies from a YAML file",
	Long: `Create or update backup policies from a YAML file. A file may hold
several documents separated by ---.

Examples:
  # Nightly snapshots for every pod of a tenant, keeping a week
  cat <<EOF | cloudpodd policy apply -f -
  apiVersion: cloudpods/v1
  kind: BackupPolicy
  metadata:
    name: nightly
  spec:
    tenantId: acme
    schedule: daily
    retentionCount: 7
  EOF`,
	RunE: runPolicyApply,
}

func runPolicyApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	var data []byte
	var err error
	if filename == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(filename)
	}
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	_, store, engine, err := openBackupEngine(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var resource Resource
		if err := dec.Decode(&resource); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to parse YAML: %w", err)
		}

		switch resource.Kind {
		case "BackupPolicy":
			if err := applyPolicy(cmd, engine, &resource); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported resource kind: %s", resource.Kind)
		}
	}
}

func applyPolicy(cmd *cobra.Command, engine *backup.Engine, resource *Resource) error {
	ctx := cmd.Context()

	if id := resource.Metadata.ID; id != "" {
		var patch backup.PolicyPatch
		if err := resource.Spec.Decode(&patch); err != nil {
			return fmt.Errorf("invalid policy spec: %w", err)
		}
		if resource.Metadata.Name != "" {
			patch.Name = &resource.Metadata.Name
		}

		existing, err := engine.GetPolicy(id)
		if err != nil {
			return err
		}
		policy, err := engine.UpdatePolicy(ctx, id, patch, cliActor(cmd, existing.TenantID))
		if err != nil {
			return fmt.Errorf("failed to update policy: %w", err)
		}
		fmt.Printf("✓ Backup policy updated: %s (ID: %s)\n", policy.Name, policy.ID)
		return nil
	}

	var spec backup.PolicySpec
	if err := resource.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("invalid policy spec: %w", err)
	}
	if spec.Name == "" {
		spec.Name = resource.Metadata.Name
	}

	policy, err := engine.CreatePolicy(ctx, spec, cliActor(cmd, spec.TenantID))
	if err != nil {
		return fmt.Errorf("failed to create policy: %w", err)
	}
	fmt.Printf("✓ Backup policy created: %s (ID: %s)\n", policy.Name, policy.ID)
	return nil
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		output, _ := cmd.Flags().GetString("output")

		_, store, engine, err := openBackupEngine(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		policies, err := engine.ListPolicies(tenantID)
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(policies)
		}

		now := time.Now().UTC()
		fmt.Printf("%-36s  %-12s  %-20s  %-12s  %-11s  %-6s  %s\n",
			"ID", "TENANT", "NAME", "SCHEDULE", "TYPE", "KEEP", "NEXT RUN")
		for _, p := range policies {
			next := "-"
			if p.IsActive {
				if t, err := backup.NextRun(p, now); err == nil {
					next = t.Format(time.RFC3339)
				}
			}
			fmt.Printf("%-36s  %-12s  %-20s  %-12s  %-11s  %-6d  %s\n",
				p.ID, p.TenantID, p.Name, p.Schedule, p.Type, p.RetentionCount, next)
		}
		return nil
	},
}

var policyDeleteCmd = &cobra.Command{
	Use:   "delete POLICY_ID",
	Short: "Delete a backup policy",
	Long: `Delete a backup policy. Backups it already produced are kept and no
longer subject to its retention.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, engine, err := openBackupEngine(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		policy, err := engine.GetPolicy(args[0])
		if err != nil {
			if errdefs.IsNotFound(err) {
				fmt.Printf("Backup policy not found: %s (skipping)\n", args[0])
				return nil
			}
			return err
		}
		if err := engine.DeletePolicy(cmd.Context(), policy.ID, cliActor(cmd, policy.TenantID)); err != nil {
			return err
		}
		fmt.Printf("✓ Backup policy deleted: %s\n", policy.ID)
		return nil
	},
}

var policyDueCmd = &cobra.Command{
	Use:   "due",
	Short: "List active policies due for a backup now",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, engine, err := openBackupEngine(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		due, err := engine.GetPoliciesDueForBackup()
		if err != nil {
			return err
		}
		return printJSON(due)
	},
}

func init() {
	policyApplyCmd.Flags().StringP("file", "f", "", "YAML file to apply, - for stdin (required)")
	policyApplyCmd.Flags().String("actor", "", "Actor recorded in the audit log (default $USER)")
	_ = policyApplyCmd.MarkFlagRequired("file")

	policyListCmd.Flags().String("tenant", "", "Only list this tenant's policies")
	policyListCmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	policyDeleteCmd.Flags().String("actor", "", "Actor recorded in the audit log (default $USER)")

	policyCmd.AddCommand(policyApplyCmd)
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyDeleteCmd)
	policyCmd.AddCommand(policyDueCmd)

	rootCmd.AddCommand(policyCmd)
}
