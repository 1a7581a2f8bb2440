package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/cloudpods/pkg/storage"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy a bolt data directory into PostgreSQL",
	Long: `Copy quotas, pods, backup policies and backups from a single-node bolt
database into the PostgreSQL database of the configuration. Records with the
same ID are overwritten, so the command can be re-run after a partial copy.

Examples:
  # See what would be copied
  cloudpodd migrate -c cloudpods.yaml --data-dir /var/lib/cloudpods --dry-run

  # Copy, keeping a backup of the bolt file
  cloudpodd migrate -c cloudpods.yaml --data-dir /var/lib/cloudpods`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("data-dir", "", "Bolt data directory (default storage.dataDir of the config)")
	migrateCmd.Flags().Bool("dry-run", false, "Show what would be migrated without making changes")
	migrateCmd.Flags().String("backup", "", "Path to back up the bolt file before migration (default: <data-dir>/cloudpods.db.backup)")

	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dataDir, _ := cmd.Flags().GetString("data-dir")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backupPath, _ := cmd.Flags().GetString("backup")

	if dataDir == "" {
		dataDir = cfg.Storage.DataDir
	}
	dbPath := filepath.Join(dataDir, "cloudpods.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database not found at %s", dbPath)
	}

	fmt.Printf("Source: %s\n", dbPath)
	fmt.Printf("Target: postgres %s/%s\n", cfg.Storage.Postgres.Host, cfg.Storage.Postgres.DBName)
	fmt.Printf("Dry run: %v\n", dryRun)

	if !dryRun {
		if backupPath == "" {
			backupPath = dbPath + ".backup"
		}
		fmt.Printf("Creating backup: %s\n", backupPath)
		if err := copyFile(dbPath, backupPath); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
		fmt.Println("✓ Backup created successfully")
	}

	src, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer src.Close()

	var dst storage.Store = src
	if !dryRun {
		pg, err := storage.NewPostgresStore(cfg.Storage.Postgres.DSN(), storage.DefaultPostgresOptions())
		if err != nil {
			return err
		}
		defer pg.Close()
		dst = pg
	}

	report, err := storage.Copy(src, dst, dryRun)
	fmt.Printf("Quotas: %d\nPods: %d\nBackup policies: %d\nBackups: %d\n",
		report.Quotas, report.Pods, report.Policies, report.Backups)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if dryRun {
		fmt.Println("\nDry run completed. No changes made.")
		fmt.Println("Run without --dry-run to perform the migration.")
	} else {
		fmt.Println("\n✓ Migration completed successfully!")
		fmt.Println("Set storage.driver to postgres to run on the migrated data.")
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
