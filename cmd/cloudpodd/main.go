package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/cloudpods/pkg/config"
	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/cuemby/cloudpods/pkg/metrics"
	"github.com/cuemby/cloudpods/pkg/orchestrator"
	"github.com/cuemby/cloudpods/pkg/queue"
	"github.com/cuemby/cloudpods/pkg/reconciler"
	"github.com/cuemby/cloudpods/pkg/scheduler"
	"github.com/cuemby/cloudpods/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cloudpodd",
	Short: "cloudpodd - CloudPod orchestrator for Proxmox VE",
	Long: `cloudpodd admits CloudPod requests against tenant quotas, runs the
create, destroy, backup, health and scale jobs on Proxmox VE nodes, and
schedules policy backups with retention.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"cloudpodd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to YAML configuration file")

	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads the configuration and initializes logging. Logs go to
// stderr so command output on stdout stays parseable.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
	return cfg, nil
}

// openContext builds the full orchestrator context, including the SSH
// executor
func openContext(cmd *cobra.Command) (*orchestrator.Context, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return orchestrator.Open(cmd.Context(), cfg)
}

func workerConfig(cfg *config.Config) worker.Config {
	wc := worker.DefaultConfig()
	for name, n := range cfg.Queue.Concurrency {
		wc.Concurrency[queue.Name(name)] = n
	}
	if cfg.Queue.PollInterval > 0 {
		wc.PollInterval = cfg.Queue.PollInterval
	}
	return wc
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Run workers for every queue, the backup scheduler, the quota
reconciler and the metrics and health endpoints until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := log.WithComponent("cloudpodd")
		metrics.SetVersion(Version)

		oc, err := orchestrator.Open(cmd.Context(), cfg)
		if err != nil {
			metrics.UpdateComponentErr(metrics.ComponentStore, err)
			return fmt.Errorf("failed to open orchestrator: %w", err)
		}
		metrics.UpdateComponent(metrics.ComponentStore, true, "")
		metrics.UpdateComponent(metrics.ComponentQueue, true, "")

		oc.Queues.Start()
		sweepMinutes := int(cfg.Queue.HealthSweepInterval / time.Minute)
		if err := oc.Queues.ScheduleHealthChecks(cmd.Context(), sweepMinutes); err != nil {
			_ = oc.Close()
			return fmt.Errorf("failed to schedule health checks: %w", err)
		}

		pool := worker.NewPool(oc.Queues, oc, workerConfig(cfg))
		pool.Start()
		logger.Info().Msg("Workers started")

		sched := scheduler.NewScheduler(oc.Backups, oc.Store, oc.Queues, cfg.Backup.SchedulerInterval)
		sched.Start()
		logger.Info().Dur("interval", cfg.Backup.SchedulerInterval).Msg("Backup scheduler started")

		recon := reconciler.NewReconciler(oc.Quota, cfg.Reconciler.Interval)
		recon.Start()
		logger.Info().Dur("interval", cfg.Reconciler.Interval).Msg("Quota reconciler started")

		collector := metrics.NewCollector(oc.Queues, oc.Store)
		collector.Start()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics endpoint listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		var runErr error
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		case runErr = <-errCh:
			logger.Error().Err(runErr).Msg("Shutting down")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sched.Stop()
		recon.Stop()
		collector.Stop()
		if err := pool.Stop(ctx); err != nil {
			logger.Warn().Err(err).Msg("Workers did not drain in time")
		}
		_ = server.Shutdown(ctx)
		if err := oc.Close(); err != nil {
			return fmt.Errorf("failed to shutdown: %w", err)
		}

		logger.Info().Msg("Shutdown complete")
		return runErr
	},
}
