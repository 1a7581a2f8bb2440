package main

import (
	"fmt"

	"github.com/cuemby/cloudpods/pkg/orchestrator"
	"github.com/cuemby/cloudpods/pkg/queue"
	"github.com/spf13/cobra"
)

// openQueues connects only the queue backend
func openQueues(cmd *cobra.Command) (*queue.Manager, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return orchestrator.OpenQueues(cmd.Context(), cfg, nil)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the job queues",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		queues, err := openQueues(cmd)
		if err != nil {
			return err
		}
		defer queues.Close()

		stats, err := queues.GetQueueStats(cmd.Context())
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(stats)
		}

		fmt.Printf("%-8s  %8s  %8s  %8s  %10s  %8s\n", "QUEUE", "WAITING", "DELAYED", "ACTIVE", "COMPLETED", "FAILED")
		for _, name := range queue.Names {
			c := stats[name]
			fmt.Printf("%-8s  %8d  %8d  %8d  %10d  %8d\n", name, c.Waiting, c.Delayed, c.Active, c.Completed, c.Failed)
		}
		return nil
	},
}

var queueJobCmd = &cobra.Command{
	Use:   "job QUEUE JOB_ID",
	Short: "Show one job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		queues, err := openQueues(cmd)
		if err != nil {
			return err
		}
		defer queues.Close()

		job, err := queues.GetJob(cmd.Context(), queue.Name(args[0]), args[1])
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %s not found in queue %s", args[1], args[0])
		}
		return printJSON(job)
	},
}

var queueRepeatablesCmd = &cobra.Command{
	Use:   "repeatables",
	Short: "List repeating jobs such as the health sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		queues, err := openQueues(cmd)
		if err != nil {
			return err
		}
		defer queues.Close()

		repeatables, err := queues.Repeatables(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(repeatables)
	},
}

func init() {
	queueStatsCmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueJobCmd)
	queueCmd.AddCommand(queueRepeatablesCmd)

	rootCmd.AddCommand(queueCmd)
}
