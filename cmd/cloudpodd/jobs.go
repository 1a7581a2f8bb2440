package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/cloudpods/pkg/config"
	"github.com/cuemby/cloudpods/pkg/orchestrator"
	"github.com/cuemby/cloudpods/pkg/queue"
	"github.com/cuemby/cloudpods/pkg/worker"
	"github.com/spf13/cobra"
)

// settleJob follows an enqueued job according to the queue backend. A memory
// queue dies with this process, so its job is run here until it settles. On
// a shared redis queue the job belongs to the serve workers and is only
// awaited when --wait is set.
func settleJob(cmd *cobra.Command, cfg *config.Config, oc *orchestrator.Context, job *queue.Job) (*queue.Job, error) {
	ctx := cmd.Context()
	if cfg.Queue.Backend == "memory" {
		return runInline(ctx, cfg, oc, job)
	}
	if wait, _ := cmd.Flags().GetBool("wait"); !wait {
		return job, nil
	}
	return awaitJob(ctx, oc.Queues, job, pollInterval(cfg))
}

func pollInterval(cfg *config.Config) time.Duration {
	if cfg.Queue.PollInterval > 0 {
		return cfg.Queue.PollInterval
	}
	return time.Second
}

// runInline drives a single queue with a one-shot pool until job is done,
// honouring the queue's retry backoff
func runInline(ctx context.Context, cfg *config.Config, oc *orchestrator.Context, job *queue.Job) (*queue.Job, error) {
	pool := worker.NewPool(oc.Queues, oc, workerConfig(cfg))
	for {
		reserved, err := oc.Queues.Reserve(ctx, job.Queue)
		if err != nil {
			return nil, err
		}
		if reserved != nil {
			pool.Process(reserved)
			continue
		}

		current, err := oc.Queues.GetJob(ctx, job.Queue, job.ID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, fmt.Errorf("job %s disappeared from queue %s", job.ID, job.Queue)
		}
		if terminal(current) {
			return current, nil
		}

		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-time.After(pollInterval(cfg)):
		}
	}
}

func awaitJob(ctx context.Context, queues *queue.Manager, job *queue.Job, interval time.Duration) (*queue.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		current, err := queues.GetJob(ctx, job.Queue, job.ID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, fmt.Errorf("job %s was removed before it settled", job.ID)
		}
		if terminal(current) {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-ticker.C:
		}
	}
}

func terminal(job *queue.Job) bool {
	return job.Status == queue.JobCompleted || job.Status == queue.JobFailed
}

// reportJob prints the job and turns a failed job into the command's error
func reportJob(job *queue.Job) error {
	if err := printJSON(job); err != nil {
		return err
	}
	if job.Status == queue.JobFailed {
		return fmt.Errorf("job %s failed: %s", job.ID, job.LastError)
	}
	return nil
}
