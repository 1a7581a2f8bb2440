/*
Package scheduler dispatches backup jobs for due backup policies.

The scheduler wakes on a fixed interval (one minute by default), reads every
active policy and asks whether a scheduled slot has passed since the policy
last ran. For each due policy it enqueues one backup job per covered pod and
then stamps the slot on the policy.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                    Scheduler Loop                          │
	│                  (every SchedulerInterval)                 │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│  1. List active backup policies                            │
	│  2. For each policy: latest slot <= now since LastRunAt?   │
	│  3. Select pods: the policy's pod, or all tenant pods      │
	│  4. Filter pods: active and placed on a node               │
	│  5. Enqueue backup job per pod, then record LastRunAt      │
	└────────────────────────────────────────────────────────────┘

# Missed Runs

A daemon that was down across several slots enqueues a single run for the
latest missed slot rather than one per slot.

# Duplicate Suppression

Job IDs are derived from the policy, the pod and the slot:

	backup-{policyId}-{podId}-{slotUnix}

If enqueueing fails halfway through a policy, LastRunAt is left alone and the
next cycle retries the whole slot; pods that already have a job for that slot
are not enqueued twice.

# Usage

	sched := scheduler.NewScheduler(backups, store, queues, time.Minute)
	sched.Start()
	defer sched.Stop()

	// Or a single cycle, as the CLI does
	n, err := sched.RunOnce(ctx)
*/
package scheduler
