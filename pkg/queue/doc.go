/*
Package queue provides the durable job queues that carry CloudPod lifecycle
work from producers to workers.

There are five queues, one per operation: create, destroy, backup, health and
scale. Each job carries a typed payload; the Payload interface is sealed so a
job decodes into exactly one of CreatePayload, DestroyPayload, BackupPayload,
HealthPayload or ScalePayload, and every payload validates itself before it is
accepted.

# Architecture

	┌──────────────┐  Enqueue   ┌──────────────┐  Reserve   ┌─────────┐
	│  producers   │──────────▶│   Manager    │──────────▶│ workers │
	└──────────────┘            │ keys, retry, │◀──────────└─────────┘
	                            │ repeatables  │  Complete/Retry/Fail
	                            └──────┬───────┘
	                                   │
	                     ┌─────────────┴─────────────┐
	                     ▼                           ▼
	              MemoryBackend                 RedisBackend
	            (single process)       (sorted sets + Lua scripts)

# Idempotency

A job ID is the idempotency key: adding an ID that already exists is a no-op
and returns the stored job. Callers pass their own key with WithJobID;
otherwise the Manager derives one with its KeyScheme. KeySchemeTimestamp
gives "{queue}-{vmid}-{unixMillis}" and never collapses submissions;
KeySchemeContent hashes the payload so identical submissions become one job.

# Retries and retention

Each queue has a RetryPolicy. A failed attempt is retried after
Policy.Delay(attemptsMade) until MaxAttempts is reached, then the job moves to
the failed set with its last error. Finished jobs are pruned by the
RetentionPolicy, and jobs left active by a dead worker are requeued after
Options.StalledAfter.

# Repeatable jobs

ScheduleHealthChecks installs the "health-sweep-schedule" repeatable. The
manager loop adds one job per due slot with the ID "{key}:{slotUnix}", so
several managers sharing a Redis backend still add each slot once.
*/
package queue
