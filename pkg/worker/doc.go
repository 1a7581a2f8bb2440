/*
Package worker runs the consumers that execute queued CloudPod jobs.

A Pool starts a configurable number of consumers per queue. Each consumer
reserves the next due job, passes it to the Handler and records the outcome:

	reserve ──▶ Handle ──▶ nil error ─────────────────────▶ Complete
	                  │
	                  └──▶ error ──▶ attempts left and not Permanent ──▶ Retry(backoff)
	                                 │
	                                 └──▶ otherwise ──▶ Fail ──▶ FailureHandler.OnFailed

Consumers wake on the queue manager's Ready signal for jobs added in this
process and poll for jobs added elsewhere. A handler panic is reported as an
ordinary error. Stop stops reserving and waits for in-flight jobs, cancelling
them only when its context expires.

Handlers decide whether an error is worth retrying: returning Permanent(err)
fails the job on the current attempt. Handlers that hold resources for a job,
such as reserved quota, implement FailureHandler to release them once the job
can no longer succeed.
*/
package worker
