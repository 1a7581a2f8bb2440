package queue

import (
	"context"
	"time"
)

// Backend stores jobs durably. Implementations must make Add and Reserve
// atomic: an ID is added at most once and a job is handed to one worker.
type Backend interface {
	// Add stores a new waiting (or delayed) job. It reports false without
	// error when a job with the same ID already exists.
	Add(ctx context.Context, job *Job) (bool, error)
	// Get returns a job by ID, or nil when it does not exist
	Get(ctx context.Context, queue Name, id string) (*Job, error)
	// Reserve moves the oldest job due at now to active and counts the
	// attempt. It returns nil when nothing is due.
	Reserve(ctx context.Context, queue Name, now time.Time) (*Job, error)
	// Complete, Retry and Fail finish an active job
	Complete(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, at time.Time) error
	Fail(ctx context.Context, job *Job) error
	// RequeueStalled returns to waiting every active job reserved before
	// the cutoff, for workers that died mid-job
	RequeueStalled(ctx context.Context, queue Name, cutoff time.Time) (int, error)

	UpsertRepeatable(ctx context.Context, r Repeatable) error
	RemoveRepeatable(ctx context.Context, key string) error
	ListRepeatable(ctx context.Context) ([]Repeatable, error)

	Counts(ctx context.Context, queue Name, now time.Time) (Counts, error)
	// Clean removes finished jobs outside the retention policy
	Clean(ctx context.Context, queue Name, policy RetentionPolicy, now time.Time) (int, error)
	Close() error
}
