package queue

import (
	"time"
)

// BackoffKind selects how the retry delay grows
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy bounds how often and how quickly a failed job is retried
type RetryPolicy struct {
	MaxAttempts  int           `json:"maxAttempts" yaml:"maxAttempts"`
	Backoff      BackoffKind   `json:"backoff" yaml:"backoff"`
	InitialDelay time.Duration `json:"initialDelay" yaml:"initialDelay"`
}

// DefaultRetryPolicy is used by queues without an override
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  3,
	Backoff:      BackoffExponential,
	InitialDelay: 5 * time.Second,
}

// DefaultRetryPolicies returns the policy of every queue. A second create
// attempt is allowed but no more since VMID collisions are not safely
// retryable; a failed health check is a result, not a transient error.
func DefaultRetryPolicies() map[Name]RetryPolicy {
	withAttempts := func(n int) RetryPolicy {
		p := DefaultRetryPolicy
		p.MaxAttempts = n
		return p
	}
	return map[Name]RetryPolicy{
		QueueCreate:  withAttempts(2),
		QueueDestroy: DefaultRetryPolicy,
		QueueBackup:  DefaultRetryPolicy,
		QueueHealth:  withAttempts(1),
		QueueScale:   withAttempts(2),
	}
}

// Delay returns the wait before the next attempt, given the number of
// attempts already made (1 after the first failure).
func (p RetryPolicy) Delay(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	if p.Backoff != BackoffExponential {
		return p.InitialDelay
	}
	// Cap the shift to keep the duration from overflowing
	shift := min(attemptsMade-1, 20)
	return p.InitialDelay * time.Duration(1<<shift)
}

// Exhausted reports whether no attempt is left
func (p RetryPolicy) Exhausted(attemptsMade int) bool {
	return attemptsMade >= p.MaxAttempts
}

// RetentionPolicy bounds how long finished jobs are kept
type RetentionPolicy struct {
	// Completed jobs are kept while younger than CompletedAge and among the
	// newest CompletedCount; whichever bound is smaller wins.
	CompletedAge   time.Duration
	CompletedCount int
	// Failed jobs are kept for triage while younger than FailedAge
	FailedAge time.Duration
}

// DefaultRetentionPolicy keeps completed jobs 24h (at most 1000) and failed
// jobs 7 days
var DefaultRetentionPolicy = RetentionPolicy{
	CompletedAge:   24 * time.Hour,
	CompletedCount: 1000,
	FailedAge:      7 * 24 * time.Hour,
}
