package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	job        *Job
	seq        uint64
	reservedAt time.Time
}

// MemoryBackend keeps jobs in process memory. Jobs do not survive a restart,
// so it suits tests and single-node development.
type MemoryBackend struct {
	mu          sync.Mutex
	seq         uint64
	jobs        map[Name]map[string]*memEntry
	repeatables map[string]Repeatable
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:        make(map[Name]map[string]*memEntry),
		repeatables: make(map[string]Repeatable),
	}
}

func (b *MemoryBackend) queue(name Name) map[string]*memEntry {
	q, ok := b.jobs[name]
	if !ok {
		q = make(map[string]*memEntry)
		b.jobs[name] = q
	}
	return q
}

func (b *MemoryBackend) Add(_ context.Context, job *Job) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.Queue)
	if _, exists := q[job.ID]; exists {
		return false, nil
	}
	b.seq++
	q[job.ID] = &memEntry{job: job.clone(), seq: b.seq}
	return true, nil
}

func (b *MemoryBackend) Get(_ context.Context, queue Name, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.queue(queue)[id]; ok {
		return e.job.clone(), nil
	}
	return nil, nil
}

func (b *MemoryBackend) Reserve(_ context.Context, queue Name, now time.Time) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var next *memEntry
	for _, e := range b.queue(queue) {
		if e.job.Status != JobWaiting && e.job.Status != JobDelayed {
			continue
		}
		if e.job.ScheduledFor.After(now) {
			continue
		}
		if next == nil || e.job.ScheduledFor.Before(next.job.ScheduledFor) ||
			(e.job.ScheduledFor.Equal(next.job.ScheduledFor) && e.seq < next.seq) {
			next = e
		}
	}
	if next == nil {
		return nil, nil
	}

	processed := now
	next.job.Status = JobActive
	next.job.AttemptsMade++
	next.job.ProcessedAt = &processed
	next.reservedAt = now
	return next.job.clone(), nil
}

// finish replaces the stored job if it is still active
func (b *MemoryBackend) finish(job *Job, apply func(stored *Job)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.queue(job.Queue)[job.ID]
	if !ok || e.job.Status != JobActive {
		return nil
	}
	e.job = job.clone()
	apply(e.job)
	return nil
}

func (b *MemoryBackend) Complete(_ context.Context, job *Job) error {
	return b.finish(job, func(j *Job) {
		j.Status = JobCompleted
	})
}

func (b *MemoryBackend) Retry(_ context.Context, job *Job, at time.Time) error {
	return b.finish(job, func(j *Job) {
		j.Status = JobDelayed
		j.ScheduledFor = at
	})
}

func (b *MemoryBackend) Fail(_ context.Context, job *Job) error {
	return b.finish(job, func(j *Job) {
		j.Status = JobFailed
	})
}

func (b *MemoryBackend) RequeueStalled(_ context.Context, queue Name, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, e := range b.queue(queue) {
		if e.job.Status == JobActive && e.reservedAt.Before(cutoff) {
			e.job.Status = JobWaiting
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) UpsertRepeatable(_ context.Context, r Repeatable) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.repeatables[r.Key] = r
	return nil
}

func (b *MemoryBackend) RemoveRepeatable(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.repeatables, key)
	return nil
}

func (b *MemoryBackend) ListRepeatable(_ context.Context) ([]Repeatable, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Repeatable, 0, len(b.repeatables))
	for _, r := range b.repeatables {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *MemoryBackend) Counts(_ context.Context, queue Name, now time.Time) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var c Counts
	for _, e := range b.queue(queue) {
		switch e.job.Status {
		case JobWaiting, JobDelayed:
			if e.job.ScheduledFor.After(now) {
				c.Delayed++
			} else {
				c.Waiting++
			}
		case JobActive:
			c.Active++
		case JobCompleted:
			c.Completed++
		case JobFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (b *MemoryBackend) Clean(_ context.Context, queue Name, policy RetentionPolicy, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	var completed []*memEntry
	removed := 0
	for id, e := range q {
		switch e.job.Status {
		case JobCompleted:
			completed = append(completed, e)
		case JobFailed:
			if policy.FailedAge > 0 && finishedBefore(e.job, now.Add(-policy.FailedAge)) {
				delete(q, id)
				removed++
			}
		}
	}

	// Newest first
	sort.Slice(completed, func(i, j int) bool {
		return finishedAt(completed[i].job).After(finishedAt(completed[j].job))
	})
	for i, e := range completed {
		tooMany := policy.CompletedCount > 0 && i >= policy.CompletedCount
		tooOld := policy.CompletedAge > 0 && finishedBefore(e.job, now.Add(-policy.CompletedAge))
		if tooMany || tooOld {
			delete(q, e.job.ID)
			removed++
		}
	}
	return removed, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func finishedAt(j *Job) time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	return j.CreatedAt
}

func finishedBefore(j *Job, cutoff time.Time) bool {
	return finishedAt(j).Before(cutoff)
}
