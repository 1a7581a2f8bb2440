package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/cloudpods/pkg/events"
	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/cuemby/cloudpods/pkg/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// HealthSweepKey is the repeat key of the scheduled all-pods health check
const HealthSweepKey = "health-sweep-schedule"

// DefaultHealthSweepInterval is used when ScheduleHealthChecks gets 0
const DefaultHealthSweepInterval = 5 * time.Minute

// Options configures a Manager
type Options struct {
	KeyScheme KeyScheme
	// Policies overrides the retry policy of individual queues
	Policies  map[Name]RetryPolicy
	Retention RetentionPolicy
	// PollInterval is how often repeatables are materialised
	PollInterval time.Duration
	// CleanInterval is how often retention and stalled-job recovery run
	CleanInterval time.Duration
	// StalledAfter is how long a job may stay active before it is assumed
	// abandoned and requeued. It must exceed the longest job.
	StalledAfter time.Duration
	Now          func() time.Time
}

// DefaultOptions returns the options used by cloudpodd
func DefaultOptions() Options {
	return Options{
		KeyScheme:     KeySchemeTimestamp,
		Retention:     DefaultRetentionPolicy,
		PollInterval:  time.Second,
		CleanInterval: 10 * time.Minute,
		StalledAfter:  30 * time.Minute,
	}
}

// Manager is the producer and consumer facade over a Backend: it derives job
// IDs, applies retry policy, materialises repeatable jobs and publishes job
// transitions.
type Manager struct {
	backend  Backend
	broker   *events.Broker
	opts     Options
	policies map[Name]RetryPolicy
	notify   map[Name]chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewManager creates a manager. broker may be nil.
func NewManager(backend Backend, broker *events.Broker, opts Options) *Manager {
	defaults := DefaultOptions()
	if opts.KeyScheme == "" {
		opts.KeyScheme = defaults.KeyScheme
	}
	if opts.Retention == (RetentionPolicy{}) {
		opts.Retention = defaults.Retention
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.CleanInterval <= 0 {
		opts.CleanInterval = defaults.CleanInterval
	}
	if opts.StalledAfter <= 0 {
		opts.StalledAfter = defaults.StalledAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	policies := DefaultRetryPolicies()
	for name, p := range opts.Policies {
		policies[name] = p
	}

	notify := make(map[Name]chan struct{}, len(Names))
	for _, name := range Names {
		notify[name] = make(chan struct{}, 1)
	}

	return &Manager{
		backend:  backend,
		broker:   broker,
		opts:     opts,
		policies: policies,
		notify:   notify,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("queue"),
	}
}

// Policy returns the retry policy of a queue
func (m *Manager) Policy(queue Name) RetryPolicy {
	if p, ok := m.policies[queue]; ok {
		return p
	}
	return DefaultRetryPolicy
}

// EnqueueOption customises a single enqueue call
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	jobID string
	delay time.Duration
}

// WithJobID sets the idempotency key of the job. A second enqueue with the
// same ID returns the existing job instead of adding another.
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.jobID = id }
}

// WithDelay makes the job due after d
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// Enqueue validates and adds a job for p on the queue it belongs to
func (m *Manager) Enqueue(ctx context.Context, p Payload, opts ...EnqueueOption) (*Job, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.Queue(), err)
	}

	now := m.opts.Now()
	id := o.jobID
	if id == "" {
		id = m.opts.KeyScheme.JobID(p.Queue(), p.Target(), data, now)
	}
	return m.add(ctx, p.Queue(), id, data, now.Add(o.delay))
}

// DeriveJobID returns the ID Enqueue would give p when called without
// WithJobID. Producers that write state before enqueueing use it to detect
// a duplicate request first.
func (m *Manager) DeriveJobID(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", p.Queue(), err)
	}
	return m.opts.KeyScheme.JobID(p.Queue(), p.Target(), data, m.opts.Now()), nil
}

func (m *Manager) add(ctx context.Context, queue Name, id string, data json.RawMessage, due time.Time) (*Job, error) {
	now := m.opts.Now()
	job := &Job{
		ID:           id,
		Queue:        queue,
		Data:         data,
		MaxAttempts:  m.Policy(queue).MaxAttempts,
		Status:       JobWaiting,
		CreatedAt:    now,
		ScheduledFor: due,
	}
	if due.After(now) {
		job.Status = JobDelayed
	}

	added, err := m.backend.Add(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", queue, err)
	}
	if !added {
		existing, err := m.backend.Get(ctx, queue, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load existing job %s: %w", id, err)
		}
		if existing != nil {
			m.logger.Debug().Str("queue", string(queue)).Str("job_id", id).Msg("Duplicate job ignored")
			return existing, nil
		}
		// Cleaned between Add and Get; report the job we tried to add
		return job, nil
	}

	metrics.JobsEnqueued.WithLabelValues(string(queue)).Inc()
	m.publish(events.EventJobWaiting, job, "")
	m.wake(queue)
	return job, nil
}

func (m *Manager) EnqueueCreate(ctx context.Context, p CreatePayload, opts ...EnqueueOption) (*Job, error) {
	return m.Enqueue(ctx, p, opts...)
}

func (m *Manager) EnqueueDestroy(ctx context.Context, p DestroyPayload, opts ...EnqueueOption) (*Job, error) {
	return m.Enqueue(ctx, p, opts...)
}

func (m *Manager) EnqueueBackup(ctx context.Context, p BackupPayload, opts ...EnqueueOption) (*Job, error) {
	return m.Enqueue(ctx, p, opts...)
}

func (m *Manager) EnqueueHealth(ctx context.Context, p HealthPayload, opts ...EnqueueOption) (*Job, error) {
	return m.Enqueue(ctx, p, opts...)
}

func (m *Manager) EnqueueScale(ctx context.Context, p ScalePayload, opts ...EnqueueOption) (*Job, error) {
	return m.Enqueue(ctx, p, opts...)
}

// GetJob returns a job by ID, or nil when it does not exist
func (m *Manager) GetJob(ctx context.Context, queue Name, id string) (*Job, error) {
	return m.backend.Get(ctx, queue, id)
}

// ScheduleHealthChecks installs the repeating all-pods health sweep. Calling
// it again replaces the schedule; there is only ever one registration.
func (m *Manager) ScheduleHealthChecks(ctx context.Context, intervalMinutes int) error {
	interval := time.Duration(intervalMinutes) * time.Minute
	if interval <= 0 {
		interval = DefaultHealthSweepInterval
	}

	data, err := json.Marshal(NewSweepPayload())
	if err != nil {
		return err
	}
	now := m.opts.Now()
	r := Repeatable{
		Key:      HealthSweepKey,
		Queue:    QueueHealth,
		Interval: interval,
		Data:     data,
		NextRun:  now.Truncate(interval).Add(interval),
	}
	if err := m.backend.UpsertRepeatable(ctx, r); err != nil {
		return fmt.Errorf("failed to schedule health checks: %w", err)
	}

	m.logger.Info().Dur("interval", interval).Time("next_run", r.NextRun).Msg("Scheduled health sweep")
	return nil
}

// Repeatables lists the installed repeating jobs
func (m *Manager) Repeatables(ctx context.Context) ([]Repeatable, error) {
	return m.backend.ListRepeatable(ctx)
}

// GetQueueStats returns job counts per queue
func (m *Manager) GetQueueStats(ctx context.Context) (map[Name]Counts, error) {
	now := m.opts.Now()
	stats := make(map[Name]Counts, len(Names))
	for _, name := range Names {
		c, err := m.backend.Counts(ctx, name, now)
		if err != nil {
			return nil, err
		}
		stats[name] = c
	}
	return stats, nil
}

// QueueDepths reports GetQueueStats keyed by plain strings for the metrics
// collector
func (m *Manager) QueueDepths(ctx context.Context) (map[string]map[string]int64, error) {
	stats, err := m.GetQueueStats(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]int64, len(stats))
	for name, c := range stats {
		out[string(name)] = map[string]int64{
			string(JobWaiting):   c.Waiting,
			string(JobDelayed):   c.Delayed,
			string(JobActive):    c.Active,
			string(JobCompleted): c.Completed,
			string(JobFailed):    c.Failed,
		}
	}
	return out, nil
}

// Reserve hands the next due job of queue to the caller, or nil
func (m *Manager) Reserve(ctx context.Context, queue Name) (*Job, error) {
	job, err := m.backend.Reserve(ctx, queue, m.opts.Now())
	if err != nil || job == nil {
		return nil, err
	}
	m.publish(events.EventJobActive, job, "")
	return job, nil
}

// Complete marks an active job completed
func (m *Manager) Complete(ctx context.Context, job *Job) error {
	finished := m.opts.Now()
	job.FinishedAt = &finished
	job.LastError = ""
	if err := m.backend.Complete(ctx, job); err != nil {
		return err
	}
	job.Status = JobCompleted
	m.publish(events.EventJobCompleted, job, "")
	return nil
}

// Retry schedules another attempt of a failed job after the queue's backoff
func (m *Manager) Retry(ctx context.Context, job *Job, cause error) (time.Duration, error) {
	delay := m.Policy(job.Queue).Delay(job.AttemptsMade)
	job.LastError = cause.Error()
	if err := m.backend.Retry(ctx, job, m.opts.Now().Add(delay)); err != nil {
		return 0, err
	}
	job.Status = JobDelayed
	m.publish(events.EventJobRetrying, job, job.LastError)
	return delay, nil
}

// Fail moves a job to the failed set, keeping the last error
func (m *Manager) Fail(ctx context.Context, job *Job, cause error) error {
	finished := m.opts.Now()
	job.FinishedAt = &finished
	job.LastError = cause.Error()
	if err := m.backend.Fail(ctx, job); err != nil {
		return err
	}
	job.Status = JobFailed
	m.publish(events.EventJobFailed, job, job.LastError)
	return nil
}

// Ready returns a channel signalled when a job is added to queue in this
// process. Workers also poll, since other processes may add jobs.
func (m *Manager) Ready(queue Name) <-chan struct{} {
	return m.notify[queue]
}

func (m *Manager) wake(queue Name) {
	select {
	case m.notify[queue] <- struct{}{}:
	default:
	}
}

func (m *Manager) publish(t events.EventType, job *Job, message string) {
	m.broker.Publish(&events.Event{
		Type:    t,
		Message: message,
		Metadata: map[string]string{
			"queue":    string(job.Queue),
			"job_id":   job.ID,
			"attempts": strconv.Itoa(job.AttemptsMade),
		},
	})
}

// Start runs the repeatable and maintenance loops
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Manager) run() {
	defer m.wg.Done()

	pollTicker := time.NewTicker(m.opts.PollInterval)
	defer pollTicker.Stop()
	cleanTicker := time.NewTicker(m.opts.CleanInterval)
	defer cleanTicker.Stop()

	for {
		select {
		case <-pollTicker.C:
			if err := m.materialize(context.Background()); err != nil {
				m.logger.Error().Err(err).Msg("Failed to materialize repeatable jobs")
			}
		case <-cleanTicker.C:
			if err := m.maintain(context.Background()); err != nil {
				m.logger.Error().Err(err).Msg("Queue maintenance failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// materialize adds one job per due repeatable slot. Job IDs are derived from
// the slot, so concurrent managers add each slot once.
func (m *Manager) materialize(ctx context.Context) error {
	repeatables, err := m.backend.ListRepeatable(ctx)
	if err != nil {
		return err
	}

	now := m.opts.Now()
	for _, r := range repeatables {
		if r.NextRun.After(now) {
			continue
		}
		// Only the latest missed slot runs
		slot := r.NextRun
		for !slot.Add(r.Interval).After(now) {
			slot = slot.Add(r.Interval)
		}

		id := r.Key + ":" + strconv.FormatInt(slot.Unix(), 10)
		if _, err := m.add(ctx, r.Queue, id, r.Data, slot); err != nil {
			return err
		}

		r.NextRun = slot.Add(r.Interval)
		if err := m.backend.UpsertRepeatable(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// maintain enforces retention and requeues abandoned jobs
func (m *Manager) maintain(ctx context.Context) error {
	var result error
	now := m.opts.Now()
	for _, name := range Names {
		removed, err := m.backend.Clean(ctx, name, m.opts.Retention, now)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("clean %s: %w", name, err))
		} else if removed > 0 {
			m.logger.Debug().Str("queue", string(name)).Int("removed", removed).Msg("Cleaned finished jobs")
		}

		requeued, err := m.backend.RequeueStalled(ctx, name, now.Add(-m.opts.StalledAfter))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("requeue %s: %w", name, err))
		} else if requeued > 0 {
			m.logger.Warn().Str("queue", string(name)).Int("requeued", requeued).Msg("Requeued stalled jobs")
			m.wake(name)
		}
	}
	return result
}

// Close stops the loops and closes the backend
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	var result error
	if err := m.backend.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close backend: %w", err))
	}
	return result
}
