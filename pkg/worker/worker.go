package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/cuemby/cloudpods/pkg/metrics"
	"github.com/cuemby/cloudpods/pkg/queue"
	"github.com/rs/zerolog"
)

// Handler executes one job attempt. A nil error completes the job; any other
// error is retried under the queue's RetryPolicy unless it is Permanent.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *queue.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) error {
	return f(ctx, job)
}

// FailureHandler is implemented by handlers that compensate for a job that
// failed for good. OnFailed runs once, after the job is in the failed set.
type FailureHandler interface {
	OnFailed(ctx context.Context, job *queue.Job, cause error)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Source is the side of the queue manager a pool consumes
type Source interface {
	Reserve(ctx context.Context, name queue.Name) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job) error
	Retry(ctx context.Context, job *queue.Job, cause error) (time.Duration, error)
	Fail(ctx context.Context, job *queue.Job, cause error) error
	Policy(name queue.Name) queue.RetryPolicy
	Ready(name queue.Name) <-chan struct{}
}

// Config holds pool configuration
type Config struct {
	// Concurrency is the number of consumers per queue; queues missing from
	// the map get one
	Concurrency  map[queue.Name]int
	PollInterval time.Duration
	// JobTimeout bounds a single attempt
	JobTimeout time.Duration
}

// DefaultConfig returns the pool settings used by cloudpodd
func DefaultConfig() Config {
	return Config{
		Concurrency: map[queue.Name]int{
			queue.QueueCreate:  2,
			queue.QueueDestroy: 2,
			queue.QueueBackup:  2,
			queue.QueueHealth:  1,
			queue.QueueScale:   2,
		},
		PollInterval: time.Second,
		JobTimeout:   20 * time.Minute,
	}
}

// settleTimeout bounds recording a job's outcome on the queue
const settleTimeout = 30 * time.Second

// Pool consumes every queue and runs jobs through a Handler
type Pool struct {
	source  Source
	handler Handler
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewPool creates a pool. Nothing runs until Start.
func NewPool(source Source, handler Handler, cfg Config) *Pool {
	defaults := DefaultConfig()
	if cfg.Concurrency == nil {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaults.JobTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		source:  source,
		handler: handler,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		logger:  log.WithComponent("worker"),
	}
}

// Start launches the consumers
func (p *Pool) Start() {
	for _, name := range queue.Names {
		n := p.cfg.Concurrency[name]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.consume(name)
		}
		p.logger.Info().Str("queue", string(name)).Int("concurrency", n).Msg("Started consumers")
	}
	metrics.UpdateComponent(metrics.ComponentWorkers, true, "")
}

// Stop stops reserving new jobs and waits for running ones. When ctx ends
// first, running jobs are cancelled and Stop returns ctx's error.
func (p *Pool) Stop(ctx context.Context) error {
	p.once.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) consume(name queue.Name) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		p.drain(name)

		select {
		case <-ticker.C:
		case <-p.source.Ready(name):
		case <-p.stopCh:
			return
		}
	}
}

// drain runs due jobs until the queue is empty or the pool stops
func (p *Pool) drain(name queue.Name) {
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.source.Reserve(p.ctx, name)
		if err != nil {
			p.logger.Error().Err(err).Str("queue", string(name)).Msg("Failed to reserve job")
			metrics.UpdateComponentErr(metrics.ComponentQueue, err)
			return
		}
		if job == nil {
			return
		}
		p.Process(job)
	}
}

// Process runs one reserved job and records the outcome on the queue
func (p *Pool) Process(job *queue.Job) {
	logger := log.WithJobID(string(job.Queue), job.ID)
	timer := metrics.NewTimer()

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.JobTimeout)
	err := p.run(ctx, job)
	cancel()
	timer.ObserveDurationVec(metrics.JobDuration, string(job.Queue))

	// The outcome is recorded even when the attempt's context has expired
	sctx, scancel := context.WithTimeout(context.Background(), settleTimeout)
	defer scancel()

	if err == nil {
		if cerr := p.source.Complete(sctx, job); cerr != nil {
			logger.Error().Err(cerr).Msg("Failed to mark job completed")
			return
		}
		metrics.JobsProcessed.WithLabelValues(string(job.Queue), "completed").Inc()
		logger.Debug().Int("attempt", job.AttemptsMade).Dur("duration", timer.Duration()).Msg("Job completed")
		return
	}

	policy := p.source.Policy(job.Queue)
	if !IsPermanent(err) && !policy.Exhausted(job.AttemptsMade) {
		delay, rerr := p.source.Retry(sctx, job, err)
		if rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to schedule retry")
			return
		}
		metrics.JobsProcessed.WithLabelValues(string(job.Queue), "retried").Inc()
		logger.Warn().Err(err).Int("attempt", job.AttemptsMade).Dur("retry_in", delay).Msg("Job attempt failed")
		return
	}

	if ferr := p.source.Fail(sctx, job, err); ferr != nil {
		logger.Error().Err(ferr).Msg("Failed to mark job failed")
		return
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Queue), "failed").Inc()
	logger.Error().Err(err).Int("attempts", job.AttemptsMade).Msg("Job failed")

	if fh, ok := p.handler.(FailureHandler); ok {
		fh.OnFailed(sctx, job, err)
	}
}

// run calls the handler, turning a panic into an error
func (p *Pool) run(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return p.handler.Handle(ctx, job)
}
