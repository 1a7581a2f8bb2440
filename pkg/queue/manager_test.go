package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/cloudpods/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, opts Options) (*Manager, *clock) {
	t.Helper()
	c := &clock{now: t0}
	opts.Now = c.Now
	m := NewManager(NewMemoryBackend(), nil, opts)
	t.Cleanup(func() { _ = m.Close() })
	return m, c
}

func TestEnqueueDerivesTimestampKey(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	job, err := m.EnqueueCreate(context.Background(), validCreate())
	require.NoError(t, err)
	assert.Equal(t, "create-101-"+strconv.FormatInt(t0.UnixMilli(), 10), job.ID)
	assert.Equal(t, QueueCreate, job.Queue)
	assert.Equal(t, 2, job.MaxAttempts)
	assert.Equal(t, JobWaiting, job.Status)
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	p := validCreate()
	p.Hostname = ""
	_, err := m.EnqueueCreate(context.Background(), p)
	require.Error(t, err)

	stats, err := m.GetQueueStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats[QueueCreate].Waiting)
}

func TestEnqueueWithJobIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, c := newTestManager(t, Options{})

	first, err := m.EnqueueCreate(ctx, validCreate(), WithJobID("create-once"))
	require.NoError(t, err)

	c.Advance(time.Second)
	p := validCreate()
	p.Cores = 4
	second, err := m.EnqueueCreate(ctx, p, WithJobID("create-once"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Data, second.Data)

	stats, _ := m.GetQueueStats(ctx)
	assert.Equal(t, int64(1), stats[QueueCreate].Waiting)
}

func TestEnqueueContentSchemeCollapsesDuplicates(t *testing.T) {
	ctx := context.Background()
	m, c := newTestManager(t, Options{KeyScheme: KeySchemeContent})

	_, err := m.EnqueueCreate(ctx, validCreate())
	require.NoError(t, err)
	c.Advance(time.Second)
	_, err = m.EnqueueCreate(ctx, validCreate())
	require.NoError(t, err)

	stats, _ := m.GetQueueStats(ctx)
	assert.Equal(t, int64(1), stats[QueueCreate].Waiting)
}

func TestDeriveJobIDMatchesEnqueue(t *testing.T) {
	ctx := context.Background()
	for _, scheme := range []KeyScheme{KeySchemeTimestamp, KeySchemeContent} {
		t.Run(string(scheme), func(t *testing.T) {
			m, _ := newTestManager(t, Options{KeyScheme: scheme})

			id, err := m.DeriveJobID(validCreate())
			require.NoError(t, err)

			job, err := m.EnqueueCreate(ctx, validCreate())
			require.NoError(t, err)
			assert.Equal(t, id, job.ID)
		})
	}
}

func TestEnqueueWithDelay(t *testing.T) {
	ctx := context.Background()
	m, c := newTestManager(t, Options{})

	job, err := m.EnqueueDestroy(ctx, DestroyPayload{TenantID: "t1", VMID: 101, CloudPodID: "p1", RequestedBy: "u1"}, WithDelay(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, JobDelayed, job.Status)

	stats, _ := m.GetQueueStats(ctx)
	assert.Equal(t, int64(1), stats[QueueDestroy].Delayed)

	reserved, err := m.Reserve(ctx, QueueDestroy)
	require.NoError(t, err)
	assert.Nil(t, reserved)

	c.Advance(time.Minute)
	reserved, err = m.Reserve(ctx, QueueDestroy)
	require.NoError(t, err)
	require.NotNil(t, reserved)
	assert.Equal(t, job.ID, reserved.ID)
}

func TestRetryThenFail(t *testing.T) {
	ctx := context.Background()
	m, c := newTestManager(t, Options{})

	_, err := m.EnqueueBackup(ctx, BackupPayload{TenantID: "t1", VMID: 101, CloudPodID: "p1", Mode: BackupModeSnapshot, TriggeredBy: TriggerManual})
	require.NoError(t, err)

	job, err := m.Reserve(ctx, QueueBackup)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.AttemptsMade)

	delay, err := m.Retry(ctx, job, errors.New("pct busy"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, delay)

	again, _ := m.Reserve(ctx, QueueBackup)
	assert.Nil(t, again, "retry must wait for the backoff")

	c.Advance(5 * time.Second)
	job, err = m.Reserve(ctx, QueueBackup)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.AttemptsMade)

	require.NoError(t, m.Fail(ctx, job, errors.New("pct exploded")))

	stored, err := m.GetJob(ctx, QueueBackup, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, stored.Status)
	assert.Equal(t, "pct exploded", stored.LastError)
	require.NotNil(t, stored.FinishedAt)

	stats, _ := m.GetQueueStats(ctx)
	assert.Equal(t, int64(1), stats[QueueBackup].Failed)
}

func TestScheduleHealthChecksRegistersOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Options{})

	require.NoError(t, m.ScheduleHealthChecks(ctx, 5))
	require.NoError(t, m.ScheduleHealthChecks(ctx, 5))

	repeatables, err := m.Repeatables(ctx)
	require.NoError(t, err)
	require.Len(t, repeatables, 1)
	assert.Equal(t, HealthSweepKey, repeatables[0].Key)
	assert.Equal(t, QueueHealth, repeatables[0].Queue)
	assert.Equal(t, 5*time.Minute, repeatables[0].Interval)
	assert.Equal(t, t0.Truncate(5*time.Minute).Add(5*time.Minute), repeatables[0].NextRun)
}

func TestScheduleHealthChecksDefaultInterval(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Options{})

	require.NoError(t, m.ScheduleHealthChecks(ctx, 0))
	repeatables, _ := m.Repeatables(ctx)
	require.Len(t, repeatables, 1)
	assert.Equal(t, DefaultHealthSweepInterval, repeatables[0].Interval)
}

func TestMaterializeRepeatable(t *testing.T) {
	ctx := context.Background()
	m, c := newTestManager(t, Options{})
	require.NoError(t, m.ScheduleHealthChecks(ctx, 5))

	// 10:02, first slot is 10:05
	require.NoError(t, m.materialize(ctx))
	stats, _ := m.GetQueueStats(ctx)
	assert.Zero(t, stats[QueueHealth].Waiting)

	c.Advance(3 * time.Minute)
	require.NoError(t, m.materialize(ctx))
	require.NoError(t, m.materialize(ctx))

	slot := t0.Add(3 * time.Minute)
	job, err := m.GetJob(ctx, QueueHealth, HealthSweepKey+":"+strconv.FormatInt(slot.Unix(), 10))
	require.NoError(t, err)
	require.NotNil(t, job)

	p, err := job.Payload()
	require.NoError(t, err)
	assert.True(t, p.(HealthPayload).IsSweep())

	stats, _ = m.GetQueueStats(ctx)
	assert.Equal(t, int64(1), stats[QueueHealth].Waiting)

	// Missed slots collapse into the latest one
	c.Advance(16 * time.Minute)
	require.NoError(t, m.materialize(ctx))
	stats, _ = m.GetQueueStats(ctx)
	assert.Equal(t, int64(2), stats[QueueHealth].Waiting)

	repeatables, _ := m.Repeatables(ctx)
	assert.Equal(t, slot.Add(20*time.Minute), repeatables[0].NextRun)
}

func TestMaintainCleansAndRequeues(t *testing.T) {
	ctx := context.Background()
	m, c := newTestManager(t, Options{StalledAfter: 30 * time.Minute})

	_, err := m.EnqueueDestroy(ctx, DestroyPayload{TenantID: "t1", VMID: 101, CloudPodID: "p1", RequestedBy: "u1"})
	require.NoError(t, err)
	job, _ := m.Reserve(ctx, QueueDestroy)
	require.NoError(t, m.Complete(ctx, job))

	c.Advance(time.Millisecond)
	_, err = m.EnqueueDestroy(ctx, DestroyPayload{TenantID: "t1", VMID: 102, CloudPodID: "p2", RequestedBy: "u1"})
	require.NoError(t, err)
	_, _ = m.Reserve(ctx, QueueDestroy)

	c.Advance(25 * time.Hour)
	require.NoError(t, m.maintain(ctx))

	stats, _ := m.GetQueueStats(ctx)
	assert.Zero(t, stats[QueueDestroy].Completed)
	assert.Zero(t, stats[QueueDestroy].Active)
	assert.Equal(t, int64(1), stats[QueueDestroy].Waiting)
}

func TestQueueDepths(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Options{})
	_, err := m.EnqueueScale(ctx, ScalePayload{TenantID: "t1", VMID: 101, CloudPodID: "p1", NewCores: 2, NewMemoryMB: 1024, RequestedBy: "u1"})
	require.NoError(t, err)

	depths, err := m.QueueDepths(ctx)
	require.NoError(t, err)
	assert.Len(t, depths, len(Names))
	assert.Equal(t, int64(1), depths["scale"]["waiting"])
	assert.Equal(t, int64(0), depths["create"]["failed"])
}

func TestManagerPublishesEvents(t *testing.T) {
	ctx := context.Background()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	m := NewManager(NewMemoryBackend(), broker, Options{})
	defer m.Close()

	job, err := m.EnqueueHealth(ctx, HealthPayload{TenantID: "t1", VMID: 101, CloudPodID: "p1", TriggeredBy: TriggerManual})
	require.NoError(t, err)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventJobWaiting, ev.Type)
		assert.Equal(t, job.ID, ev.Metadata["job_id"])
		assert.Equal(t, "health", ev.Metadata["queue"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestReadySignalsOnEnqueue(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	_, err := m.EnqueueCreate(context.Background(), validCreate())
	require.NoError(t, err)

	select {
	case <-m.Ready(QueueCreate):
	default:
		t.Fatal("expected a ready signal")
	}
}

func TestPolicyOverride(t *testing.T) {
	m, _ := newTestManager(t, Options{Policies: map[Name]RetryPolicy{
		QueueBackup: {MaxAttempts: 9, Backoff: BackoffFixed, InitialDelay: time.Minute},
	}})
	assert.Equal(t, 9, m.Policy(QueueBackup).MaxAttempts)
	assert.Equal(t, 2, m.Policy(QueueCreate).MaxAttempts)
}
