package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	addr := os.Getenv("CLOUDPODS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CLOUDPODS_TEST_REDIS_ADDR not set")
	}

	b, err := NewRedisBackend(context.Background(), RedisConfig{
		Addr:   addr,
		Prefix: "cloudpods-test-" + uuid.New().String()[:8],
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisBackendLifecycle(t *testing.T) {
	ctx := context.Background()
	b := newTestRedisBackend(t)

	added, err := b.Add(ctx, newJob("j1", t0))
	require.NoError(t, err)
	assert.True(t, added)
	added, err = b.Add(ctx, newJob("j1", t0))
	require.NoError(t, err)
	assert.False(t, added)

	_, _ = b.Add(ctx, newJob("j2", t0.Add(time.Minute)))

	c, err := b.Counts(ctx, QueueBackup, t0)
	require.NoError(t, err)
	assert.Equal(t, Counts{Waiting: 1, Delayed: 1}, c)

	job, err := b.Reserve(ctx, QueueBackup, t0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, JobActive, job.Status)

	stored, err := b.Get(ctx, QueueBackup, "j1")
	require.NoError(t, err)
	assert.Equal(t, JobActive, stored.Status)
	assert.Equal(t, 1, stored.AttemptsMade)
	require.NotNil(t, stored.ProcessedAt)
	assert.True(t, t0.Equal(*stored.ProcessedAt))

	none, err := b.Reserve(ctx, QueueBackup, t0)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, b.Retry(ctx, job, t0.Add(2*time.Minute)))
	job, _ = b.Reserve(ctx, QueueBackup, t0.Add(time.Minute))
	require.NotNil(t, job)
	assert.Equal(t, "j2", job.ID)

	finished := t0.Add(time.Minute)
	job.FinishedAt = &finished
	require.NoError(t, b.Complete(ctx, job))

	job, _ = b.Reserve(ctx, QueueBackup, t0.Add(2*time.Minute))
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, 2, job.AttemptsMade)
	job.FinishedAt = &finished
	job.LastError = "boom"
	require.NoError(t, b.Fail(ctx, job))

	stored, err = b.Get(ctx, QueueBackup, "j1")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, stored.Status)
	assert.Equal(t, "boom", stored.LastError)

	c, _ = b.Counts(ctx, QueueBackup, t0.Add(2*time.Minute))
	assert.Equal(t, Counts{Completed: 1, Failed: 1}, c)

	removed, err := b.Clean(ctx, QueueBackup, DefaultRetentionPolicy, t0.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestRedisBackendRequeueAndRepeatables(t *testing.T) {
	ctx := context.Background()
	b := newTestRedisBackend(t)

	_, _ = b.Add(ctx, newJob("j1", t0))
	_, _ = b.Reserve(ctx, QueueBackup, t0)

	n, err := b.RequeueStalled(ctx, QueueBackup, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := b.Get(ctx, QueueBackup, "j1")
	require.NoError(t, err)
	assert.Equal(t, JobWaiting, stored.Status)
	assert.Equal(t, 1, stored.AttemptsMade)

	job, err := b.Reserve(ctx, QueueBackup, t0.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.AttemptsMade)

	r := Repeatable{Key: HealthSweepKey, Queue: QueueHealth, Interval: 5 * time.Minute, Data: []byte(`{}`), NextRun: t0}
	require.NoError(t, b.UpsertRepeatable(ctx, r))
	require.NoError(t, b.UpsertRepeatable(ctx, r))
	list, err := b.ListRepeatable(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	require.NoError(t, b.RemoveRepeatable(ctx, HealthSweepKey))
}
