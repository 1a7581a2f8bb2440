package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scripts run atomically on the server, so two workers never reserve the
// same job and an ID is added at most once. A job's lifecycle fields live
// beside its document in the job hash so a script can move them together
// with the sorted sets.
var (
	addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'doc', ARGV[1], 'status', ARGV[4], 'attempts', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

	reserveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
local key = ARGV[2] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[1], id)
local attempts = redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'status', 'active', 'processedAt', ARGV[3])
return {id, redis.call('HGET', key, 'doc'), 'active', tostring(attempts), ARGV[3]}
`)

	finishScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], 'doc', ARGV[3], 'status', ARGV[4], 'attempts', ARGV[5], 'processedAt', ARGV[6])
return 1
`)

	requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[2], id)
	redis.call('HSET', ARGV[3] .. id, 'status', 'waiting')
end
return #ids
`)
)

// RedisConfig locates the Redis server
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisBackend stores jobs in Redis. Per queue it keeps the job documents
// in hashes under {prefix}:{queue}:job:{id} and four sorted sets scored by time in
// milliseconds: pending (waiting and delayed, by due time), active (by
// reservation time), completed and failed (by finish time).
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to Redis and verifies the connection
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "cloudpods"
	}
	return &RedisBackend{client: client, prefix: prefix}, nil
}

func (b *RedisBackend) key(queue Name, parts ...string) string {
	k := b.prefix + ":" + string(queue)
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (b *RedisBackend) jobKey(queue Name, id string) string {
	return b.key(queue, "job", id)
}

func (b *RedisBackend) repeatKey() string {
	return b.prefix + ":repeat"
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (b *RedisBackend) Add(ctx context.Context, job *Job) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	n, err := addScript.Run(ctx, b.client,
		[]string{b.jobKey(job.Queue, job.ID), b.key(job.Queue, "pending")},
		data, score(job.ScheduledFor), job.ID, string(job.Status), job.AttemptsMade,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to add job %s: %w", job.ID, err)
	}
	return n == 1, nil
}

func (b *RedisBackend) Get(ctx context.Context, queue Name, id string) (*Job, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(queue, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeJob(id, fields["doc"], fields["status"], fields["attempts"], fields["processedAt"])
}

func (b *RedisBackend) Reserve(ctx context.Context, queue Name, now time.Time) (*Job, error) {
	res, err := reserveScript.Run(ctx, b.client,
		[]string{b.key(queue, "pending"), b.key(queue, "active")},
		score(now), b.key(queue, "job")+":", now.UTC().Format(time.RFC3339Nano),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job from %s: %w", queue, err)
	}
	if len(res) != 5 {
		return nil, fmt.Errorf("reserve on %s returned %d values", queue, len(res))
	}
	return decodeJob(res[0], res[1], res[2], res[3], res[4])
}

// decodeJob rebuilds a job from its stored document and the lifecycle fields
// kept beside it, which win over the document's copies
func decodeJob(id, doc, status, attempts, processedAt string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(doc), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	if status != "" {
		job.Status = JobStatus(status)
	}
	if attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("job %s has bad attempt count %q: %w", id, attempts, err)
		}
		job.AttemptsMade = n
	}
	if processedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, processedAt)
		if err != nil {
			return nil, fmt.Errorf("job %s has bad processing time %q: %w", id, processedAt, err)
		}
		job.ProcessedAt = &t
	}
	return &job, nil
}

func (b *RedisBackend) finish(ctx context.Context, job *Job, set string, at time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	var processed string
	if job.ProcessedAt != nil {
		processed = job.ProcessedAt.UTC().Format(time.RFC3339Nano)
	}
	err = finishScript.Run(ctx, b.client,
		[]string{b.key(job.Queue, "active"), b.key(job.Queue, set), b.jobKey(job.Queue, job.ID)},
		job.ID, score(at), data, string(job.Status), job.AttemptsMade, processed,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to move job %s to %s: %w", job.ID, set, err)
	}
	return nil
}

func (b *RedisBackend) Complete(ctx context.Context, job *Job) error {
	j := *job
	j.Status = JobCompleted
	return b.finish(ctx, &j, "completed", finishedAt(&j))
}

func (b *RedisBackend) Retry(ctx context.Context, job *Job, at time.Time) error {
	j := *job
	j.Status = JobDelayed
	j.ScheduledFor = at
	return b.finish(ctx, &j, "pending", at)
}

func (b *RedisBackend) Fail(ctx context.Context, job *Job) error {
	j := *job
	j.Status = JobFailed
	return b.finish(ctx, &j, "failed", finishedAt(&j))
}

func (b *RedisBackend) RequeueStalled(ctx context.Context, queue Name, cutoff time.Time) (int, error) {
	n, err := requeueScript.Run(ctx, b.client,
		[]string{b.key(queue, "active"), b.key(queue, "pending")},
		score(cutoff), score(cutoff), b.key(queue, "job")+":",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stalled jobs of %s: %w", queue, err)
	}
	return n, nil
}

func (b *RedisBackend) UpsertRepeatable(ctx context.Context, r Repeatable) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.client.HSet(ctx, b.repeatKey(), r.Key, data).Err()
}

func (b *RedisBackend) RemoveRepeatable(ctx context.Context, key string) error {
	return b.client.HDel(ctx, b.repeatKey(), key).Err()
}

func (b *RedisBackend) ListRepeatable(ctx context.Context) ([]Repeatable, error) {
	all, err := b.client.HGetAll(ctx, b.repeatKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Repeatable, 0, len(all))
	for key, data := range all {
		var r Repeatable
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("failed to decode repeatable %s: %w", key, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (b *RedisBackend) Counts(ctx context.Context, queue Name, now time.Time) (Counts, error) {
	pipe := b.client.Pipeline()
	waiting := pipe.ZCount(ctx, b.key(queue, "pending"), "-inf", score(now))
	delayed := pipe.ZCount(ctx, b.key(queue, "pending"), "("+score(now), "+inf")
	active := pipe.ZCard(ctx, b.key(queue, "active"))
	completed := pipe.ZCard(ctx, b.key(queue, "completed"))
	failed := pipe.ZCard(ctx, b.key(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("failed to count jobs of %s: %w", queue, err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (b *RedisBackend) Clean(ctx context.Context, queue Name, policy RetentionPolicy, now time.Time) (int, error) {
	expired := make(map[string]string) // id -> set

	if policy.CompletedAge > 0 {
		ids, err := b.client.ZRangeByScore(ctx, b.key(queue, "completed"), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + score(now.Add(-policy.CompletedAge)),
		}).Result()
		if err != nil {
			return 0, err
		}
		for _, id := range ids {
			expired[id] = "completed"
		}
	}
	if policy.CompletedCount > 0 {
		ids, err := b.client.ZRevRange(ctx, b.key(queue, "completed"), int64(policy.CompletedCount), -1).Result()
		if err != nil {
			return 0, err
		}
		for _, id := range ids {
			expired[id] = "completed"
		}
	}
	if policy.FailedAge > 0 {
		ids, err := b.client.ZRangeByScore(ctx, b.key(queue, "failed"), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + score(now.Add(-policy.FailedAge)),
		}).Result()
		if err != nil {
			return 0, err
		}
		for _, id := range ids {
			expired[id] = "failed"
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, set := range expired {
			pipe.ZRem(ctx, b.key(queue, set), id)
			pipe.Del(ctx, b.jobKey(queue, id))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean %s: %w", queue, err)
	}
	return len(expired), nil
}

// Ping checks the connection
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
