package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"LeaderDrip/internal/models"

	"github.com/redis/go-redis/v9"
)

// priorityWeight separates priority bands in the wait set score. Unix
// milliseconds stay below it until the year 2286.
const priorityWeight = 1e13

// claimScript promotes due delayed jobs, pops the best waiting job and
// marks it active in one round trip, so concurrent workers on any number
// of instances never claim the same job. Every claim bumps the job's
// counter in the attempts hash, which survives a worker that dies before
// it can write the job back.
//
// KEYS: wait, delayed, active, jobs, priority, attempts
// ARGV: now_ms, weight
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, 100)
for i = 1, #due, 2 do
  local id = due[i]
  local p = tonumber(redis.call('HGET', KEYS[5], id) or '1')
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], p * tonumber(ARGV[2]) + tonumber(due[i + 1]), id)
end

local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end

local id = popped[1]
local raw = redis.call('HGET', KEYS[4], id)
if not raw then
  return false
end

redis.call('HSET', KEYS[3], id, ARGV[1])
local claims = redis.call('HINCRBY', KEYS[6], id, 1)
return {raw, claims}
`)

// recoverScript releases jobs claimed before the cutoff. A job whose claim
// count has reached max_attempts is returned by id for burial instead of
// going back to the wait set.
//
// KEYS: active, wait, priority, attempts
// ARGV: cutoff_ms, weight, now_ms, max_attempts
var recoverScript = redis.NewScript(`
local entries = redis.call('HGETALL', KEYS[1])
local n = 0
local spent = {}
for i = 1, #entries, 2 do
  local id = entries[i]
  if tonumber(entries[i + 1]) < tonumber(ARGV[1]) then
    redis.call('HDEL', KEYS[1], id)
    local claims = tonumber(redis.call('HGET', KEYS[4], id) or '0')
    if claims >= tonumber(ARGV[4]) then
      table.insert(spent, id)
    else
      local p = tonumber(redis.call('HGET', KEYS[3], id) or '1')
      redis.call('ZADD', KEYS[2], p * tonumber(ARGV[2]) + tonumber(ARGV[3]), id)
      n = n + 1
    end
  end
end
return {n, spent}
`)

type redisKeys struct {
	wait      string
	delayed   string
	active    string
	jobs      string
	priority  string
	attempts  string
	completed string
	failed    string
}

// RedisBackend is a durable queue shared by every instance pointing at the
// same Redis and prefix.
type RedisBackend struct {
	client    *redis.Client
	keys      redisKeys
	retention time.Duration
}

func NewRedisBackend(ctx context.Context, url, prefix string, retention time.Duration) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBackend{
		client: client,
		keys: redisKeys{
			wait:      prefix + ":wait",
			delayed:   prefix + ":delayed",
			active:    prefix + ":active",
			jobs:      prefix + ":jobs",
			priority:  prefix + ":priority",
			attempts:  prefix + ":attempts",
			completed: prefix + ":completed",
			failed:    prefix + ":failed",
		},
		retention: retention,
	}, nil
}

func waitScore(job models.Job) float64 {
	return float64(job.Priority())*priorityWeight + float64(job.RunAt.UnixMilli())
}

func (b *RedisBackend) Enqueue(ctx context.Context, job models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.keys.jobs, job.ID, raw)
		pipe.HSet(ctx, b.keys.priority, job.ID, int(job.Priority()))
		b.scheduleCmd(ctx, pipe, job)
		return nil
	})
	return err
}

func (b *RedisBackend) scheduleCmd(ctx context.Context, pipe redis.Pipeliner, job models.Job) {
	if job.RunAt.After(time.Now()) {
		pipe.ZAdd(ctx, b.keys.delayed, redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		return
	}
	pipe.ZAdd(ctx, b.keys.wait, redis.Z{Score: waitScore(job), Member: job.ID})
}

func (b *RedisBackend) Claim(ctx context.Context) (models.Job, bool, error) {
	keys := []string{b.keys.wait, b.keys.delayed, b.keys.active, b.keys.jobs, b.keys.priority, b.keys.attempts}

	res, err := claimScript.Run(ctx, b.client, keys, time.Now().UnixMilli(), int64(priorityWeight)).Slice()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("queue: claim: %w", err)
	}
	if len(res) != 2 {
		return models.Job{}, false, fmt.Errorf("queue: claim: unexpected reply %v", res)
	}

	raw, _ := res[0].(string)
	claims, _ := res[1].(int64)

	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return models.Job{}, false, fmt.Errorf("queue: decode claimed job: %w", err)
	}

	// Claims that never wrote the job back still count as executions.
	if prior := int(claims) - 1; prior > job.Attempt {
		job.Attempt = prior
	}
	return job, true, nil
}

func (b *RedisBackend) Ack(ctx context.Context, job models.Job) error {
	now := time.Now()

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, b.keys.active, job.ID)
		pipe.HDel(ctx, b.keys.jobs, job.ID)
		pipe.HDel(ctx, b.keys.priority, job.ID)
		pipe.HDel(ctx, b.keys.attempts, job.ID)
		pipe.ZAdd(ctx, b.keys.completed, redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		pipe.ZRemRangeByScore(ctx, b.keys.completed, "-inf", b.retentionCutoff(now))
		return nil
	})
	return err
}

func (b *RedisBackend) Requeue(ctx context.Context, job models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, b.keys.active, job.ID)
		pipe.HSet(ctx, b.keys.jobs, job.ID, raw)
		pipe.HSet(ctx, b.keys.attempts, job.ID, job.Attempt)
		b.scheduleCmd(ctx, pipe, job)
		return nil
	})
	return err
}

func (b *RedisBackend) Bury(ctx context.Context, job models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, b.keys.active, job.ID)
		pipe.HDel(ctx, b.keys.jobs, job.ID)
		pipe.HDel(ctx, b.keys.priority, job.ID)
		pipe.HDel(ctx, b.keys.attempts, job.ID)
		pipe.LPush(ctx, b.keys.failed, raw)
		return nil
	})
	return err
}

func (b *RedisBackend) Failed(ctx context.Context, limit int) ([]models.Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	raws, err := b.client.LRange(ctx, b.keys.failed, 0, stop).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]models.Job, 0, len(raws))
	for _, raw := range raws {
		var job models.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("queue: decode failed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (b *RedisBackend) Status(ctx context.Context) (models.QueueStatus, error) {
	now := time.Now()

	var (
		pending   *redis.IntCmd
		active    *redis.IntCmd
		completed *redis.IntCmd
		failed    *redis.IntCmd
		delayed   *redis.IntCmd
	)
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.ZCard(ctx, b.keys.wait)
		active = pipe.HLen(ctx, b.keys.active)
		completed = pipe.ZCount(ctx, b.keys.completed, b.retentionCutoff(now), "+inf")
		failed = pipe.LLen(ctx, b.keys.failed)
		delayed = pipe.ZCard(ctx, b.keys.delayed)
		return nil
	})
	if err != nil {
		return models.QueueStatus{}, err
	}

	return models.QueueStatus{
		Pending:   pending.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// RecoverStalled returns jobs that have been active longer than olderThan
// to the wait set. A worker that died mid-job leaves its claim behind;
// this is the visibility timeout that frees it. Jobs already claimed
// maxAttempts times are moved to the failed list and returned.
func (b *RedisBackend) RecoverStalled(ctx context.Context, olderThan time.Duration, maxAttempts int) (int, []models.Job, error) {
	now := time.Now()
	keys := []string{b.keys.active, b.keys.wait, b.keys.priority, b.keys.attempts}

	res, err := recoverScript.Run(ctx, b.client, keys,
		now.Add(-olderThan).UnixMilli(), int64(priorityWeight), now.UnixMilli(), maxAttempts,
	).Slice()
	if err != nil {
		return 0, nil, fmt.Errorf("queue: recover stalled: %w", err)
	}
	if len(res) != 2 {
		return 0, nil, fmt.Errorf("queue: recover stalled: unexpected reply %v", res)
	}

	requeued, _ := res[0].(int64)
	spent, _ := res[1].([]interface{})

	buried := make([]models.Job, 0, len(spent))
	for _, v := range spent {
		id, _ := v.(string)
		job, err := b.buryLost(ctx, id, now)
		if err != nil {
			return int(requeued), buried, err
		}
		buried = append(buried, job)
	}
	return int(requeued), buried, nil
}

// buryLost dead-letters a job whose last claim never settled.
func (b *RedisBackend) buryLost(ctx context.Context, id string, now time.Time) (models.Job, error) {
	raw, err := b.client.HGet(ctx, b.keys.jobs, id).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("queue: load lost job %s: %w", id, err)
	}
	claims, err := b.client.HGet(ctx, b.keys.attempts, id).Int()
	if err != nil {
		return models.Job{}, fmt.Errorf("queue: load lost job %s attempts: %w", id, err)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return models.Job{}, fmt.Errorf("queue: decode lost job %s: %w", id, err)
	}
	job.Attempt = claims
	job.LastError = "worker lost the job before it settled"
	job.FailedAt = &now

	if err := b.Bury(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("queue: bury lost job %s: %w", id, err)
	}
	return job, nil
}

func (b *RedisBackend) retentionCutoff(now time.Time) string {
	return "(" + strconv.FormatInt(now.Add(-b.retention).UnixMilli(), 10)
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
