package nas

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueueKey = "nas:jobs"
	deadSuffix      = ":dead"
)

// RedisQueue keeps pending jobs in a sorted set scored by due time
// (unix millis) and buried jobs in a list.
type RedisQueue struct {
	client  *redis.Client
	key     string
	deadKey string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = defaultQueueKey
	}
	return &RedisQueue{client: client, key: key, deadKey: key + deadSuffix}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode nas job: %w", err)
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(job.NextAttemptAt.UnixMilli()),
		Member: string(payload),
	}).Err()
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(members))
	for _, member := range members {
		// ZREM returning 1 is the claim; another dispatcher got it otherwise
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return jobs, err
		}
		if removed == 0 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) Bury(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode nas job: %w", err)
	}
	return q.client.LPush(ctx, q.deadKey, string(payload)).Err()
}

func (q *RedisQueue) Pending(ctx context.Context, limit int) ([]Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := q.client.ZRange(ctx, q.key, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	return decodeJobs(members), nil
}

func (q *RedisQueue) Dead(ctx context.Context, limit int) ([]Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := q.client.LRange(ctx, q.deadKey, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	return decodeJobs(members), nil
}

func (q *RedisQueue) Revive(ctx context.Context, jobID string, now time.Time) error {
	members, err := q.client.LRange(ctx, q.deadKey, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, member := range members {
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil || job.ID != jobID {
			continue
		}
		removed, err := q.client.LRem(ctx, q.deadKey, 1, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			return ErrJobNotFound
		}
		job.Attempts = 0
		job.NextAttemptAt = now
		return q.Enqueue(ctx, job)
	}
	return ErrJobNotFound
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

func decodeJobs(members []string) []Job {
	jobs := make([]Job, 0, len(members))
	for _, member := range members {
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err == nil {
			jobs = append(jobs, job)
		}
	}
	return jobs
}
