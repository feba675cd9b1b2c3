package nas

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(id string, due time.Time) Job {
	return Job{
		ID:            id,
		Action:        ActionRevoke,
		Identity:      Identity{User: "owner-1", Address: "AA:BB:CC:DD:EE:FF"},
		CreatedAt:     due.Add(-time.Minute),
		NextAttemptAt: due,
	}
}

func encode(t *testing.T, job Job) string {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return string(payload)
}

func TestRedisQueueEnqueue(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewRedisQueue(db, "")

	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := testJob("job-1", due)

	mock.ExpectZAdd("nas:jobs", redis.Z{Score: float64(due.UnixMilli()), Member: encode(t, job)}).SetVal(1)

	assert.NoError(t, q.Enqueue(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueueClaimSkipsJobsTakenElsewhere(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewRedisQueue(db, "nas:jobs")

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := encode(t, testJob("job-1", now.Add(-time.Second)))
	second := encode(t, testJob("job-2", now))

	mock.ExpectZRangeByScore("nas:jobs", &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 10,
	}).SetVal([]string{first, second})
	mock.ExpectZRem("nas:jobs", first).SetVal(1)
	mock.ExpectZRem("nas:jobs", second).SetVal(0)

	jobs, err := q.Claim(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, ActionRevoke, jobs[0].Action)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueueBuryAndLen(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewRedisQueue(db, "nas:jobs")

	job := testJob("job-1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	job.Attempts = 8

	mock.ExpectLPush("nas:jobs:dead", encode(t, job)).SetVal(1)
	mock.ExpectZCard("nas:jobs").SetVal(3)

	require.NoError(t, q.Bury(context.Background(), job))
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueueReviveUnknownJob(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewRedisQueue(db, "nas:jobs")

	mock.ExpectLRange("nas:jobs:dead", 0, -1).SetVal([]string{encode(t, testJob("job-1", time.Now().UTC()))})

	err := q.Revive(context.Background(), "job-2", time.Now())
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryQueueClaimOrder(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, q.Enqueue(ctx, testJob("later", now.Add(time.Minute))))
	require.NoError(t, q.Enqueue(ctx, testJob("second", now)))
	require.NoError(t, q.Enqueue(ctx, testJob("first", now.Add(-time.Minute))))

	jobs, err := q.Claim(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "first", jobs[0].ID)
	assert.Equal(t, "second", jobs[1].ID)

	n, _ := q.Len(ctx)
	assert.Equal(t, int64(1), n)

	again, err := q.Claim(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMemoryQueueRevive(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	job := testJob("job-1", now)
	job.Attempts = 8
	require.NoError(t, q.Bury(ctx, job))

	require.NoError(t, q.Revive(ctx, "job-1", now))
	dead, _ := q.Dead(ctx, 0)
	assert.Empty(t, dead)

	jobs, err := q.Claim(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Zero(t, jobs[0].Attempts)

	assert.ErrorIs(t, q.Revive(ctx, "job-1", now), ErrJobNotFound)
}
