package nas

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrJobNotFound = errors.New("nas job not found")

// Queue stores NAS jobs waiting for retry
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Claim removes and returns up to limit jobs that are due at now.
	// A job is handed to at most one claimer.
	Claim(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// Bury moves a job that ran out of attempts to the dead list
	Bury(ctx context.Context, job Job) error
	Pending(ctx context.Context, limit int) ([]Job, error)
	Dead(ctx context.Context, limit int) ([]Job, error)
	// Revive moves a dead job back to the queue with a fresh attempt budget
	Revive(ctx context.Context, jobID string, now time.Time) error
	Len(ctx context.Context) (int64, error)
}

// MemoryQueue is a process-local Queue, used when Redis is not configured
type MemoryQueue struct {
	mu      sync.Mutex
	pending []Job
	dead    []Job
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, job)
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].NextAttemptAt.Before(q.pending[j].NextAttemptAt)
	})

	var claimed, rest []Job
	for _, job := range q.pending {
		if (limit <= 0 || len(claimed) < limit) && !job.NextAttemptAt.After(now) {
			claimed = append(claimed, job)
			continue
		}
		rest = append(rest, job)
	}
	q.pending = rest
	return claimed, nil
}

func (q *MemoryQueue) Bury(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append([]Job{job}, q.dead...)
	return nil
}

func (q *MemoryQueue) Pending(ctx context.Context, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return head(q.pending, limit), nil
}

func (q *MemoryQueue) Dead(ctx context.Context, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return head(q.dead, limit), nil
}

func (q *MemoryQueue) Revive(ctx context.Context, jobID string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, job := range q.dead {
		if job.ID != jobID {
			continue
		}
		q.dead = append(q.dead[:i], q.dead[i+1:]...)
		job.Attempts = 0
		job.NextAttemptAt = now
		q.pending = append(q.pending, job)
		return nil
	}
	return ErrJobNotFound
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

func head(jobs []Job, limit int) []Job {
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	out := make([]Job, len(jobs))
	copy(out, jobs)
	return out
}
