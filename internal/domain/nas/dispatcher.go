package nas

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/pkg/metrics"
)

const (
	defaultDispatchInterval = 5 * time.Second
	defaultMaxAttempts      = 8
	defaultClaimBatch       = 50
	maxBackoff              = 10 * time.Minute
)

// GrantRecorder is told when a queued grant finally reaches the NAS. It is
// also asked, before a queued grant or limit update is replayed, whether the
// entitlement behind it still grants access.
type GrantRecorder interface {
	MarkGranted(ctx context.Context, entitlementID uuid.UUID) error
	IsGrantable(ctx context.Context, entitlementID uuid.UUID) (bool, error)
}

// DispatcherConfig tunes the retry loop
type DispatcherConfig struct {
	Interval    time.Duration
	MaxAttempts int
	BatchSize   int
}

// Dispatcher replays queued NAS jobs until they succeed or run out of attempts
type Dispatcher struct {
	enforcer *Enforcer
	queue    Queue
	grants   GrantRecorder
	cfg      DispatcherConfig
	now      func() time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewDispatcher(enforcer *Enforcer, queue Queue, grants GrantRecorder, cfg DispatcherConfig) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultDispatchInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultClaimBatch
	}
	return &Dispatcher{
		enforcer: enforcer,
		queue:    queue,
		grants:   grants,
		cfg:      cfg,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// WithClock overrides the time source
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Start begins the background loop
func (d *Dispatcher) Start() {
	log.Info().Dur("interval", d.cfg.Interval).Msg("Starting NAS dispatcher...")
	go d.loop()
}

// Stop waits for the in-flight batch to finish
func (d *Dispatcher) Stop() {
	log.Info().Msg("Stopping NAS dispatcher...")
	close(d.stopCh)
	<-d.doneCh
}

func (d *Dispatcher) loop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Interval*4)
			if _, err := d.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("NAS dispatch pass failed")
			}
			cancel()
		case <-d.stopCh:
			return
		}
	}
}

// RunOnce claims due jobs and executes each once. It returns how many succeeded.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	jobs, err := d.queue.Claim(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	succeeded := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			// put unprocessed jobs back untouched
			if err := d.queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
				log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to requeue NAS job")
			}
			continue
		}
		if d.dispatch(ctx, job) {
			succeeded++
		}
	}

	if n, err := d.queue.Len(ctx); err == nil {
		metrics.NASQueueLength.Set(float64(n))
	}
	return succeeded, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, job Job) bool {
	replay, err := d.replayable(ctx, job)
	if err == nil && !replay {
		log.Info().
			Str("job_id", job.ID).
			Str("action", string(job.Action)).
			Str("entitlement_id", job.EntitlementID.String()).
			Msg("Dropped queued NAS job for inactive entitlement")
		metrics.NASJobsDroppedTotal.WithLabelValues(string(job.Action)).Inc()
		return false
	}

	if err == nil {
		err = d.enforcer.Execute(ctx, job)
	}
	if err == nil {
		log.Info().
			Str("job_id", job.ID).
			Str("action", string(job.Action)).
			Int("attempts", job.Attempts+1).
			Msg("Queued NAS call succeeded")
		if job.Action == ActionGrant && job.EntitlementID != nil && d.grants != nil {
			if err := d.grants.MarkGranted(ctx, *job.EntitlementID); err != nil {
				log.Error().Err(err).Str("entitlement_id", job.EntitlementID.String()).Msg("Failed to record grant")
			}
		}
		return true
	}

	job.Attempts++
	job.LastError = err.Error()

	if job.Attempts >= d.cfg.MaxAttempts {
		log.Error().Err(err).
			Str("job_id", job.ID).
			Str("action", string(job.Action)).
			Str("identity", job.Identity.String()).
			Int("attempts", job.Attempts).
			Msg("NAS job exhausted retries")
		metrics.NASJobsDeadTotal.WithLabelValues(string(job.Action)).Inc()
		if err := d.queue.Bury(context.WithoutCancel(ctx), job); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to bury NAS job")
		}
		return false
	}

	job.NextAttemptAt = d.now().Add(Backoff(job.Attempts))
	log.Warn().Err(err).
		Str("job_id", job.ID).
		Str("action", string(job.Action)).
		Int("attempts", job.Attempts).
		Time("next_attempt_at", job.NextAttemptAt).
		Msg("NAS job failed, rescheduled")
	if err := d.queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to requeue NAS job")
	}
	return false
}

// replayable reports whether the job may still run. Grants and limit
// updates are dropped once their entitlement has expired, run out or been
// revoked, since replaying them would reopen access the sweeper tore down.
func (d *Dispatcher) replayable(ctx context.Context, job Job) (bool, error) {
	if d.grants == nil || job.EntitlementID == nil {
		return true, nil
	}
	if job.Action != ActionGrant && job.Action != ActionUpdateLimits {
		return true, nil
	}
	return d.grants.IsGrantable(ctx, *job.EntitlementID)
}

// Backoff is the delay before attempt n+1: 10s doubled per attempt, capped.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return firstRetryDelay
	}
	delay := firstRetryDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
