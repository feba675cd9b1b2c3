package nas

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/pkg/metrics"
)

const (
	defaultCallTimeout = 5 * time.Second
	firstRetryDelay    = 10 * time.Second
)

// Enforcer runs NAS calls with a bounded timeout and queues the ones that
// fail. Ledger state is already committed when it is called, so a failure
// here never surfaces to the caller as an error.
type Enforcer struct {
	adapter Adapter
	queue   Queue
	timeout time.Duration
	now     func() time.Time
}

func NewEnforcer(adapter Adapter, queue Queue, timeout time.Duration) *Enforcer {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Enforcer{adapter: adapter, queue: queue, timeout: timeout, now: time.Now}
}

// WithClock overrides the time source
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// Grant provisions access for an entitlement. It returns false when the
// grant was queued for retry.
func (e *Enforcer) Grant(ctx context.Context, id Identity, profile string, limits Limits, entitlementID uuid.UUID) bool {
	job := newJob(ActionGrant, id, e.now())
	job.Profile = profile
	job.Limits = limits
	job.EntitlementID = &entitlementID
	return e.run(ctx, job)
}

// UpdateLimits pushes remaining quota and time of an entitlement to the NAS
func (e *Enforcer) UpdateLimits(ctx context.Context, id Identity, limits Limits, entitlementID uuid.UUID) bool {
	job := newJob(ActionUpdateLimits, id, e.now())
	job.Limits = limits
	job.EntitlementID = &entitlementID
	return e.run(ctx, job)
}

// Revoke tears down one network attachment
func (e *Enforcer) Revoke(ctx context.Context, id Identity) bool {
	return e.run(ctx, newJob(ActionRevoke, id, e.now()))
}

// Disable blocks the subscriber outright
func (e *Enforcer) Disable(ctx context.Context, id Identity) bool {
	return e.run(ctx, newJob(ActionDisable, id, e.now()))
}

// ListActive asks the NAS for its live attachments
func (e *Enforcer) ListActive(ctx context.Context) ([]Identity, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ids, err := e.adapter.ListActive(callCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: list active: %v", ledger.ErrAdapterUnavailable, err)
	}
	return ids, nil
}

// Execute performs the job's call once. Used directly by the Dispatcher.
func (e *Enforcer) Execute(ctx context.Context, job Job) error {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	var err error
	switch job.Action {
	case ActionGrant:
		err = e.adapter.Grant(callCtx, job.Identity, job.Profile, job.Limits)
	case ActionUpdateLimits:
		err = e.adapter.UpdateLimits(callCtx, job.Identity, job.Limits)
	case ActionRevoke:
		err = e.adapter.Revoke(callCtx, job.Identity)
	case ActionDisable:
		err = e.adapter.Disable(callCtx, job.Identity)
	default:
		return fmt.Errorf("unknown nas action %q", job.Action)
	}
	metrics.ObserveNASCall(string(job.Action), err, time.Since(start))

	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ledger.ErrAdapterUnavailable, job.Action, job.Identity, err)
	}
	return nil
}

func (e *Enforcer) run(ctx context.Context, job Job) bool {
	err := e.Execute(ctx, job)
	if err == nil {
		return true
	}

	log.Error().Err(err).
		Str("action", string(job.Action)).
		Str("identity", job.Identity.String()).
		Msg("NAS call failed, queued for retry")

	job.Attempts = 1
	job.LastError = err.Error()
	job.NextAttemptAt = e.now().Add(firstRetryDelay)
	// The request may already be gone; the retry must still be recorded.
	if qerr := e.queue.Enqueue(context.WithoutCancel(ctx), job); qerr != nil {
		log.Error().Err(qerr).Str("job_id", job.ID).Str("action", string(job.Action)).Msg("Failed to queue NAS job")
	}
	return false
}
