package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const followUpTimeout = 30 * time.Second

// Counter refreshes the active session gauge
type Counter interface {
	CountActive(ctx context.Context) (int, error)
}

// Worker runs the sweeper on a fixed interval
type Worker struct {
	sweeper        *Sweeper
	counter        Counter
	interval       time.Duration
	reconcileEvery int
	stopCh         chan struct{}
	doneCh         chan struct{}
}

// NewWorker creates a sweep worker. reconcileEvery > 0 also reconciles
// against the NAS on every n-th tick.
func NewWorker(sweeper *Sweeper, counter Counter, interval time.Duration, reconcileEvery int) *Worker {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	return &Worker{
		sweeper:        sweeper,
		counter:        counter,
		interval:       interval,
		reconcileEvery: reconcileEvery,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start begins the background worker
func (w *Worker) Start() {
	log.Info().Dur("interval", w.interval).Msg("Starting expiry sweeper...")
	go w.loop()
}

// Stop cancels the pass in progress at the next entitlement boundary and waits
func (w *Worker) Stop() {
	log.Info().Msg("Stopping expiry sweeper...")
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) loop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	tick := 0
	w.run(tick)

	for {
		select {
		case <-ticker.C:
			tick++
			w.run(tick)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) run(tick int) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// stop cancels the pass between entitlements
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	sweepCtx, sweepCancel := context.WithTimeout(ctx, w.interval)
	count, err := w.sweeper.Sweep(sweepCtx)
	sweepCancel()
	if err != nil {
		log.Error().Err(err).Int("deactivated", count).Msg("Sweep pass interrupted")
	}

	// each follow-up step gets its own budget, a sweep that used up the
	// interval must not starve them
	if w.reconcileEvery > 0 && tick%w.reconcileEvery == 0 {
		stepCtx, stepCancel := context.WithTimeout(ctx, followUpTimeout)
		revoked, err := w.sweeper.Reconcile(stepCtx)
		stepCancel()
		if err != nil {
			log.Warn().Err(err).Msg("NAS reconcile skipped")
		} else if revoked > 0 {
			log.Info().Int("revoked", revoked).Msg("Revoked orphaned NAS attachments")
		}
	}

	if w.counter != nil {
		stepCtx, stepCancel := context.WithTimeout(ctx, followUpTimeout)
		if _, err := w.counter.CountActive(stepCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to refresh active session count")
		}
		stepCancel()
	}
}
