package payment

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
)

// PollerConfig tunes the pending push payment poller
type PollerConfig struct {
	Interval time.Duration
	// MinAge leaves fresh transactions to the webhook
	MinAge time.Duration
	// Abandon fails transactions the provider still reports as pending
	Abandon   time.Duration
	BatchSize int
}

// Poller settles push payments whose callback never arrived by querying
// the provider
type Poller struct {
	svc    *Service
	cfg    PollerConfig
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewPoller(svc *Service, cfg PollerConfig) *Poller {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MinAge == 0 {
		cfg.MinAge = 2 * time.Minute
	}
	if cfg.Abandon == 0 {
		cfg.Abandon = 15 * time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	return &Poller{
		svc:    svc,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background worker
func (p *Poller) Start() {
	log.Info().Dur("interval", p.cfg.Interval).Msg("Starting payment poller...")
	go p.loop()
}

// Stop stops the worker and waits for the current pass
func (p *Poller) Stop() {
	log.Info().Msg("Stopping payment poller...")
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) loop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Interval)
			if _, err := p.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Payment poll failed")
			}
			cancel()
		case <-p.stopCh:
			return
		}
	}
}

// RunOnce polls one batch and returns how many transactions it settled
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	now := p.svc.now()
	pending, err := p.svc.store.ListPendingTransactions(ctx, ledger.MethodPushPayment, now.Add(-p.cfg.MinAge), p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, txn := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}

		res, err := p.resolve(ctx, &txn, now)
		if err != nil {
			log.Warn().Err(err).Str("reference", txn.Reference).Msg("Payment status query failed")
			continue
		}
		if res == nil {
			continue
		}
		if _, err := p.svc.HandleResult(ctx, res); err != nil {
			log.Error().Err(err).Str("reference", txn.Reference).Msg("Failed to settle polled payment")
			continue
		}
		settled++
	}
	return settled, nil
}

func (p *Poller) resolve(ctx context.Context, txn *ledger.Transaction, now time.Time) (*Result, error) {
	abandoned := now.Sub(txn.CreatedAt) > p.cfg.Abandon
	if txn.ProviderRef == nil {
		if !abandoned {
			return nil, nil
		}
		// initiation never recorded a provider reference
		return &Result{Reference: txn.Reference, Outcome: OutcomeFailed, Reason: "payment prompt was never confirmed"}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.svc.timeout)
	defer cancel()
	res, err := p.svc.gateway.Query(callCtx, *txn.ProviderRef)
	if err != nil {
		return nil, err
	}
	if res.Outcome != OutcomePending {
		return res, nil
	}
	if !abandoned {
		return nil, nil
	}
	return &Result{ProviderRef: *txn.ProviderRef, Outcome: OutcomeFailed, Reason: "payment prompt timed out"}, nil
}
