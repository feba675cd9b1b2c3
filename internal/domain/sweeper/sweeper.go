package sweeper

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/domain/events"
	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/domain/nas"
	"github.com/zmooth/zmooth-api/internal/domain/session"
	"github.com/zmooth/zmooth-api/internal/pkg/metrics"
)

const defaultBatchSize = 500

// Sweeper walks time-expired entitlements through
// active -> expiring -> deactivated. Every step is idempotent, so an
// entitlement left half-way by a crash or an overlapping pass is finished
// by the next pass.
type Sweeper struct {
	store    ledger.Store
	sessions *session.Manager
	enforcer *nas.Enforcer
	events   events.Publisher
	batch    int
	now      func() time.Time
}

func New(store ledger.Store, sessions *session.Manager, enforcer *nas.Enforcer, publisher events.Publisher) *Sweeper {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Sweeper{
		store:    store,
		sessions: sessions,
		enforcer: enforcer,
		events:   publisher,
		batch:    defaultBatchSize,
		now:      time.Now,
	}
}

// WithClock overrides the time source
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// WithBatchSize caps how many entitlements one pass picks up
func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batch = n
	}
	return s
}

// Sweep runs one pass and returns how many entitlements it deactivated.
// Cancellation is honoured between entitlements, never inside one.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	candidates, err := s.store.ListSweepCandidates(ctx, s.now(), s.batch)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		done, err := s.expire(context.WithoutCancel(ctx), c)
		if err != nil {
			metrics.SweepFailuresTotal.Inc()
			log.Error().Err(err).
				Str("entitlement_id", c.ID.String()).
				Str("owner_id", c.OwnerID.String()).
				Msg("Failed to expire entitlement")
			continue
		}
		if done {
			count++
		}
	}

	if count > 0 {
		metrics.SweepDeactivatedTotal.Add(float64(count))
		log.Info().Int("count", count).Int("candidates", len(candidates)).Msg("Expired entitlements deactivated")
	}
	return count, nil
}

// expire drives one entitlement to deactivated. It returns true only for
// the caller that performed the final transition.
func (s *Sweeper) expire(ctx context.Context, candidate ledger.Entitlement) (bool, error) {
	var otherActive bool
	now := s.now()

	// 1. active -> expiring
	skip := false
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		owned, err := tx.LockOwnerEntitlements(ctx, candidate.OwnerID)
		if err != nil {
			return err
		}
		var target *ledger.Entitlement
		otherActive = false
		for i := range owned {
			if owned[i].ID == candidate.ID {
				target = &owned[i]
			} else if owned[i].IsActiveAt(now) {
				otherActive = true
			}
		}
		if target == nil {
			return ledger.ErrEntitlementNotFound
		}

		switch target.State {
		case ledger.StateDeactivated:
			skip = true
			return nil
		case ledger.StateActive:
			if !target.IsExpiredAt(now) {
				skip = true
				return nil
			}
			target.BeginExpiry(now)
			return tx.UpdateEntitlement(ctx, target)
		}
		return nil
	})
	if err != nil || skip {
		return false, err
	}

	// 2. close the sessions that drew on it. With another plan still active
	// only this entitlement's sessions close, the rest stay on the other plan.
	if otherActive {
		_, err = s.sessions.TerminateByEntitlement(ctx, candidate.ID, ledger.CausePlanExpired)
	} else {
		_, err = s.sessions.TerminateByOwner(ctx, candidate.OwnerID, ledger.CausePlanExpired)
	}
	if err != nil {
		return false, err
	}

	// 3. block the subscriber unless another plan still covers them
	if !otherActive {
		s.enforcer.Disable(ctx, nas.OwnerIdentity(candidate.OwnerID))
	}

	// 4. expiring -> deactivated
	var finished *ledger.Entitlement
	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		ent, err := tx.LockEntitlement(ctx, candidate.ID)
		if err != nil {
			return err
		}
		if !ent.FinishExpiry(s.now()) {
			return nil
		}
		finished = ent
		return tx.UpdateEntitlement(ctx, ent)
	})
	if err != nil || finished == nil {
		return false, err
	}

	events.Emit(ctx, s.events, events.New(events.EntitlementDeactivated, finished.OwnerID, finished))
	log.Info().
		Str("entitlement_id", finished.ID.String()).
		Str("owner_id", finished.OwnerID.String()).
		Bool("nas_disabled", !otherActive).
		Msg("Entitlement expired")
	return true, nil
}

// Reconcile revokes NAS attachments that have no active ledger session.
// NAS users that are not subscriber ids are left alone.
func (s *Sweeper) Reconcile(ctx context.Context) (int, error) {
	live, err := s.enforcer.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	active, err := s.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}

	known := make(map[string]bool, len(active))
	for _, sess := range active {
		known[attachmentKey(sess.OwnerID.String(), sess.NetworkIdentity)] = true
	}

	revoked := 0
	for _, id := range live {
		if _, err := uuid.Parse(id.User); err != nil {
			continue
		}
		address, err := session.NormalizeNetworkIdentity(id.Address)
		if err != nil {
			continue
		}
		if known[attachmentKey(id.User, address)] {
			continue
		}
		log.Warn().Str("identity", id.String()).Msg("NAS attachment without ledger session, revoking")
		s.enforcer.Revoke(ctx, id)
		revoked++
	}
	return revoked, nil
}

func attachmentKey(user, address string) string {
	return strings.ToLower(user) + "|" + address
}
