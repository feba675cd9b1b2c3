package session

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/domain/events"
	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/domain/nas"
	"github.com/zmooth/zmooth-api/internal/pkg/metrics"
)

// Manager owns the session lifecycle: attach, accounting and termination.
// Ledger writes commit before any NAS call is made.
type Manager struct {
	store    ledger.Store
	enforcer *nas.Enforcer
	events   events.Publisher
	now      func() time.Time
}

func NewManager(store ledger.Store, enforcer *nas.Enforcer, publisher events.Publisher) *Manager {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Manager{store: store, enforcer: enforcer, events: publisher, now: time.Now}
}

// WithClock overrides the time source
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Usage is the accounting view returned after a usage report
type Usage struct {
	Session         *ledger.Session `json:"session"`
	DataRemainingMB *int64          `json:"data_remaining_mb,omitempty"`
	Terminated      bool            `json:"terminated"`
}

// Open attaches a device to the owner's oldest active entitlement. A stale
// active session for the same device is closed first.
func (m *Manager) Open(ctx context.Context, ownerID uuid.UUID, nasIdentity, networkIdentity string) (*ledger.Session, error) {
	if ownerID == uuid.Nil {
		return nil, ledger.NewValidationError("owner_id", "is required")
	}
	networkIdentity, err := NormalizeNetworkIdentity(networkIdentity)
	if err != nil {
		return nil, err
	}
	nasIdentity = strings.TrimSpace(nasIdentity)

	var (
		sess  *ledger.Session
		stale *ledger.Session
		ent   *ledger.Entitlement
		plan  *ledger.Plan
	)
	now := m.now()
	err = m.store.InTx(ctx, func(tx ledger.Tx) error {
		owned, err := tx.LockOwnerEntitlements(ctx, ownerID)
		if err != nil {
			return err
		}
		ent, err = pickEntitlement(owned, now)
		if err != nil {
			return err
		}
		plan, err = tx.GetPlan(ctx, ent.PlanID)
		if err != nil {
			return err
		}

		previous, err := tx.LockActiveSession(ctx, ownerID, networkIdentity)
		switch {
		case err == nil:
			previous.Close(now, ledger.CauseAdminAction)
			if err := tx.UpdateSession(ctx, previous); err != nil {
				return err
			}
			stale = previous
		case !ledger.IsNotFound(err):
			return err
		}

		sess = &ledger.Session{
			ID:              uuid.NewString(),
			OwnerID:         ownerID,
			EntitlementID:   ent.ID,
			NASIdentity:     nasIdentity,
			NetworkIdentity: networkIdentity,
			Active:          true,
			StartedAt:       now,
			UpdatedAt:       now,
		}
		return tx.InsertSession(ctx, sess)
	})
	if err != nil {
		if ledger.IsDenial(err) {
			metrics.RecordSessionDenied(denialReason(err))
			log.Info().Err(err).
				Str("owner_id", ownerID.String()).
				Str("network_identity", networkIdentity).
				Msg("Session attach denied")
		}
		return nil, err
	}

	if stale != nil {
		// Same device is re-attaching, so the NAS attachment is not revoked
		metrics.RecordSessionTerminated(string(ledger.CauseAdminAction))
		events.Emit(ctx, m.events, events.New(events.SessionClosed, ownerID, stale))
		log.Info().
			Str("session_id", stale.ID).
			Str("owner_id", ownerID.String()).
			Msg("Closed stale session on re-attach")
	}

	metrics.SessionsOpenedTotal.Inc()
	m.enforcer.UpdateLimits(ctx, nas.SessionIdentity(sess), nas.LimitsFor(plan, ent, now), ent.ID)
	events.Emit(ctx, m.events, events.New(events.SessionOpened, ownerID, sess))

	log.Info().
		Str("session_id", sess.ID).
		Str("owner_id", ownerID.String()).
		Str("entitlement_id", ent.ID.String()).
		Str("network_identity", networkIdentity).
		Msg("Session opened")
	return sess, nil
}

// pickEntitlement returns the oldest entitlement active at now. owned is
// ordered oldest first.
func pickEntitlement(owned []ledger.Entitlement, now time.Time) (*ledger.Entitlement, error) {
	for i := range owned {
		if owned[i].IsActiveAt(now) {
			return &owned[i], nil
		}
	}
	// Deny with the reason of the newest plan that would otherwise still run
	for i := len(owned) - 1; i >= 0; i-- {
		e := owned[i]
		if e.IsExpiredAt(now) {
			continue
		}
		if e.IsQuotaExhausted() {
			return nil, ledger.ErrQuotaExhausted
		}
	}
	return nil, ledger.ErrNoEntitlement
}

// RecordUsage applies absolute cumulative counters reported by the NAS.
// Counters never move backwards, so a repeated reading changes nothing.
// When the quota runs out the entitlement is deactivated and all of its
// sessions are closed in the same ledger transaction.
func (m *Manager) RecordUsage(ctx context.Context, sessionID string, uploadBytes, downloadBytes, elapsedSeconds int64) (*Usage, error) {
	if sessionID == "" {
		return nil, ledger.NewValidationError("session_id", "is required")
	}
	if uploadBytes < 0 || downloadBytes < 0 || elapsedSeconds < 0 {
		return nil, ledger.NewValidationError("counters", "must not be negative")
	}

	current, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !current.Active {
		return nil, ledger.ErrSessionNotFound
	}

	var (
		usage       *Usage
		delta       int64
		closed      []ledger.Session
		deactivated *ledger.Entitlement
	)
	now := m.now()
	err = m.store.InTx(ctx, func(tx ledger.Tx) error {
		ent, err := tx.LockEntitlement(ctx, current.EntitlementID)
		if err != nil {
			return err
		}
		sess, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if !sess.Active {
			return ledger.ErrSessionNotFound
		}

		delta = sess.ApplyCounters(uploadBytes, downloadBytes, elapsedSeconds, now)
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		usage = &Usage{Session: sess}

		if delta > 0 {
			ent.AddUsage(delta, now)
		}

		changed := delta > 0
		switch {
		case ent.State == ledger.StateActive && ent.IsQuotaExhausted():
			ent.Deactivate(now, ledger.ReasonQuotaExhausted)
			closed, err = closeAll(ctx, tx, ent.ID, now, ledger.CauseDataLimitExceeded)
			if err != nil {
				return err
			}
			deactivated = ent
			changed = true
		case ent.State == ledger.StateActive && ent.IsExpiredAt(now):
			// Expired ahead of the sweeper. It finishes the NAS side and the
			// final deactivation from the expiring state.
			ent.BeginExpiry(now)
			closed, err = closeAll(ctx, tx, ent.ID, now, ledger.CausePlanExpired)
			if err != nil {
				return err
			}
			changed = true
		case ent.State != ledger.StateActive:
			cause := ledger.CausePlanExpired
			if ent.IsQuotaExhausted() {
				cause = ledger.CauseDataLimitExceeded
			}
			if sess.Close(now, cause) {
				if err := tx.UpdateSession(ctx, sess); err != nil {
					return err
				}
				closed = append(closed, *sess)
			}
		}

		if changed {
			if err := tx.UpdateEntitlement(ctx, ent); err != nil {
				return err
			}
		}
		usage.DataRemainingMB = ent.DataRemainingMB
		return nil
	})
	if err != nil {
		return nil, err
	}

	if delta > 0 {
		metrics.UsageBytesTotal.Add(float64(delta))
		events.Emit(ctx, m.events, events.New(events.SessionUsage, current.OwnerID, usage))
	}
	for i := range closed {
		if closed[i].ID == sessionID {
			usage.Session = &closed[i]
			usage.Terminated = true
		}
	}
	if deactivated != nil {
		log.Info().
			Str("entitlement_id", deactivated.ID.String()).
			Str("owner_id", deactivated.OwnerID.String()).
			Int64("data_used_bytes", deactivated.DataUsedBytes).
			Msg("Data quota exhausted, entitlement deactivated")
		events.Emit(ctx, m.events, events.New(events.EntitlementDeactivated, deactivated.OwnerID, deactivated))
	}
	m.afterClose(ctx, closed)
	return usage, nil
}

// Terminate closes a session exactly once. A repeated call returns the
// terminal state and changes nothing.
func (m *Manager) Terminate(ctx context.Context, sessionID string, cause ledger.TerminationCause) (*ledger.Session, error) {
	if sessionID == "" {
		return nil, ledger.NewValidationError("session_id", "is required")
	}
	if !cause.IsValid() {
		return nil, ledger.NewValidationError("cause", "unknown termination cause")
	}

	var (
		sess   *ledger.Session
		closed bool
	)
	now := m.now()
	err := m.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		sess, err = tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if closed = sess.Close(now, cause); !closed {
			return nil
		}
		return tx.UpdateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	if closed {
		m.afterClose(ctx, []ledger.Session{*sess})
	}
	return sess, nil
}

// TerminateByEntitlement closes every active session drawing on the entitlement
func (m *Manager) TerminateByEntitlement(ctx context.Context, entitlementID uuid.UUID, cause ledger.TerminationCause) ([]ledger.Session, error) {
	var closed []ledger.Session
	now := m.now()
	err := m.store.InTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.LockEntitlement(ctx, entitlementID); err != nil {
			return err
		}
		var err error
		closed, err = closeAll(ctx, tx, entitlementID, now, cause)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.afterClose(ctx, closed)
	return closed, nil
}

// TerminateByOwner closes every active session of the owner
func (m *Manager) TerminateByOwner(ctx context.Context, ownerID uuid.UUID, cause ledger.TerminationCause) ([]ledger.Session, error) {
	var closed []ledger.Session
	now := m.now()
	err := m.store.InTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.LockOwnerEntitlements(ctx, ownerID); err != nil {
			return err
		}
		active, err := tx.LockActiveSessionsByOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		for i := range active {
			if !active[i].Close(now, cause) {
				continue
			}
			if err := tx.UpdateSession(ctx, &active[i]); err != nil {
				return err
			}
			closed = append(closed, active[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.afterClose(ctx, closed)
	return closed, nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (*ledger.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

func (m *Manager) ListActiveByOwner(ctx context.Context, ownerID uuid.UUID) ([]ledger.Session, error) {
	return m.store.ListActiveSessionsByOwner(ctx, ownerID)
}

// CountActive refreshes and returns the active session gauge
func (m *Manager) CountActive(ctx context.Context) (int, error) {
	active, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	metrics.ActiveSessions.Set(float64(len(active)))
	return len(active), nil
}

func closeAll(ctx context.Context, tx ledger.Tx, entitlementID uuid.UUID, now time.Time, cause ledger.TerminationCause) ([]ledger.Session, error) {
	active, err := tx.LockActiveSessionsByEntitlement(ctx, entitlementID)
	if err != nil {
		return nil, err
	}
	var closed []ledger.Session
	for i := range active {
		if !active[i].Close(now, cause) {
			continue
		}
		if err := tx.UpdateSession(ctx, &active[i]); err != nil {
			return nil, err
		}
		closed = append(closed, active[i])
	}
	return closed, nil
}

// afterClose runs the post-commit side effects of closed sessions
func (m *Manager) afterClose(ctx context.Context, closed []ledger.Session) {
	for i := range closed {
		s := closed[i]
		cause := ""
		if s.TerminationCause != nil {
			cause = string(*s.TerminationCause)
		}
		metrics.RecordSessionTerminated(cause)
		log.Info().
			Str("session_id", s.ID).
			Str("owner_id", s.OwnerID.String()).
			Str("cause", cause).
			Int64("bytes", s.TotalBytes()).
			Int64("duration_seconds", s.DurationSeconds).
			Msg("Session terminated")

		m.enforcer.Revoke(ctx, nas.SessionIdentity(&s))
		events.Emit(ctx, m.events, events.New(events.SessionClosed, s.OwnerID, s))
	}
}

// NormalizeNetworkIdentity canonicalises MAC addresses and validates IPs.
// Other opaque identifiers are passed through trimmed.
func NormalizeNetworkIdentity(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ledger.NewValidationError("network_identity", "is required")
	}
	if mac, err := net.ParseMAC(id); err == nil {
		return strings.ToUpper(mac.String()), nil
	}
	if ip := net.ParseIP(id); ip != nil {
		return ip.String(), nil
	}
	if len(id) > 64 {
		return "", ledger.NewValidationError("network_identity", "is too long")
	}
	return id, nil
}

func denialReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrQuotaExhausted):
		return "quota-exhausted"
	case errors.Is(err, ledger.ErrNoEntitlement):
		return "no-entitlement"
	default:
		return "other"
	}
}
