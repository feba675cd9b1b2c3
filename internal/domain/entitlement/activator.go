package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/domain/events"
	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/domain/nas"
	"github.com/zmooth/zmooth-api/internal/pkg/metrics"
)

// Activation is the outcome of turning a completed transaction into access.
// GrantPending means the ledger holds the entitlement but the NAS has not
// acknowledged it yet; a retry is queued.
type Activation struct {
	Entitlement  *ledger.Entitlement `json:"entitlement"`
	GrantPending bool                `json:"grant_pending"`
}

// Activator converts completed transactions into entitlements and NAS grants
type Activator struct {
	store    ledger.Store
	enforcer *nas.Enforcer
	events   events.Publisher
	now      func() time.Time
}

func NewActivator(store ledger.Store, enforcer *nas.Enforcer, publisher events.Publisher) *Activator {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Activator{store: store, enforcer: enforcer, events: publisher, now: time.Now}
}

// WithClock overrides the time source
func (a *Activator) WithClock(now func() time.Time) *Activator {
	a.now = now
	return a
}

// Activate creates the entitlement for a completed transaction and asks the
// NAS to provision it. A repeat call returns the existing entitlement
// together with ErrAlreadyActivated.
func (a *Activator) Activate(ctx context.Context, transactionID uuid.UUID) (*Activation, error) {
	var (
		ent    *ledger.Entitlement
		plan   *ledger.Plan
		method ledger.PaymentMethod
	)
	err := a.store.InTx(ctx, func(tx ledger.Tx) error {
		txn, err := tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		method = txn.Method
		ent, plan, err = ActivateTx(ctx, tx, txn, a.now())
		return err
	})
	if errors.Is(err, ledger.ErrAlreadyActivated) && ent != nil {
		return &Activation{Entitlement: ent, GrantPending: ent.GrantStatus == ledger.GrantPending}, err
	}
	if err != nil {
		return nil, err
	}
	return a.Provision(ctx, method, ent, plan), nil
}

// ActivateTx writes the entitlement inside an open ledger transaction. It is
// shared by every purchase path so the debit and the grant commit together.
// When the transaction already has an entitlement it is returned with
// ErrAlreadyActivated.
func ActivateTx(ctx context.Context, tx ledger.Tx, txn *ledger.Transaction, now time.Time) (*ledger.Entitlement, *ledger.Plan, error) {
	if txn.Status != ledger.TransactionCompleted {
		return nil, nil, ledger.ErrTransactionNotCompleted
	}

	existing, err := tx.EntitlementByTransaction(ctx, txn.ID)
	if err == nil {
		return existing, nil, ledger.ErrAlreadyActivated
	}
	if !ledger.IsNotFound(err) {
		return nil, nil, err
	}

	plan, err := tx.GetPlan(ctx, txn.PlanID)
	if err != nil {
		return nil, nil, err
	}

	ent := New(txn, plan, now)
	if err := tx.InsertEntitlement(ctx, ent); err != nil {
		return nil, nil, err
	}
	return ent, plan, nil
}

// New builds a fresh entitlement from a plan. It starts grant-pending and
// flips to granted once the NAS acknowledges.
func New(txn *ledger.Transaction, plan *ledger.Plan, now time.Time) *ledger.Entitlement {
	ent := &ledger.Entitlement{
		ID:            uuid.New(),
		OwnerID:       txn.OwnerID,
		PlanID:        plan.ID,
		TransactionID: txn.ID,
		Active:        true,
		State:         ledger.StateActive,
		ActivatedAt:   now,
		GrantStatus:   ledger.GrantPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if validity := plan.Validity(); validity > 0 {
		expires := now.Add(validity)
		ent.ExpiresAt = &expires
	}
	if plan.DataLimitMB != nil {
		limit := *plan.DataLimitMB
		remaining := limit
		ent.DataLimitMB = &limit
		ent.DataRemainingMB = &remaining
	}
	return ent
}

// Provision grants a committed entitlement at the NAS. A failed grant is
// queued by the enforcer and reported through GrantPending.
func (a *Activator) Provision(ctx context.Context, method ledger.PaymentMethod, ent *ledger.Entitlement, plan *ledger.Plan) *Activation {
	act := &Activation{Entitlement: ent}

	limits := nas.LimitsFor(plan, ent, a.now())
	if a.enforcer.Grant(ctx, nas.OwnerIdentity(ent.OwnerID), profileOf(plan), limits, ent.ID) {
		if err := a.MarkGranted(ctx, ent.ID); err != nil {
			log.Error().Err(err).Str("entitlement_id", ent.ID.String()).Msg("Failed to record NAS grant")
		}
		ent.GrantStatus = ledger.GrantGranted
	} else {
		act.GrantPending = true
		log.Error().
			Str("entitlement_id", ent.ID.String()).
			Str("owner_id", ent.OwnerID.String()).
			Str("transaction_id", ent.TransactionID.String()).
			Msg("Entitlement active, NAS grant pending")
		events.Emit(ctx, a.events, events.New(events.EntitlementGrantPending, ent.OwnerID, ent))
	}

	metrics.RecordActivation(string(method), act.GrantPending)
	events.Emit(ctx, a.events, events.New(events.EntitlementActivated, ent.OwnerID, act))

	log.Info().
		Str("entitlement_id", ent.ID.String()).
		Str("owner_id", ent.OwnerID.String()).
		Str("method", string(method)).
		Bool("grant_pending", act.GrantPending).
		Msg("Entitlement activated")
	return act
}

// MarkGranted records the NAS acknowledgement for an entitlement
func (a *Activator) MarkGranted(ctx context.Context, entitlementID uuid.UUID) error {
	var ownerID uuid.UUID
	changed := false
	err := a.store.InTx(ctx, func(tx ledger.Tx) error {
		ent, err := tx.LockEntitlement(ctx, entitlementID)
		if err != nil {
			return err
		}
		ownerID = ent.OwnerID
		if ent.GrantStatus == ledger.GrantGranted {
			return nil
		}
		ent.GrantStatus = ledger.GrantGranted
		ent.UpdatedAt = a.now()
		changed = true
		return tx.UpdateEntitlement(ctx, ent)
	})
	if err != nil {
		return err
	}
	if changed {
		events.Emit(ctx, a.events, events.New(events.EntitlementGranted, ownerID, map[string]string{
			"entitlement_id": entitlementID.String(),
		}))
	}
	return nil
}

// IsGrantable reports whether the entitlement still grants access, so a
// queued grant for it may be replayed
func (a *Activator) IsGrantable(ctx context.Context, entitlementID uuid.UUID) (bool, error) {
	ent, err := a.store.GetEntitlement(ctx, entitlementID)
	if errors.Is(err, ledger.ErrEntitlementNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ent.IsActiveAt(a.now()), nil
}

// Regrant retries the NAS grant for an entitlement still marked pending
func (a *Activator) Regrant(ctx context.Context, entitlementID uuid.UUID) (*Activation, error) {
	ent, err := a.store.GetEntitlement(ctx, entitlementID)
	if err != nil {
		return nil, err
	}
	if !ent.IsActiveAt(a.now()) {
		return nil, ledger.ErrNoEntitlement
	}
	if ent.GrantStatus == ledger.GrantGranted {
		return &Activation{Entitlement: ent}, nil
	}
	plan, err := a.store.GetPlan(ctx, ent.PlanID)
	if err != nil {
		return nil, err
	}

	act := &Activation{Entitlement: ent, GrantPending: true}
	limits := nas.LimitsFor(plan, ent, a.now())
	if a.enforcer.Grant(ctx, nas.OwnerIdentity(ent.OwnerID), profileOf(plan), limits, ent.ID) {
		if err := a.MarkGranted(ctx, ent.ID); err != nil {
			return nil, err
		}
		ent.GrantStatus = ledger.GrantGranted
		act.GrantPending = false
	}
	return act, nil
}

// PendingGrants lists active entitlements the NAS has not acknowledged
func (a *Activator) PendingGrants(ctx context.Context, limit int) ([]ledger.Entitlement, error) {
	return a.store.ListPendingGrants(ctx, limit)
}

// ListActive returns the owner's entitlements that grant access right now
func (a *Activator) ListActive(ctx context.Context, ownerID uuid.UUID) ([]ledger.Entitlement, error) {
	all, err := a.store.ListEntitlementsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	now := a.now()
	active := make([]ledger.Entitlement, 0, len(all))
	for _, e := range all {
		if e.IsActiveAt(now) {
			active = append(active, e)
		}
	}
	return active, nil
}

// History returns every entitlement of the owner, oldest first
func (a *Activator) History(ctx context.Context, ownerID uuid.UUID) ([]ledger.Entitlement, error) {
	return a.store.ListEntitlementsByOwner(ctx, ownerID)
}

func profileOf(plan *ledger.Plan) string {
	if plan == nil || plan.NASProfile == nil {
		return ""
	}
	return *plan.NASProfile
}
