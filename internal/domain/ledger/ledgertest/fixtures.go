// Package ledgertest seeds ledger stores for tests.
package ledgertest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
)

// Now is the fixed instant fixtures are built around
var Now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func Int(v int) *int       { return &v }
func Int64(v int64) *int64 { return &v }
func Str(v string) *string { return &v }

// DataPlan is a data-bound plan without a time bound
func DataPlan(limitMB int64) *ledger.Plan {
	return &ledger.Plan{
		ID:          uuid.New(),
		Name:        "Data bundle",
		Price:       decimal.NewFromInt(50),
		Currency:    "KES",
		DataLimitMB: Int64(limitMB),
		NASProfile:  Str("data"),
		IsActive:    true,
		CreatedAt:   Now,
		UpdatedAt:   Now,
	}
}

// HourPlan is a time-bound plan without a data quota
func HourPlan(hours int) *ledger.Plan {
	return &ledger.Plan{
		ID:            uuid.New(),
		Name:          "Hourly",
		Price:         decimal.NewFromInt(20),
		Currency:      "KES",
		ValidityHours: Int(hours),
		NASProfile:    Str("hourly"),
		IsActive:      true,
		CreatedAt:     Now,
		UpdatedAt:     Now,
	}
}

// SeedPlan stores the plan and returns it
func SeedPlan(t testing.TB, store ledger.Store, plan *ledger.Plan) *ledger.Plan {
	t.Helper()
	require.NoError(t, store.UpsertPlan(context.Background(), plan))
	return plan
}

// Transaction builds an unsaved transaction for the plan
func Transaction(owner uuid.UUID, plan *ledger.Plan, method ledger.PaymentMethod, status ledger.TransactionStatus) *ledger.Transaction {
	txn := &ledger.Transaction{
		ID:        uuid.New(),
		Reference: "TX-" + uuid.NewString(),
		OwnerID:   owner,
		PlanID:    plan.ID,
		Amount:    plan.Price,
		Currency:  plan.Currency,
		Method:    method,
		Status:    status,
		CreatedAt: Now,
		UpdatedAt: Now,
	}
	if status == ledger.TransactionCompleted {
		at := Now
		txn.CompletedAt = &at
	}
	return txn
}

// SeedTransaction stores a transaction with the given status
func SeedTransaction(t testing.TB, store ledger.Store, owner uuid.UUID, plan *ledger.Plan, status ledger.TransactionStatus) *ledger.Transaction {
	t.Helper()
	txn := Transaction(owner, plan, ledger.MethodWallet, status)
	require.NoError(t, store.InTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertTransaction(context.Background(), txn)
	}))
	return txn
}

// SeedEntitlement stores an entitlement as-is, with its backing transaction
func SeedEntitlement(t testing.TB, store ledger.Store, plan *ledger.Plan, ent *ledger.Entitlement) *ledger.Entitlement {
	t.Helper()
	txn := Transaction(ent.OwnerID, plan, ledger.MethodWallet, ledger.TransactionCompleted)
	if ent.ID == uuid.Nil {
		ent.ID = uuid.New()
	}
	ent.PlanID = plan.ID
	ent.TransactionID = txn.ID
	if ent.State == "" {
		ent.State = ledger.StateActive
	}
	if ent.GrantStatus == "" {
		ent.GrantStatus = ledger.GrantGranted
	}
	require.NoError(t, store.InTx(context.Background(), func(tx ledger.Tx) error {
		if err := tx.InsertTransaction(context.Background(), txn); err != nil {
			return err
		}
		return tx.InsertEntitlement(context.Background(), ent)
	}))
	return ent
}

// ActiveEntitlement builds an active entitlement snapshot of the plan at activatedAt
func ActiveEntitlement(owner uuid.UUID, plan *ledger.Plan, activatedAt time.Time) *ledger.Entitlement {
	ent := &ledger.Entitlement{
		OwnerID:     owner,
		Active:      true,
		State:       ledger.StateActive,
		ActivatedAt: activatedAt,
		CreatedAt:   activatedAt,
		UpdatedAt:   activatedAt,
	}
	if v := plan.Validity(); v > 0 {
		expires := activatedAt.Add(v)
		ent.ExpiresAt = &expires
	}
	if plan.DataLimitMB != nil {
		ent.DataLimitMB = Int64(*plan.DataLimitMB)
		ent.DataRemainingMB = Int64(*plan.DataLimitMB)
	}
	return ent
}

// Entitlement reads the committed state of an entitlement
func Entitlement(t testing.TB, store ledger.Store, id uuid.UUID) *ledger.Entitlement {
	t.Helper()
	ent, err := store.GetEntitlement(context.Background(), id)
	require.NoError(t, err)
	return ent
}

// Session reads the committed state of a session
func Session(t testing.TB, store ledger.Store, id string) *ledger.Session {
	t.Helper()
	s, err := store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}
