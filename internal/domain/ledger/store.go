package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the single shared mutable resource of the engine.
// Reads outside InTx are snapshots and must not be used to decide writes.
type Store interface {
	// InTx runs fn as one atomic unit. A non-nil error from fn rolls back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
	ListPlans(ctx context.Context, activeOnly bool) ([]Plan, error)
	UpsertPlan(ctx context.Context, plan *Plan) error

	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error)
	ListPendingTransactions(ctx context.Context, method PaymentMethod, createdBefore time.Time, limit int) ([]Transaction, error)

	GetEntitlement(ctx context.Context, id uuid.UUID) (*Entitlement, error)
	ListEntitlementsByOwner(ctx context.Context, ownerID uuid.UUID) ([]Entitlement, error)
	// ListSweepCandidates returns entitlements that are active past expiry
	// or stuck in the expiring state.
	ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]Entitlement, error)
	ListPendingGrants(ctx context.Context, limit int) ([]Entitlement, error)

	GetSession(ctx context.Context, id string) (*Session, error)
	ListActiveSessions(ctx context.Context) ([]Session, error)
	ListActiveSessionsByOwner(ctx context.Context, ownerID uuid.UUID) ([]Session, error)
	ListUnarchivedSessions(ctx context.Context, limit int) ([]Session, error)
	MarkSessionsArchived(ctx context.Context, ids []string, at time.Time) error

	GetWallet(ctx context.Context, ownerID uuid.UUID) (*Wallet, error)
	CreateVoucher(ctx context.Context, voucher *Voucher) error
}

// Tx exposes locked read-modify-write access to aggregates.
// Lock entitlements before sessions to keep a single lock order.
type Tx interface {
	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)

	LockTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	LockTransactionByReference(ctx context.Context, reference string) (*Transaction, error)
	LockTransactionByProviderRef(ctx context.Context, providerRef string) (*Transaction, error)
	InsertTransaction(ctx context.Context, t *Transaction) error
	UpdateTransaction(ctx context.Context, t *Transaction) error

	EntitlementByTransaction(ctx context.Context, transactionID uuid.UUID) (*Entitlement, error)
	LockEntitlement(ctx context.Context, id uuid.UUID) (*Entitlement, error)
	// LockOwnerEntitlements returns every entitlement of the owner ordered by
	// activation time, oldest first.
	LockOwnerEntitlements(ctx context.Context, ownerID uuid.UUID) ([]Entitlement, error)
	InsertEntitlement(ctx context.Context, e *Entitlement) error
	UpdateEntitlement(ctx context.Context, e *Entitlement) error

	LockSession(ctx context.Context, id string) (*Session, error)
	LockActiveSession(ctx context.Context, ownerID uuid.UUID, networkIdentity string) (*Session, error)
	LockActiveSessionsByEntitlement(ctx context.Context, entitlementID uuid.UUID) ([]Session, error)
	LockActiveSessionsByOwner(ctx context.Context, ownerID uuid.UUID) ([]Session, error)
	InsertSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error

	// LockWallet returns the owner's wallet, creating an empty one if needed
	LockWallet(ctx context.Context, ownerID uuid.UUID) (*Wallet, error)
	UpdateWallet(ctx context.Context, w *Wallet) error
	WalletEntryByReference(ctx context.Context, ownerID uuid.UUID, entryType WalletEntryType, reference string) (*WalletEntry, error)
	InsertWalletEntry(ctx context.Context, entry *WalletEntry) error

	LockVoucher(ctx context.Context, code string) (*Voucher, error)
	UpdateVoucher(ctx context.Context, v *Voucher) error
}
