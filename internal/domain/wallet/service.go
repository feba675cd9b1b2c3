package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
)

// Service manages prepaid balances. Every movement is keyed by a
// reference so a retried request applies once.
type Service struct {
	store ledger.Store
	now   func() time.Time
}

func NewService(store ledger.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// WithClock overrides the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) GetBalance(ctx context.Context, ownerID uuid.UUID) (decimal.Decimal, error) {
	w, err := s.store.GetWallet(ctx, ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

func (s *Service) TopUp(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, reference string) (*ledger.Wallet, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if reference == "" {
		return nil, ErrMissingReference
	}

	var wallet *ledger.Wallet
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		wallet, err = ApplyTx(ctx, tx, ownerID, amount, ledger.WalletTopUp, reference, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("owner_id", ownerID.String()).Str("amount", amount.String()).Str("reference", reference).Msg("wallet topup applied")
	return wallet, nil
}

// Refund credits the owner back for a purchase that was charged but failed
func (s *Service) Refund(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, reference string) (*ledger.Wallet, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if reference == "" {
		return nil, ErrMissingReference
	}

	var wallet *ledger.Wallet
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		wallet, err = ApplyTx(ctx, tx, ownerID, amount, ledger.WalletRefund, reference, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("owner_id", ownerID.String()).Str("amount", amount.String()).Str("reference", reference).Msg("wallet refund applied")
	return wallet, nil
}

// DebitTx charges a purchase inside an open ledger transaction
func DebitTx(ctx context.Context, tx ledger.Tx, ownerID uuid.UUID, amount decimal.Decimal, reference string, now time.Time) (*ledger.Wallet, error) {
	return ApplyTx(ctx, tx, ownerID, amount.Neg(), ledger.WalletPurchase, reference, now)
}

// ApplyTx applies one signed movement. A repeated reference with the same
// amount is a no-op; with a different amount it is a conflict.
func ApplyTx(ctx context.Context, tx ledger.Tx, ownerID uuid.UUID, amount decimal.Decimal, entryType ledger.WalletEntryType, reference string, now time.Time) (*ledger.Wallet, error) {
	wallet, err := tx.LockWallet(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	existing, err := tx.WalletEntryByReference(ctx, ownerID, entryType, reference)
	switch {
	case err == nil:
		if !existing.Amount.Equal(amount) {
			return nil, ErrReferenceConflict
		}
		return wallet, nil
	case !errors.Is(err, ledger.ErrWalletEntryNotFound):
		return nil, err
	}

	next := wallet.Balance.Add(amount)
	if next.IsNegative() {
		return nil, ErrInsufficientFunds
	}

	wallet.Balance = next
	wallet.UpdatedAt = now
	if err := tx.UpdateWallet(ctx, wallet); err != nil {
		return nil, err
	}
	if err := tx.InsertWalletEntry(ctx, &ledger.WalletEntry{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Amount:    amount,
		Type:      entryType,
		Reference: reference,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	return wallet, nil
}
