package wallet_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/domain/wallet"
)

func TestWalletConcurrentDebit(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := wallet.NewService(store)
	ownerID := uuid.New()

	if _, err := svc.TopUp(context.Background(), ownerID, decimal.NewFromInt(5), "seed-1"); err != nil {
		t.Fatalf("topup failed: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	success := 0
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.InTx(context.Background(), func(tx ledger.Tx) error {
				_, err := wallet.DebitTx(context.Background(), tx, ownerID, decimal.NewFromInt(1), fmt.Sprintf("debit-%d", i), time.Now())
				return err
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			if !errors.Is(err, wallet.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if success != 5 {
		t.Fatalf("expected 5 successful debits, got %d", success)
	}

	balance, err := svc.GetBalance(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if !balance.IsZero() {
		t.Fatalf("expected zero balance, got %s", balance)
	}
}

func TestWalletTopUpIdempotentByReference(t *testing.T) {
	svc := wallet.NewService(ledger.NewMemoryStore())
	ownerID := uuid.New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.TopUp(ctx, ownerID, decimal.NewFromInt(100), "mpesa-QW12"); err != nil {
			t.Fatalf("topup %d failed: %v", i, err)
		}
	}

	balance, _ := svc.GetBalance(ctx, ownerID)
	if !balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected balance 100 after retries, got %s", balance)
	}

	_, err := svc.TopUp(ctx, ownerID, decimal.NewFromInt(150), "mpesa-QW12")
	if !errors.Is(err, wallet.ErrReferenceConflict) {
		t.Fatalf("expected reference conflict, got %v", err)
	}
	if !ledger.IsConflict(err) {
		t.Fatalf("expected conflict kind, got %v", err)
	}
}

func TestWalletValidation(t *testing.T) {
	svc := wallet.NewService(ledger.NewMemoryStore())
	ownerID := uuid.New()

	if _, err := svc.TopUp(context.Background(), ownerID, decimal.Zero, "ref"); !ledger.IsValidation(err) {
		t.Fatalf("expected validation error for zero amount, got %v", err)
	}
	if _, err := svc.TopUp(context.Background(), ownerID, decimal.NewFromInt(-5), "ref"); !ledger.IsValidation(err) {
		t.Fatalf("expected validation error for negative amount, got %v", err)
	}
	if _, err := svc.Refund(context.Background(), ownerID, decimal.NewFromInt(5), ""); !ledger.IsValidation(err) {
		t.Fatalf("expected validation error for missing reference, got %v", err)
	}
}

func TestWalletDebitRollsBackWithTransaction(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := wallet.NewService(store)
	ownerID := uuid.New()
	ctx := context.Background()

	if _, err := svc.TopUp(ctx, ownerID, decimal.NewFromInt(50), "seed"); err != nil {
		t.Fatalf("topup failed: %v", err)
	}

	boom := errors.New("activation failed")
	err := store.InTx(ctx, func(tx ledger.Tx) error {
		if _, err := wallet.DebitTx(ctx, tx, ownerID, decimal.NewFromInt(50), "purchase-1", time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected rollback error, got %v", err)
	}

	balance, _ := svc.GetBalance(ctx, ownerID)
	if !balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected debit to roll back, balance %s", balance)
	}
}
