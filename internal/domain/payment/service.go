package payment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/domain/entitlement"
	"github.com/zmooth/zmooth-api/internal/domain/events"
	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/domain/wallet"
	"github.com/zmooth/zmooth-api/internal/pkg/metrics"
	"github.com/zmooth/zmooth-api/internal/pkg/mpesa"
)

const defaultGatewayTimeout = 30 * time.Second

// PurchaseRequest buys one plan. Phone is required for push payments,
// VoucherCode for voucher redemption.
type PurchaseRequest struct {
	PlanID      uuid.UUID
	Method      ledger.PaymentMethod
	Phone       string
	VoucherCode string
}

// Purchase is the outcome of a purchase attempt. Activation is nil while a
// push payment waits for the payer.
type Purchase struct {
	Transaction     *ledger.Transaction     `json:"transaction"`
	Activation      *entitlement.Activation `json:"activation,omitempty"`
	CustomerMessage string                  `json:"customer_message,omitempty"`
}

// References issues unique transaction references
type References interface {
	Next() (string, error)
}

// Service runs the three purchase paths and settles push payments
type Service struct {
	store     ledger.Store
	activator *entitlement.Activator
	gateway   Gateway
	refs      References
	events    events.Publisher
	timeout   time.Duration
	now       func() time.Time
}

func NewService(store ledger.Store, activator *entitlement.Activator, gateway Gateway, refs References, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{
		store:     store,
		activator: activator,
		gateway:   gateway,
		refs:      refs,
		events:    publisher,
		timeout:   defaultGatewayTimeout,
		now:       time.Now,
	}
}

// WithClock overrides the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithTimeout bounds every gateway call
func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Purchase charges the owner for a plan. Wallet and voucher purchases
// activate immediately; push payments return a pending transaction that
// completes through HandleResult.
func (s *Service) Purchase(ctx context.Context, ownerID uuid.UUID, req PurchaseRequest) (*Purchase, error) {
	if ownerID == uuid.Nil {
		return nil, ledger.NewValidationError("owner_id", "is required")
	}
	if !req.Method.IsValid() {
		return nil, ledger.NewValidationError("method", "must be wallet, push-payment or voucher")
	}

	var (
		out *Purchase
		err error
	)
	switch req.Method {
	case ledger.MethodWallet:
		out, err = s.purchaseWithWallet(ctx, ownerID, req.PlanID)
	case ledger.MethodPushPayment:
		out, err = s.purchaseWithPush(ctx, ownerID, req.PlanID, req.Phone)
	case ledger.MethodVoucher:
		out, err = s.redeemVoucher(ctx, ownerID, req.PlanID, req.VoucherCode)
	}

	status := "error"
	if out != nil && out.Transaction != nil {
		status = string(out.Transaction.Status)
	}
	metrics.RecordPurchase(string(req.Method), status)
	return out, err
}

func (s *Service) purchaseWithWallet(ctx context.Context, ownerID, planID uuid.UUID) (*Purchase, error) {
	plan, err := s.availablePlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	reference, err := s.refs.Next()
	if err != nil {
		return nil, err
	}

	now := s.now()
	txn := newTransaction(ownerID, plan, ledger.MethodWallet, reference, now)

	var (
		ent          *ledger.Entitlement
		insufficient bool
	)
	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		_, err := wallet.DebitTx(ctx, tx, ownerID, plan.Price, reference, now)
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			// keep the failed attempt on record, nothing else changes
			insufficient = true
			if err := txn.Fail(now, "insufficient wallet balance"); err != nil {
				return err
			}
			return tx.UpdateTransaction(ctx, txn)
		}
		if err != nil {
			return err
		}

		if err := txn.Complete(now); err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, txn); err != nil {
			return err
		}
		ent, _, err = entitlement.ActivateTx(ctx, tx, txn, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &Purchase{Transaction: txn}
	if insufficient {
		s.emitTransaction(ctx, txn)
		log.Info().Str("owner_id", ownerID.String()).Str("reference", reference).Msg("Wallet purchase declined, insufficient balance")
		return out, ledger.ErrInsufficientFunds
	}

	s.emitTransaction(ctx, txn)
	out.Activation = s.activator.Provision(ctx, ledger.MethodWallet, ent, plan)
	return out, nil
}

func (s *Service) purchaseWithPush(ctx context.Context, ownerID, planID uuid.UUID, phone string) (*Purchase, error) {
	msisdn, err := mpesa.NormalizePhone(phone)
	if err != nil {
		return nil, ledger.NewValidationError("phone", "must be a valid Safaricom number")
	}
	plan, err := s.availablePlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	reference, err := s.refs.Next()
	if err != nil {
		return nil, err
	}

	txn := newTransaction(ownerID, plan, ledger.MethodPushPayment, reference, s.now())
	if err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertTransaction(ctx, txn)
	}); err != nil {
		return nil, err
	}

	// no ledger lock is held across the provider call
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	init, gwErr := s.gateway.Initiate(callCtx, InitiateRequest{
		Reference:   reference,
		Phone:       msisdn,
		Amount:      plan.Price,
		Description: plan.Name,
	})
	cancel()

	if gwErr != nil {
		// the prompt may still reach the payer, so the transaction stays
		// pending for a late result or for the poller to abandon
		log.Warn().Err(gwErr).Str("reference", reference).Msg("STK push initiation unconfirmed")
		return &Purchase{Transaction: txn, CustomerMessage: "Payment request is being processed"}, nil
	}
	if !init.Accepted {
		reason := "payment rejected by provider"
		if init.Reason != "" {
			reason = init.Reason
		}
		failed, err := s.fail(context.WithoutCancel(ctx), txn.ID, reason)
		if err != nil {
			return nil, err
		}
		return &Purchase{Transaction: failed}, ledger.ErrPaymentRejected
	}

	detached := context.WithoutCancel(ctx)
	err = s.store.InTx(detached, func(tx ledger.Tx) error {
		locked, err := tx.LockTransaction(detached, txn.ID)
		if err != nil {
			return err
		}
		ref := init.ProviderRef
		locked.ProviderRef = &ref
		locked.UpdatedAt = s.now()
		txn = locked
		return tx.UpdateTransaction(detached, locked)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("owner_id", ownerID.String()).
		Str("reference", reference).
		Str("provider_ref", init.ProviderRef).
		Msg("STK push sent")
	return &Purchase{Transaction: txn, CustomerMessage: init.CustomerMessage}, nil
}

func (s *Service) redeemVoucher(ctx context.Context, ownerID, planID uuid.UUID, code string) (*Purchase, error) {
	code = NormalizeVoucherCode(code)
	if code == "" {
		return nil, ledger.NewValidationError("voucher_code", "is required")
	}
	reference, err := s.refs.Next()
	if err != nil {
		return nil, err
	}

	now := s.now()
	var (
		txn  *ledger.Transaction
		ent  *ledger.Entitlement
		plan *ledger.Plan
	)
	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		voucher, err := tx.LockVoucher(ctx, code)
		if err != nil {
			return err
		}
		if !voucher.IsRedeemableAt(now) {
			return ledger.ErrVoucherUsed
		}
		if planID != uuid.Nil && planID != voucher.PlanID {
			return ledger.NewValidationError("plan_id", "does not match the voucher")
		}

		plan, err = tx.GetPlan(ctx, voucher.PlanID)
		if err != nil {
			return err
		}
		if !plan.IsActive {
			return ledger.ErrPlanInactive
		}

		// vouchers are prepaid, the transaction records the redemption
		txn = newTransaction(ownerID, plan, ledger.MethodVoucher, reference, now)
		txn.ProviderRef = &voucher.Code
		if err := txn.Complete(now); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		voucher.Status = ledger.VoucherUsed
		voucher.UsedBy = &ownerID
		voucher.UsedAt = &now
		voucher.UpdatedAt = now
		if err := tx.UpdateVoucher(ctx, voucher); err != nil {
			return err
		}

		ent, _, err = entitlement.ActivateTx(ctx, tx, txn, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.emitTransaction(ctx, txn)
	return &Purchase{
		Transaction: txn,
		Activation:  s.activator.Provision(ctx, ledger.MethodVoucher, ent, plan),
	}, nil
}

// HandleResult settles a push payment. Repeated results for a settled
// transaction are no-ops; a result contradicting the settled state is a
// conflict.
func (s *Service) HandleResult(ctx context.Context, res *Result) (*Purchase, error) {
	if res == nil || (res.ProviderRef == "" && res.Reference == "") {
		return nil, ledger.NewValidationError("provider_ref", "is required")
	}
	if res.Outcome == OutcomePending {
		return nil, nil
	}

	now := s.now()
	var (
		txn     *ledger.Transaction
		ent     *ledger.Entitlement
		plan    *ledger.Plan
		settled bool
	)
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		if res.ProviderRef != "" {
			txn, err = tx.LockTransactionByProviderRef(ctx, res.ProviderRef)
		} else {
			txn, err = tx.LockTransactionByReference(ctx, res.Reference)
		}
		if err != nil {
			return err
		}

		outcome, reason := res.Outcome, res.Reason
		if outcome == OutcomeSucceeded && res.Amount != nil && res.Amount.LessThan(txn.Amount.Ceil()) {
			outcome, reason = OutcomeFailed, "paid amount "+res.Amount.String()+" below price "+txn.Amount.String()
		}

		switch outcome {
		case OutcomeSucceeded:
			if txn.Status == ledger.TransactionCompleted {
				// replayed callback, activation already ran
				return nil
			}
			if err := txn.Complete(now); err != nil {
				return err
			}
			if err := tx.UpdateTransaction(ctx, txn); err != nil {
				return err
			}
			ent, plan, err = entitlement.ActivateTx(ctx, tx, txn, now)
			if err != nil {
				return err
			}
			settled = true
			return nil
		case OutcomeFailed:
			if txn.Status == ledger.TransactionFailed {
				return nil
			}
			if err := txn.Fail(now, reason); err != nil {
				return err
			}
			settled = true
			return tx.UpdateTransaction(ctx, txn)
		}
		return ledger.NewValidationError("outcome", "unknown outcome "+string(outcome))
	})
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionFinal) {
			log.Error().
				Str("provider_ref", res.ProviderRef).
				Str("outcome", string(res.Outcome)).
				Str("receipt", res.Receipt).
				Msg("Payment result contradicts settled transaction")
		}
		return nil, err
	}

	out := &Purchase{Transaction: txn}
	if !settled {
		return out, nil
	}

	s.emitTransaction(ctx, txn)
	metrics.RecordPurchase(string(txn.Method), string(txn.Status))
	if ent != nil {
		out.Activation = s.activator.Provision(ctx, txn.Method, ent, plan)
	}
	log.Info().
		Str("reference", txn.Reference).
		Str("owner_id", txn.OwnerID.String()).
		Str("status", string(txn.Status)).
		Str("receipt", res.Receipt).
		Msg("Push payment settled")
	return out, nil
}

// GetTransaction returns one of the owner's transactions by reference
func (s *Service) GetTransaction(ctx context.Context, ownerID uuid.UUID, reference string) (*ledger.Transaction, error) {
	txn, err := s.store.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if txn.OwnerID != ownerID {
		return nil, ledger.ErrTransactionNotFound
	}
	return txn, nil
}

func (s *Service) availablePlan(ctx context.Context, planID uuid.UUID) (*ledger.Plan, error) {
	if planID == uuid.Nil {
		return nil, ledger.NewValidationError("plan_id", "is required")
	}
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, ledger.ErrPlanInactive
	}
	return plan, nil
}

func (s *Service) fail(ctx context.Context, id uuid.UUID, reason string) (*ledger.Transaction, error) {
	var txn *ledger.Transaction
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		txn, err = tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if err := txn.Fail(s.now(), reason); err != nil {
			return err
		}
		return tx.UpdateTransaction(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	s.emitTransaction(ctx, txn)
	return txn, nil
}

func (s *Service) emitTransaction(ctx context.Context, txn *ledger.Transaction) {
	eventType := events.TransactionCompleted
	if txn.Status == ledger.TransactionFailed {
		eventType = events.TransactionFailed
	}
	events.Emit(ctx, s.events, events.New(eventType, txn.OwnerID, txn))
}

func newTransaction(ownerID uuid.UUID, plan *ledger.Plan, method ledger.PaymentMethod, reference string, now time.Time) *ledger.Transaction {
	return &ledger.Transaction{
		ID:        uuid.New(),
		Reference: reference,
		OwnerID:   ownerID,
		PlanID:    plan.ID,
		Amount:    plan.Price,
		Currency:  plan.Currency,
		Method:    method,
		Status:    ledger.TransactionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NormalizeVoucherCode uppercases and strips separators
func NormalizeVoucherCode(code string) string {
	return strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(code)))
}
