package payment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmooth/zmooth-api/internal/domain/entitlement"
	"github.com/zmooth/zmooth-api/internal/domain/events"
	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/domain/ledger/ledgertest"
	"github.com/zmooth/zmooth-api/internal/domain/nas"
	"github.com/zmooth/zmooth-api/internal/domain/nas/nastest"
	"github.com/zmooth/zmooth-api/internal/domain/payment"
	"github.com/zmooth/zmooth-api/internal/domain/wallet"
)

type fakeGateway struct {
	mu        sync.Mutex
	initiate  func(req payment.InitiateRequest) (*payment.Initiation, error)
	query     func(ref string) (*payment.Result, error)
	initiated []payment.InitiateRequest
}

func (g *fakeGateway) Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Initiation, error) {
	g.mu.Lock()
	g.initiated = append(g.initiated, req)
	g.mu.Unlock()
	if g.initiate != nil {
		return g.initiate(req)
	}
	return &payment.Initiation{Accepted: true, ProviderRef: "ws_CO_" + req.Reference, CustomerMessage: "Check your phone"}, nil
}

func (g *fakeGateway) Query(ctx context.Context, ref string) (*payment.Result, error) {
	if g.query != nil {
		return g.query(ref)
	}
	return &payment.Result{ProviderRef: ref, Outcome: payment.OutcomePending}, nil
}

type seqRefs struct{ n atomic.Int64 }

func (r *seqRefs) Next() (string, error) {
	return fmt.Sprintf("ZMTEST%06d", r.n.Add(1)), nil
}

type fixture struct {
	store    *ledger.MemoryStore
	adapter  *nastest.Adapter
	gateway  *fakeGateway
	wallets  *wallet.Service
	recorder *events.Recorder
	svc      *payment.Service
	now      time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store:    ledger.NewMemoryStore(),
		adapter:  nastest.NewAdapter(),
		gateway:  &fakeGateway{},
		recorder: &events.Recorder{},
		now:      ledgertest.Now,
	}
	clock := func() time.Time { return f.now }
	enforcer := nas.NewEnforcer(f.adapter, nas.NewMemoryQueue(), time.Second).WithClock(clock)
	activator := entitlement.NewActivator(f.store, enforcer, f.recorder).WithClock(clock)
	f.wallets = wallet.NewService(f.store).WithClock(clock)
	f.svc = payment.NewService(f.store, activator, f.gateway, &seqRefs{}, f.recorder).
		WithClock(clock).
		WithTimeout(time.Second)
	return f
}

func (f *fixture) entitlements(t *testing.T, owner uuid.UUID) []ledger.Entitlement {
	t.Helper()
	list, err := f.store.ListEntitlementsByOwner(context.Background(), owner)
	require.NoError(t, err)
	return list
}

func TestWalletPurchaseActivates(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.HourPlan(1))
	_, err := f.wallets.TopUp(context.Background(), owner, decimal.NewFromInt(100), "seed")
	require.NoError(t, err)

	out, err := f.svc.Purchase(context.Background(), owner, payment.PurchaseRequest{PlanID: plan.ID, Method: ledger.MethodWallet})
	require.NoError(t, err)

	assert.Equal(t, ledger.TransactionCompleted, out.Transaction.Status)
	require.NotNil(t, out.Activation)
	assert.False(t, out.Activation.GrantPending)
	assert.Equal(t, ledgertest.Now.Add(time.Hour), *out.Activation.Entitlement.ExpiresAt)

	balance, err := f.wallets.GetBalance(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(80)), "balance %s", balance)
	assert.Len(t, f.adapter.CallsFor(nas.ActionGrant), 1)
	assert.Contains(t, f.recorder.Types(), events.TransactionCompleted)
}

func TestWalletPurchaseInsufficientFunds(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.DataPlan(1024))
	_, err := f.wallets.TopUp(context.Background(), owner, decimal.NewFromInt(10), "seed")
	require.NoError(t, err)

	out, err := f.svc.Purchase(context.Background(), owner, payment.PurchaseRequest{PlanID: plan.ID, Method: ledger.MethodWallet})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.True(t, ledger.IsDenial(err))

	stored, err := f.store.GetTransactionByReference(context.Background(), out.Transaction.Reference)
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)

	assert.Empty(t, f.entitlements(t, owner))
	balance, _ := f.wallets.GetBalance(context.Background(), owner)
	assert.True(t, balance.Equal(decimal.NewFromInt(10)))
	assert.Empty(t, f.adapter.Calls())
}

func TestPurchaseRejectsInactivePlan(t *testing.T) {
	f := newFixture()
	plan := ledgertest.HourPlan(1)
	plan.IsActive = false
	ledgertest.SeedPlan(t, f.store, plan)

	_, err := f.svc.Purchase(context.Background(), uuid.New(), payment.PurchaseRequest{PlanID: plan.ID, Method: ledger.MethodWallet})
	assert.ErrorIs(t, err, ledger.ErrPlanInactive)
}

func TestPurchaseValidation(t *testing.T) {
	f := newFixture()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.HourPlan(1))

	_, err := f.svc.Purchase(context.Background(), uuid.New(), payment.PurchaseRequest{PlanID: plan.ID, Method: "cash"})
	assert.True(t, ledger.IsValidation(err))

	_, err = f.svc.Purchase(context.Background(), uuid.New(), payment.PurchaseRequest{PlanID: plan.ID, Method: ledger.MethodPushPayment, Phone: "12"})
	assert.True(t, ledger.IsValidation(err))
	assert.Empty(t, f.gateway.initiated)
}

func TestPushPaymentLifecycle(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.DataPlan(1024))

	out, err := f.svc.Purchase(context.Background(), owner, payment.PurchaseRequest{
		PlanID: plan.ID, Method: ledger.MethodPushPayment, Phone: "0712345678",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionPending, out.Transaction.Status)
	require.NotNil(t, out.Transaction.ProviderRef)
	assert.Nil(t, out.Activation)
	assert.Equal(t, "254712345678", f.gateway.initiated[0].Phone)
	assert.Empty(t, f.entitlements(t, owner))

	amount := decimal.NewFromInt(50)
	settled, err := f.svc.HandleResult(context.Background(), &payment.Result{
		ProviderRef: *out.Transaction.ProviderRef,
		Outcome:     payment.OutcomeSucceeded,
		Receipt:     "NLJ7RT61SV",
		Amount:      &amount,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionCompleted, settled.Transaction.Status)
	require.NotNil(t, settled.Activation)
	assert.Len(t, f.entitlements(t, owner), 1)

	// a replayed callback changes nothing
	again, err := f.svc.HandleResult(context.Background(), &payment.Result{
		ProviderRef: *out.Transaction.ProviderRef,
		Outcome:     payment.OutcomeSucceeded,
	})
	require.NoError(t, err)
	assert.Nil(t, again.Activation)
	assert.Len(t, f.entitlements(t, owner), 1)
	assert.Len(t, f.adapter.CallsFor(nas.ActionGrant), 1)

	// a late failure cannot undo a completed payment
	_, err = f.svc.HandleResult(context.Background(), &payment.Result{
		ProviderRef: *out.Transaction.ProviderRef,
		Outcome:     payment.OutcomeFailed,
		Reason:      "Request cancelled by user",
	})
	assert.ErrorIs(t, err, ledger.ErrTransactionFinal)
}

func TestPushPaymentConcurrentCallbacksActivateOnce(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.HourPlan(24))

	out, err := f.svc.Purchase(context.Background(), owner, payment.PurchaseRequest{
		PlanID: plan.ID, Method: ledger.MethodPushPayment, Phone: "+254712345678",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.HandleResult(context.Background(), &payment.Result{
				ProviderRef: *out.Transaction.ProviderRef,
				Outcome:     payment.OutcomeSucceeded,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.entitlements(t, owner), 1)
}

func TestPushPaymentShortAmountFails(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.DataPlan(1024))

	out, err := f.svc.Purchase(context.Background(), owner, payment.PurchaseRequest{
		PlanID: plan.ID, Method: ledger.MethodPushPayment, Phone: "0712345678",
	})
	require.NoError(t, err)

	paid := decimal.NewFromInt(1)
	settled, err := f.svc.HandleResult(context.Background(), &payment.Result{
		ProviderRef: *out.Transaction.ProviderRef,
		Outcome:     payment.OutcomeSucceeded,
		Amount:      &paid,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionFailed, settled.Transaction.Status)
	assert.Empty(t, f.entitlements(t, owner))
}

func TestPushPaymentRejected(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.DataPlan(1024))

	f.gateway.initiate = func(payment.InitiateRequest) (*payment.Initiation, error) {
		return &payment.Initiation{Accepted: false, Reason: "Invalid PhoneNumber"}, nil
	}
	out, err := f.svc.Purchase(context.Background(), owner, payment.PurchaseRequest{
		PlanID: plan.ID, Method: ledger.MethodPushPayment, Phone: "0712345678",
	})
	require.ErrorIs(t, err, ledger.ErrPaymentRejected)
	assert.Equal(t, ledger.TransactionFailed, out.Transaction.Status)
	assert.Equal(t, "Invalid PhoneNumber", *out.Transaction.FailureReason)
	assert.Empty(t, f.entitlements(t, owner))
}

func TestPushPaymentUnconfirmedInitiationSettlesLate(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.DataPlan(1024))

	f.gateway.initiate = func(payment.InitiateRequest) (*payment.Initiation, error) {
		return nil, fmt.Errorf("%w: %v", ledger.ErrAdapterUnavailable, context.DeadlineExceeded)
	}
	out, err := f.svc.Purchase(context.Background(), owner, payment.PurchaseRequest{
		PlanID: plan.ID, Method: ledger.MethodPushPayment, Phone: "0712345678",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionPending, out.Transaction.Status)
	assert.Nil(t, out.Transaction.ProviderRef)
	assert.Empty(t, f.entitlements(t, owner))

	// the payer approved the prompt that timed out on our side
	settled, err := f.svc.HandleResult(context.Background(), &payment.Result{
		Reference: out.Transaction.Reference,
		Outcome:   payment.OutcomeSucceeded,
		Receipt:   "RKT12345",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionCompleted, settled.Transaction.Status)
	require.NotNil(t, settled.Activation)
	assert.Len(t, f.entitlements(t, owner), 1)
}

func TestPollerAbandonsUnconfirmedInitiation(t *testing.T) {
	f := newFixture()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.DataPlan(1024))

	f.gateway.initiate = func(payment.InitiateRequest) (*payment.Initiation, error) {
		return nil, errors.New("dial tcp: i/o timeout")
	}
	out, err := f.svc.Purchase(context.Background(), uuid.New(), payment.PurchaseRequest{
		PlanID: plan.ID, Method: ledger.MethodPushPayment, Phone: "0712345678",
	})
	require.NoError(t, err)

	poller := payment.NewPoller(f.svc, payment.PollerConfig{MinAge: time.Minute, Abandon: 10 * time.Minute})

	f.now = ledgertest.Now.Add(2 * time.Minute)
	n, err := poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.now = ledgertest.Now.Add(11 * time.Minute)
	n, err = poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	txn, err := f.store.GetTransactionByReference(context.Background(), out.Transaction.Reference)
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionFailed, txn.Status)
}

func TestVoucherRedemption(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.HourPlan(3))

	vouchers, err := f.svc.IssueVouchers(context.Background(), payment.IssueRequest{PlanID: plan.ID, Count: 2, BatchID: "launch"})
	require.NoError(t, err)
	require.Len(t, vouchers, 2)
	assert.NotEqual(t, vouchers[0].Code, vouchers[1].Code)
	assert.Len(t, vouchers[0].Code, 10)

	// codes are accepted with separators and in lower case
	code := vouchers[0].Code
	typed := fmt.Sprintf("%s-%s", code[:5], code[5:])
	out, err := f.svc.Purchase(context.Background(), owner, payment.PurchaseRequest{
		Method: ledger.MethodVoucher, VoucherCode: typed,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.MethodVoucher, out.Transaction.Method)
	assert.Equal(t, ledger.TransactionCompleted, out.Transaction.Status)
	require.NotNil(t, out.Activation)
	assert.Equal(t, plan.ID, out.Activation.Entitlement.PlanID)

	_, err = f.svc.Purchase(context.Background(), uuid.New(), payment.PurchaseRequest{
		Method: ledger.MethodVoucher, VoucherCode: code,
	})
	assert.ErrorIs(t, err, ledger.ErrVoucherUsed)

	_, err = f.svc.Purchase(context.Background(), owner, payment.PurchaseRequest{
		Method: ledger.MethodVoucher, VoucherCode: "NOPE123456",
	})
	assert.ErrorIs(t, err, ledger.ErrVoucherNotFound)
}

func TestVoucherExpired(t *testing.T) {
	f := newFixture()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.HourPlan(3))
	expires := ledgertest.Now.Add(time.Hour)

	vouchers, err := f.svc.IssueVouchers(context.Background(), payment.IssueRequest{PlanID: plan.ID, Count: 1, ExpiresAt: &expires})
	require.NoError(t, err)

	f.now = expires.Add(time.Second)
	_, err = f.svc.Purchase(context.Background(), uuid.New(), payment.PurchaseRequest{
		Method: ledger.MethodVoucher, VoucherCode: vouchers[0].Code,
	})
	assert.ErrorIs(t, err, ledger.ErrVoucherUsed)
}

func TestPollerSettlesStalePayments(t *testing.T) {
	f := newFixture()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.DataPlan(1024))

	paid, err := f.svc.Purchase(context.Background(), uuid.New(), payment.PurchaseRequest{
		PlanID: plan.ID, Method: ledger.MethodPushPayment, Phone: "0712345678",
	})
	require.NoError(t, err)
	stuck, err := f.svc.Purchase(context.Background(), uuid.New(), payment.PurchaseRequest{
		PlanID: plan.ID, Method: ledger.MethodPushPayment, Phone: "0712345679",
	})
	require.NoError(t, err)

	f.gateway.query = func(ref string) (*payment.Result, error) {
		if ref == *paid.Transaction.ProviderRef {
			return &payment.Result{ProviderRef: ref, Outcome: payment.OutcomeSucceeded}, nil
		}
		return &payment.Result{ProviderRef: ref, Outcome: payment.OutcomePending}, nil
	}

	poller := payment.NewPoller(f.svc, payment.PollerConfig{MinAge: time.Minute, Abandon: 10 * time.Minute})

	// too fresh, left to the webhook
	n, err := poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.now = ledgertest.Now.Add(2 * time.Minute)
	n, err = poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.now = ledgertest.Now.Add(11 * time.Minute)
	n, err = poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done, _ := f.store.GetTransactionByReference(context.Background(), paid.Transaction.Reference)
	assert.Equal(t, ledger.TransactionCompleted, done.Status)
	abandoned, _ := f.store.GetTransactionByReference(context.Background(), stuck.Transaction.Reference)
	assert.Equal(t, ledger.TransactionFailed, abandoned.Status)
}
