package entitlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmooth/zmooth-api/internal/domain/entitlement"
	"github.com/zmooth/zmooth-api/internal/domain/events"
	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/domain/ledger/ledgertest"
	"github.com/zmooth/zmooth-api/internal/domain/nas"
	"github.com/zmooth/zmooth-api/internal/domain/nas/nastest"
)

type fixture struct {
	store     *ledger.MemoryStore
	adapter   *nastest.Adapter
	queue     *nas.MemoryQueue
	recorder  *events.Recorder
	activator *entitlement.Activator
}

func newFixture() *fixture {
	f := &fixture{
		store:    ledger.NewMemoryStore(),
		adapter:  nastest.NewAdapter(),
		queue:    nas.NewMemoryQueue(),
		recorder: &events.Recorder{},
	}
	clock := func() time.Time { return ledgertest.Now }
	enforcer := nas.NewEnforcer(f.adapter, f.queue, time.Second).WithClock(clock)
	f.activator = entitlement.NewActivator(f.store, enforcer, f.recorder).WithClock(clock)
	return f
}

func TestActivateHourPlanExpiresExactlyOneHourLater(t *testing.T) {
	f := newFixture()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.HourPlan(1))
	txn := ledgertest.SeedTransaction(t, f.store, uuid.New(), plan, ledger.TransactionCompleted)

	act, err := f.activator.Activate(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.False(t, act.GrantPending)

	ent := act.Entitlement
	require.NotNil(t, ent.ExpiresAt)
	assert.Equal(t, ledgertest.Now.Add(time.Hour), *ent.ExpiresAt)
	assert.Nil(t, ent.DataRemainingMB)
	assert.True(t, ent.Active)
	assert.Equal(t, ledger.StateActive, ent.State)

	stored := ledgertest.Entitlement(t, f.store, ent.ID)
	assert.Equal(t, ledger.GrantGranted, stored.GrantStatus)

	grants := f.adapter.CallsFor(nas.ActionGrant)
	require.Len(t, grants, 1)
	assert.Equal(t, "hourly", grants[0].Profile)
	assert.Equal(t, txn.OwnerID.String(), grants[0].Identity.User)
	require.NotNil(t, grants[0].Limits.Uptime)
	assert.Equal(t, time.Hour, *grants[0].Limits.Uptime)
}

func TestActivateDaysTakePrecedenceOverHours(t *testing.T) {
	f := newFixture()
	plan := ledgertest.HourPlan(5)
	plan.ValidityDays = ledgertest.Int(2)
	ledgertest.SeedPlan(t, f.store, plan)
	txn := ledgertest.SeedTransaction(t, f.store, uuid.New(), plan, ledger.TransactionCompleted)

	act, err := f.activator.Activate(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, ledgertest.Now.Add(48*time.Hour), *act.Entitlement.ExpiresAt)
}

func TestActivateSeedsDataRemainder(t *testing.T) {
	f := newFixture()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.DataPlan(500))
	txn := ledgertest.SeedTransaction(t, f.store, uuid.New(), plan, ledger.TransactionCompleted)

	act, err := f.activator.Activate(context.Background(), txn.ID)
	require.NoError(t, err)

	ent := act.Entitlement
	assert.Nil(t, ent.ExpiresAt)
	require.NotNil(t, ent.DataRemainingMB)
	assert.Equal(t, int64(500), *ent.DataRemainingMB)
	assert.Equal(t, int64(500), *ent.DataLimitMB)
}

func TestActivateRequiresCompletedTransaction(t *testing.T) {
	f := newFixture()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.HourPlan(1))

	for _, status := range []ledger.TransactionStatus{ledger.TransactionPending, ledger.TransactionFailed} {
		txn := ledgertest.SeedTransaction(t, f.store, uuid.New(), plan, status)
		_, err := f.activator.Activate(context.Background(), txn.ID)
		assert.ErrorIs(t, err, ledger.ErrTransactionNotCompleted, "status %s", status)
	}

	_, err := f.activator.Activate(context.Background(), uuid.New())
	assert.True(t, ledger.IsNotFound(err))
	assert.Empty(t, f.adapter.Calls())
}

func TestActivateIsExactlyOnceUnderConcurrency(t *testing.T) {
	f := newFixture()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.HourPlan(1))
	owner := uuid.New()
	txn := ledgertest.SeedTransaction(t, f.store, owner, plan, ledger.TransactionCompleted)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		ids       = map[uuid.UUID]bool{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			act, err := f.activator.Activate(context.Background(), txn.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if !assert.ErrorIs(t, err, ledger.ErrAlreadyActivated) {
				return
			}
			ids[act.Entitlement.ID] = true
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Len(t, ids, 1)

	all, err := f.activator.History(context.Background(), owner)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, f.adapter.CallsFor(nas.ActionGrant), 1)
}

func TestActivateReportsGrantPendingWhenNASDown(t *testing.T) {
	f := newFixture()
	f.adapter.SetFail(true)
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.HourPlan(1))
	txn := ledgertest.SeedTransaction(t, f.store, uuid.New(), plan, ledger.TransactionCompleted)

	act, err := f.activator.Activate(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.True(t, act.GrantPending)

	stored := ledgertest.Entitlement(t, f.store, act.Entitlement.ID)
	assert.True(t, stored.Active)
	assert.Equal(t, ledger.GrantPending, stored.GrantStatus)

	pending, err := f.queue.Pending(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, act.Entitlement.ID, *pending[0].EntitlementID)

	assert.Contains(t, f.recorder.Types(), events.EntitlementGrantPending)

	// The dispatcher later reports success
	require.NoError(t, f.activator.MarkGranted(context.Background(), act.Entitlement.ID))
	assert.Equal(t, ledger.GrantGranted, ledgertest.Entitlement(t, f.store, act.Entitlement.ID).GrantStatus)

	grants, err := f.activator.PendingGrants(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestRegrant(t *testing.T) {
	f := newFixture()
	f.adapter.SetFail(true)
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.DataPlan(100))
	txn := ledgertest.SeedTransaction(t, f.store, uuid.New(), plan, ledger.TransactionCompleted)

	act, err := f.activator.Activate(context.Background(), txn.ID)
	require.NoError(t, err)
	require.True(t, act.GrantPending)

	f.adapter.SetFail(false)
	again, err := f.activator.Regrant(context.Background(), act.Entitlement.ID)
	require.NoError(t, err)
	assert.False(t, again.GrantPending)
	assert.Equal(t, ledger.GrantGranted, ledgertest.Entitlement(t, f.store, act.Entitlement.ID).GrantStatus)
}

func TestListActiveFiltersExpired(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.HourPlan(1))

	live := ledgertest.SeedEntitlement(t, f.store, plan, ledgertest.ActiveEntitlement(owner, plan, ledgertest.Now.Add(-30*time.Minute)))
	ledgertest.SeedEntitlement(t, f.store, plan, ledgertest.ActiveEntitlement(owner, plan, ledgertest.Now.Add(-2*time.Hour)))

	active, err := f.activator.ListActive(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, live.ID, active[0].ID)
}

func TestIsGrantable(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.HourPlan(1))

	live := ledgertest.SeedEntitlement(t, f.store, plan, ledgertest.ActiveEntitlement(owner, plan, ledgertest.Now.Add(-30*time.Minute)))
	expired := ledgertest.SeedEntitlement(t, f.store, plan, ledgertest.ActiveEntitlement(owner, plan, ledgertest.Now.Add(-2*time.Hour)))

	ok, err := f.activator.IsGrantable(context.Background(), live.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.activator.IsGrantable(context.Background(), expired.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.activator.IsGrantable(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueuedGrantDroppedAfterDeactivation(t *testing.T) {
	f := newFixture()
	f.adapter.SetFail(true)
	plan := ledgertest.SeedPlan(t, f.store, ledgertest.HourPlan(1))
	txn := ledgertest.SeedTransaction(t, f.store, uuid.New(), plan, ledger.TransactionCompleted)

	act, err := f.activator.Activate(context.Background(), txn.ID)
	require.NoError(t, err)
	require.True(t, act.GrantPending)
	f.adapter.SetFail(false)

	require.NoError(t, f.store.InTx(context.Background(), func(tx ledger.Tx) error {
		ent, err := tx.LockEntitlement(context.Background(), act.Entitlement.ID)
		if err != nil {
			return err
		}
		ent.Deactivate(ledgertest.Now, "admin")
		return tx.UpdateEntitlement(context.Background(), ent)
	}))

	enforcer := nas.NewEnforcer(f.adapter, f.queue, time.Second)
	d := nas.NewDispatcher(enforcer, f.queue, f.activator, nas.DispatcherConfig{}).
		WithClock(func() time.Time { return ledgertest.Now.Add(time.Minute) })

	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.adapter.CallsFor(nas.ActionGrant), 1)
	assert.Equal(t, ledger.GrantPending, ledgertest.Entitlement(t, f.store, act.Entitlement.ID).GrantStatus)

	pending, _ := f.queue.Len(context.Background())
	assert.Zero(t, pending)
}
