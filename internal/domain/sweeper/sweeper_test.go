package sweeper_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmooth/zmooth-api/internal/domain/events"
	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/domain/ledger/ledgertest"
	"github.com/zmooth/zmooth-api/internal/domain/nas"
	"github.com/zmooth/zmooth-api/internal/domain/nas/nastest"
	"github.com/zmooth/zmooth-api/internal/domain/session"
	"github.com/zmooth/zmooth-api/internal/domain/sweeper"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	store    ledger.Store
	mem      *ledger.MemoryStore
	adapter  *nastest.Adapter
	clock    *clock
	sessions *session.Manager
	sweeper  *sweeper.Sweeper
	recorder *events.Recorder
}

func newFixture(wrap func(ledger.Store) ledger.Store) *fixture {
	f := &fixture{
		mem:      ledger.NewMemoryStore(),
		adapter:  nastest.NewAdapter(),
		clock:    &clock{now: ledgertest.Now},
		recorder: &events.Recorder{},
	}
	f.store = f.mem
	if wrap != nil {
		f.store = wrap(f.mem)
	}
	enforcer := nas.NewEnforcer(f.adapter, nas.NewMemoryQueue(), time.Second).WithClock(f.clock.Now)
	f.sessions = session.NewManager(f.store, enforcer, f.recorder).WithClock(f.clock.Now)
	f.sweeper = sweeper.New(f.store, f.sessions, enforcer, f.recorder).WithClock(f.clock.Now)
	return f
}

func (f *fixture) seed(t *testing.T, owner uuid.UUID, plan *ledger.Plan, activatedAt time.Time) *ledger.Entitlement {
	t.Helper()
	ledgertest.SeedPlan(t, f.mem, plan)
	return ledgertest.SeedEntitlement(t, f.mem, plan, ledgertest.ActiveEntitlement(owner, plan, activatedAt))
}

func TestSweepExpiredEntitlementScenario(t *testing.T) {
	f := newFixture(nil)
	owner := uuid.New()
	// expired one second ago, still flagged active
	ent := f.seed(t, owner, ledgertest.HourPlan(1), ledgertest.Now.Add(-time.Hour-time.Second))

	f.clock.Set(ledgertest.Now.Add(-2 * time.Second))
	sess, err := f.sessions.Open(context.Background(), owner, "nas-1", "AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	f.clock.Set(ledgertest.Now)

	count, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored := ledgertest.Entitlement(t, f.mem, ent.ID)
	assert.False(t, stored.Active)
	assert.Equal(t, ledger.StateDeactivated, stored.State)
	assert.Equal(t, ledger.ReasonExpired, *stored.DeactivationReason)

	closed := ledgertest.Session(t, f.mem, sess.ID)
	assert.False(t, closed.Active)
	assert.Equal(t, ledger.CausePlanExpired, *closed.TerminationCause)

	assert.Len(t, f.adapter.CallsFor(nas.ActionRevoke), 1)
	require.Len(t, f.adapter.CallsFor(nas.ActionDisable), 1)
	assert.Equal(t, owner.String(), f.adapter.CallsFor(nas.ActionDisable)[0].Identity.User)

	again, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again)
	assert.Len(t, f.adapter.CallsFor(nas.ActionDisable), 1)
}

func TestSweepLeavesOtherActivePlanAlone(t *testing.T) {
	f := newFixture(nil)
	owner := uuid.New()
	f.clock.Set(ledgertest.Now.Add(-30 * time.Minute))
	expiring := f.seed(t, owner, ledgertest.HourPlan(1), ledgertest.Now.Add(-time.Hour-time.Minute))
	f.seed(t, owner, ledgertest.HourPlan(24), ledgertest.Now.Add(-40*time.Minute))

	phone, err := f.sessions.Open(context.Background(), owner, "nas-1", "AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	require.Equal(t, expiring.ID, phone.EntitlementID)
	f.clock.Set(ledgertest.Now)

	count, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.False(t, ledgertest.Session(t, f.mem, phone.ID).Active)
	assert.Empty(t, f.adapter.CallsFor(nas.ActionDisable))

	// the device can attach again on the remaining plan
	_, err = f.sessions.Open(context.Background(), owner, "nas-1", "AA:BB:CC:DD:EE:01")
	assert.NoError(t, err)
}

func TestSweepIgnoresPureDataPlans(t *testing.T) {
	f := newFixture(nil)
	f.seed(t, uuid.New(), ledgertest.DataPlan(100), ledgertest.Now.Add(-365*24*time.Hour))

	count, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSweepFinishesEntitlementLeftExpiring(t *testing.T) {
	f := newFixture(nil)
	owner := uuid.New()
	ent := ledgertest.ActiveEntitlement(owner, ledgertest.HourPlan(1), ledgertest.Now.Add(-2*time.Hour))
	ent.BeginExpiry(ledgertest.Now.Add(-time.Minute))
	plan := ledgertest.SeedPlan(t, f.mem, ledgertest.HourPlan(1))
	ent = ledgertest.SeedEntitlement(t, f.mem, plan, ent)

	count, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, ledger.StateDeactivated, ledgertest.Entitlement(t, f.mem, ent.ID).State)
	assert.Len(t, f.adapter.CallsFor(nas.ActionDisable), 1)
}

func TestSweepStopsBetweenEntitlementsOnCancel(t *testing.T) {
	f := newFixture(nil)
	ent := f.seed(t, uuid.New(), ledgertest.HourPlan(1), ledgertest.Now.Add(-2*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	count, err := f.sweeper.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, count)
	assert.True(t, ledgertest.Entitlement(t, f.mem, ent.ID).Active)
}

// failingStore breaks every transaction that locks one owner
type failingStore struct {
	ledger.Store
	bad uuid.UUID
}

type failingTx struct {
	ledger.Tx
	bad uuid.UUID
}

func (s *failingStore) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.Store.InTx(ctx, func(tx ledger.Tx) error {
		return fn(&failingTx{Tx: tx, bad: s.bad})
	})
}

func (t *failingTx) LockOwnerEntitlements(ctx context.Context, ownerID uuid.UUID) ([]ledger.Entitlement, error) {
	if ownerID == t.bad {
		return nil, errors.New("connection reset")
	}
	return t.Tx.LockOwnerEntitlements(ctx, ownerID)
}

func TestSweepFailureDoesNotAbortBatch(t *testing.T) {
	bad := uuid.New()
	f := newFixture(func(s ledger.Store) ledger.Store { return &failingStore{Store: s, bad: bad} })

	f.seed(t, bad, ledgertest.HourPlan(1), ledgertest.Now.Add(-3*time.Hour))
	good := f.seed(t, uuid.New(), ledgertest.HourPlan(1), ledgertest.Now.Add(-2*time.Hour))

	count, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, ledger.StateDeactivated, ledgertest.Entitlement(t, f.mem, good.ID).State)
}

func TestConcurrentSweepsCountEachEntitlementOnce(t *testing.T) {
	f := newFixture(nil)
	for i := 0; i < 10; i++ {
		f.seed(t, uuid.New(), ledgertest.HourPlan(1), ledgertest.Now.Add(-2*time.Hour))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.sweeper.Sweep(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, total)
}

// Interleaves usage reports and sweeps, then checks that no entitlement
// is left flagged active while expired or out of quota.
func TestActiveInvariantUnderInterleaving(t *testing.T) {
	f := newFixture(nil)
	rng := rand.New(rand.NewSource(42))

	type device struct {
		id      string
		counter int64
	}
	var devices []*device
	for i := 0; i < 8; i++ {
		owner := uuid.New()
		var plan *ledger.Plan
		if i%2 == 0 {
			plan = ledgertest.DataPlan(int64(5 + i))
		} else {
			plan = ledgertest.HourPlan(1)
			plan.DataLimitMB = ledgertest.Int64(20)
		}
		f.seed(t, owner, plan, ledgertest.Now.Add(-time.Duration(rng.Intn(50))*time.Minute))
		sess, err := f.sessions.Open(context.Background(), owner, "nas-1", fmt.Sprintf("10.1.0.%d", i+1))
		require.NoError(t, err)
		devices = append(devices, &device{id: sess.ID})
	}

	for step := 0; step < 30; step++ {
		f.clock.Set(ledgertest.Now.Add(time.Duration(step) * 2 * time.Minute))

		var wg sync.WaitGroup
		for _, d := range devices {
			d.counter += int64(rng.Intn(3)) * ledger.MiB
			wg.Add(1)
			go func(id string, total int64) {
				defer wg.Done()
				_, err := f.sessions.RecordUsage(context.Background(), id, 0, total, 0)
				if err != nil && !errors.Is(err, ledger.ErrSessionNotFound) {
					t.Errorf("record usage: %v", err)
				}
			}(d.id, d.counter)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.sweeper.Sweep(context.Background()); err != nil {
				t.Errorf("sweep: %v", err)
			}
		}()
		wg.Wait()

		// settle: one more pass at the same instant
		_, err := f.sweeper.Sweep(context.Background())
		require.NoError(t, err)

		now := f.clock.Now()
		for _, d := range devices {
			s := ledgertest.Session(t, f.mem, d.id)
			ent := ledgertest.Entitlement(t, f.mem, s.EntitlementID)
			if ent.Active {
				assert.False(t, ent.IsExpiredAt(now), "active entitlement %s past expiry", ent.ID)
				assert.False(t, ent.IsQuotaExhausted(), "active entitlement %s out of quota", ent.ID)
			}
			if s.Active {
				assert.True(t, ent.IsActiveAt(now), "session %s open on inactive entitlement", s.ID)
			}
		}
	}
}

func TestReconcileRevokesOrphans(t *testing.T) {
	f := newFixture(nil)
	owner := uuid.New()
	f.seed(t, owner, ledgertest.HourPlan(1), ledgertest.Now)

	_, err := f.sessions.Open(context.Background(), owner, "nas-1", "aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	f.adapter.Attach(nas.Identity{User: owner.String(), Address: "aa:bb:cc:dd:ee:01"})
	f.adapter.Attach(nas.Identity{User: owner.String(), Address: "aa:bb:cc:dd:ee:02"})
	f.adapter.Attach(nas.Identity{User: "admin", Address: "aa:bb:cc:dd:ee:03"})

	revoked, err := f.sweeper.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, revoked)

	revokes := f.adapter.CallsFor(nas.ActionRevoke)
	require.Len(t, revokes, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:02", revokes[0].Identity.Address)
}

// slowStore makes the candidate query outlast the sweep interval
type slowStore struct {
	ledger.Store
	delay time.Duration
}

func (s *slowStore) ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]ledger.Entitlement, error) {
	time.Sleep(s.delay)
	return s.Store.ListSweepCandidates(ctx, now, limit)
}

type countRecorder struct {
	once sync.Once
	err  chan error
}

func (c *countRecorder) CountActive(ctx context.Context) (int, error) {
	c.once.Do(func() { c.err <- ctx.Err() })
	return 0, nil
}

func TestWorkerFollowUpStepsOutliveSlowSweep(t *testing.T) {
	interval := 20 * time.Millisecond
	f := newFixture(func(s ledger.Store) ledger.Store { return &slowStore{Store: s, delay: 3 * interval} })

	orphan := nas.Identity{User: uuid.NewString(), Address: "aa:bb:cc:dd:ee:09"}
	f.adapter.Attach(orphan)

	counter := &countRecorder{err: make(chan error, 1)}
	w := sweeper.NewWorker(f.sweeper, counter, interval, 1)
	w.Start()

	select {
	case err := <-counter.err:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("active session count was never refreshed")
	}
	w.Stop()

	revokes := f.adapter.CallsFor(nas.ActionRevoke)
	require.NotEmpty(t, revokes)
	assert.Equal(t, orphan, revokes[0].Identity)
}
