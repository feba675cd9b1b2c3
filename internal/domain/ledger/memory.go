package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// table is a map with a write overlay. Writes land in dirty and are only
// folded into base on commit, so an aborted transaction leaves no trace.
type table[K comparable, V any] struct {
	base  map[K]V
	dirty map[K]V
}

func (t *table[K, V]) get(k K) (V, bool) {
	if v, ok := t.dirty[k]; ok {
		return v, true
	}
	v, ok := t.base[k]
	return v, ok
}

func (t *table[K, V]) put(k K, v V) {
	t.dirty[k] = v
}

func (t *table[K, V]) each(fn func(V)) {
	for k, v := range t.base {
		if d, ok := t.dirty[k]; ok {
			v = d
		}
		fn(v)
	}
	for k, v := range t.dirty {
		if _, ok := t.base[k]; !ok {
			fn(v)
		}
	}
}

func (t *table[K, V]) commit() {
	for k, v := range t.dirty {
		t.base[k] = v
	}
}

func newTable[K comparable, V any](base map[K]V) *table[K, V] {
	return &table[K, V]{base: base, dirty: make(map[K]V)}
}

type walletEntryKey struct {
	owner     uuid.UUID
	entryType WalletEntryType
	reference string
}

// MemoryStore is an in-process Store. Transactions are serialized behind
// one mutex, which trivially gives per-aggregate atomicity. Store methods
// must not be called from inside an InTx callback.
type MemoryStore struct {
	mu sync.Mutex

	plans        map[uuid.UUID]Plan
	transactions map[uuid.UUID]Transaction
	entitlements map[uuid.UUID]Entitlement
	sessions     map[string]Session
	wallets      map[uuid.UUID]Wallet
	walletEntry  map[walletEntryKey]WalletEntry
	vouchers     map[string]Voucher
}

// NewMemoryStore creates an empty in-memory ledger
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:        make(map[uuid.UUID]Plan),
		transactions: make(map[uuid.UUID]Transaction),
		entitlements: make(map[uuid.UUID]Entitlement),
		sessions:     make(map[string]Session),
		wallets:      make(map[uuid.UUID]Wallet),
		walletEntry:  make(map[walletEntryKey]WalletEntry),
		vouchers:     make(map[string]Voucher),
	}
}

type memTx struct {
	plans        *table[uuid.UUID, Plan]
	transactions *table[uuid.UUID, Transaction]
	entitlements *table[uuid.UUID, Entitlement]
	sessions     *table[string, Session]
	wallets      *table[uuid.UUID, Wallet]
	walletEntry  *table[walletEntryKey, WalletEntry]
	vouchers     *table[string, Voucher]
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		plans:        newTable(s.plans),
		transactions: newTable(s.transactions),
		entitlements: newTable(s.entitlements),
		sessions:     newTable(s.sessions),
		wallets:      newTable(s.wallets),
		walletEntry:  newTable(s.walletEntry),
		vouchers:     newTable(s.vouchers),
	}
	if err := fn(tx); err != nil {
		return err
	}

	tx.plans.commit()
	tx.transactions.commit()
	tx.entitlements.commit()
	tx.sessions.commit()
	tx.wallets.commit()
	tx.walletEntry.commit()
	tx.vouchers.commit()
	return nil
}

// --- Store reads ---

func (s *MemoryStore) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return &p, nil
}

func (s *MemoryStore) ListPlans(ctx context.Context, activeOnly bool) ([]Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plans := make([]Plan, 0, len(s.plans))
	for _, p := range s.plans {
		if activeOnly && !p.IsActive {
			continue
		}
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool {
		if !plans[i].Price.Equal(plans[j].Price) {
			return plans[i].Price.LessThan(plans[j].Price)
		}
		return plans[i].Name < plans[j].Name
	})
	return plans, nil
}

func (s *MemoryStore) UpsertPlan(ctx context.Context, plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.plans[plan.ID]; ok {
		plan.CreatedAt = existing.CreatedAt
	} else if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	plan.UpdatedAt = now
	s.plans[plan.ID] = *plan
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return &t, nil
}

func (s *MemoryStore) GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transactions {
		if t.Reference == reference {
			return &t, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (s *MemoryStore) ListPendingTransactions(ctx context.Context, method PaymentMethod, createdBefore time.Time, limit int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for _, t := range s.transactions {
		if t.Status == TransactionPending && t.Method == method && t.CreatedAt.Before(createdBefore) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) GetEntitlement(ctx context.Context, id uuid.UUID) (*Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entitlements[id]
	if !ok {
		return nil, ErrEntitlementNotFound
	}
	return &e, nil
}

func (s *MemoryStore) ListEntitlementsByOwner(ctx context.Context, ownerID uuid.UUID) ([]Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entitlement
	for _, e := range s.entitlements {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	sortEntitlements(out)
	return out, nil
}

func (s *MemoryStore) ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entitlement
	for _, e := range s.entitlements {
		if e.State == StateExpiring || (e.State == StateActive && e.IsExpiredAt(now)) {
			out = append(out, e)
		}
	}
	sortEntitlements(out)
	return truncate(out, limit), nil
}

func (s *MemoryStore) ListPendingGrants(ctx context.Context, limit int) ([]Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entitlement
	for _, e := range s.entitlements {
		if e.GrantStatus == GrantPending && e.Active {
			out = append(out, e)
		}
	}
	sortEntitlements(out)
	return truncate(out, limit), nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

func (s *MemoryStore) ListActiveSessions(ctx context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.Active {
			out = append(out, sess)
		}
	}
	sortSessions(out)
	return out, nil
}

func (s *MemoryStore) ListActiveSessionsByOwner(ctx context.Context, ownerID uuid.UUID) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.Active && sess.OwnerID == ownerID {
			out = append(out, sess)
		}
	}
	sortSessions(out)
	return out, nil
}

func (s *MemoryStore) ListUnarchivedSessions(ctx context.Context, limit int) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if !sess.Active && sess.ArchivedAt == nil {
			out = append(out, sess)
		}
	}
	sortSessions(out)
	return truncate(out, limit), nil
}

func (s *MemoryStore) MarkSessionsArchived(ctx context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		sess, ok := s.sessions[id]
		if !ok {
			continue
		}
		archivedAt := at
		sess.ArchivedAt = &archivedAt
		s.sessions[id] = sess
	}
	return nil
}

func (s *MemoryStore) GetWallet(ctx context.Context, ownerID uuid.UUID) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[ownerID]
	if !ok {
		return &Wallet{OwnerID: ownerID, Balance: decimal.Zero}, nil
	}
	return &w, nil
}

func (s *MemoryStore) CreateVoucher(ctx context.Context, voucher *Voucher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vouchers[voucher.Code]; ok {
		return ErrDuplicateReference
	}
	now := time.Now()
	if voucher.ID == uuid.Nil {
		voucher.ID = uuid.New()
	}
	if voucher.Status == "" {
		voucher.Status = VoucherActive
	}
	voucher.CreatedAt = now
	voucher.UpdatedAt = now
	s.vouchers[voucher.Code] = *voucher
	return nil
}

// --- Tx ---

func (t *memTx) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	p, ok := t.plans.get(id)
	if !ok {
		return nil, ErrPlanNotFound
	}
	return &p, nil
}

func (t *memTx) LockTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	txn, ok := t.transactions.get(id)
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return &txn, nil
}

func (t *memTx) LockTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	var found *Transaction
	t.transactions.each(func(txn Transaction) {
		if txn.Reference == reference {
			found = &txn
		}
	})
	if found == nil {
		return nil, ErrTransactionNotFound
	}
	return found, nil
}

func (t *memTx) LockTransactionByProviderRef(ctx context.Context, providerRef string) (*Transaction, error) {
	var found *Transaction
	t.transactions.each(func(txn Transaction) {
		if txn.ProviderRef != nil && *txn.ProviderRef == providerRef {
			found = &txn
		}
	})
	if found == nil {
		return nil, ErrTransactionNotFound
	}
	return found, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	if _, ok := t.transactions.get(txn.ID); ok {
		return ErrDuplicateReference
	}
	duplicate := false
	t.transactions.each(func(existing Transaction) {
		if existing.Reference == txn.Reference {
			duplicate = true
		}
	})
	if duplicate {
		return ErrDuplicateReference
	}
	t.transactions.put(txn.ID, *txn)
	return nil
}

func (t *memTx) UpdateTransaction(ctx context.Context, txn *Transaction) error {
	if _, ok := t.transactions.get(txn.ID); !ok {
		return ErrTransactionNotFound
	}
	t.transactions.put(txn.ID, *txn)
	return nil
}

func (t *memTx) EntitlementByTransaction(ctx context.Context, transactionID uuid.UUID) (*Entitlement, error) {
	var found *Entitlement
	t.entitlements.each(func(e Entitlement) {
		if e.TransactionID == transactionID {
			found = &e
		}
	})
	if found == nil {
		return nil, ErrEntitlementNotFound
	}
	return found, nil
}

func (t *memTx) LockEntitlement(ctx context.Context, id uuid.UUID) (*Entitlement, error) {
	e, ok := t.entitlements.get(id)
	if !ok {
		return nil, ErrEntitlementNotFound
	}
	return &e, nil
}

func (t *memTx) LockOwnerEntitlements(ctx context.Context, ownerID uuid.UUID) ([]Entitlement, error) {
	var out []Entitlement
	t.entitlements.each(func(e Entitlement) {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	})
	sortEntitlements(out)
	return out, nil
}

func (t *memTx) InsertEntitlement(ctx context.Context, e *Entitlement) error {
	if _, err := t.EntitlementByTransaction(ctx, e.TransactionID); err == nil {
		return ErrAlreadyActivated
	}
	t.entitlements.put(e.ID, *e)
	return nil
}

func (t *memTx) UpdateEntitlement(ctx context.Context, e *Entitlement) error {
	if _, ok := t.entitlements.get(e.ID); !ok {
		return ErrEntitlementNotFound
	}
	t.entitlements.put(e.ID, *e)
	return nil
}

func (t *memTx) LockSession(ctx context.Context, id string) (*Session, error) {
	s, ok := t.sessions.get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (t *memTx) LockActiveSession(ctx context.Context, ownerID uuid.UUID, networkIdentity string) (*Session, error) {
	var found *Session
	t.sessions.each(func(s Session) {
		if s.Active && s.OwnerID == ownerID && s.NetworkIdentity == networkIdentity {
			found = &s
		}
	})
	if found == nil {
		return nil, ErrSessionNotFound
	}
	return found, nil
}

func (t *memTx) LockActiveSessionsByEntitlement(ctx context.Context, entitlementID uuid.UUID) ([]Session, error) {
	var out []Session
	t.sessions.each(func(s Session) {
		if s.Active && s.EntitlementID == entitlementID {
			out = append(out, s)
		}
	})
	sortSessions(out)
	return out, nil
}

func (t *memTx) LockActiveSessionsByOwner(ctx context.Context, ownerID uuid.UUID) ([]Session, error) {
	var out []Session
	t.sessions.each(func(s Session) {
		if s.Active && s.OwnerID == ownerID {
			out = append(out, s)
		}
	})
	sortSessions(out)
	return out, nil
}

func (t *memTx) InsertSession(ctx context.Context, s *Session) error {
	if _, ok := t.sessions.get(s.ID); ok {
		return ErrDuplicateReference
	}
	if s.Active {
		if _, err := t.LockActiveSession(ctx, s.OwnerID, s.NetworkIdentity); err == nil {
			return ErrConcurrentUpdate
		}
	}
	t.sessions.put(s.ID, *s)
	return nil
}

func (t *memTx) UpdateSession(ctx context.Context, s *Session) error {
	if _, ok := t.sessions.get(s.ID); !ok {
		return ErrSessionNotFound
	}
	t.sessions.put(s.ID, *s)
	return nil
}

func (t *memTx) LockWallet(ctx context.Context, ownerID uuid.UUID) (*Wallet, error) {
	w, ok := t.wallets.get(ownerID)
	if !ok {
		w = Wallet{OwnerID: ownerID, Balance: decimal.Zero, UpdatedAt: time.Now()}
		t.wallets.put(ownerID, w)
	}
	return &w, nil
}

func (t *memTx) UpdateWallet(ctx context.Context, w *Wallet) error {
	t.wallets.put(w.OwnerID, *w)
	return nil
}

func (t *memTx) WalletEntryByReference(ctx context.Context, ownerID uuid.UUID, entryType WalletEntryType, reference string) (*WalletEntry, error) {
	e, ok := t.walletEntry.get(walletEntryKey{owner: ownerID, entryType: entryType, reference: reference})
	if !ok {
		return nil, ErrWalletEntryNotFound
	}
	return &e, nil
}

func (t *memTx) InsertWalletEntry(ctx context.Context, entry *WalletEntry) error {
	key := walletEntryKey{owner: entry.OwnerID, entryType: entry.Type, reference: entry.Reference}
	if _, ok := t.walletEntry.get(key); ok {
		return ErrDuplicateReference
	}
	t.walletEntry.put(key, *entry)
	return nil
}

func (t *memTx) LockVoucher(ctx context.Context, code string) (*Voucher, error) {
	v, ok := t.vouchers.get(code)
	if !ok {
		return nil, ErrVoucherNotFound
	}
	return &v, nil
}

func (t *memTx) UpdateVoucher(ctx context.Context, v *Voucher) error {
	if _, ok := t.vouchers.get(v.Code); !ok {
		return ErrVoucherNotFound
	}
	t.vouchers.put(v.Code, *v)
	return nil
}

func sortEntitlements(list []Entitlement) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].ActivatedAt.Equal(list[j].ActivatedAt) {
			return list[i].ActivatedAt.Before(list[j].ActivatedAt)
		}
		return list[i].ID.String() < list[j].ID.String()
	})
}

func sortSessions(list []Session) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].StartedAt.Before(list[j].StartedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func truncate[T any](list []T, limit int) []T {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}
