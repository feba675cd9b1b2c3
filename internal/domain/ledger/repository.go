package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const maxTxAttempts = 3

const (
	planColumns        = `id, name, description, price, currency, data_limit_mb, validity_days, validity_hours, download_kbps, upload_kbps, nas_profile, is_active, created_at, updated_at`
	transactionColumns = `id, reference, owner_id, plan_id, amount, currency, method, status, provider_ref, failure_reason, completed_at, created_at, updated_at`
	entitlementColumns = `id, owner_id, plan_id, transaction_id, active, state, activated_at, expires_at, data_limit_mb, data_remaining_mb, data_used_bytes, grant_status, deactivated_at, deactivation_reason, created_at, updated_at`
	sessionColumns     = `id, owner_id, entitlement_id, nas_identity, network_identity, active, started_at, stopped_at, upload_bytes, download_bytes, duration_seconds, termination_cause, archived_at, updated_at`
	voucherColumns     = `id, code, plan_id, status, used_by, used_at, expires_at, batch_id, created_at, updated_at`
)

// Repository is the PostgreSQL Store. Aggregates are locked with
// SELECT ... FOR UPDATE inside READ COMMITTED transactions.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a PostgreSQL backed ledger store
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) beginTx(ctx context.Context) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

// InTx retries serialization failures and deadlocks a bounded number of times
func (r *Repository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := r.runTx(ctx, fn)
		if err == nil || !isRetryableTxError(err) {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("ledger transaction conflict, retrying")
	}
	return ErrConcurrentUpdate
}

func (r *Repository) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func isRetryableTxError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// mapUniqueViolation translates unique constraint names to domain errors
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	switch pqErr.Constraint {
	case "entitlements_transaction_id_key":
		return ErrAlreadyActivated
	case "sessions_one_active_per_identity":
		return ErrConcurrentUpdate
	default:
		return ErrDuplicateReference
	}
}

func notFound(err error, target error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return target
	}
	return err
}

// --- Store reads ---

func (r *Repository) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	var p Plan
	err := r.db.GetContext(ctx, &p, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, ErrPlanNotFound)
	}
	return &p, nil
}

func (r *Repository) ListPlans(ctx context.Context, activeOnly bool) ([]Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY price ASC, name ASC`

	var plans []Plan
	if err := r.db.SelectContext(ctx, &plans, query); err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *Repository) UpsertPlan(ctx context.Context, p *Plan) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, description, price, currency, data_limit_mb, validity_days, validity_hours,
			download_kbps, upload_kbps, nas_profile, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			data_limit_mb = EXCLUDED.data_limit_mb,
			validity_days = EXCLUDED.validity_days,
			validity_hours = EXCLUDED.validity_hours,
			download_kbps = EXCLUDED.download_kbps,
			upload_kbps = EXCLUDED.upload_kbps,
			nas_profile = EXCLUDED.nas_profile,
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`, p.ID, p.Name, p.Description, p.Price, p.Currency, p.DataLimitMB, p.ValidityDays, p.ValidityHours,
		p.DownloadKbps, p.UploadKbps, p.NASProfile, p.IsActive)
	return err
}

func (r *Repository) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	var t Transaction
	err := r.db.GetContext(ctx, &t, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, ErrTransactionNotFound)
	}
	return &t, nil
}

func (r *Repository) GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	var t Transaction
	err := r.db.GetContext(ctx, &t, `SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, reference)
	if err != nil {
		return nil, notFound(err, ErrTransactionNotFound)
	}
	return &t, nil
}

func (r *Repository) ListPendingTransactions(ctx context.Context, method PaymentMethod, createdBefore time.Time, limit int) ([]Transaction, error) {
	var list []Transaction
	err := r.db.SelectContext(ctx, &list, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'pending' AND method = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, string(method), createdBefore, limit)
	return list, err
}

func (r *Repository) GetEntitlement(ctx context.Context, id uuid.UUID) (*Entitlement, error) {
	var e Entitlement
	err := r.db.GetContext(ctx, &e, `SELECT `+entitlementColumns+` FROM entitlements WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, ErrEntitlementNotFound)
	}
	return &e, nil
}

func (r *Repository) ListEntitlementsByOwner(ctx context.Context, ownerID uuid.UUID) ([]Entitlement, error) {
	var list []Entitlement
	err := r.db.SelectContext(ctx, &list, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE owner_id = $1
		ORDER BY activated_at ASC, id ASC
	`, ownerID)
	return list, err
}

func (r *Repository) ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]Entitlement, error) {
	var list []Entitlement
	err := r.db.SelectContext(ctx, &list, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE state = 'expiring'
		   OR (state = 'active' AND expires_at IS NOT NULL AND expires_at <= $1)
		ORDER BY activated_at ASC, id ASC
		LIMIT $2
	`, now, limit)
	return list, err
}

func (r *Repository) ListPendingGrants(ctx context.Context, limit int) ([]Entitlement, error) {
	var list []Entitlement
	err := r.db.SelectContext(ctx, &list, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE grant_status = 'pending' AND active = TRUE
		ORDER BY activated_at ASC, id ASC
		LIMIT $1
	`, limit)
	return list, err
}

func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := r.db.GetContext(ctx, &s, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, ErrSessionNotFound)
	}
	return &s, nil
}

func (r *Repository) ListActiveSessions(ctx context.Context) ([]Session, error) {
	var list []Session
	err := r.db.SelectContext(ctx, &list, `
		SELECT `+sessionColumns+` FROM sessions WHERE active ORDER BY started_at ASC, id ASC
	`)
	return list, err
}

func (r *Repository) ListActiveSessionsByOwner(ctx context.Context, ownerID uuid.UUID) ([]Session, error) {
	var list []Session
	err := r.db.SelectContext(ctx, &list, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE active AND owner_id = $1
		ORDER BY started_at ASC, id ASC
	`, ownerID)
	return list, err
}

func (r *Repository) ListUnarchivedSessions(ctx context.Context, limit int) ([]Session, error) {
	var list []Session
	err := r.db.SelectContext(ctx, &list, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE NOT active AND archived_at IS NULL
		ORDER BY started_at ASC, id ASC
		LIMIT $1
	`, limit)
	return list, err
}

func (r *Repository) MarkSessionsArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET archived_at = $1 WHERE id = ANY($2)
	`, at, pq.Array(ids))
	return err
}

func (r *Repository) GetWallet(ctx context.Context, ownerID uuid.UUID) (*Wallet, error) {
	var w Wallet
	err := r.db.GetContext(ctx, &w, `SELECT owner_id, balance, updated_at FROM wallets WHERE owner_id = $1`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return &Wallet{OwnerID: ownerID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) CreateVoucher(ctx context.Context, v *Voucher) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.Status == "" {
		v.Status = VoucherActive
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vouchers (id, code, plan_id, status, expires_at, batch_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.Code, v.PlanID, string(v.Status), v.ExpiresAt, v.BatchID)
	return mapUniqueViolation(err)
}

// --- Tx ---

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	var p Plan
	err := t.tx.GetContext(ctx, &p, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, ErrPlanNotFound)
	}
	return &p, nil
}

func (t *pgTx) lockTransactionWhere(ctx context.Context, where string, arg interface{}) (*Transaction, error) {
	var txn Transaction
	err := t.tx.GetContext(ctx, &txn, `SELECT `+transactionColumns+` FROM transactions WHERE `+where+` FOR UPDATE`, arg)
	if err != nil {
		return nil, notFound(err, ErrTransactionNotFound)
	}
	return &txn, nil
}

func (t *pgTx) LockTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return t.lockTransactionWhere(ctx, "id = $1", id)
}

func (t *pgTx) LockTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	return t.lockTransactionWhere(ctx, "reference = $1", reference)
}

func (t *pgTx) LockTransactionByProviderRef(ctx context.Context, providerRef string) (*Transaction, error) {
	return t.lockTransactionWhere(ctx, "provider_ref = $1", providerRef)
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (id, reference, owner_id, plan_id, amount, currency, method, status,
			provider_ref, failure_reason, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, txn.ID, txn.Reference, txn.OwnerID, txn.PlanID, txn.Amount, txn.Currency, string(txn.Method), string(txn.Status),
		txn.ProviderRef, txn.FailureReason, txn.CompletedAt, txn.CreatedAt, txn.UpdatedAt)
	return mapUniqueViolation(err)
}

func (t *pgTx) UpdateTransaction(ctx context.Context, txn *Transaction) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, provider_ref = $2, failure_reason = $3, completed_at = $4, updated_at = $5
		WHERE id = $6
	`, string(txn.Status), txn.ProviderRef, txn.FailureReason, txn.CompletedAt, txn.UpdatedAt, txn.ID)
	return affectedOne(res, err, ErrTransactionNotFound)
}

func (t *pgTx) EntitlementByTransaction(ctx context.Context, transactionID uuid.UUID) (*Entitlement, error) {
	var e Entitlement
	err := t.tx.GetContext(ctx, &e, `SELECT `+entitlementColumns+` FROM entitlements WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return nil, notFound(err, ErrEntitlementNotFound)
	}
	return &e, nil
}

func (t *pgTx) LockEntitlement(ctx context.Context, id uuid.UUID) (*Entitlement, error) {
	var e Entitlement
	err := t.tx.GetContext(ctx, &e, `SELECT `+entitlementColumns+` FROM entitlements WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, notFound(err, ErrEntitlementNotFound)
	}
	return &e, nil
}

func (t *pgTx) LockOwnerEntitlements(ctx context.Context, ownerID uuid.UUID) ([]Entitlement, error) {
	var list []Entitlement
	err := t.tx.SelectContext(ctx, &list, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE owner_id = $1
		ORDER BY activated_at ASC, id ASC
		FOR UPDATE
	`, ownerID)
	return list, err
}

func (t *pgTx) InsertEntitlement(ctx context.Context, e *Entitlement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO entitlements (id, owner_id, plan_id, transaction_id, active, state, activated_at, expires_at,
			data_limit_mb, data_remaining_mb, data_used_bytes, grant_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, e.ID, e.OwnerID, e.PlanID, e.TransactionID, e.Active, string(e.State), e.ActivatedAt, e.ExpiresAt,
		e.DataLimitMB, e.DataRemainingMB, e.DataUsedBytes, string(e.GrantStatus), e.CreatedAt, e.UpdatedAt)
	return mapUniqueViolation(err)
}

func (t *pgTx) UpdateEntitlement(ctx context.Context, e *Entitlement) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE entitlements
		SET active = $1, state = $2, data_remaining_mb = $3, data_used_bytes = $4, grant_status = $5,
			deactivated_at = $6, deactivation_reason = $7, updated_at = $8
		WHERE id = $9
	`, e.Active, string(e.State), e.DataRemainingMB, e.DataUsedBytes, string(e.GrantStatus),
		e.DeactivatedAt, e.DeactivationReason, e.UpdatedAt, e.ID)
	return affectedOne(res, err, ErrEntitlementNotFound)
}

func (t *pgTx) LockSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := t.tx.GetContext(ctx, &s, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, notFound(err, ErrSessionNotFound)
	}
	return &s, nil
}

func (t *pgTx) LockActiveSession(ctx context.Context, ownerID uuid.UUID, networkIdentity string) (*Session, error) {
	var s Session
	err := t.tx.GetContext(ctx, &s, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE owner_id = $1 AND network_identity = $2 AND active
		FOR UPDATE
	`, ownerID, networkIdentity)
	if err != nil {
		return nil, notFound(err, ErrSessionNotFound)
	}
	return &s, nil
}

func (t *pgTx) LockActiveSessionsByEntitlement(ctx context.Context, entitlementID uuid.UUID) ([]Session, error) {
	var list []Session
	err := t.tx.SelectContext(ctx, &list, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE entitlement_id = $1 AND active
		ORDER BY started_at ASC, id ASC
		FOR UPDATE
	`, entitlementID)
	return list, err
}

func (t *pgTx) LockActiveSessionsByOwner(ctx context.Context, ownerID uuid.UUID) ([]Session, error) {
	var list []Session
	err := t.tx.SelectContext(ctx, &list, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE owner_id = $1 AND active
		ORDER BY started_at ASC, id ASC
		FOR UPDATE
	`, ownerID)
	return list, err
}

func (t *pgTx) InsertSession(ctx context.Context, s *Session) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, entitlement_id, nas_identity, network_identity, active, started_at,
			upload_bytes, download_bytes, duration_seconds, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, s.ID, s.OwnerID, s.EntitlementID, s.NASIdentity, s.NetworkIdentity, s.Active, s.StartedAt,
		s.UploadBytes, s.DownloadBytes, s.DurationSeconds, s.UpdatedAt)
	return mapUniqueViolation(err)
}

func (t *pgTx) UpdateSession(ctx context.Context, s *Session) error {
	var cause interface{}
	if s.TerminationCause != nil {
		cause = string(*s.TerminationCause)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sessions
		SET active = $1, stopped_at = $2, upload_bytes = $3, download_bytes = $4, duration_seconds = $5,
			termination_cause = $6, updated_at = $7
		WHERE id = $8
	`, s.Active, s.StoppedAt, s.UploadBytes, s.DownloadBytes, s.DurationSeconds, cause, s.UpdatedAt, s.ID)
	return affectedOne(res, err, ErrSessionNotFound)
}

func (t *pgTx) LockWallet(ctx context.Context, ownerID uuid.UUID) (*Wallet, error) {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallets (owner_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID); err != nil {
		return nil, err
	}

	var w Wallet
	err := t.tx.GetContext(ctx, &w, `SELECT owner_id, balance, updated_at FROM wallets WHERE owner_id = $1 FOR UPDATE`, ownerID)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *Wallet) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE wallets SET balance = $1, updated_at = $2 WHERE owner_id = $3`,
		w.Balance, w.UpdatedAt, w.OwnerID)
	return err
}

func (t *pgTx) WalletEntryByReference(ctx context.Context, ownerID uuid.UUID, entryType WalletEntryType, reference string) (*WalletEntry, error) {
	var e WalletEntry
	err := t.tx.GetContext(ctx, &e, `
		SELECT id, owner_id, amount, type, reference, created_at
		FROM wallet_entries
		WHERE owner_id = $1 AND type = $2 AND reference = $3
	`, ownerID, string(entryType), reference)
	if err != nil {
		return nil, notFound(err, ErrWalletEntryNotFound)
	}
	return &e, nil
}

func (t *pgTx) InsertWalletEntry(ctx context.Context, e *WalletEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, owner_id, amount, type, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.OwnerID, e.Amount, string(e.Type), e.Reference, e.CreatedAt)
	return mapUniqueViolation(err)
}

func (t *pgTx) LockVoucher(ctx context.Context, code string) (*Voucher, error) {
	var v Voucher
	err := t.tx.GetContext(ctx, &v, `SELECT `+voucherColumns+` FROM vouchers WHERE code = $1 FOR UPDATE`, code)
	if err != nil {
		return nil, notFound(err, ErrVoucherNotFound)
	}
	return &v, nil
}

func (t *pgTx) UpdateVoucher(ctx context.Context, v *Voucher) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE vouchers SET status = $1, used_by = $2, used_at = $3, updated_at = $4 WHERE id = $5
	`, string(v.Status), v.UsedBy, v.UsedAt, v.UpdatedAt, v.ID)
	return affectedOne(res, err, ErrVoucherNotFound)
}

func affectedOne(res sql.Result, err error, missing error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
