package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MiB is the unit data quotas are expressed in.
const MiB int64 = 1024 * 1024

// TransactionStatus represents payment state
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// PaymentMethod represents how a plan was paid for
type PaymentMethod string

const (
	MethodWallet      PaymentMethod = "wallet"
	MethodPushPayment PaymentMethod = "push-payment"
	MethodVoucher     PaymentMethod = "voucher"
)

// IsValid checks if the payment method is known
func (m PaymentMethod) IsValid() bool {
	switch m {
	case MethodWallet, MethodPushPayment, MethodVoucher:
		return true
	}
	return false
}

// EntitlementState is the lifecycle state of an entitlement.
// The expiry path walks active -> expiring -> deactivated; quota exhaustion
// jumps straight to deactivated.
type EntitlementState string

const (
	StateActive      EntitlementState = "active"
	StateExpiring    EntitlementState = "expiring"
	StateDeactivated EntitlementState = "deactivated"
)

// GrantStatus tracks whether the NAS has acknowledged the entitlement
type GrantStatus string

const (
	GrantGranted GrantStatus = "granted"
	GrantPending GrantStatus = "pending"
)

// Deactivation reasons recorded on entitlements
const (
	ReasonQuotaExhausted = "quota-exhausted"
	ReasonExpired        = "expired"
	ReasonAdmin          = "admin-action"
)

// TerminationCause explains why a session was closed
type TerminationCause string

const (
	CauseUserRequest       TerminationCause = "user-request"
	CauseDataLimitExceeded TerminationCause = "data-limit-exceeded"
	CausePlanExpired       TerminationCause = "plan-expired"
	CauseAdminAction       TerminationCause = "admin-action"
)

// IsValid checks if the cause is one of the known causes
func (c TerminationCause) IsValid() bool {
	switch c {
	case CauseUserRequest, CauseDataLimitExceeded, CausePlanExpired, CauseAdminAction:
		return true
	}
	return false
}

// Plan is a catalog entry. The engine only reads plans.
type Plan struct {
	ID            uuid.UUID       `db:"id" json:"id" yaml:"id"`
	Name          string          `db:"name" json:"name" yaml:"name"`
	Description   *string         `db:"description" json:"description,omitempty" yaml:"description"`
	Price         decimal.Decimal `db:"price" json:"price" yaml:"price"`
	Currency      string          `db:"currency" json:"currency" yaml:"currency"`
	DataLimitMB   *int64          `db:"data_limit_mb" json:"data_limit_mb,omitempty" yaml:"data_limit_mb"`
	ValidityDays  *int            `db:"validity_days" json:"validity_days,omitempty" yaml:"validity_days"`
	ValidityHours *int            `db:"validity_hours" json:"validity_hours,omitempty" yaml:"validity_hours"`
	DownloadKbps  *int            `db:"download_kbps" json:"download_kbps,omitempty" yaml:"download_kbps"`
	UploadKbps    *int            `db:"upload_kbps" json:"upload_kbps,omitempty" yaml:"upload_kbps"`
	NASProfile    *string         `db:"nas_profile" json:"nas_profile,omitempty" yaml:"nas_profile"`
	IsActive      bool            `db:"is_active" json:"is_active" yaml:"is_active"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at" yaml:"-"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at" yaml:"-"`
}

// Validity returns how long an entitlement from this plan lasts.
// validity_days wins when both are configured. Zero means no time bound.
func (p *Plan) Validity() time.Duration {
	if p.ValidityDays != nil && *p.ValidityDays > 0 {
		return time.Duration(*p.ValidityDays) * 24 * time.Hour
	}
	if p.ValidityHours != nil && *p.ValidityHours > 0 {
		return time.Duration(*p.ValidityHours) * time.Hour
	}
	return 0
}

// IsDataBound returns true if the plan carries a data quota
func (p *Plan) IsDataBound() bool {
	return p.DataLimitMB != nil
}

// Transaction is a payment or wallet-debit attempt
type Transaction struct {
	ID            uuid.UUID         `db:"id" json:"id"`
	Reference     string            `db:"reference" json:"reference"`
	OwnerID       uuid.UUID         `db:"owner_id" json:"owner_id"`
	PlanID        uuid.UUID         `db:"plan_id" json:"plan_id"`
	Amount        decimal.Decimal   `db:"amount" json:"amount"`
	Currency      string            `db:"currency" json:"currency"`
	Method        PaymentMethod     `db:"method" json:"method"`
	Status        TransactionStatus `db:"status" json:"status"`
	ProviderRef   *string           `db:"provider_ref" json:"provider_ref,omitempty"`
	FailureReason *string           `db:"failure_reason" json:"failure_reason,omitempty"`
	CompletedAt   *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at" json:"updated_at"`
}

// IsFinal returns true once the transaction can no longer change
func (t *Transaction) IsFinal() bool {
	return t.Status == TransactionCompleted || t.Status == TransactionFailed
}

// Complete moves a pending transaction to completed
func (t *Transaction) Complete(now time.Time) error {
	if t.Status == TransactionFailed {
		return ErrTransactionFinal
	}
	if t.Status == TransactionCompleted {
		return nil
	}
	t.Status = TransactionCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// Fail moves a pending transaction to failed
func (t *Transaction) Fail(now time.Time, reason string) error {
	if t.Status == TransactionCompleted {
		return ErrTransactionFinal
	}
	if t.Status == TransactionFailed {
		return nil
	}
	t.Status = TransactionFailed
	t.FailureReason = &reason
	t.UpdatedAt = now
	return nil
}

// Entitlement is a purchased grant of network access
type Entitlement struct {
	ID                 uuid.UUID        `db:"id" json:"id"`
	OwnerID            uuid.UUID        `db:"owner_id" json:"owner_id"`
	PlanID             uuid.UUID        `db:"plan_id" json:"plan_id"`
	TransactionID      uuid.UUID        `db:"transaction_id" json:"transaction_id"`
	Active             bool             `db:"active" json:"active"`
	State              EntitlementState `db:"state" json:"state"`
	ActivatedAt        time.Time        `db:"activated_at" json:"activated_at"`
	ExpiresAt          *time.Time       `db:"expires_at" json:"expires_at,omitempty"`
	DataLimitMB        *int64           `db:"data_limit_mb" json:"data_limit_mb,omitempty"`
	DataRemainingMB    *int64           `db:"data_remaining_mb" json:"data_remaining_mb,omitempty"`
	DataUsedBytes      int64            `db:"data_used_bytes" json:"data_used_bytes"`
	GrantStatus        GrantStatus      `db:"grant_status" json:"grant_status"`
	DeactivatedAt      *time.Time       `db:"deactivated_at" json:"deactivated_at,omitempty"`
	DeactivationReason *string          `db:"deactivation_reason" json:"deactivation_reason,omitempty"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updated_at"`
}

// IsActiveAt reports whether the entitlement grants access at the given instant
func (e *Entitlement) IsActiveAt(now time.Time) bool {
	if !e.Active || e.State != StateActive {
		return false
	}
	if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
		return false
	}
	if e.DataRemainingMB != nil && *e.DataRemainingMB <= 0 {
		return false
	}
	return true
}

// IsExpiredAt reports whether the time bound has passed
func (e *Entitlement) IsExpiredAt(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// IsQuotaExhausted reports whether a data-bound entitlement has no data left
func (e *Entitlement) IsQuotaExhausted() bool {
	return e.DataRemainingMB != nil && *e.DataRemainingMB <= 0
}

// AddUsage charges deltaBytes against the quota and returns true when the
// remainder reached zero on this call.
func (e *Entitlement) AddUsage(deltaBytes int64, now time.Time) bool {
	if deltaBytes <= 0 {
		return false
	}
	e.DataUsedBytes += deltaBytes
	e.UpdatedAt = now
	if e.DataLimitMB == nil {
		return false
	}

	wasExhausted := e.DataRemainingMB != nil && *e.DataRemainingMB <= 0
	remaining := *e.DataLimitMB - e.DataUsedBytes/MiB
	if remaining < 0 {
		remaining = 0
	}
	e.DataRemainingMB = &remaining
	return remaining == 0 && !wasExhausted
}

// Deactivate turns the entitlement off for good
func (e *Entitlement) Deactivate(now time.Time, reason string) {
	e.Active = false
	e.State = StateDeactivated
	if e.DeactivatedAt == nil {
		e.DeactivatedAt = &now
	}
	if e.DeactivationReason == nil {
		e.DeactivationReason = &reason
	}
	e.UpdatedAt = now
}

// BeginExpiry moves an active entitlement to expiring. It returns false when
// the entitlement already left the active state.
func (e *Entitlement) BeginExpiry(now time.Time) bool {
	if e.State != StateActive {
		return false
	}
	reason := ReasonExpired
	e.Active = false
	e.State = StateExpiring
	e.DeactivatedAt = &now
	e.DeactivationReason = &reason
	e.UpdatedAt = now
	return true
}

// FinishExpiry moves an expiring entitlement to deactivated
func (e *Entitlement) FinishExpiry(now time.Time) bool {
	if e.State != StateExpiring {
		return false
	}
	e.State = StateDeactivated
	e.UpdatedAt = now
	return true
}

// RemainingBytes returns the quota left in bytes, nil when not data-bound
func (e *Entitlement) RemainingBytes() *int64 {
	if e.DataLimitMB == nil {
		return nil
	}
	left := *e.DataLimitMB*MiB - e.DataUsedBytes
	if left < 0 {
		left = 0
	}
	return &left
}

// RemainingTime returns the validity left, nil when not time-bound
func (e *Entitlement) RemainingTime(now time.Time) *time.Duration {
	if e.ExpiresAt == nil {
		return nil
	}
	left := e.ExpiresAt.Sub(now)
	if left < 0 {
		left = 0
	}
	return &left
}

// Session is one live network attachment
type Session struct {
	ID               string            `db:"id" json:"id"`
	OwnerID          uuid.UUID         `db:"owner_id" json:"owner_id"`
	EntitlementID    uuid.UUID         `db:"entitlement_id" json:"entitlement_id"`
	NASIdentity      string            `db:"nas_identity" json:"nas_identity"`
	NetworkIdentity  string            `db:"network_identity" json:"network_identity"`
	Active           bool              `db:"active" json:"active"`
	StartedAt        time.Time         `db:"started_at" json:"started_at"`
	StoppedAt        *time.Time        `db:"stopped_at" json:"stopped_at,omitempty"`
	UploadBytes      int64             `db:"upload_bytes" json:"upload_bytes"`
	DownloadBytes    int64             `db:"download_bytes" json:"download_bytes"`
	DurationSeconds  int64             `db:"duration_seconds" json:"duration_seconds"`
	TerminationCause *TerminationCause `db:"termination_cause" json:"termination_cause,omitempty"`
	ArchivedAt       *time.Time        `db:"archived_at" json:"-"`
	UpdatedAt        time.Time         `db:"updated_at" json:"updated_at"`
}

// TotalBytes returns upload plus download
func (s *Session) TotalBytes() int64 {
	return s.UploadBytes + s.DownloadBytes
}

// ApplyCounters moves cumulative counters forward and returns the byte delta.
// Counters never move backwards so a replayed reading changes nothing.
func (s *Session) ApplyCounters(upload, download, elapsedSeconds int64, now time.Time) int64 {
	before := s.TotalBytes()
	if upload > s.UploadBytes {
		s.UploadBytes = upload
	}
	if download > s.DownloadBytes {
		s.DownloadBytes = download
	}
	if elapsedSeconds > s.DurationSeconds {
		s.DurationSeconds = elapsedSeconds
	}
	s.UpdatedAt = now
	return s.TotalBytes() - before
}

// Close marks the session inactive. It returns false if it was already closed.
func (s *Session) Close(now time.Time, cause TerminationCause) bool {
	if !s.Active {
		return false
	}
	s.Active = false
	s.StoppedAt = &now
	s.TerminationCause = &cause
	if elapsed := int64(now.Sub(s.StartedAt) / time.Second); elapsed > s.DurationSeconds {
		s.DurationSeconds = elapsed
	}
	s.UpdatedAt = now
	return true
}

// WalletEntryType represents a wallet movement
type WalletEntryType string

const (
	WalletTopUp    WalletEntryType = "topup"
	WalletPurchase WalletEntryType = "purchase"
	WalletRefund   WalletEntryType = "refund"
)

// Wallet holds prepaid balance used by the wallet purchase path
type Wallet struct {
	OwnerID   uuid.UUID       `db:"owner_id" json:"owner_id"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// WalletEntry is one signed wallet movement
type WalletEntry struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	OwnerID   uuid.UUID       `db:"owner_id" json:"owner_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Type      WalletEntryType `db:"type" json:"type"`
	Reference string          `db:"reference" json:"reference"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// VoucherStatus represents voucher state
type VoucherStatus string

const (
	VoucherActive   VoucherStatus = "active"
	VoucherUsed     VoucherStatus = "used"
	VoucherExpired  VoucherStatus = "expired"
	VoucherDisabled VoucherStatus = "disabled"
)

// Voucher is a prepaid code redeemable for one plan
type Voucher struct {
	ID        uuid.UUID     `db:"id" json:"id"`
	Code      string        `db:"code" json:"code"`
	PlanID    uuid.UUID     `db:"plan_id" json:"plan_id"`
	Status    VoucherStatus `db:"status" json:"status"`
	UsedBy    *uuid.UUID    `db:"used_by" json:"used_by,omitempty"`
	UsedAt    *time.Time    `db:"used_at" json:"used_at,omitempty"`
	ExpiresAt *time.Time    `db:"expires_at" json:"expires_at,omitempty"`
	BatchID   *string       `db:"batch_id" json:"batch_id,omitempty"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}

// IsRedeemableAt reports whether the voucher can still be used
func (v *Voucher) IsRedeemableAt(now time.Time) bool {
	if v.Status != VoucherActive {
		return false
	}
	return v.ExpiresAt == nil || now.Before(*v.ExpiresAt)
}
