package ledger

import (
	"errors"
	"fmt"
)

// Error kinds. Every domain error wraps exactly one of these so callers
// can branch on the kind without knowing the concrete error.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrDenied             = errors.New("access denied")
	ErrAdapterUnavailable = errors.New("adapter unavailable")
)

var (
	ErrPlanNotFound        = fmt.Errorf("plan %w", ErrNotFound)
	ErrTransactionNotFound = fmt.Errorf("transaction %w", ErrNotFound)
	ErrEntitlementNotFound = fmt.Errorf("entitlement %w", ErrNotFound)
	ErrSessionNotFound     = fmt.Errorf("session %w", ErrNotFound)
	ErrVoucherNotFound     = fmt.Errorf("voucher %w", ErrNotFound)
	ErrWalletEntryNotFound = fmt.Errorf("wallet entry %w", ErrNotFound)

	ErrAlreadyActivated        = fmt.Errorf("%w: transaction already activated", ErrConflict)
	ErrTransactionFinal        = fmt.Errorf("%w: transaction is already final", ErrConflict)
	ErrTransactionNotCompleted = fmt.Errorf("%w: transaction is not completed", ErrConflict)
	ErrConcurrentUpdate        = fmt.Errorf("%w: concurrent update, retries exhausted", ErrConflict)
	ErrDuplicateReference      = fmt.Errorf("%w: duplicate reference", ErrConflict)
	ErrReferenceConflict       = fmt.Errorf("%w: reference already used with different amount", ErrConflict)
	ErrVoucherUsed             = fmt.Errorf("%w: voucher is no longer redeemable", ErrConflict)

	ErrNoEntitlement     = fmt.Errorf("%w: no active entitlement", ErrDenied)
	ErrQuotaExhausted    = fmt.Errorf("%w: data quota exhausted", ErrDenied)
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient wallet balance", ErrDenied)
	ErrPaymentRejected   = fmt.Errorf("%w: payment rejected by provider", ErrDenied)
	ErrPlanInactive      = fmt.Errorf("%w: plan is not available", ErrDenied)
)

// ValidationError is returned for malformed input, before any ledger write
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a validation error for one field
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsDenial reports access-control outcomes that are not faults
func IsDenial(err error) bool {
	return errors.Is(err, ErrDenied)
}

func IsAdapterUnavailable(err error) bool {
	return errors.Is(err, ErrAdapterUnavailable)
}

// IsRetryable reports whether a caller may retry the same request later.
// Denials and validation failures are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAdapterUnavailable) || errors.Is(err, ErrConcurrentUpdate)
}
