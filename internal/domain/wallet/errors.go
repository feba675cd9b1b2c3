package wallet

import (
	"github.com/zmooth/zmooth-api/internal/domain/ledger"
)

var (
	ErrInvalidAmount     = ledger.NewValidationError("amount", "must be greater than zero")
	ErrMissingReference  = ledger.NewValidationError("reference", "is required")
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
	ErrReferenceConflict = ledger.ErrReferenceConflict
)
