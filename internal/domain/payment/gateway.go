package payment

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
)

// Outcome is the provider's verdict on a push payment
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

// InitiateRequest asks the provider to prompt the payer
type InitiateRequest struct {
	Reference   string
	Phone       string
	Amount      decimal.Decimal
	Description string
}

// Initiation is the synchronous answer to InitiateRequest. A rejected
// initiation never produces a Result.
type Initiation struct {
	Accepted        bool
	ProviderRef     string
	CustomerMessage string
	Reason          string
}

// Result is the final outcome of a push payment, delivered by webhook or
// found by polling
type Result struct {
	Reference   string
	ProviderRef string
	Outcome     Outcome
	Receipt     string
	Reason      string
	// Amount is what the provider reports as paid, when it reports one
	Amount *decimal.Decimal
}

// Gateway is the push-payment provider. Transport failures wrap
// ledger.ErrAdapterUnavailable.
type Gateway interface {
	Initiate(ctx context.Context, req InitiateRequest) (*Initiation, error)
	Query(ctx context.Context, providerRef string) (*Result, error)
}

// NoGateway is used when no push payment provider is configured. Every
// call fails as unavailable so wallet and voucher purchases keep working.
type NoGateway struct{}

func (NoGateway) Initiate(ctx context.Context, req InitiateRequest) (*Initiation, error) {
	return nil, fmt.Errorf("%w: push payments are not configured", ledger.ErrAdapterUnavailable)
}

func (NoGateway) Query(ctx context.Context, providerRef string) (*Result, error) {
	return nil, fmt.Errorf("%w: push payments are not configured", ledger.ErrAdapterUnavailable)
}
