package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/pkg/mpesa"
)

// MpesaGateway drives Safaricom STK push through Daraja
type MpesaGateway struct {
	client *mpesa.Client
}

func NewMpesaGateway(client *mpesa.Client) *MpesaGateway {
	return &MpesaGateway{client: client}
}

// Initiate sends the STK prompt. M-Pesa only takes whole shillings, so the
// amount is rounded up.
func (g *MpesaGateway) Initiate(ctx context.Context, req InitiateRequest) (*Initiation, error) {
	resp, err := g.client.STKPush(ctx, mpesa.STKPushRequest{
		Phone:       req.Phone,
		Amount:      req.Amount.Ceil().IntPart(),
		AccountRef:  req.Reference,
		Description: req.Description,
	})
	if err != nil {
		if isUnavailable(err) {
			return nil, fmt.Errorf("%w: %v", ledger.ErrAdapterUnavailable, err)
		}
		var apiErr *mpesa.APIError
		if errors.As(err, &apiErr) {
			return &Initiation{Accepted: false, Reason: apiErr.Message}, nil
		}
		return nil, err
	}

	if !resp.Accepted() {
		return &Initiation{Accepted: false, Reason: resp.ResponseDescription}, nil
	}
	return &Initiation{
		Accepted:        true,
		ProviderRef:     resp.CheckoutRequestID,
		CustomerMessage: resp.CustomerMessage,
	}, nil
}

// Query asks Daraja for the state of a prompt
func (g *MpesaGateway) Query(ctx context.Context, providerRef string) (*Result, error) {
	resp, err := g.client.Query(ctx, providerRef)
	if errors.Is(err, mpesa.ErrPending) {
		return &Result{ProviderRef: providerRef, Outcome: OutcomePending}, nil
	}
	if err != nil {
		if isUnavailable(err) {
			return nil, fmt.Errorf("%w: %v", ledger.ErrAdapterUnavailable, err)
		}
		return nil, err
	}

	res := &Result{ProviderRef: providerRef, Outcome: OutcomeSucceeded}
	if !resp.Succeeded() {
		res.Outcome = OutcomeFailed
		res.Reason = resp.ResultDesc
	}
	return res, nil
}

// ParseCallback converts a Daraja callback body into a Result
func ParseCallback(body []byte) (*Result, error) {
	cb, err := mpesa.ParseCallback(body)
	if err != nil {
		return nil, ledger.NewValidationError("body", err.Error())
	}

	res := &Result{ProviderRef: cb.CheckoutRequestID, Receipt: cb.ReceiptNumber}
	if cb.Succeeded {
		res.Outcome = OutcomeSucceeded
		if cb.Amount > 0 {
			amount := decimal.NewFromFloat(cb.Amount)
			res.Amount = &amount
		}
	} else {
		res.Outcome = OutcomeFailed
		res.Reason = cb.ResultDesc
		if res.Reason == "" {
			res.Reason = "result code " + strconv.Itoa(cb.ResultCode)
		}
	}
	return res, nil
}

func isUnavailable(err error) bool {
	return errors.Is(err, mpesa.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
