package payment

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
)

const (
	voucherCodeLength = 10
	maxVoucherBatch   = 1000
)

// crockford-like alphabet without look-alike characters
var voucherEncoding = base32.NewEncoding("ABCDEFGHJKLMNPQRSTUVWXYZ23456789").WithPadding(base32.NoPadding)

// IssueRequest creates a batch of vouchers for one plan
type IssueRequest struct {
	PlanID    uuid.UUID
	Count     int
	ExpiresAt *time.Time
	BatchID   string
}

// IssueVouchers creates Count unused vouchers. Codes that collide with
// existing ones are regenerated.
func (s *Service) IssueVouchers(ctx context.Context, req IssueRequest) ([]ledger.Voucher, error) {
	if req.Count < 1 || req.Count > maxVoucherBatch {
		return nil, ledger.NewValidationError("count", "must be between 1 and 1000")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return nil, ledger.NewValidationError("expires_at", "must be in the future")
	}
	if _, err := s.availablePlan(ctx, req.PlanID); err != nil {
		return nil, err
	}

	batch := req.BatchID
	if batch == "" {
		batch = s.now().UTC().Format("20060102-150405")
	}

	out := make([]ledger.Voucher, 0, req.Count)
	for len(out) < req.Count {
		code, err := newVoucherCode()
		if err != nil {
			return out, err
		}
		v := &ledger.Voucher{
			Code:      code,
			PlanID:    req.PlanID,
			Status:    ledger.VoucherActive,
			ExpiresAt: req.ExpiresAt,
			BatchID:   &batch,
		}
		if err := s.store.CreateVoucher(ctx, v); err != nil {
			if errors.Is(err, ledger.ErrDuplicateReference) {
				continue
			}
			return out, err
		}
		out = append(out, *v)
	}

	log.Info().Str("plan_id", req.PlanID.String()).Str("batch_id", batch).Int("count", len(out)).Msg("Vouchers issued")
	return out, nil
}

func newVoucherCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return voucherEncoding.EncodeToString(b)[:voucherCodeLength], nil
}
