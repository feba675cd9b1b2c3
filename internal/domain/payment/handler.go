package payment

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/middleware"
	"github.com/zmooth/zmooth-api/internal/pkg/errorhandler"
	"github.com/zmooth/zmooth-api/internal/pkg/response"
	"github.com/zmooth/zmooth-api/internal/pkg/validator"
)

const maxCallbackBody = 64 << 10

// Handler handles purchase HTTP requests
type Handler struct {
	service       *Service
	callbackToken string
}

// NewHandler creates a handler. callbackToken is the secret path segment of
// the M-Pesa callback URL.
func NewHandler(service *Service, callbackToken string) *Handler {
	return &Handler{service: service, callbackToken: callbackToken}
}

type PurchaseRequestDTO struct {
	PlanID      string `json:"plan_id" validate:"required_unless=Method voucher,omitempty,uuid"`
	Method      string `json:"method" validate:"required,payment_method"`
	Phone       string `json:"phone" validate:"required_if=Method push-payment,omitempty,msisdn"`
	VoucherCode string `json:"voucher_code" validate:"required_if=Method voucher,omitempty,max=32"`
}

type RedeemRequest struct {
	Code string `json:"code" validate:"required,max=32"`
}

type IssueVouchersRequest struct {
	PlanID        string `json:"plan_id" validate:"required,uuid"`
	Count         int    `json:"count" validate:"required,gte=1,lte=1000"`
	ExpiresInDays int    `json:"expires_in_days" validate:"gte=0,lte=365"`
	BatchID       string `json:"batch_id" validate:"max=64"`
}

// Purchase handles POST /purchases
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req PurchaseRequestDTO
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	planID := uuid.Nil
	if req.PlanID != "" {
		planID = uuid.MustParse(req.PlanID)
	}

	out, err := h.service.Purchase(r.Context(), userID, PurchaseRequest{
		PlanID:      planID,
		Method:      ledger.PaymentMethod(req.Method),
		Phone:       req.Phone,
		VoucherCode: req.VoucherCode,
	})
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}

	if out.Transaction.Status == ledger.TransactionPending {
		response.Accepted(w, out)
		return
	}
	response.Created(w, out)
}

// Redeem handles POST /vouchers/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req RedeemRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	out, err := h.service.Purchase(r.Context(), userID, PurchaseRequest{
		Method:      ledger.MethodVoucher,
		VoucherCode: req.Code,
	})
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}
	response.Created(w, out)
}

// Status handles GET /purchases/{reference}
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	txn, err := h.service.GetTransaction(r.Context(), userID, chi.URLParam(r, "reference"))
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}
	response.OK(w, txn)
}

// IssueVouchers handles POST /admin/vouchers
func (h *Handler) IssueVouchers(w http.ResponseWriter, r *http.Request) {
	var req IssueVouchersRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	issue := IssueRequest{PlanID: uuid.MustParse(req.PlanID), Count: req.Count, BatchID: req.BatchID}
	if req.ExpiresInDays > 0 {
		at := h.service.now().Add(time.Duration(req.ExpiresInDays) * 24 * time.Hour)
		issue.ExpiresAt = &at
	}

	vouchers, err := h.service.IssueVouchers(r.Context(), issue)
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}
	response.Created(w, vouchers)
}

// MpesaCallback handles POST /webhooks/mpesa/{token}. Daraja only needs an
// acknowledgement; failures are logged and the poller settles the rest.
func (h *Handler) MpesaCallback(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if h.callbackToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.callbackToken)) != 1 {
		response.NotFound(w, "not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		response.BadRequest(w, "invalid callback body")
		return
	}

	res, err := ParseCallback(body)
	if err != nil {
		log.Warn().Err(err).Msg("mpesa callback rejected")
		response.BadRequest(w, "invalid callback")
		return
	}

	if _, err := h.service.HandleResult(r.Context(), res); err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			log.Warn().Str("provider_ref", res.ProviderRef).Msg("mpesa callback for unknown transaction")
		} else {
			errorhandler.LogExternalServiceError("mpesa", "callback", http.StatusOK, err, string(body))
		}
	}

	response.JSON(w, http.StatusOK, map[string]interface{}{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// Routes returns purchase routes
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/", h.Purchase)
	r.Get("/{reference}", h.Status)
	return r
}

// VoucherRoutes returns subscriber voucher routes
func (h *Handler) VoucherRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/redeem", h.Redeem)
	return r
}

// AdminRoutes returns operator voucher routes
func (h *Handler) AdminRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(middleware.RequireAdmin())
	r.Post("/", h.IssueVouchers)
	return r
}

// WebhookRoutes returns provider callback routes
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/mpesa/{token}", h.MpesaCallback)
	return r
}
