package wallet

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zmooth/zmooth-api/internal/middleware"
	"github.com/zmooth/zmooth-api/internal/pkg/errorhandler"
	"github.com/zmooth/zmooth-api/internal/pkg/response"
	"github.com/zmooth/zmooth-api/internal/pkg/validator"
)

type Handler struct {
	svc *Service
}

// TopUpRequest is posted by operators after cash or agent deposits
type TopUpRequest struct {
	OwnerID   string          `json:"owner_id" validate:"required,uuid"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference" validate:"required,max=64"`
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Balance handles GET /wallet
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	balance, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}

	response.OK(w, map[string]interface{}{"balance": balance})
}

// TopUp handles POST /admin/wallets/topup
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	wallet, err := h.svc.TopUp(r.Context(), uuid.MustParse(req.OwnerID), req.Amount, req.Reference)
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}

	response.OK(w, map[string]interface{}{"balance": wallet.Balance})
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/", h.Balance)
	return r
}

func (h *Handler) AdminRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(middleware.RequireAdmin())
	r.Post("/topup", h.TopUp)
	return r
}
