package entitlement

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/middleware"
	"github.com/zmooth/zmooth-api/internal/pkg/errorhandler"
	"github.com/zmooth/zmooth-api/internal/pkg/response"
)

type Handler struct {
	activator *Activator
}

func NewHandler(activator *Activator) *Handler {
	return &Handler{activator: activator}
}

// EntitlementResponse adds derived remaining quota and time to an entitlement
type EntitlementResponse struct {
	ledger.Entitlement
	RemainingBytes   *int64 `json:"remaining_bytes,omitempty"`
	RemainingSeconds *int64 `json:"remaining_seconds,omitempty"`
}

func toResponse(e ledger.Entitlement, now time.Time) EntitlementResponse {
	resp := EntitlementResponse{Entitlement: e, RemainingBytes: e.RemainingBytes()}
	if left := e.RemainingTime(now); left != nil {
		secs := int64(*left / time.Second)
		resp.RemainingSeconds = &secs
	}
	return resp
}

// Active handles GET /entitlements/active
func (h *Handler) Active(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	list, err := h.activator.ListActive(r.Context(), userID)
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}

	now := h.activator.now()
	items := make([]EntitlementResponse, 0, len(list))
	for _, e := range list {
		items = append(items, toResponse(e, now))
	}
	response.OK(w, items)
}

// History handles GET /entitlements
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	list, err := h.activator.History(r.Context(), userID)
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}
	if list == nil {
		list = []ledger.Entitlement{}
	}
	response.OK(w, list)
}

// PendingGrants handles GET /admin/entitlements/pending-grants
func (h *Handler) PendingGrants(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	list, err := h.activator.PendingGrants(r.Context(), limit)
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}
	if list == nil {
		list = []ledger.Entitlement{}
	}
	response.OK(w, list)
}

// Regrant handles POST /admin/entitlements/{id}/regrant
func (h *Handler) Regrant(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid entitlement ID")
		return
	}

	act, err := h.activator.Regrant(r.Context(), id)
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}
	response.OK(w, act)
}

// Routes returns subscriber routes
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/", h.History)
	r.Get("/active", h.Active)
	return r
}

// AdminRoutes returns operator routes
func (h *Handler) AdminRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(middleware.RequireAdmin())
	r.Get("/pending-grants", h.PendingGrants)
	r.Post("/{id}/regrant", h.Regrant)
	return r
}
