package catalog

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/pkg/errorhandler"
	"github.com/zmooth/zmooth-api/internal/pkg/response"
)

// Handler serves the public plan catalog
type Handler struct {
	store ledger.Store
}

func NewHandler(store ledger.Store) *Handler {
	return &Handler{store: store}
}

// List handles GET /plans
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	plans, err := h.store.ListPlans(r.Context(), true)
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}
	response.OK(w, plans)
}

// Get handles GET /plans/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid plan id")
		return
	}

	plan, err := h.store.GetPlan(r.Context(), id)
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}
	if !plan.IsActive {
		response.NotFound(w, "plan not found")
		return
	}
	response.OK(w, plan)
}

// Routes returns catalog routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	return r
}
