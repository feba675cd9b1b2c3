package session

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/middleware"
	"github.com/zmooth/zmooth-api/internal/pkg/errorhandler"
	"github.com/zmooth/zmooth-api/internal/pkg/response"
	"github.com/zmooth/zmooth-api/internal/pkg/validator"
)

type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// OpenRequest is sent by the NAS when a device attaches
type OpenRequest struct {
	OwnerID         string `json:"owner_id" validate:"required,uuid"`
	NASIdentity     string `json:"nas_identity" validate:"max=128"`
	NetworkIdentity string `json:"network_identity" validate:"required,max=64"`
}

// UsageRequest carries absolute cumulative counters
type UsageRequest struct {
	UploadBytes    int64 `json:"upload_bytes" validate:"gte=0"`
	DownloadBytes  int64 `json:"download_bytes" validate:"gte=0"`
	ElapsedSeconds int64 `json:"elapsed_seconds" validate:"gte=0"`
}

type TerminateRequest struct {
	Cause string `json:"cause" validate:"omitempty,termination_cause"`
}

// Mine handles GET /sessions/mine
func (h *Handler) Mine(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	list, err := h.manager.ListActiveByOwner(r.Context(), userID)
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}
	if list == nil {
		list = []ledger.Session{}
	}
	response.OK(w, list)
}

// Disconnect handles DELETE /sessions/{id} for the session owner
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	sess, err := h.manager.Get(r.Context(), id)
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}
	if sess.OwnerID != userID {
		// Do not reveal sessions of other subscribers
		response.NotFound(w, "session not found")
		return
	}

	sess, err = h.manager.Terminate(r.Context(), id, ledger.CauseUserRequest)
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}
	response.OK(w, sess)
}

// Open handles POST /nas/v1/sessions
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	sess, err := h.manager.Open(r.Context(), uuid.MustParse(req.OwnerID), req.NASIdentity, req.NetworkIdentity)
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}
	response.Created(w, sess)
}

// Usage handles POST /nas/v1/sessions/{id}/usage
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	usage, err := h.manager.RecordUsage(r.Context(), chi.URLParam(r, "id"), req.UploadBytes, req.DownloadBytes, req.ElapsedSeconds)
	if err != nil {
		errorhandler.HandleLedgerError(w, r, err)
		return
	}
	response.OK(w, usage)
}

// Terminate handles POST /nas/v1/sessions/{id}/terminate and the admin route
func (h *Handler) Terminate(defaultCause ledger.TerminationCause) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TerminateRequest
		// An empty body falls back to the route's default cause
		if err := response.DecodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
		if errs := validator.Validate(req); errs != nil {
			response.ValidationError(w, errs)
			return
		}

		cause := defaultCause
		if req.Cause != "" {
			cause = ledger.TerminationCause(req.Cause)
		}

		sess, err := h.manager.Terminate(r.Context(), chi.URLParam(r, "id"), cause)
		if err != nil {
			errorhandler.HandleLedgerError(w, r, err)
			return
		}
		response.OK(w, sess)
	}
}

// Routes returns subscriber routes
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/mine", h.Mine)
	r.Delete("/{id}", h.Disconnect)
	return r
}

// NASRoutes returns the accounting bridge used by the gateway
func (h *Handler) NASRoutes(nasAuth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(nasAuth)
	r.Post("/", h.Open)
	r.Post("/{id}/usage", h.Usage)
	r.Post("/{id}/terminate", h.Terminate(ledger.CauseUserRequest))
	return r
}

// AdminRoutes returns operator routes
func (h *Handler) AdminRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(middleware.RequireAdmin())
	r.Post("/{id}/terminate", h.Terminate(ledger.CauseAdminAction))
	return r
}
