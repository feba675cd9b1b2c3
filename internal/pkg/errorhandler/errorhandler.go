package errorhandler

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/pkg/logger"
	"github.com/zmooth/zmooth-api/internal/pkg/response"
)

// Error codes for access-control denials. Callers must not retry these.
const (
	CodeNoEntitlement      = "NO_ENTITLEMENT"
	CodeQuotaExhausted     = "QUOTA_EXHAUSTED"
	CodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	CodePaymentRejected    = "PAYMENT_REJECTED"
	CodePlanInactive       = "PLAN_INACTIVE"
	CodeAdapterUnavailable = "ADAPTER_UNAVAILABLE"
)

// clients are told to retry an unavailable provider after this long
const retryAfterSeconds = 5

// HandleLedgerError writes the response for an engine error. Denials are
// reported distinctly from transient adapter failures.
func HandleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *ledger.ValidationError
	switch {
	case errors.As(err, &ve):
		response.ValidationError(w, map[string]string{fieldOr(ve.Field): ve.Message})
	case ledger.IsNotFound(err):
		response.NotFound(w, err.Error())
	case errors.Is(err, ledger.ErrQuotaExhausted):
		response.Error(w, http.StatusForbidden, CodeQuotaExhausted, "Data quota exhausted")
	case errors.Is(err, ledger.ErrNoEntitlement):
		response.Error(w, http.StatusForbidden, CodeNoEntitlement, "No active plan")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		response.Error(w, http.StatusPaymentRequired, CodeInsufficientFunds, "Insufficient wallet balance")
	case errors.Is(err, ledger.ErrPaymentRejected):
		response.Error(w, http.StatusPaymentRequired, CodePaymentRejected, "Payment was rejected")
	case errors.Is(err, ledger.ErrPlanInactive):
		response.Error(w, http.StatusForbidden, CodePlanInactive, "Plan is not available")
	case ledger.IsDenial(err):
		response.Forbidden(w, err.Error())
	case ledger.IsConflict(err):
		response.Conflict(w, err.Error())
	case ledger.IsAdapterUnavailable(err):
		logRequestError(r, http.StatusServiceUnavailable, CodeAdapterUnavailable, err)
		response.Unavailable(w, CodeAdapterUnavailable, "Upstream service unavailable, retry later", retryAfterSeconds)
	default:
		HandleError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", err)
	}
}

// HandleError logs the error and sends the formatted response
func HandleError(w http.ResponseWriter, r *http.Request, status int, code, message string, err error) {
	logRequestError(r, status, code, err)
	response.Error(w, status, code, message)
}

// the request logger already carries request_id and owner_id
func logRequestError(r *http.Request, status int, code string, err error) {
	event := logger.FromContext(r.Context()).Error().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("error_code", code).
		Int("status_code", status)
	if err != nil {
		event.Err(err)
	}
	event.Msg("Request error")
}

// LogExternalServiceError logs errors from external service calls
func LogExternalServiceError(service, endpoint string, statusCode int, err error, body string) {
	log.Error().
		Str("external_service", service).
		Str("endpoint", endpoint).
		Int("status_code", statusCode).
		Err(err).
		Str("response_body", truncateString(body, 1000)).
		Msg("External service error")
}

func fieldOr(field string) string {
	if field == "" {
		return "request"
	}
	return field
}

func truncateString(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + "...<truncated>"
	}
	return s
}
