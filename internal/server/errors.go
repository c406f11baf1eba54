package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/genflow/internal/core/domain"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, errType, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Type:      errType,
		Message:   message,
		RequestID: GetRequestID(r.Context()),
	}})
}

// writeDomainError maps the error taxonomy to HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	var (
		inputErr   *domain.SessionInputError
		flowErr    *domain.FlowConfigurationError
		balanceErr *domain.BalanceInsufficientError
		poolErr    *domain.PoolExhaustedError
	)
	switch {
	case errors.As(err, &inputErr):
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_input", err.Error())
	case errors.As(err, &flowErr):
		writeError(w, r, http.StatusNotFound, "flow_configuration", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &balanceErr):
		writeError(w, r, http.StatusPaymentRequired, "insufficient_balance", err.Error())
	case errors.As(err, &poolErr):
		writeError(w, r, http.StatusServiceUnavailable, "pool_exhausted", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}
