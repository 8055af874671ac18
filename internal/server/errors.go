package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/verigate/internal/domain"
)

// ErrorResponse is the envelope of every non-2xx answer.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a failure. Type and Code follow the domain taxonomy;
// unexpected failures are reported as type "internal".
type ErrorBody struct {
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	Retryable bool   `json:"retryable"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	var de *domain.Error
	if !errors.As(err, &de) {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: ErrorBody{
			Type:    "internal",
			Message: err.Error(),
		}})
		return
	}

	writeJSON(w, de.HTTPStatusCode(), ErrorResponse{Error: ErrorBody{
		Type:      string(de.Type),
		Code:      string(de.Code),
		Message:   de.Error(),
		SessionID: de.SessionID,
		TxHash:    de.TxHash,
		Retryable: domain.IsRetryable(de),
	}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
