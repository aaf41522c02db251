// Package handler implements the JSON API endpoints.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dukerupert/metergate/internal/entitlement"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// respondError maps the entitlement error taxonomy onto HTTP statuses.
// Store failures are reported as 503 so callers can retry.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entitlement.ErrNotFound):
		respondJSON(w, http.StatusNotFound, errorResponse{Error: "not_found"})
	case errors.Is(err, entitlement.ErrAlreadyExists):
		respondJSON(w, http.StatusConflict, errorResponse{Error: "already_exists"})
	case errors.Is(err, entitlement.ErrVerificationFailed):
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "verification_failed"})
	case errors.Is(err, entitlement.ErrUnknownProduct):
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "unknown_product"})
	case errors.Is(err, entitlement.ErrStoreUnavailable):
		respondJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "store_unavailable"})
	default:
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error"})
	}
}
