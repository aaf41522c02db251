package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/mail"

	"github.com/dukerupert/metergate/internal/entitlement"
)

type AccountHandler struct {
	store  *entitlement.Store
	logger *slog.Logger
}

func NewAccountHandler(store *entitlement.Store, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{store: store, logger: logger}
}

type createAccountRequest struct {
	Email string `json:"email"`
}

type createAccountResponse struct {
	AccountID string              `json:"account_id"`
	Email     string              `json:"email"`
	Plan      entitlement.Plan    `json:"plan"`
	Requests  entitlement.Counter `json:"requests"`
	Tokens    entitlement.Counter `json:"tokens"`
}

// Create registers a new account with a fresh free entitlement.
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return
	}

	if _, err := mail.ParseAddress(req.Email); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_email"})
		return
	}

	e, err := h.store.Create(req.Email)
	if err != nil {
		respondError(w, err)
		return
	}

	h.logger.Info("account registered", "account_id", e.AccountID, "email", req.Email)
	respondJSON(w, http.StatusCreated, createAccountResponse{
		AccountID: e.AccountID,
		Email:     req.Email,
		Plan:      e.Plan,
		Requests:  e.Usage.Requests,
		Tokens:    e.Usage.Tokens,
	})
}
