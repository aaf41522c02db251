package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/metergate/internal/middleware"
	"github.com/dukerupert/metergate/internal/reconcile"
)

type ReceiptHandler struct {
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
}

func NewReceiptHandler(r *reconcile.Reconciler, logger *slog.Logger) *ReceiptHandler {
	return &ReceiptHandler{reconciler: r, logger: logger}
}

type receiptRequest struct {
	ReceiptData string `json:"receipt_data"`
}

// Validate handles both first-time purchases and restores: the receipt is
// verified with the platform and the entitlement converges on whatever the
// receipt proves.
func (h *ReceiptHandler) Validate(w http.ResponseWriter, r *http.Request) {
	key := middleware.AccountKeyFromContext(r.Context())

	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return
	}
	receipt, err := base64.StdEncoding.DecodeString(req.ReceiptData)
	if err != nil || len(receipt) == 0 {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_receipt_data"})
		return
	}

	e, err := h.reconciler.ProcessReceipt(r.Context(), key, receipt)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, e)
}

// StoreNotification ingests App Store server-to-server notifications.
// Unknown notification types are acknowledged without effect.
func (h *ReceiptHandler) StoreNotification(w http.ResponseWriter, r *http.Request) {
	var n reconcile.StoreNotification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return
	}

	if err := h.reconciler.HandleStoreNotification(n); err != nil {
		h.logger.Error("store notification failed", "type", n.NotificationType, "error", err)
		if errors.Is(err, reconcile.ErrMalformedNotification) {
			respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request"})
			return
		}
		respondError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}
