package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/metergate/internal/entitlement"
	"github.com/dukerupert/metergate/internal/reconcile"
)

const maxWebhookBody = 65536

type StripeWebhookHandler struct {
	reconciler    *reconcile.Reconciler
	webhookSecret string
	logger        *slog.Logger
}

func NewStripeWebhookHandler(r *reconcile.Reconciler, webhookSecret string, logger *slog.Logger) *StripeWebhookHandler {
	return &StripeWebhookHandler{
		reconciler:    r,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// Handle verifies the Stripe signature and feeds the event to the
// reconciler. Events for unknown accounts or with malformed payloads are
// rejected so Stripe retries them; unhandled event types are acknowledged.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	if err := h.reconciler.HandleStripeEvent(event); err != nil {
		h.logger.Error("webhook event failed", "type", event.Type, "error", err)
		if errors.Is(err, entitlement.ErrStoreUnavailable) {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "event rejected", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}
