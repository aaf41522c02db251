package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/metergate/internal/entitlement"
)

// ErrMalformedNotification marks payloads that cannot be mapped to a
// platform update. The entitlement is left untouched.
var ErrMalformedNotification = errors.New("malformed store notification")

// StoreNotification is a server-to-server renewal or cancellation message
// from a mobile storefront. Signature validation happens in the transport;
// payloads reaching here are trusted.
type StoreNotification struct {
	Platform              string `json:"platform"` // "ios" or "android"
	AccountKey            string `json:"account_key"`
	NotificationType      string `json:"notification_type"`
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseTimeMS        int64  `json:"purchase_time_ms"`
	ExpiryTimeMS          int64  `json:"expiry_time_ms"`
}

// HandleStoreNotification applies a trusted storefront notification the
// same way a webhook event is applied. Unknown notification types are
// logged and ignored.
func (r *Reconciler) HandleStoreNotification(n StoreNotification) error {
	var platform entitlement.Platform
	switch n.Platform {
	case "ios":
		platform = entitlement.PlatformIOS
	case "android":
		platform = entitlement.PlatformAndroid
	default:
		return fmt.Errorf("%w: unknown platform %q", ErrMalformedNotification, n.Platform)
	}

	var status entitlement.Status
	switch n.NotificationType {
	case "SUBSCRIBED", "DID_RENEW", "INTERACTIVE_RENEWAL", "DID_RECOVER":
		status = entitlement.StatusActive
	case "DID_FAIL_TO_RENEW", "GRACE_PERIOD_EXPIRED":
		status = entitlement.StatusPastDue
	case "CANCEL", "REVOKE":
		status = entitlement.StatusCancelled
	case "EXPIRED":
		status = entitlement.StatusExpired
	default:
		r.logger.Info("store notification ignored",
			"platform", n.Platform, "type", n.NotificationType, "account", n.AccountKey)
		return nil
	}

	r.logger.Info("store notification received",
		"platform", n.Platform, "type", n.NotificationType,
		"account", n.AccountKey, "product", n.ProductID)

	plan, ok := r.products[n.ProductID]
	if !ok && n.ProductID != "" {
		return fmt.Errorf("notification product %q: %w", n.ProductID, entitlement.ErrUnknownProduct)
	}

	var purchaseTime, expiryTime *time.Time
	if n.PurchaseTimeMS > 0 {
		t := time.UnixMilli(n.PurchaseTimeMS).UTC()
		purchaseTime = &t
	}
	if n.ExpiryTimeMS > 0 {
		t := time.UnixMilli(n.ExpiryTimeMS).UTC()
		expiryTime = &t
	}

	var receipt *entitlement.Receipt
	if n.TransactionID != "" {
		receipt = &entitlement.Receipt{
			ProductID:             n.ProductID,
			TransactionID:         n.TransactionID,
			OriginalTransactionID: n.OriginalTransactionID,
			PurchaseTime:          purchaseTime,
			ExpiryTime:            expiryTime,
		}
	}

	return r.Apply(Update{
		AccountKey:  n.AccountKey,
		Platform:    platform,
		Plan:        plan,
		Status:      status,
		PeriodStart: purchaseTime,
		PeriodEnd:   expiryTime,
		Receipt:     receipt,
	})
}
