package reconcile

import (
	"context"
	"fmt"

	"github.com/dukerupert/metergate/internal/appstore"
	"github.com/dukerupert/metergate/internal/entitlement"
)

// ProcessReceipt runs the validate-or-restore flow for an uploaded store
// receipt: verify the blob with the platform, select the latest-expiring
// purchase that maps to a known plan, and apply it as a canonical update.
// When no purchase maps to a known plan the account is downgraded to free
// with no receipt metadata, and ErrUnknownProduct is surfaced so the
// caller can escalate. Verification failure is a hard failure; the
// entitlement is left untouched.
func (r *Reconciler) ProcessReceipt(ctx context.Context, accountKey string, receipt []byte) (*entitlement.Entitlement, error) {
	if r.verifier == nil {
		return nil, fmt.Errorf("no receipt verifier configured: %w", entitlement.ErrVerificationFailed)
	}

	purchases, err := r.verifier.VerifyReceipt(ctx, receipt)
	if err != nil {
		return nil, err
	}

	best, plan, ok := r.selectPurchase(purchases)
	if !ok {
		err := r.Apply(Update{
			AccountKey: accountKey,
			Platform:   entitlement.PlatformIOS,
			Plan:       entitlement.PlanFree,
			Status:     entitlement.StatusActive,
		})
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("receipt for %s: %w", accountKey, entitlement.ErrUnknownProduct)
	}

	now := r.now()
	status := entitlement.StatusExpired
	if best.ExpiryTime.After(now) {
		status = entitlement.StatusActive
	}

	purchaseTime := best.PurchaseTime
	expiryTime := best.ExpiryTime
	err = r.Apply(Update{
		AccountKey:  accountKey,
		Platform:    entitlement.PlatformIOS,
		Plan:        plan,
		Status:      status,
		PeriodStart: &purchaseTime,
		PeriodEnd:   &expiryTime,
		Receipt: &entitlement.Receipt{
			ProductID:             best.ProductID,
			TransactionID:         best.TransactionID,
			OriginalTransactionID: best.OriginalTransactionID,
			PurchaseTime:          &purchaseTime,
			ExpiryTime:            &expiryTime,
			LastValidated:         &now,
		},
	})
	if err != nil {
		return nil, err
	}
	return r.store.Get(accountKey)
}

// selectPurchase picks the latest-expiring purchase whose product maps to
// a known plan. Equal expiries are broken by the greater transaction id,
// so the choice is deterministic across retries.
func (r *Reconciler) selectPurchase(purchases []appstore.Purchase) (appstore.Purchase, entitlement.Plan, bool) {
	var best appstore.Purchase
	var bestPlan entitlement.Plan
	found := false
	for _, p := range purchases {
		plan, ok := r.products[p.ProductID]
		if !ok {
			continue
		}
		if !found ||
			p.ExpiryTime.After(best.ExpiryTime) ||
			(p.ExpiryTime.Equal(best.ExpiryTime) && p.TransactionID > best.TransactionID) {
			best, bestPlan, found = p, plan, true
		}
	}
	return best, bestPlan, found
}
