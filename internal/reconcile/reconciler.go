// Package reconcile folds asynchronous billing-platform events into the
// entitlement store. Heterogeneous inputs (Stripe webhooks, App Store
// receipts, server-to-server store notifications) are normalized into one
// canonical Update and applied under the cross-platform conflict rule.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukerupert/metergate/internal/appstore"
	"github.com/dukerupert/metergate/internal/entitlement"
)

// ReceiptVerifier is the external receipt verification collaborator.
type ReceiptVerifier interface {
	VerifyReceipt(ctx context.Context, receipt []byte) ([]appstore.Purchase, error)
}

// Notifier delivers billing alerts. Failures are logged, never propagated;
// alerting must not block reconciliation.
type Notifier interface {
	PaymentFailed(email string, plan entitlement.Plan) error
}

type Reconciler struct {
	store    *entitlement.Store
	verifier ReceiptVerifier
	products map[string]entitlement.Plan
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Reconciler)

// WithVerifier attaches the receipt verification client.
func WithVerifier(v ReceiptVerifier) Option {
	return func(r *Reconciler) { r.verifier = v }
}

// WithNotifier attaches a billing-alert channel.
func WithNotifier(n Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a Reconciler. products maps platform product ids to plans;
// a receipt whose products all fall outside the map downgrades to free.
func New(store *entitlement.Store, products map[string]entitlement.Plan, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		products: products,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Update is the canonical entitlement update every platform input is
// normalized into. An empty Plan means "keep the account's current plan".
type Update struct {
	AccountKey  string
	Platform    entitlement.Platform
	Plan        entitlement.Plan
	Status      entitlement.Status
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	Receipt     *entitlement.Receipt
}

// Apply writes the update through the conflict and idempotence guards.
//
// Conflict rule: an update for platform X lands only if X already owns the
// entitlement, or the existing owner's subscription has lapsed, or the
// update's expiry is later than the owner's recorded expiry. The
// most-recently-expiring subscription wins and becomes the new owner; the
// losing platform's receipt metadata is discarded by the replacement write.
//
// Idempotence: re-delivery of an already-applied event (same platform,
// plan, and status, period end not newer) is a no-op, so at-least-once
// webhook delivery cannot double-apply.
func (r *Reconciler) Apply(u Update) error {
	cur, err := r.store.Get(u.AccountKey)
	if err != nil {
		return err
	}
	now := r.now()

	if u.Plan == "" {
		u.Plan = cur.Plan
	}

	if u.Platform != cur.Platform && !ownerLapsed(cur, now) && !expiresAfter(u.PeriodEnd, cur.PeriodEnd) {
		r.logger.Info("reconciliation skipped, platform conflict",
			"account", u.AccountKey, "event_platform", u.Platform,
			"owner", cur.Platform, "owner_period_end", cur.PeriodEnd)
		return nil
	}

	if u.Platform == cur.Platform && u.Status == cur.Status && u.Plan == cur.Plan &&
		!expiresAfter(u.PeriodEnd, cur.PeriodEnd) {
		r.logger.Debug("reconciliation no-op, event already applied",
			"account", u.AccountKey, "platform", u.Platform, "status", u.Status)
		return nil
	}

	err = r.store.SetEntitlement(u.AccountKey, entitlement.Change{
		Plan:        u.Plan,
		Status:      u.Status,
		Platform:    u.Platform,
		PeriodStart: u.PeriodStart,
		PeriodEnd:   u.PeriodEnd,
		Receipt:     u.Receipt,
	})
	if err != nil {
		return err
	}

	if u.Status == entitlement.StatusPastDue && cur.Status != entitlement.StatusPastDue && r.notifier != nil {
		if err := r.notifier.PaymentFailed(cur.Email, u.Plan); err != nil {
			r.logger.Error("payment failure alert", "account", u.AccountKey, "error", err)
		}
	}
	return nil
}

// ownerLapsed reports whether the current owner's claim has expired. An
// account with no recorded period end (the free tier) holds no active
// paid claim.
func ownerLapsed(e *entitlement.Entitlement, now time.Time) bool {
	if e.Plan == entitlement.PlanFree || e.PeriodEnd == nil {
		return true
	}
	return now.After(*e.PeriodEnd)
}

// expiresAfter reports whether a is a strictly later expiry than b.
func expiresAfter(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	return b == nil || a.After(*b)
}
