package reconcile

import (
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/metergate/internal/entitlement"
)

// HandleStripeEvent maps a verified webhook event onto a canonical
// entitlement update. Events are delivered at least once; Apply's
// idempotence guard makes re-delivery harmless. Unrecognized event types
// are ignored.
func (r *Reconciler) HandleStripeEvent(event stripe.Event) error {
	switch event.Type {
	case "customer.subscription.updated", "subscription.updated":
		return r.subscriptionUpdated(event)
	case "customer.subscription.deleted", "subscription.deleted":
		return r.subscriptionDeleted(event)
	case "invoice.payment_succeeded", "invoice.paid":
		return r.invoicePayment(event, entitlement.StatusActive)
	case "invoice.payment_failed":
		return r.invoicePayment(event, entitlement.StatusPastDue)
	default:
		r.logger.Debug("stripe event ignored", "type", event.Type)
		return nil
	}
}

func (r *Reconciler) subscriptionUpdated(event stripe.Event) error {
	sub, accountKey, err := parseSubscriptionEvent(event)
	if err != nil {
		return err
	}

	status := entitlement.StatusInactive
	if sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing {
		status = entitlement.StatusActive
	}

	start, end := subscriptionPeriod(sub)
	return r.Apply(Update{
		AccountKey:  accountKey,
		Platform:    entitlement.PlatformStripe,
		Plan:        entitlement.Plan(sub.Metadata["plan"]),
		Status:      status,
		PeriodStart: start,
		PeriodEnd:   end,
		Receipt:     stripeReceipt(sub.ID, end),
	})
}

func (r *Reconciler) subscriptionDeleted(event stripe.Event) error {
	sub, accountKey, err := parseSubscriptionEvent(event)
	if err != nil {
		return err
	}

	_, end := subscriptionPeriod(sub)
	if sub.EndedAt > 0 {
		end = unixTime(sub.EndedAt)
	} else if sub.CanceledAt > 0 {
		end = unixTime(sub.CanceledAt)
	}

	return r.Apply(Update{
		AccountKey: accountKey,
		Platform:   entitlement.PlatformStripe,
		Plan:       entitlement.Plan(sub.Metadata["plan"]),
		Status:     entitlement.StatusCancelled,
		PeriodEnd:  end,
		Receipt:    stripeReceipt(sub.ID, end),
	})
}

func (r *Reconciler) invoicePayment(event stripe.Event, status entitlement.Status) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("unmarshal invoice: %w", err)
	}

	accountKey := invoice.Metadata["account_email"]
	if accountKey == "" {
		accountKey = invoice.CustomerEmail
	}
	if accountKey == "" {
		return fmt.Errorf("invoice %s carries no account: %w", invoice.ID, entitlement.ErrNotFound)
	}

	var end *time.Time
	if invoice.PeriodEnd > 0 {
		end = unixTime(invoice.PeriodEnd)
	}

	return r.Apply(Update{
		AccountKey: accountKey,
		Platform:   entitlement.PlatformStripe,
		Plan:       entitlement.Plan(invoice.Metadata["plan"]),
		Status:     status,
		PeriodEnd:  end,
		Receipt:    stripeReceipt(invoiceSubscriptionID(invoice), end),
	})
}

func parseSubscriptionEvent(event stripe.Event) (*stripe.Subscription, string, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, "", fmt.Errorf("unmarshal subscription: %w", err)
	}
	accountKey := sub.Metadata["account_email"]
	if accountKey == "" && sub.Customer != nil {
		accountKey = sub.Customer.Email
	}
	if accountKey == "" {
		return nil, "", fmt.Errorf("subscription %s carries no account: %w", sub.ID, entitlement.ErrNotFound)
	}
	return &sub, accountKey, nil
}

// subscriptionPeriod reads the current period from the first subscription
// item, where the API reports it.
func subscriptionPeriod(sub *stripe.Subscription) (start, end *time.Time) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, nil
	}
	item := sub.Items.Data[0]
	if item.CurrentPeriodStart > 0 {
		start = unixTime(item.CurrentPeriodStart)
	}
	if item.CurrentPeriodEnd > 0 {
		end = unixTime(item.CurrentPeriodEnd)
	}
	return start, end
}

// invoiceSubscriptionID extracts the subscription id from an invoice's parent.
func invoiceSubscriptionID(invoice stripe.Invoice) string {
	if invoice.Parent != nil &&
		invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != nil {
		return invoice.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

func stripeReceipt(subscriptionID string, end *time.Time) *entitlement.Receipt {
	if subscriptionID == "" {
		return nil
	}
	return &entitlement.Receipt{
		TransactionID:         subscriptionID,
		OriginalTransactionID: subscriptionID,
		ExpiryTime:            end,
	}
}

func unixTime(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}
