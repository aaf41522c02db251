package entitlement

import "time"

// Reason classifies why the admission gate denied a request.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonNoEntitlement       Reason = "no_entitlement"
	ReasonUsageLimitExceeded  Reason = "usage_limit_exceeded"
	ReasonInsufficientPlan    Reason = "insufficient_plan"
	ReasonSubscriptionExpired Reason = "subscription_expired"
)

// Err maps a denial reason onto the error taxonomy.
func (r Reason) Err() error {
	switch r {
	case ReasonNoEntitlement:
		return ErrNotFound
	case ReasonUsageLimitExceeded:
		return ErrUsageLimitExceeded
	case ReasonInsufficientPlan:
		return ErrInsufficientPlan
	case ReasonSubscriptionExpired:
		return ErrSubscriptionExpired
	}
	return nil
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
}

func allow() Decision        { return Decision{Allowed: true} }
func deny(r Reason) Decision { return Decision{Allowed: false, Reason: r} }

// CanProceed decides whether a metered request may run against the given
// entitlement snapshot. If the reset boundary has passed, the counters are
// treated as already zeroed; the actual reset is applied separately by
// Store.ApplyReset. A missing entitlement is always denied.
func CanProceed(e *Entitlement, now time.Time) Decision {
	if e == nil {
		return deny(ReasonNoEntitlement)
	}
	if now.UTC().After(e.ResetDate) {
		return allow()
	}
	if e.Usage.Requests.Exhausted() {
		return deny(ReasonUsageLimitExceeded)
	}
	return allow()
}

// HasMinimumPlan decides whether the entitlement's tier satisfies the
// required plan. A paid plan whose subscription is no longer active is
// rejected with a renew signal rather than silently treated as free.
func HasMinimumPlan(e *Entitlement, required Plan, now time.Time) Decision {
	if e == nil {
		return deny(ReasonNoEntitlement)
	}
	if e.Plan != PlanFree && !e.ActiveAt(now) {
		return deny(ReasonSubscriptionExpired)
	}
	if e.Plan.Rank() >= required.Rank() {
		return allow()
	}
	return deny(ReasonInsufficientPlan)
}
