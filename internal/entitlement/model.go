package entitlement

import "time"

// Plan identifies a subscription tier. Plans are ordered: free < pro < enterprise.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

var planRanks = map[Plan]int{
	PlanFree:       0,
	PlanPro:        1,
	PlanEnterprise: 2,
}

// Rank returns the plan's position in the tier ordering, or -1 for an
// unknown plan.
func (p Plan) Rank() int {
	if r, ok := planRanks[p]; ok {
		return r
	}
	return -1
}

// Known reports whether p is one of the defined plans.
func (p Plan) Known() bool {
	_, ok := planRanks[p]
	return ok
}

// Status is the subscription lifecycle state reported by the owning platform.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusCancelled Status = "cancelled"
	StatusPastDue   Status = "past_due"
	StatusExpired   Status = "expired"
)

// Platform identifies which payment system owns renewal and cancellation
// authority for an entitlement.
type Platform string

const (
	PlatformStripe  Platform = "stripe"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// UnlimitedLimit marks a counter with no cap.
const UnlimitedLimit int64 = -1

// Counter pairs consumed quantity with its cap. A Limit of -1 means unlimited.
type Counter struct {
	Current int64 `json:"current"`
	Limit   int64 `json:"limit"`
}

// Exhausted reports whether the counter has reached its cap.
func (c Counter) Exhausted() bool {
	return c.Limit != UnlimitedLimit && c.Current >= c.Limit
}

// Usage holds the two independent metering counters for a billing period.
type Usage struct {
	Requests Counter `json:"requests"`
	Tokens   Counter `json:"tokens"`
}

// Limits is the fixed counter caps attached to a plan.
type Limits struct {
	Requests int64
	Tokens   int64
}

var planLimits = map[Plan]Limits{
	PlanFree:       {Requests: 100, Tokens: 10000},
	PlanPro:        {Requests: 5000, Tokens: 500000},
	PlanEnterprise: {Requests: UnlimitedLimit, Tokens: UnlimitedLimit},
}

// LimitsFor returns the fixed limits for a plan. Unknown plans get the
// free-tier limits so a bad plan name can never widen access.
func LimitsFor(p Plan) Limits {
	if l, ok := planLimits[p]; ok {
		return l
	}
	return planLimits[PlanFree]
}

// Receipt holds platform purchase metadata for the currently-winning
// subscription. At most one platform's receipt is stored per account.
type Receipt struct {
	ProductID             string     `json:"product_id"`
	TransactionID         string     `json:"transaction_id"`
	OriginalTransactionID string     `json:"original_transaction_id"`
	PurchaseTime          *time.Time `json:"purchase_time,omitempty"`
	ExpiryTime            *time.Time `json:"expiry_time,omitempty"`
	LastValidated         *time.Time `json:"last_validated,omitempty"`
}

// Entitlement is the authoritative per-account subscription record.
type Entitlement struct {
	AccountID   string     `json:"account_id"`
	Email       string     `json:"email"`
	Plan        Plan       `json:"plan"`
	Status      Status     `json:"status"`
	Platform    Platform   `json:"platform"`
	Usage       Usage      `json:"usage"`
	ResetDate   time.Time  `json:"reset_date"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	Receipt     *Receipt   `json:"receipt,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the subscription is active at the given instant:
// status is active and the platform-supplied validity window has not closed.
// Free entitlements carry no period end and are always within their window.
func (e *Entitlement) ActiveAt(now time.Time) bool {
	if e.Status != StatusActive {
		return false
	}
	return e.PeriodEnd == nil || now.Before(*e.PeriodEnd)
}

// Summary is the read-only usage view exposed to status-reporting endpoints.
type Summary struct {
	Plan      Plan       `json:"plan"`
	Status    Status     `json:"status"`
	Requests  Counter    `json:"requests"`
	Tokens    Counter    `json:"tokens"`
	ResetDate time.Time  `json:"reset_date"`
	PeriodEnd *time.Time `json:"period_end,omitempty"`
}

// NextResetDate returns the first instant of the calendar month following now, in UTC.
func NextResetDate(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
