package entitlement

import (
	"testing"
	"time"
)

func testEntitlement(plan Plan, status Status) *Entitlement {
	limits := LimitsFor(plan)
	return &Entitlement{
		AccountID: "acct-1",
		Email:     "alice@example.com",
		Plan:      plan,
		Status:    status,
		Platform:  PlatformStripe,
		Usage: Usage{
			Requests: Counter{Current: 0, Limit: limits.Requests},
			Tokens:   Counter{Current: 0, Limit: limits.Tokens},
		},
		ResetDate: NextResetDate(time.Now()),
	}
}

func TestCanProceedNilEntitlement(t *testing.T) {
	d := CanProceed(nil, time.Now())
	if d.Allowed {
		t.Error("nil entitlement must be denied")
	}
	if d.Reason != ReasonNoEntitlement {
		t.Errorf("reason = %q, want %q", d.Reason, ReasonNoEntitlement)
	}
}

func TestCanProceedUnderLimit(t *testing.T) {
	e := testEntitlement(PlanFree, StatusActive)
	e.Usage.Requests.Current = 99

	if d := CanProceed(e, time.Now()); !d.Allowed {
		t.Errorf("denied with %q under the limit", d.Reason)
	}
}

func TestCanProceedAtLimit(t *testing.T) {
	e := testEntitlement(PlanFree, StatusActive)
	e.Usage.Requests.Current = 100

	d := CanProceed(e, time.Now())
	if d.Allowed {
		t.Error("allowed at the limit")
	}
	if d.Reason != ReasonUsageLimitExceeded {
		t.Errorf("reason = %q, want %q", d.Reason, ReasonUsageLimitExceeded)
	}
	if d.Reason.Err() != ErrUsageLimitExceeded {
		t.Errorf("reason err = %v, want ErrUsageLimitExceeded", d.Reason.Err())
	}
}

func TestCanProceedUnlimited(t *testing.T) {
	e := testEntitlement(PlanEnterprise, StatusActive)
	e.Usage.Requests.Current = 1 << 40

	if d := CanProceed(e, time.Now()); !d.Allowed {
		t.Errorf("unlimited plan denied with %q", d.Reason)
	}
}

func TestCanProceedPastResetBoundary(t *testing.T) {
	e := testEntitlement(PlanFree, StatusActive)
	e.Usage.Requests.Current = 100

	// Counters are treated as zeroed once the boundary has passed, even
	// before ApplyReset has run.
	if d := CanProceed(e, e.ResetDate.Add(time.Minute)); !d.Allowed {
		t.Errorf("denied with %q past the reset boundary", d.Reason)
	}
}

func TestHasMinimumPlanOrdering(t *testing.T) {
	now := time.Now()
	tests := []struct {
		plan     Plan
		required Plan
		want     bool
	}{
		{PlanFree, PlanFree, true},
		{PlanFree, PlanPro, false},
		{PlanFree, PlanEnterprise, false},
		{PlanPro, PlanFree, true},
		{PlanPro, PlanPro, true},
		{PlanPro, PlanEnterprise, false},
		{PlanEnterprise, PlanPro, true},
		{PlanEnterprise, PlanEnterprise, true},
	}
	for _, tt := range tests {
		e := testEntitlement(tt.plan, StatusActive)
		d := HasMinimumPlan(e, tt.required, now)
		if d.Allowed != tt.want {
			t.Errorf("HasMinimumPlan(%s, %s) = %v, want %v", tt.plan, tt.required, d.Allowed, tt.want)
		}
		if !tt.want && d.Reason != ReasonInsufficientPlan {
			t.Errorf("HasMinimumPlan(%s, %s) reason = %q, want %q", tt.plan, tt.required, d.Reason, ReasonInsufficientPlan)
		}
	}
}

func TestHasMinimumPlanExpiredPaidPlan(t *testing.T) {
	e := testEntitlement(PlanEnterprise, StatusExpired)

	d := HasMinimumPlan(e, PlanPro, time.Now())
	if d.Allowed {
		t.Error("expired enterprise plan must be denied, not treated as free")
	}
	if d.Reason != ReasonSubscriptionExpired {
		t.Errorf("reason = %q, want %q", d.Reason, ReasonSubscriptionExpired)
	}
}

func TestHasMinimumPlanLapsedPeriod(t *testing.T) {
	e := testEntitlement(PlanPro, StatusActive)
	past := time.Now().Add(-time.Hour)
	e.PeriodEnd = &past

	d := HasMinimumPlan(e, PlanPro, time.Now())
	if d.Allowed {
		t.Error("plan past its period end must be denied")
	}
	if d.Reason != ReasonSubscriptionExpired {
		t.Errorf("reason = %q, want %q", d.Reason, ReasonSubscriptionExpired)
	}
}

func TestNextResetDate(t *testing.T) {
	got := NextResetDate(time.Date(2026, 8, 15, 13, 45, 0, 0, time.UTC))
	want := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextResetDate = %v, want %v", got, want)
	}

	// December rolls over the year.
	got = NextResetDate(time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC))
	want = time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextResetDate = %v, want %v", got, want)
	}
}

func TestLimitsForUnknownPlan(t *testing.T) {
	l := LimitsFor(Plan("platinum"))
	if l != LimitsFor(PlanFree) {
		t.Errorf("unknown plan limits = %+v, want free-tier limits", l)
	}
}
