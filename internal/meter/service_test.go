package meter

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukerupert/metergate/internal/database"
	"github.com/dukerupert/metergate/internal/entitlement"
	"github.com/dukerupert/metergate/internal/ledger"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func setupService(t *testing.T, clock *fakeClock) (*Service, *entitlement.Store) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	es := entitlement.NewStore(db, slog.Default())
	ls := ledger.NewStore(db)
	svc := New(es, ls, slog.Default(), WithClock(clock.Now))
	return svc, es
}

// Register, consume the whole free quota, get denied, cross the reset
// boundary, and get admitted again with zeroed counters.
func TestMeteredRequestLifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)}
	svc, es := setupService(t, clock)
	ctx := context.Background()

	if _, err := es.Create("alice@example.com"); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 100; i++ {
		_, d, err := svc.Authorize(ctx, "alice@example.com", "")
		if err != nil {
			t.Fatalf("authorize %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("authorize %d denied with %q", i, d.Reason)
		}
		if err := svc.Complete(ctx, "alice@example.com", Completion{Provider: "openai", Model: "gpt-4o", Tokens: 500}); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}

	_, d, err := svc.Authorize(ctx, "alice@example.com", "")
	if err != nil {
		t.Fatalf("authorize 101: %v", err)
	}
	if d.Allowed {
		t.Fatal("101st request admitted past the limit")
	}
	if d.Reason != entitlement.ReasonUsageLimitExceeded {
		t.Errorf("reason = %q, want %q", d.Reason, entitlement.ReasonUsageLimitExceeded)
	}

	// Advance past the reset boundary; authorization applies the lazy reset.
	clock.now = time.Date(2026, 9, 1, 0, 0, 1, 0, time.UTC)
	e, d, err := svc.Authorize(ctx, "alice@example.com", "")
	if err != nil {
		t.Fatalf("authorize after reset: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("denied with %q after reset", d.Reason)
	}
	if e.Usage.Requests.Current != 0 || e.Usage.Tokens.Current != 0 {
		t.Errorf("counters = %d/%d after reset, want 0/0", e.Usage.Requests.Current, e.Usage.Tokens.Current)
	}
}

func TestAuthorizeUnknownAccount(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	svc, _ := setupService(t, clock)

	_, d, err := svc.Authorize(context.Background(), "nobody@example.com", "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Allowed {
		t.Fatal("unknown account admitted")
	}
	if d.Reason != entitlement.ReasonNoEntitlement {
		t.Errorf("reason = %q, want %q", d.Reason, entitlement.ReasonNoEntitlement)
	}
}

func TestAuthorizePlanGate(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	svc, es := setupService(t, clock)
	ctx := context.Background()

	es.Create("alice@example.com")

	_, d, err := svc.Authorize(ctx, "alice@example.com", entitlement.PlanPro)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Allowed {
		t.Fatal("free account admitted to pro-gated feature")
	}
	if d.Reason != entitlement.ReasonInsufficientPlan {
		t.Errorf("reason = %q, want %q", d.Reason, entitlement.ReasonInsufficientPlan)
	}

	end := clock.now.Add(30 * 24 * time.Hour)
	if err := es.SetEntitlement("alice@example.com", entitlement.Change{
		Plan: entitlement.PlanPro, Status: entitlement.StatusActive,
		Platform: entitlement.PlatformStripe, PeriodEnd: &end,
	}); err != nil {
		t.Fatalf("set entitlement: %v", err)
	}

	_, d, err = svc.Authorize(ctx, "alice@example.com", entitlement.PlanPro)
	if err != nil {
		t.Fatalf("authorize pro: %v", err)
	}
	if !d.Allowed {
		t.Errorf("pro account denied with %q", d.Reason)
	}
}

type captureBroadcaster struct {
	events []ledger.Event
}

func (c *captureBroadcaster) UsageRecorded(ev ledger.Event) {
	c.events = append(c.events, ev)
}

func TestCompleteBroadcastsEvent(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	es := entitlement.NewStore(db, slog.Default())
	ls := ledger.NewStore(db)
	bc := &captureBroadcaster{}
	svc := New(es, ls, slog.Default(), WithClock(clock.Now), WithBroadcaster(bc))

	es.Create("alice@example.com")
	if err := svc.Complete(context.Background(), "alice@example.com", Completion{Provider: "anthropic", Model: "claude-sonnet", Tokens: 321}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if len(bc.events) != 1 {
		t.Fatalf("broadcast events = %d, want 1", len(bc.events))
	}
	if bc.events[0].Tokens != 321 {
		t.Errorf("tokens = %d, want 321", bc.events[0].Tokens)
	}
}

func TestCompleteZeroTokens(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	svc, es := setupService(t, clock)

	es.Create("alice@example.com")
	if err := svc.Complete(context.Background(), "alice@example.com", Completion{Provider: "local", Model: "stub"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	e, _ := es.Get("alice@example.com")
	if e.Usage.Requests.Current != 1 {
		t.Errorf("requests.current = %d, want 1", e.Usage.Requests.Current)
	}
	if e.Usage.Tokens.Current != 0 {
		t.Errorf("tokens.current = %d, want 0", e.Usage.Tokens.Current)
	}
}
