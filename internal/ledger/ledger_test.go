package ledger

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dukerupert/metergate/internal/database"
	"github.com/dukerupert/metergate/internal/entitlement"
)

func setupLedger(t *testing.T) (*Store, string) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	es := entitlement.NewStore(db, slog.Default())
	e, err := es.Create("alice@example.com")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return NewStore(db), e.AccountID
}

func TestAppendFillsDefaults(t *testing.T) {
	s, acct := setupLedger(t)

	ev, err := s.Append(Event{AccountID: acct, Provider: "openai", Model: "gpt-4o", Tokens: 120, Cost: 0.0024})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev.EventID == "" {
		t.Error("event id not assigned")
	}
	if ev.OccurredAt.IsZero() {
		t.Error("timestamp not assigned")
	}
}

func TestQueryRangeOrdered(t *testing.T) {
	s, acct := setupLedger(t)

	base := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := s.Append(Event{
			AccountID:  acct,
			OccurredAt: base.Add(time.Duration(4-i) * time.Hour), // insert out of order
			Provider:   "openai",
			Model:      "gpt-4o",
			Tokens:     int64(100 * (i + 1)),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, err := s.Query(acct, base, base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3 (range is half-open)", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].OccurredAt.Before(events[i-1].OccurredAt) {
			t.Errorf("events not sorted ascending at %d", i)
		}
	}
}

func TestQueryOtherAccountInvisible(t *testing.T) {
	s, acct := setupLedger(t)

	if _, err := s.Append(Event{AccountID: acct, Provider: "openai", Model: "gpt-4o", Tokens: 10}); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.Query("someone-else", time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("len = %d, want 0", len(events))
	}
}

func TestSummarize(t *testing.T) {
	day1 := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 11, 9, 0, 0, 0, time.UTC)
	events := []Event{
		{OccurredAt: day1, Provider: "openai", Model: "gpt-4o", Tokens: 100, Cost: 0.002},
		{OccurredAt: day1, Provider: "anthropic", Model: "claude-sonnet", Tokens: 200, Cost: 0.006},
		{OccurredAt: day2, Provider: "openai", Model: "gpt-4o-mini", Tokens: 50, Cost: 0.0005},
	}

	r := Summarize(events)
	if r.Requests != 3 {
		t.Errorf("requests = %d, want 3", r.Requests)
	}
	if r.Tokens != 350 {
		t.Errorf("tokens = %d, want 350", r.Tokens)
	}
	if len(r.ByDay) != 2 {
		t.Fatalf("by_day len = %d, want 2", len(r.ByDay))
	}
	if r.ByDay[0].Key != "2026-08-10" || r.ByDay[0].Requests != 2 {
		t.Errorf("by_day[0] = %+v, want 2026-08-10 with 2 requests", r.ByDay[0])
	}
	if len(r.ByProvider) != 2 || len(r.ByModel) != 3 {
		t.Errorf("by_provider len = %d, by_model len = %d, want 2 and 3", len(r.ByProvider), len(r.ByModel))
	}
}

func TestSummarizeEmpty(t *testing.T) {
	r := Summarize(nil)
	if r.Requests != 0 || r.Tokens != 0 || len(r.ByDay) != 0 {
		t.Errorf("empty rollup = %+v, want zero values", r)
	}
}
