package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/metergate/internal/entitlement"
	"github.com/dukerupert/metergate/internal/ledger"
	"github.com/dukerupert/metergate/internal/middleware"
)

const defaultEventsWindow = 30 * 24 * time.Hour

type UsageHandler struct {
	store  *entitlement.Store
	events *ledger.Store
	logger *slog.Logger
}

func NewUsageHandler(store *entitlement.Store, events *ledger.Store, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{store: store, events: events, logger: logger}
}

// Summary reports the caller's current plan, counters, and reset date.
// Reads never mutate: a pending lazy reset is reflected, not applied.
func (h *UsageHandler) Summary(w http.ResponseWriter, r *http.Request) {
	key := middleware.AccountKeyFromContext(r.Context())

	summary, err := h.store.Summary(key)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

type eventsResponse struct {
	Start  time.Time      `json:"start"`
	End    time.Time      `json:"end"`
	Rollup ledger.Rollup  `json:"rollup"`
	Events []ledger.Event `json:"events"`
}

// Events returns the raw ledger rows and their rollup for a half-open
// [start, end) range. The range defaults to the trailing 30 days.
func (h *UsageHandler) Events(w http.ResponseWriter, r *http.Request) {
	key := middleware.AccountKeyFromContext(r.Context())

	e, err := h.store.Get(key)
	if err != nil {
		respondError(w, err)
		return
	}

	end := time.Now().UTC()
	start := end.Add(-defaultEventsWindow)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_start"})
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_end"})
			return
		}
		end = t
	}

	events, err := h.events.Query(e.AccountID, start, end)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, eventsResponse{
		Start:  start,
		End:    end,
		Rollup: ledger.Summarize(events),
		Events: events,
	})
}
