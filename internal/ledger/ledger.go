// Package ledger is the append-only record of individual metered events.
// Rows are immutable once written; the running service never updates or
// deletes them.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is one completed metered request.
type Event struct {
	AccountID  string    `json:"account_id"`
	OccurredAt time.Time `json:"occurred_at"`
	EventID    string    `json:"event_id"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Tokens     int64     `json:"tokens"`
	Cost       float64   `json:"cost"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append writes a new immutable row. A zero EventID or OccurredAt is
// filled in here so callers only supply what they measured. The caller
// on the metered request path treats a returned error as non-fatal.
func (s *Store) Append(ev Event) (*Event, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	} else {
		ev.OccurredAt = ev.OccurredAt.UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO usage_events (account_id, occurred_at, event_id, provider, model, tokens, cost)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.AccountID, ev.OccurredAt, ev.EventID, ev.Provider, ev.Model, ev.Tokens, ev.Cost,
	)
	if err != nil {
		return nil, fmt.Errorf("append usage event: %w", err)
	}
	return &ev, nil
}

// Query returns the account's events in [start, end), sorted by time ascending.
func (s *Store) Query(accountID string, start, end time.Time) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT account_id, occurred_at, event_id, provider, model, tokens, cost
		 FROM usage_events
		 WHERE account_id = ? AND occurred_at >= ? AND occurred_at < ?
		 ORDER BY occurred_at ASC`,
		accountID, start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.AccountID, &ev.OccurredAt, &ev.EventID, &ev.Provider, &ev.Model, &ev.Tokens, &ev.Cost); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage events: %w", err)
	}
	return events, nil
}
