// Package websocket streams appended usage events to connected dashboard
// clients. Delivery is best-effort: a slow client drops messages rather
// than back-pressuring the metered request path.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukerupert/metergate/internal/ledger"
)

// Message is the feed frame sent for every recorded usage event.
type Message struct {
	Type  string       `json:"type"`
	Event ledger.Event `json:"event"`
}

// Hub maintains the set of active feed clients and fans out usage events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// UsageRecorded broadcasts a recorded usage event to every client
// subscribed to that account. Implements the metering service's
// broadcaster contract.
func (h *Hub) UsageRecorded(ev ledger.Event) {
	data, err := json.Marshal(Message{Type: "usage_event", Event: ev})
	if err != nil {
		h.logger.Error("marshal usage event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.accountID != ev.AccountID {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Client buffer full — drop message to avoid blocking
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
