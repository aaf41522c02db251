package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// HandleFeed returns an HTTP handler that upgrades the connection and
// streams usage events for the account identified by accountKey.
func HandleFeed(hub *Hub, accountKey func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct := accountKey(r)
		if acct == "" {
			http.Error(w, "missing account", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, nil)
		if err != nil {
			slog.Error("websocket accept", "error", err)
			return
		}

		client := NewClient(hub, conn, acct)
		client.Run(r.Context())
	}
}
