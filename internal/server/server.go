// Package server wires the stores, reconciler, and meter behind the HTTP API.
package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/metergate/internal/appstore"
	"github.com/dukerupert/metergate/internal/entitlement"
	"github.com/dukerupert/metergate/internal/ledger"
	"github.com/dukerupert/metergate/internal/meter"
	"github.com/dukerupert/metergate/internal/middleware"
	"github.com/dukerupert/metergate/internal/notify"
	"github.com/dukerupert/metergate/internal/reconcile"
	"github.com/dukerupert/metergate/internal/server/handler"
	ws "github.com/dukerupert/metergate/internal/websocket"
)

type Config struct {
	// StripeWebhookSecret enables POST /webhooks/stripe when set.
	StripeWebhookSecret string
	// AppStore holds the shared secret for receipt verification.
	AppStore appstore.Config
	// Products maps platform product identifiers to plans.
	Products map[string]entitlement.Plan
	// EmailClient sends past_due alerts when configured. Optional.
	EmailClient *notify.Client
}

type Server struct {
	db          *sql.DB
	store       *entitlement.Store
	events      *ledger.Store
	meter       *meter.Service
	reconciler  *reconcile.Reconciler
	hub         *ws.Hub
	accountH    *handler.AccountHandler
	usageH      *handler.UsageHandler
	receiptH    *handler.ReceiptHandler
	webhookH    *handler.StripeWebhookHandler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	store := entitlement.NewStore(db, logger.With("component", "entitlement"))
	events := ledger.NewStore(db)
	hub := ws.NewHub(logger.With("component", "websocket"))

	meterSvc := meter.New(store, events, logger.With("component", "meter"),
		meter.WithBroadcaster(hub))

	opts := []reconcile.Option{
		reconcile.WithVerifier(appstore.NewClient(cfg.AppStore)),
	}
	if cfg.EmailClient != nil && cfg.EmailClient.Configured() {
		opts = append(opts, reconcile.WithNotifier(cfg.EmailClient))
	}
	reconciler := reconcile.New(store, cfg.Products, logger.With("component", "reconcile"), opts...)

	var webhookH *handler.StripeWebhookHandler
	if cfg.StripeWebhookSecret != "" {
		webhookH = handler.NewStripeWebhookHandler(reconciler, cfg.StripeWebhookSecret, logger.With("component", "webhook"))
	}

	return &Server{
		db:          db,
		store:       store,
		events:      events,
		meter:       meterSvc,
		reconciler:  reconciler,
		hub:         hub,
		accountH:    handler.NewAccountHandler(store, logger.With("component", "account")),
		usageH:      handler.NewUsageHandler(store, events, logger.With("component", "usage")),
		receiptH:    handler.NewReceiptHandler(reconciler, logger.With("component", "receipt")),
		webhookH:    webhookH,
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}
}

// Meter exposes the admission service for in-process callers.
func (s *Server) Meter() *meter.Service {
	return s.meter
}

// Hub returns the usage feed hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)

	// Public, rate-limited by client IP
	mux.Handle("POST /api/accounts", s.rateLimited(http.HandlerFunc(s.accountH.Create)))

	// Account-scoped reads
	mux.Handle("GET /api/usage/summary", middleware.RequireAccount(http.HandlerFunc(s.usageH.Summary)))
	mux.Handle("GET /api/usage/events", middleware.RequireAccount(http.HandlerFunc(s.usageH.Events)))

	// Receipt validation and restore
	mux.Handle("POST /api/receipts/ios", s.rateLimited(middleware.RequireAccount(http.HandlerFunc(s.receiptH.Validate))))

	// Platform callbacks (no account header; identity comes from the payload)
	if s.webhookH != nil {
		mux.HandleFunc("POST /webhooks/stripe", s.webhookH.Handle)
	}
	mux.HandleFunc("POST /webhooks/appstore", s.receiptH.StoreNotification)

	// Live usage feed
	mux.HandleFunc("GET /ws/usage", ws.HandleFeed(s.hub, s.resolveAccountID))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

// resolveAccountID maps the trusted header (email or id) onto the opaque
// account id that ledger events carry. Unknown callers resolve to empty,
// which the feed rejects.
func (s *Server) resolveAccountID(r *http.Request) string {
	key := middleware.AccountKeyFromRequest(r)
	if key == "" {
		return ""
	}
	e, err := s.store.Get(key)
	if err != nil {
		return ""
	}
	return e.AccountID
}

func (s *Server) rateLimited(h http.Handler) http.Handler {
	return middleware.RateLimit(s.rateLimiter, middleware.AccountOrIP, 10, time.Minute)(h)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
