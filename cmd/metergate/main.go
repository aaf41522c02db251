package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dukerupert/metergate/internal/appstore"
	"github.com/dukerupert/metergate/internal/archive"
	"github.com/dukerupert/metergate/internal/database"
	"github.com/dukerupert/metergate/internal/entitlement"
	"github.com/dukerupert/metergate/internal/logging"
	"github.com/dukerupert/metergate/internal/notify"
	"github.com/dukerupert/metergate/internal/server"
)

func main() {
	logger := logging.Setup(os.Getenv("METERGATE_LOG_LEVEL"), os.Getenv("METERGATE_LOG_FORMAT"))

	port := os.Getenv("METERGATE_PORT")
	if port == "" {
		port = "8080"
	}

	dbPath := os.Getenv("METERGATE_DB_PATH")
	if dbPath == "" {
		dbPath = "metergate.db"
	}

	db, err := database.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	billingURL := os.Getenv("METERGATE_BILLING_URL")
	emailClient := notify.NewClient(
		os.Getenv("METERGATE_POSTMARK_TOKEN"),
		os.Getenv("METERGATE_FROM_EMAIL"),
		billingURL,
	)

	cfg := server.Config{
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		AppStore: appstore.Config{
			SharedSecret: os.Getenv("APPSTORE_SHARED_SECRET"),
		},
		Products:    parseProducts(os.Getenv("METERGATE_PRODUCTS")),
		EmailClient: emailClient,
	}

	srv := server.New(db, cfg, logger)

	archiveSvc := archive.NewService(archive.Config{
		S3: archive.S3Config{
			Endpoint:  os.Getenv("ARCHIVE_S3_ENDPOINT"),
			Bucket:    os.Getenv("ARCHIVE_S3_BUCKET"),
			Region:    os.Getenv("ARCHIVE_S3_REGION"),
			AccessKey: os.Getenv("ARCHIVE_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("ARCHIVE_S3_SECRET_KEY"),
		},
		Passphrase:    os.Getenv("ARCHIVE_PASSPHRASE"),
		RetentionDays: envInt("ARCHIVE_RETENTION_DAYS", 30),
		ScheduleHour:  envInt("ARCHIVE_SCHEDULE_HOUR", 3),
	}, db, logger.With("component", "archive"))

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go archiveSvc.Run(bgCtx)

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-bgCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("metergate starting", "addr", ":"+port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// parseProducts reads "product_id=plan" pairs separated by commas.
func parseProducts(s string) map[string]entitlement.Plan {
	products := map[string]entitlement.Plan{
		"com.metergate.pro.monthly":        entitlement.PlanPro,
		"com.metergate.enterprise.monthly": entitlement.PlanEnterprise,
	}
	if s == "" {
		return products
	}

	products = make(map[string]entitlement.Plan)
	for _, pair := range strings.Split(s, ",") {
		id, plan, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		products[id] = entitlement.Plan(plan)
	}
	return products
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
