package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"

	"flowdeck.app/cloud/handlers"
	"flowdeck.app/cloud/internal/config"
	"flowdeck.app/cloud/internal/logger"
	"flowdeck.app/cloud/internal/metrics"
	"flowdeck.app/cloud/internal/stripeclient"
	"flowdeck.app/cloud/license"
	"flowdeck.app/cloud/storage"
)

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config: %s", err)
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		TracesSampleRate: 1.0,
	}); err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}

	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("storage: %s", err)
	}

	stripeClient := stripeclient.New(cfg.StripeSecret)
	engine := license.NewEngine(store, stripeClient, stripeClient, cfg.Catalog, cfg.TrialPeriod)

	metrics.Init()
	server := handlers.NewServer(cfg, store, engine, version)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("FlowDeck Cloud API starting", map[string]interface{}{
			"version": version,
			"port":    cfg.Port,
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var result *multierror.Error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	sentry.Flush(2 * time.Second)

	if err := result.ErrorOrNil(); err != nil {
		log.Fatalf("shutdown: %s", err)
	}
}
