package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"flowdeck.app/cloud/license"
)

const defaultCatalog = "flowdeck-perpetual:perpetual,flowdeck-monthly:subscription,flowdeck-yearly:subscription"

type Config struct {
	Port         string
	DatabasePath string

	StripeSecret        string
	StripeWebhookSecret string
	WebhookTolerance    time.Duration

	TrialPeriod time.Duration
	Catalog     license.Catalog

	SentryDSN      string
	AllowedOrigins []string
}

func New() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	databasePath := os.Getenv("DATABASE_PATH")
	if databasePath == "" {
		databasePath = "flowdeck.db"
	}

	stripeSecret := os.Getenv("STRIPE_SECRET")
	if stripeSecret == "" {
		return nil, errors.New("STRIPE_SECRET environment variable is required")
	}

	stripeWebhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if stripeWebhookSecret == "" {
		return nil, errors.New("STRIPE_WEBHOOK_SECRET environment variable is required")
	}

	tolerance, err := durationFromEnv("WEBHOOK_TOLERANCE_SECONDS", time.Second, 300*time.Second)
	if err != nil {
		return nil, err
	}

	trialPeriod, err := durationFromEnv("TRIAL_PERIOD_DAYS", 24*time.Hour, 14*24*time.Hour)
	if err != nil {
		return nil, err
	}

	catalogSpec := os.Getenv("PRODUCT_CATALOG")
	if catalogSpec == "" {
		catalogSpec = defaultCatalog
	}
	catalog, err := license.ParseCatalog(catalogSpec)
	if err != nil {
		return nil, fmt.Errorf("PRODUCT_CATALOG: %w", err)
	}

	allowedOrigins := []string{"https://flowdeck.app"}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		allowedOrigins = strings.Split(origins, ",")
	}

	return &Config{
		Port:                port,
		DatabasePath:        databasePath,
		StripeSecret:        stripeSecret,
		StripeWebhookSecret: stripeWebhookSecret,
		WebhookTolerance:    tolerance,
		TrialPeriod:         trialPeriod,
		Catalog:             catalog,
		SentryDSN:           os.Getenv("SENTRY_DSN"),
		AllowedOrigins:      allowedOrigins,
	}, nil
}

func durationFromEnv(name string, unit, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, raw)
	}
	return time.Duration(n) * unit, nil
}
