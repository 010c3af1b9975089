package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82"

	"flowdeck.app/cloud/internal/config"
	"flowdeck.app/cloud/internal/testutil"
	"flowdeck.app/cloud/license"
	"flowdeck.app/cloud/models"
	"flowdeck.app/cloud/storage"
)

type fakeCustomers struct {
	customers map[string]*stripe.Customer
}

func (f *fakeCustomers) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	return f.customers[id], nil
}

type fakeCanceler struct {
	canceled []string
}

func (f *fakeCanceler) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	f.canceled = append(f.canceled, subscriptionID)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	catalog, err := license.ParseCatalog("perpetual-sku:perpetual,sub-sku:subscription")
	if err != nil {
		t.Fatalf("Failed to parse catalog: %v", err)
	}
	return &config.Config{
		Port:                "8080",
		StripeSecret:        "sk_test_123",
		StripeWebhookSecret: "whsec_test",
		WebhookTolerance:    300 * time.Second,
		TrialPeriod:         14 * 24 * time.Hour,
		Catalog:             catalog,
		AllowedOrigins:      []string{"*"},
	}
}

func newTestServer(t *testing.T) (*Server, *storage.MemoryStorage, *fakeCanceler) {
	t.Helper()
	t.Setenv("TEST_MODE", "true")

	store := storage.NewMemoryStorage()
	cfg := testConfig(t)
	canceler := &fakeCanceler{}
	customers := &fakeCustomers{customers: make(map[string]*stripe.Customer)}
	engine := license.NewEngine(store, customers, canceler, cfg.Catalog, cfg.TrialPeriod)

	return NewServer(cfg, store, engine, "test"), store, canceler
}

func TestStripeWebhook_CheckoutCompletedCreatesLicense(t *testing.T) {
	server, store, _ := newTestServer(t)

	payload := testutil.StripeEvent("checkout.session.completed",
		testutil.CheckoutSession("u1", "payment", "perpetual-sku", ""))

	w := testutil.PostWebhook(t, server.Router, payload)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["received"] != "true" {
		t.Errorf("Expected received='true', got %q", response["received"])
	}

	lic, err := store.FindActiveLicenseByUser(context.Background(), "u1")
	if err != nil || lic == nil {
		t.Fatalf("Expected stored license for u1, got %+v, %v", lic, err)
	}
	if lic.LicenseType != models.TypePerpetual {
		t.Errorf("Expected perpetual license, got %q", lic.LicenseType)
	}
}

func TestStripeWebhook_InvalidJSON(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := testutil.PostWebhook(t, server.Router, []byte("not json"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestStripeWebhook_UnknownEventTypeIgnored(t *testing.T) {
	server, store, _ := newTestServer(t)

	payload := testutil.StripeEvent("customer.tax_id.created", map[string]interface{}{"id": "txi_1"})
	w := testutil.PostWebhook(t, server.Router, payload)

	if w.Code != http.StatusOK {
		t.Errorf("Expected unknown event type to be acknowledged, got %d", w.Code)
	}
	if store.Count() != 0 {
		t.Errorf("Expected no records written, got %d", store.Count())
	}
}

func TestStripeWebhook_UnknownProductAcknowledged(t *testing.T) {
	server, store, _ := newTestServer(t)

	payload := testutil.StripeEvent("checkout.session.completed",
		testutil.CheckoutSession("u1", "payment", "retired-sku", ""))

	w := testutil.PostWebhook(t, server.Router, payload)

	// Policy failure, not an infrastructure fault: acknowledged so Stripe
	// stops redelivering, but no record is written.
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if store.Count() != 0 {
		t.Errorf("Expected no records written, got %d", store.Count())
	}
}

func TestStripeWebhook_MissingProductAcknowledged(t *testing.T) {
	server, store, _ := newTestServer(t)

	payload := testutil.StripeEvent("checkout.session.completed",
		testutil.CheckoutSession("u1", "payment", "", ""))

	w := testutil.PostWebhook(t, server.Router, payload)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if store.Count() != 0 {
		t.Errorf("Expected no records written, got %d", store.Count())
	}
}

func TestStripeWebhook_SubscriptionCreated(t *testing.T) {
	server, store, _ := newTestServer(t)

	periodEnd := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	payload := testutil.StripeEvent("customer.subscription.created", map[string]interface{}{
		"id":         "sub_1",
		"status":     "trialing",
		"start_date": time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Unix(),
		"customer":   map[string]interface{}{"id": "cus_1"},
		"metadata":   map[string]interface{}{"user_id": "u2"},
		"items": map[string]interface{}{
			"data": []map[string]interface{}{
				{"current_period_end": periodEnd.Unix()},
			},
		},
	})

	w := testutil.PostWebhook(t, server.Router, payload)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	lic, err := store.FindLicenseByStripePaymentID(context.Background(), "sub_1")
	if err != nil || lic == nil {
		t.Fatalf("Expected stored license for sub_1, got %+v, %v", lic, err)
	}
	if lic.UserID != "u2" {
		t.Errorf("Expected user u2, got %q", lic.UserID)
	}
	if lic.Status != models.StatusActive {
		t.Errorf("Expected active status for trialing subscription, got %q", lic.Status)
	}
	if lic.ExpirationDate == nil || !lic.ExpirationDate.Equal(periodEnd) {
		t.Errorf("Expected expiration %v, got %v", periodEnd, lic.ExpirationDate)
	}
}

func TestStripeWebhook_SubscriptionDeleted(t *testing.T) {
	server, store, _ := newTestServer(t)
	testutil.SaveLicense(t, store, testutil.ActiveSubscription("u1", "sub_1"))

	payload := testutil.StripeEvent("customer.subscription.deleted", map[string]interface{}{
		"id": "sub_1",
	})

	w := testutil.PostWebhook(t, server.Router, payload)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	lic, _ := store.FindLicenseByStripePaymentID(context.Background(), "sub_1")
	if lic.Status != models.StatusExpired {
		t.Errorf("Expected expired status, got %q", lic.Status)
	}
}

func TestStripeWebhook_SubscriptionDeletedUnknownIsAcknowledged(t *testing.T) {
	server, _, _ := newTestServer(t)

	payload := testutil.StripeEvent("customer.subscription.deleted", map[string]interface{}{
		"id": "sub_ghost",
	})

	w := testutil.PostWebhook(t, server.Router, payload)
	if w.Code != http.StatusOK {
		t.Errorf("Expected deletion of unknown subscription to be acknowledged, got %d", w.Code)
	}
}

func TestStripeWebhook_PaymentFailedDoesNotTouchLicense(t *testing.T) {
	server, store, _ := newTestServer(t)
	testutil.SaveLicense(t, store, testutil.ActiveSubscription("u1", "sub_1"))

	payload := testutil.StripeEvent("invoice.payment_failed", map[string]interface{}{
		"id":       "in_1",
		"customer": map[string]interface{}{"id": "cus_u1"},
	})

	w := testutil.PostWebhook(t, server.Router, payload)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	lic, _ := store.FindLicenseByStripePaymentID(context.Background(), "sub_1")
	if lic.Status != models.StatusActive {
		t.Errorf("Expected status unchanged by payment failure, got %q", lic.Status)
	}
}

func TestStripeWebhook_MissingSignatureRejected(t *testing.T) {
	server, _, _ := newTestServer(t)
	t.Setenv("TEST_MODE", "false")

	payload := testutil.StripeEvent("checkout.session.completed",
		testutil.CheckoutSession("u1", "payment", "perpetual-sku", ""))

	req, w := testutil.RawWebhookRequest(t, payload)
	req.Header.Del("Stripe-Signature")
	server.Router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for unsigned request, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestStripeWebhook_BadSignatureRejected(t *testing.T) {
	server, store, _ := newTestServer(t)
	t.Setenv("TEST_MODE", "false")

	payload := testutil.StripeEvent("checkout.session.completed",
		testutil.CheckoutSession("u1", "payment", "perpetual-sku", ""))

	w := testutil.PostWebhook(t, server.Router, payload)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for bad signature, got %d", http.StatusBadRequest, w.Code)
	}
	if store.Count() != 0 {
		t.Errorf("Expected no records written before verification, got %d", store.Count())
	}
}
