package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"flowdeck.app/cloud/models"
	"flowdeck.app/cloud/storage"
)

// ActiveSubscription builds a subscription license record for test setup.
func ActiveSubscription(userID, subscriptionID string) *models.License {
	now := time.Now().UTC()
	return &models.License{
		ID:               "lic-" + userID,
		UserID:           userID,
		Status:           models.StatusActive,
		LicenseType:      models.TypeSubscription,
		PurchaseDate:     now,
		StripeCustomerID: "cus_" + userID,
		StripePaymentID:  subscriptionID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// ActiveTrial builds a free trial license record for test setup.
func ActiveTrial(userID string, expires time.Time) *models.License {
	now := time.Now().UTC()
	return &models.License{
		ID:             "trial-" + userID,
		UserID:         userID,
		Status:         models.StatusActive,
		LicenseType:    models.TypeFreeTrial,
		PurchaseDate:   now,
		ExpirationDate: &expires,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// SaveLicense stores a license and fails the test on error.
func SaveLicense(t *testing.T, store storage.Storage, license *models.License) {
	t.Helper()
	if err := store.UpsertLicense(context.Background(), license); err != nil {
		t.Fatalf("Failed to save license %s: %v", license.ID, err)
	}
}

// StripeEvent builds a webhook envelope around an event object.
func StripeEvent(eventType string, object map[string]interface{}) []byte {
	event := map[string]interface{}{
		"id":   "evt_test123",
		"type": eventType,
		"data": map[string]interface{}{
			"object": object,
		},
	}

	payload, _ := json.Marshal(event)
	return payload
}

// CheckoutSession builds a checkout session object for webhook payloads.
func CheckoutSession(userID, mode, productID, subscriptionID string) map[string]interface{} {
	session := map[string]interface{}{
		"id":                  "cs_test123",
		"client_reference_id": userID,
		"mode":                mode,
		"customer": map[string]interface{}{
			"id": "cus_test123",
		},
		"metadata": map[string]interface{}{},
	}
	if productID != "" {
		session["metadata"] = map[string]interface{}{"product_id": productID}
	}
	if subscriptionID != "" {
		session["subscription"] = map[string]interface{}{"id": subscriptionID}
	}
	return session
}

// PostJSON sends a JSON POST through the given handler and returns the
// recorder.
func PostJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// RawWebhookRequest builds an unsent webhook request and recorder so tests
// can adjust headers before dispatching.
func RawWebhookRequest(t *testing.T, payload []byte) (*http.Request, *httptest.ResponseRecorder) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", "test-signature")

	return req, httptest.NewRecorder()
}

// PostWebhook sends a raw webhook payload through the given handler.
func PostWebhook(t *testing.T, handler http.Handler, payload []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", "test-signature")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}
