package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"flowdeck.app/cloud/internal/email"
	"flowdeck.app/cloud/internal/logger"
	"flowdeck.app/cloud/internal/metrics"
	"flowdeck.app/cloud/license"
	"flowdeck.app/cloud/models"
)

// StripeWebhook receives signed events from Stripe. Verification happens
// before any event-specific parsing; anything after verification is either
// handled, acknowledged as an anomaly, or answered with 503 so Stripe
// redelivers (all webhook-path writes are idempotent).
func (s *Server) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	const MaxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	event, err := s.verifyEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.events.Inc()
	logger.Info("Stripe event verified", map[string]interface{}{
		"event_type": event.Type,
		"event_id":   event.ID,
	})

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			logger.Error("Failed to unmarshal checkout session", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var newPurchase bool
		if !s.reconcile(ctx, w, &event, func() (*models.License, error) {
			lic, fresh, err := s.Engine.HandleCheckoutCompleted(ctx, &session)
			newPurchase = fresh
			return lic, err
		}) {
			return
		}
		// Redelivered events land in an update branch; only a new purchase
		// triggers the confirmation email.
		if newPurchase {
			s.sendConfirmation(&session)
		}

	case "customer.subscription.created", "customer.subscription.updated":
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			logger.Error("Failed to unmarshal subscription", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !s.reconcile(ctx, w, &event, func() (*models.License, error) {
			return s.Engine.HandleSubscriptionChange(ctx, &subscription)
		}) {
			return
		}

	case "customer.subscription.deleted":
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			logger.Error("Failed to unmarshal subscription", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !s.reconcile(ctx, w, &event, func() (*models.License, error) {
			return s.Engine.HandleSubscriptionDeleted(ctx, &subscription)
		}) {
			return
		}

	case "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			logger.Error("Failed to unmarshal invoice", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.Engine.RecordPaymentFailure(ctx, &invoice)
		metrics.PaymentFailuresTotal.Inc()
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "handled").Inc()

	default:
		// Forward-compatible: new provider event types are acknowledged, not errors.
		logger.Info("Ignoring webhook event type", map[string]interface{}{
			"event_type": event.Type,
			"event_id":   event.ID,
		})
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "ignored").Inc()
	}

	writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
}

// verifyEvent checks the event's signature and freshness against the
// configured secret and tolerance. TEST_MODE skips verification so tests can
// post unsigned payloads, matching how the rest of the suite drives handlers.
func (s *Server) verifyEvent(payload []byte, signature string) (stripe.Event, error) {
	if os.Getenv("TEST_MODE") == "true" {
		var event stripe.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			logger.Error("Failed to parse webhook JSON", map[string]interface{}{
				"error": err.Error(),
			})
			return stripe.Event{}, err
		}
		return event, nil
	}

	if signature == "" {
		logger.Error("Webhook request missing Stripe-Signature header")
		return stripe.Event{}, webhook.ErrNotSigned
	}

	event, err := webhook.ConstructEventWithTolerance(payload, signature, s.Config.StripeWebhookSecret, s.Config.WebhookTolerance)
	if err != nil {
		if errors.Is(err, webhook.ErrTooOld) {
			logger.Error("Webhook event outside freshness tolerance", map[string]interface{}{
				"error":     err.Error(),
				"tolerance": s.Config.WebhookTolerance.String(),
			})
		} else {
			logger.Error("Webhook signature verification failed", map[string]interface{}{
				"error":     err.Error(),
				"signature": signature,
			})
		}
		return stripe.Event{}, err
	}

	return event, nil
}

// reconcile runs one engine transition and writes the failure response if
// needed. It returns false when a response has already been written.
// Payload anomalies are acknowledged with 200 after capture: Stripe would
// otherwise redeliver forever for a condition that will never change.
func (s *Server) reconcile(ctx context.Context, w http.ResponseWriter, event *stripe.Event, apply func() (*models.License, error)) bool {
	lic, err := apply()
	if err != nil {
		if license.Acknowledgeable(err) {
			logger.Error("Event acknowledged as operational anomaly", map[string]interface{}{
				"error":      err.Error(),
				"event_type": event.Type,
				"event_id":   event.ID,
			})
			sentry.CaptureException(fmt.Errorf("webhook %s (%s): %w", event.Type, event.ID, err))
			metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "anomaly").Inc()
			writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
			return false
		}

		logger.Error("Failed to reconcile event", map[string]interface{}{
			"error":      err.Error(),
			"event_type": event.Type,
			"event_id":   event.ID,
		})
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		w.WriteHeader(http.StatusServiceUnavailable)
		return false
	}

	if lic != nil {
		metrics.LicenseWritesTotal.WithLabelValues(lic.LicenseType).Inc()
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "handled").Inc()
	return true
}

func (s *Server) sendConfirmation(session *stripe.CheckoutSession) {
	var customerEmail string
	if session.CustomerDetails != nil {
		customerEmail = session.CustomerDetails.Email
	}
	if customerEmail == "" {
		customerEmail = session.CustomerEmail
	}
	if customerEmail == "" {
		return
	}

	body := `Hello,

Thank you for purchasing FlowDeck Pro! Your payment has been processed and
your account is now licensed.

Open FlowDeck and sign in with this email address to start using Pro
features. If you have any questions, reply to this email or contact us at
help@flowdeck.app.

Best regards,
The FlowDeck Team`

	// A lost email must not fail the webhook; the license is already written.
	if err := email.Send(customerEmail, "Your FlowDeck Pro license", body); err != nil {
		logger.Error("Failed to send confirmation email", map[string]interface{}{
			"error":      err.Error(),
			"email":      customerEmail,
			"session_id": session.ID,
		})
		return
	}

	logger.Info("Confirmation email sent", map[string]interface{}{
		"email":      customerEmail,
		"session_id": session.ID,
	})
}
