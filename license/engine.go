package license

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"

	"flowdeck.app/cloud/internal/logger"
	"flowdeck.app/cloud/models"
	"flowdeck.app/cloud/storage"
)

// CustomerResolver fetches the Stripe customer object, used when a
// subscription payload carries no user metadata of its own.
type CustomerResolver interface {
	GetCustomer(ctx context.Context, id string) (*stripe.Customer, error)
}

// SubscriptionCanceler requests provider-side cancellation at period end.
// The local record is only updated when Stripe confirms through a subsequent
// subscription event.
type SubscriptionCanceler interface {
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error
}

// Engine reconciles license records with Stripe events. Events arrive
// at-least-once and possibly out of order, so every transition is a
// lookup-then-branch against the current license landscape rather than a
// blind insert. Handling for one user is serialized on a per-user mutex;
// different users proceed in parallel.
type Engine struct {
	store       storage.Storage
	customers   CustomerResolver
	canceler    SubscriptionCanceler
	catalog     Catalog
	trialPeriod time.Duration

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

func NewEngine(store storage.Storage, customers CustomerResolver, canceler SubscriptionCanceler, catalog Catalog, trialPeriod time.Duration) *Engine {
	return &Engine{
		store:       store,
		customers:   customers,
		canceler:    canceler,
		catalog:     catalog,
		trialPeriod: trialPeriod,
		users:       make(map[string]*sync.Mutex),
	}
}

func (e *Engine) userLock(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, exists := e.users[userID]
	if !exists {
		lock = &sync.Mutex{}
		e.users[userID] = lock
	}
	return lock
}

// HandleCheckoutCompleted processes a checkout.session.completed event.
// Redelivery is safe: the lookups below find the record written by the first
// delivery and fall into the update branches instead of creating a duplicate.
// The boolean result reports whether this delivery applied a new purchase;
// redeliveries land in an update branch and report false, so side effects
// like the confirmation email fire once per purchase.
func (e *Engine) HandleCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) (*models.License, bool, error) {
	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata["user_id"]
	}
	if userID == "" {
		return nil, false, fmt.Errorf("checkout session %s: %w", session.ID, ErrMissingUserID)
	}

	productID := session.Metadata["product_id"]
	if productID == "" {
		return nil, false, fmt.Errorf("checkout session %s: %w", session.ID, ErrMissingProductID)
	}
	licenseType, known := e.catalog.LicenseType(productID)
	if !known {
		return nil, false, fmt.Errorf("product %q: %w", productID, ErrUnknownProduct)
	}

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	switch session.Mode {
	case stripe.CheckoutSessionModePayment:
		return e.applyOneTimeCheckout(ctx, userID, licenseType, session)
	case stripe.CheckoutSessionModeSubscription:
		return e.applySubscriptionCheckout(ctx, userID, session)
	default:
		logger.Warn("Ignoring checkout session with unexpected mode", map[string]interface{}{
			"session_id": session.ID,
			"mode":       string(session.Mode),
		})
		return nil, false, nil
	}
}

func (e *Engine) applyOneTimeCheckout(ctx context.Context, userID, licenseType string, session *stripe.CheckoutSession) (*models.License, bool, error) {
	paymentID := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		paymentID = session.PaymentIntent.ID
	}

	now := time.Now().UTC()
	entitlement := ResolveOneTime(now)

	existing, err := e.store.FindLicenseByStripePaymentID(ctx, paymentID)
	if err != nil {
		return nil, false, fmt.Errorf("lookup license by payment id: %w", err)
	}
	if existing != nil {
		// Redelivered event: the first delivery already wrote this record.
		existing.Status = models.StatusActive
		existing.LicenseType = licenseType
		existing.StripeCustomerID = stripeCustomerID(session.Customer)
		existing.UpdatedAt = now
		if err := e.store.UpsertLicense(ctx, existing); err != nil {
			return nil, false, fmt.Errorf("update license: %w", err)
		}
		return existing, false, nil
	}

	license := &models.License{
		ID:               uuid.Must(uuid.NewRandom()).String(),
		UserID:           userID,
		Status:           entitlement.Status,
		LicenseType:      licenseType,
		PurchaseDate:     entitlement.PurchaseDate,
		ExpirationDate:   entitlement.ExpirationDate,
		StripeCustomerID: stripeCustomerID(session.Customer),
		StripePaymentID:  paymentID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.UpsertLicense(ctx, license); err != nil {
		return nil, false, fmt.Errorf("create license: %w", err)
	}

	logger.Info("Perpetual license created", map[string]interface{}{
		"user_id":    userID,
		"session_id": session.ID,
	})
	return license, true, nil
}

// applySubscriptionCheckout follows a fixed lookup order: an active trial is
// upgraded in place, then a previous subscription record of any status is
// reused, and only then is a new record created. The order is what makes
// redelivery and resubscription converge on a single record per user.
func (e *Engine) applySubscriptionCheckout(ctx context.Context, userID string, session *stripe.CheckoutSession) (*models.License, bool, error) {
	if session.Subscription == nil || session.Subscription.ID == "" {
		return nil, false, fmt.Errorf("checkout session %s: %w", session.ID, ErrMissingSubscription)
	}
	subscriptionID := session.Subscription.ID
	now := time.Now().UTC()

	trial, err := e.store.FindTrialLicenseByUser(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("lookup trial license: %w", err)
	}
	if trial != nil {
		trial.LicenseType = models.TypeSubscription
		trial.Status = models.StatusActive
		trial.StripePaymentID = subscriptionID
		trial.StripeCustomerID = stripeCustomerID(session.Customer)
		trial.ExpirationDate = nil
		trial.UpdatedAt = now
		if err := e.store.UpsertLicense(ctx, trial); err != nil {
			return nil, false, fmt.Errorf("upgrade trial license: %w", err)
		}
		logger.Info("Trial upgraded to subscription", map[string]interface{}{
			"user_id":         userID,
			"subscription_id": subscriptionID,
		})
		return trial, true, nil
	}

	previous, err := e.store.FindSubscriptionLicenseByUser(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("lookup subscription license: %w", err)
	}
	if previous != nil {
		// A record already keyed to this subscription means a redelivered
		// event; a different key means a genuine resubscription.
		newPurchase := previous.StripePaymentID != subscriptionID
		previous.Status = models.StatusActive
		previous.StripePaymentID = subscriptionID
		previous.StripeCustomerID = stripeCustomerID(session.Customer)
		previous.ExpirationDate = nil
		previous.UpdatedAt = now
		if err := e.store.UpsertLicense(ctx, previous); err != nil {
			return nil, false, fmt.Errorf("reactivate subscription license: %w", err)
		}
		logger.Info("Subscription license reactivated", map[string]interface{}{
			"user_id":         userID,
			"subscription_id": subscriptionID,
		})
		return previous, newPurchase, nil
	}

	license := &models.License{
		ID:               uuid.Must(uuid.NewRandom()).String(),
		UserID:           userID,
		Status:           models.StatusActive,
		LicenseType:      models.TypeSubscription,
		PurchaseDate:     now,
		StripeCustomerID: stripeCustomerID(session.Customer),
		StripePaymentID:  subscriptionID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.UpsertLicense(ctx, license); err != nil {
		return nil, false, fmt.Errorf("create subscription license: %w", err)
	}

	logger.Info("Subscription license created", map[string]interface{}{
		"user_id":         userID,
		"subscription_id": subscriptionID,
	})
	return license, true, nil
}

// HandleSubscriptionChange processes customer.subscription.created and
// customer.subscription.updated events. The upsert is keyed by the
// subscription id, so replaying the same snapshot yields the same stored
// state.
func (e *Engine) HandleSubscriptionChange(ctx context.Context, sub *stripe.Subscription) (*models.License, error) {
	userID, err := e.resolveUserID(ctx, sub)
	if err != nil {
		return nil, err
	}

	entitlement := ResolveSubscription(sub)
	now := time.Now().UTC()

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := e.store.FindLicenseByStripePaymentID(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup license by subscription id: %w", err)
	}
	if existing != nil {
		// Purchase date and customer id are stable for a given subscription,
		// so a later snapshot only moves status and expiration.
		update := storage.LicenseUpdate{
			Status:    &entitlement.Status,
			UpdatedAt: now,
		}
		if entitlement.ExpirationDate != nil {
			update.ExpirationDate = entitlement.ExpirationDate
		} else {
			update.ClearExpiration = true
		}
		if err := e.store.UpdateLicense(ctx, existing.ID, update); err != nil {
			return nil, fmt.Errorf("update license: %w", err)
		}
		existing.Status = entitlement.Status
		existing.ExpirationDate = entitlement.ExpirationDate
		existing.UpdatedAt = now
		return existing, nil
	}

	license := &models.License{
		ID:               uuid.Must(uuid.NewRandom()).String(),
		UserID:           userID,
		Status:           entitlement.Status,
		LicenseType:      models.TypeSubscription,
		PurchaseDate:     entitlement.PurchaseDate,
		ExpirationDate:   entitlement.ExpirationDate,
		StripeCustomerID: stripeCustomerID(sub.Customer),
		StripePaymentID:  sub.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.UpsertLicense(ctx, license); err != nil {
		return nil, fmt.Errorf("create license: %w", err)
	}

	logger.Info("License created from subscription event", map[string]interface{}{
		"user_id":         userID,
		"subscription_id": sub.ID,
		"status":          license.Status,
	})
	return license, nil
}

// resolveUserID prefers metadata on the subscription itself and falls back to
// the metadata on the associated Stripe customer.
func (e *Engine) resolveUserID(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if userID := sub.Metadata["user_id"]; userID != "" {
		return userID, nil
	}
	if sub.Customer == nil || sub.Customer.ID == "" || e.customers == nil {
		return "", fmt.Errorf("subscription %s: %w", sub.ID, ErrMissingUserID)
	}

	customer, err := e.customers.GetCustomer(ctx, sub.Customer.ID)
	if err != nil {
		return "", fmt.Errorf("fetch stripe customer %s: %w", sub.Customer.ID, err)
	}
	if customer == nil || customer.Metadata["user_id"] == "" {
		return "", fmt.Errorf("subscription %s: %w", sub.ID, ErrMissingUserID)
	}
	return customer.Metadata["user_id"], nil
}

// HandleSubscriptionDeleted expires the license tied to the deleted
// subscription. A missing record is a non-fatal anomaly: retrying cannot
// manufacture a record that will never appear.
func (e *Engine) HandleSubscriptionDeleted(ctx context.Context, sub *stripe.Subscription) (*models.License, error) {
	existing, err := e.store.FindLicenseByStripePaymentID(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup license by subscription id: %w", err)
	}
	if existing == nil {
		logger.Warn("Subscription deleted for unknown license", map[string]interface{}{
			"subscription_id": sub.ID,
		})
		return nil, nil
	}

	lock := e.userLock(existing.UserID)
	lock.Lock()
	defer lock.Unlock()

	// The lookup above ran outside the lock. A concurrent checkout may have
	// re-keyed the record to a new subscription in the meantime; only a record
	// still tied to the deleted subscription may be expired.
	existing, err = e.store.FindLicenseByStripePaymentID(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup license by subscription id: %w", err)
	}
	if existing == nil {
		logger.Warn("License re-keyed while handling subscription deletion", map[string]interface{}{
			"subscription_id": sub.ID,
		})
		return nil, nil
	}

	expired := models.StatusExpired
	err = e.store.UpdateLicense(ctx, existing.ID, storage.LicenseUpdate{
		Status:    &expired,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("expire license: %w", err)
	}

	existing.Status = expired
	logger.Info("License expired after subscription deletion", map[string]interface{}{
		"user_id":         existing.UserID,
		"subscription_id": sub.ID,
	})
	return existing, nil
}

// RecordPaymentFailure notes a failed invoice payment. It does not transition
// license status: the provider emits subscription events as its own state
// machine progresses, and those remain the source of truth.
func (e *Engine) RecordPaymentFailure(ctx context.Context, invoice *stripe.Invoice) {
	logger.Warn("Invoice payment failed", map[string]interface{}{
		"invoice_id":         invoice.ID,
		"stripe_customer_id": stripeCustomerID(invoice.Customer),
	})
}

// StartTrial creates a free trial license unless the user already holds an
// active license of any kind.
func (e *Engine) StartTrial(ctx context.Context, userID string) (*models.License, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	active, err := e.store.FindActiveLicenseByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup active license: %w", err)
	}
	if active != nil {
		return nil, fmt.Errorf("user %s: %w", userID, ErrAlreadyLicensed)
	}

	now := time.Now().UTC()
	expiration := now.Add(e.trialPeriod)
	license := &models.License{
		ID:             uuid.Must(uuid.NewRandom()).String(),
		UserID:         userID,
		Status:         models.StatusActive,
		LicenseType:    models.TypeFreeTrial,
		PurchaseDate:   now,
		ExpirationDate: &expiration,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.UpsertLicense(ctx, license); err != nil {
		return nil, fmt.Errorf("create trial license: %w", err)
	}

	logger.Info("Trial started", map[string]interface{}{
		"user_id":    userID,
		"expires_at": expiration,
	})
	return license, nil
}

// CancelSubscription asks Stripe to cancel the user's subscription at period
// end. Local status is deliberately left untouched; the confirming
// subscription event drives the local transition.
func (e *Engine) CancelSubscription(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUserID
	}

	active, err := e.store.FindActiveLicenseByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup active license: %w", err)
	}
	if active == nil {
		return fmt.Errorf("user %s: %w", userID, ErrNoActiveLicense)
	}
	if active.StripePaymentID == "" {
		return fmt.Errorf("user %s: %w", userID, ErrNoStripePaymentID)
	}

	if err := e.canceler.CancelAtPeriodEnd(ctx, active.StripePaymentID); err != nil {
		return fmt.Errorf("request cancellation for subscription %s: %w", active.StripePaymentID, err)
	}

	logger.Info("Cancellation requested", map[string]interface{}{
		"user_id":         userID,
		"subscription_id": active.StripePaymentID,
	})
	return nil
}

func stripeCustomerID(customer *stripe.Customer) string {
	if customer == nil {
		return ""
	}
	return customer.ID
}
