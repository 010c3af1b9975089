package license

import (
	"time"

	"github.com/stripe/stripe-go/v82"

	"flowdeck.app/cloud/models"
)

// Entitlement is the derived (status, purchase date, expiration date) triple
// for a license. Resolution is deterministic and side-effect-free so it can be
// tested against literal Stripe payloads.
type Entitlement struct {
	Status         string
	PurchaseDate   time.Time
	ExpirationDate *time.Time
}

// ResolveSubscription derives the entitlement from a Stripe subscription
// snapshot. Only "active" and "trialing" grant access; every other provider
// state fails closed to expired. The purchase date is the subscription start,
// the expiration date the end of the current billing period.
func ResolveSubscription(sub *stripe.Subscription) Entitlement {
	status := models.StatusExpired
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		status = models.StatusActive
	}

	ent := Entitlement{
		Status:       status,
		PurchaseDate: time.Unix(sub.StartDate, 0).UTC(),
	}
	if end := currentPeriodEnd(sub); end > 0 {
		t := time.Unix(end, 0).UTC()
		ent.ExpirationDate = &t
	}
	return ent
}

// currentPeriodEnd reads the billing period end. Since the v82 API it lives on
// the subscription items, not the subscription root; CancelAt is the fallback
// for payloads without items.
func currentPeriodEnd(sub *stripe.Subscription) int64 {
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].CurrentPeriodEnd > 0 {
		return sub.Items.Data[0].CurrentPeriodEnd
	}
	return sub.CancelAt
}

// ResolveOneTime derives the entitlement for a one-time checkout. Stripe has
// no expiry concept for a one-time charge, so the entitlement runs for one
// year from the purchase instant.
func ResolveOneTime(purchase time.Time) Entitlement {
	expiration := purchase.AddDate(1, 0, 0)
	return Entitlement{
		Status:         models.StatusActive,
		PurchaseDate:   purchase,
		ExpirationDate: &expiration,
	}
}
