package models

import "time"

const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

const (
	TypePerpetual    = "perpetual"
	TypeSubscription = "subscription"
	TypeFreeTrial    = "free_trial"
)

// License is the entitlement record for a single user. StripePaymentID holds
// the Stripe subscription or payment intent id that last wrote the record and
// acts as the natural key for webhook-driven updates.
type License struct {
	ID               string
	UserID           string
	Status           string
	LicenseType      string
	PurchaseDate     time.Time
	ExpirationDate   *time.Time
	StripeCustomerID string
	StripePaymentID  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Entitled reports whether the license grants access at the given instant.
// A nil expiration date means the license runs until canceled.
func (l *License) Entitled(now time.Time) bool {
	if l.Status != StatusActive {
		return false
	}
	if l.ExpirationDate == nil {
		return true
	}
	return now.Before(*l.ExpirationDate)
}
