package license

import "errors"

var (
	// Malformed or unexpected webhook payloads. Redelivery cannot fix these,
	// so the webhook boundary acknowledges them after logging.
	ErrMissingUserID       = errors.New("missing user id")
	ErrMissingProductID    = errors.New("missing product id")
	ErrUnknownProduct      = errors.New("unknown product id")
	ErrMissingSubscription = errors.New("checkout session has no subscription")

	// Precondition failures on user-initiated actions.
	ErrAlreadyLicensed   = errors.New("user already holds an active license")
	ErrNoActiveLicense   = errors.New("no active license for user")
	ErrNoStripePaymentID = errors.New("license has no stripe payment id")
)

// Acknowledgeable reports whether err is a payload or catalog problem that
// must be acknowledged to Stripe instead of retried: the event will never
// become processable, so a non-2xx response would only cause endless
// redelivery.
func Acknowledgeable(err error) bool {
	return errors.Is(err, ErrMissingUserID) ||
		errors.Is(err, ErrMissingProductID) ||
		errors.Is(err, ErrUnknownProduct) ||
		errors.Is(err, ErrMissingSubscription)
}
