package stripeclient

import (
	"context"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// Client wraps an explicitly constructed Stripe API client. It is created
// once at startup and injected into the reconciliation engine, never
// re-created per call or reached through package globals.
type Client struct {
	api *client.API
}

func New(apiKey string) *Client {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Client{api: api}
}

// GetCustomer fetches the Stripe customer object, used to recover the user id
// when a subscription payload carries no metadata.
func (c *Client) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	return c.api.Customers.Get(id, params)
}

// CancelAtPeriodEnd flags the subscription for cancellation at period end.
// The resulting subscription event drives the local state change.
func (c *Client) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx
	_, err := c.api.Subscriptions.Update(subscriptionID, params)
	return err
}
