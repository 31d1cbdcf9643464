// Package provider wraps the remote billing provider. Every call is a single
// synchronous request bounded by the caller's context; nothing is retried here.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	billingerrors "github.com/chatdesk/billingsync/internal/errors"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Metadata keys stamped on checkout sessions and the subscriptions they create.
const (
	MetadataTenantID = "tenantId"
	MetadataPlanID   = "planId"
)

// ProrationAlwaysInvoice bills proration for item changes immediately.
const ProrationAlwaysInvoice = "always_invoice"

// Customer is a provider customer record.
type Customer struct {
	ID    string
	Email string
}

// Item is one line item of a provider subscription.
type Item struct {
	ID               string
	SubscriptionID   string
	PriceID          string
	PriceMetadata    map[string]string
	Quantity         int64
	CurrentPeriodEnd *time.Time
}

// Subscription is the provider's authoritative view of a subscription.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	Items             []Item
	Metadata          map[string]string
	CurrentPeriodEnd  *time.Time
	Created           time.Time
	CancelAtPeriodEnd bool
}

// PriceIDs returns the price of every line item in order.
func (s *Subscription) PriceIDs() []string {
	ids := make([]string, 0, len(s.Items))
	for _, item := range s.Items {
		if item.PriceID != "" {
			ids = append(ids, item.PriceID)
		}
	}
	return ids
}

// CustomerParams describes a customer to create.
type CustomerParams struct {
	TenantID string
	Email    string
}

// CheckoutSessionParams describes a subscription-mode hosted checkout.
type CheckoutSessionParams struct {
	CustomerID string
	PriceID    string
	Metadata   map[string]string
	TrialDays  int
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the provider's hosted checkout reference.
type CheckoutSession struct {
	ID  string
	URL string
}

// PortalSession is a short-lived self-service billing portal link.
type PortalSession struct {
	ID  string
	URL string
}

// Event is a webhook delivery whose signature has been verified.
type Event struct {
	ID   string
	Type string
	Raw  json.RawMessage // the event's data.object
}

// Provider is the set of remote billing operations the engine relies on.
type Provider interface {
	CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error)
	// FindCustomerByEmail returns nil, nil when the provider has no match.
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	CreateSubscriptionItem(ctx context.Context, subscriptionID, priceID string, quantity int64) (*Item, error)
	UpdateSubscriptionItemQuantity(ctx context.Context, itemID string, quantity int64) (*Item, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error)
	VerifyEvent(payload []byte, signatureHeader string) (*Event, error)
}

// verifyEvent checks the signature over the raw body and returns the event
// envelope. The secret never appears in the returned error.
func verifyEvent(payload []byte, signatureHeader, secret string) (*Event, error) {
	const op = "verify_event"
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, billingerrors.Signature(op, errors.New("missing signature header"))
	}
	if strings.TrimSpace(secret) == "" {
		return nil, billingerrors.Signature(op, errors.New("webhook secret not configured"))
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, billingerrors.Signature(op, err)
	}

	out := &Event{ID: event.ID, Type: string(event.Type)}
	if event.Data != nil {
		out.Raw = event.Data.Raw
	}
	return out, nil
}

// wrapError converts a provider SDK failure into a *ProviderError.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return &billingerrors.ProviderError{
			Op:         op,
			StatusCode: stripeErr.HTTPStatusCode,
			Code:       string(stripeErr.Code),
			Message:    stripeErr.Msg,
			RequestID:  stripeErr.RequestID,
			Err:        err,
		}
	}
	return &billingerrors.ProviderError{Op: op, Err: err}
}
