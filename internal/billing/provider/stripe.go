package provider

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	billingportalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/subscriptionitem"
)

// DefaultTimeout bounds a single provider call when the caller sets none.
const DefaultTimeout = 15 * time.Second

// StripeConfig configures a StripeClient.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

// StripeClient implements Provider against the Stripe API.
type StripeClient struct {
	webhookSecret string
	timeout       time.Duration

	newCustomer            func(params *stripe.CustomerParams) (*stripe.Customer, error)
	findCustomer           func(params *stripe.CustomerListParams) (*stripe.Customer, error)
	getSubscription        func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	newSubscriptionItem    func(params *stripe.SubscriptionItemParams) (*stripe.SubscriptionItem, error)
	updateSubscriptionItem func(id string, params *stripe.SubscriptionItemParams) (*stripe.SubscriptionItem, error)
	newCheckoutSession     func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	newPortalSession       func(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

var _ Provider = (*StripeClient)(nil)

// NewStripeClient sets the process-wide Stripe key and returns a client.
func NewStripeClient(cfg StripeConfig) *StripeClient {
	stripe.Key = strings.TrimSpace(cfg.APIKey)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &StripeClient{
		webhookSecret:          strings.TrimSpace(cfg.WebhookSecret),
		timeout:                timeout,
		newCustomer:            customer.New,
		findCustomer:           firstCustomer,
		getSubscription:        subscription.Get,
		newSubscriptionItem:    subscriptionitem.New,
		updateSubscriptionItem: subscriptionitem.Update,
		newCheckoutSession:     stripesession.New,
		newPortalSession:       billingportalsession.New,
	}
}

func firstCustomer(params *stripe.CustomerListParams) (*stripe.Customer, error) {
	iter := customer.List(params)
	for iter.Next() {
		if c := iter.Customer(); c != nil && !c.Deleted {
			return c, nil
		}
	}
	return nil, iter.Err()
}

func (c *StripeClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

// CreateCustomer creates a customer tagged with the owning tenant.
func (c *StripeClient) CreateCustomer(ctx context.Context, p CustomerParams) (*Customer, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	params := &stripe.CustomerParams{
		Email:    stripe.String(p.Email),
		Metadata: map[string]string{MetadataTenantID: p.TenantID},
	}
	params.Context = ctx
	cust, err := c.newCustomer(params)
	if err != nil {
		return nil, wrapError("create_customer", err)
	}
	log.Info().Str("tenant_id", p.TenantID).Str("customer_id", cust.ID).Msg("Created billing customer")
	return &Customer{ID: cust.ID, Email: cust.Email}, nil
}

// FindCustomerByEmail returns the first live customer registered under email.
func (c *StripeClient) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(1)
	params.Context = ctx
	cust, err := c.findCustomer(params)
	if err != nil {
		return nil, wrapError("find_customer", err)
	}
	if cust == nil {
		return nil, nil
	}
	return &Customer{ID: cust.ID, Email: cust.Email}, nil
}

// GetSubscription fetches the authoritative subscription state.
func (c *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.getSubscription(subscriptionID, params)
	if err != nil {
		return nil, wrapError("get_subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

// CreateSubscriptionItem attaches a price to an existing subscription,
// invoicing the proration immediately.
func (c *StripeClient) CreateSubscriptionItem(ctx context.Context, subscriptionID, priceID string, quantity int64) (*Item, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	params := &stripe.SubscriptionItemParams{
		Subscription:      stripe.String(subscriptionID),
		Price:             stripe.String(priceID),
		Quantity:          stripe.Int64(quantity),
		ProrationBehavior: stripe.String(ProrationAlwaysInvoice),
	}
	params.Context = ctx
	item, err := c.newSubscriptionItem(params)
	if err != nil {
		return nil, wrapError("create_subscription_item", err)
	}
	out := fromStripeItem(item)
	if out.SubscriptionID == "" {
		out.SubscriptionID = subscriptionID
	}
	return &out, nil
}

// UpdateSubscriptionItemQuantity sets an item's quantity with immediate proration.
func (c *StripeClient) UpdateSubscriptionItemQuantity(ctx context.Context, itemID string, quantity int64) (*Item, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	params := &stripe.SubscriptionItemParams{
		Quantity:          stripe.Int64(quantity),
		ProrationBehavior: stripe.String(ProrationAlwaysInvoice),
	}
	params.Context = ctx
	item, err := c.updateSubscriptionItem(itemID, params)
	if err != nil {
		return nil, wrapError("update_subscription_item", err)
	}
	out := fromStripeItem(item)
	return &out, nil
}

// CreateCheckoutSession creates a subscription-mode hosted checkout. Metadata
// is stamped on the session and on the subscription it will create.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*CheckoutSession, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(p.CustomerID),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: maps.Clone(p.Metadata),
		},
		Metadata: maps.Clone(p.Metadata),
	}
	if p.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(p.TrialDays))
	}
	params.Context = ctx

	session, err := c.newCheckoutSession(params)
	if err != nil {
		return nil, wrapError("create_checkout_session", err)
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// CreatePortalSession issues a billing portal link for customerID.
func (c *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	session, err := c.newPortalSession(params)
	if err != nil {
		return nil, wrapError("create_portal_session", err)
	}
	return &PortalSession{ID: session.ID, URL: session.URL}, nil
}

// VerifyEvent checks the Stripe-Signature header against the raw body.
func (c *StripeClient) VerifyEvent(payload []byte, signatureHeader string) (*Event, error) {
	return verifyEvent(payload, signatureHeader, c.webhookSecret)
}

func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		Metadata:          maps.Clone(sub.Metadata),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Created > 0 {
		out.Created = time.Unix(sub.Created, 0).UTC()
	}
	if sub.Items != nil {
		for _, it := range sub.Items.Data {
			if it == nil {
				continue
			}
			item := fromStripeItem(it)
			if item.SubscriptionID == "" {
				item.SubscriptionID = sub.ID
			}
			out.Items = append(out.Items, item)
			out.CurrentPeriodEnd = laterOf(out.CurrentPeriodEnd, item.CurrentPeriodEnd)
		}
	}
	return out
}

func fromStripeItem(it *stripe.SubscriptionItem) Item {
	item := Item{ID: it.ID, SubscriptionID: it.Subscription, Quantity: it.Quantity}
	if it.Price != nil {
		item.PriceID = it.Price.ID
		item.PriceMetadata = maps.Clone(it.Price.Metadata)
	}
	if it.CurrentPeriodEnd > 0 {
		ts := time.Unix(it.CurrentPeriodEnd, 0).UTC()
		item.CurrentPeriodEnd = &ts
	}
	return item
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}
