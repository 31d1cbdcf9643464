package provider

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	billingerrors "github.com/chatdesk/billingsync/internal/errors"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Operation names used by FakeProvider for call counting and error injection.
const (
	OpCreateCustomer         = "create_customer"
	OpFindCustomer           = "find_customer"
	OpGetSubscription        = "get_subscription"
	OpCreateSubscriptionItem = "create_subscription_item"
	OpUpdateSubscriptionItem = "update_subscription_item"
	OpCreateCheckoutSession  = "create_checkout_session"
	OpCreatePortalSession    = "create_portal_session"
)

// FakeProvider is an in-memory Provider for tests. Signature verification is
// real: deliveries must be signed with WebhookSecret (see Sign).
type FakeProvider struct {
	WebhookSecret string

	mu               sync.Mutex
	seq              int
	customers        map[string]*Customer
	subscriptions    map[string]*Subscription
	checkoutSessions []CheckoutSessionParams
	portalCustomers  []string
	calls            map[string]int
	errs             map[string]error
}

var _ Provider = (*FakeProvider)(nil)

// NewFakeProvider returns an empty fake that verifies signatures with secret.
func NewFakeProvider(secret string) *FakeProvider {
	return &FakeProvider{
		WebhookSecret: secret,
		customers:     make(map[string]*Customer),
		subscriptions: make(map[string]*Subscription),
		calls:         make(map[string]int),
		errs:          make(map[string]error),
	}
}

// FailOn makes every subsequent call to op return err. A nil err clears it.
func (f *FakeProvider) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// Calls returns how many times op was invoked.
func (f *FakeProvider) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// AddCustomer seeds a customer.
func (f *FakeProvider) AddCustomer(c Customer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers[c.ID] = &c
}

// PutSubscription seeds or replaces a subscription.
func (f *FakeProvider) PutSubscription(s Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[s.ID] = cloneSubscription(&s)
}

// Subscription returns a copy of the stored subscription.
func (f *FakeProvider) Subscription(id string) (*Subscription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subscriptions[id]
	if !ok {
		return nil, false
	}
	return cloneSubscription(s), true
}

// CustomerCount returns the number of customers the fake holds.
func (f *FakeProvider) CustomerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.customers)
}

// CheckoutSessions returns the parameters of every checkout created so far.
func (f *FakeProvider) CheckoutSessions() []CheckoutSessionParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.checkoutSessions)
}

// PortalCustomers returns the customer of every portal session created so far.
func (f *FakeProvider) PortalCustomers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.portalCustomers)
}

// Sign returns a signed body and Stripe-Signature header for payload.
func (f *FakeProvider) Sign(payload []byte) ([]byte, string) {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    f.WebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}

// begin records a call and returns the injected error, if any. Caller holds mu.
func (f *FakeProvider) begin(op string) error {
	f.calls[op]++
	return f.errs[op]
}

func (f *FakeProvider) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_fake%d", prefix, f.seq)
}

func (f *FakeProvider) CreateCustomer(_ context.Context, p CustomerParams) (*Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCreateCustomer); err != nil {
		return nil, err
	}
	c := &Customer{ID: f.nextID("cus"), Email: p.Email}
	f.customers[c.ID] = c
	out := *c
	return &out, nil
}

func (f *FakeProvider) FindCustomerByEmail(_ context.Context, email string) (*Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpFindCustomer); err != nil {
		return nil, err
	}
	ids := slices.Sorted(maps.Keys(f.customers))
	for _, id := range ids {
		if c := f.customers[id]; strings.EqualFold(c.Email, strings.TrimSpace(email)) {
			out := *c
			return &out, nil
		}
	}
	return nil, nil
}

func (f *FakeProvider) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpGetSubscription); err != nil {
		return nil, err
	}
	s, ok := f.subscriptions[id]
	if !ok {
		return nil, missing(OpGetSubscription, "subscription", id)
	}
	return cloneSubscription(s), nil
}

func (f *FakeProvider) CreateSubscriptionItem(_ context.Context, subscriptionID, priceID string, quantity int64) (*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCreateSubscriptionItem); err != nil {
		return nil, err
	}
	s, ok := f.subscriptions[subscriptionID]
	if !ok {
		return nil, missing(OpCreateSubscriptionItem, "subscription", subscriptionID)
	}
	for _, item := range s.Items {
		if item.PriceID == priceID {
			return nil, &billingerrors.ProviderError{
				Op:         OpCreateSubscriptionItem,
				StatusCode: http.StatusBadRequest,
				Code:       "parameter_invalid",
				Message:    "price already exists on subscription",
			}
		}
	}
	item := Item{ID: f.nextID("si"), SubscriptionID: subscriptionID, PriceID: priceID, Quantity: quantity, CurrentPeriodEnd: s.CurrentPeriodEnd}
	s.Items = append(s.Items, item)
	return &item, nil
}

func (f *FakeProvider) UpdateSubscriptionItemQuantity(_ context.Context, itemID string, quantity int64) (*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpUpdateSubscriptionItem); err != nil {
		return nil, err
	}
	for _, s := range f.subscriptions {
		for i := range s.Items {
			if s.Items[i].ID == itemID {
				s.Items[i].Quantity = quantity
				out := s.Items[i]
				return &out, nil
			}
		}
	}
	return nil, missing(OpUpdateSubscriptionItem, "subscription item", itemID)
}

func (f *FakeProvider) CreateCheckoutSession(_ context.Context, p CheckoutSessionParams) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCreateCheckoutSession); err != nil {
		return nil, err
	}
	p.Metadata = maps.Clone(p.Metadata)
	f.checkoutSessions = append(f.checkoutSessions, p)
	id := f.nextID("cs")
	return &CheckoutSession{ID: id, URL: "https://checkout.example.test/pay/" + id}, nil
}

func (f *FakeProvider) CreatePortalSession(_ context.Context, customerID, _ string) (*PortalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCreatePortalSession); err != nil {
		return nil, err
	}
	f.portalCustomers = append(f.portalCustomers, customerID)
	id := f.nextID("bps")
	return &PortalSession{ID: id, URL: "https://billing.example.test/session/" + id}, nil
}

func (f *FakeProvider) VerifyEvent(payload []byte, signatureHeader string) (*Event, error) {
	return verifyEvent(payload, signatureHeader, f.WebhookSecret)
}

func missing(op, kind, id string) error {
	return &billingerrors.ProviderError{
		Op:         op,
		StatusCode: http.StatusNotFound,
		Code:       "resource_missing",
		Message:    fmt.Sprintf("No such %s: '%s'", kind, id),
	}
}

func cloneSubscription(s *Subscription) *Subscription {
	out := *s
	out.Metadata = maps.Clone(s.Metadata)
	out.Items = make([]Item, len(s.Items))
	for i, item := range s.Items {
		item.PriceMetadata = maps.Clone(item.PriceMetadata)
		out.Items[i] = item
	}
	return &out
}
