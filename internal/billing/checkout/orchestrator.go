// Package checkout starts new subscriptions through hosted checkout and
// attaches add-ons to a tenant's current subscription.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/chatdesk/billingsync/internal/billing/entitlements"
	"github.com/chatdesk/billingsync/internal/billing/metrics"
	"github.com/chatdesk/billingsync/internal/billing/provider"
	billingerrors "github.com/chatdesk/billingsync/internal/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	op = "start_checkout"

	checkoutSessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"
)

// Store is the slice of the entitlement store the orchestrator needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*entitlements.Account, error)
	SetProviderCustomerID(ctx context.Context, accountID, customerID string) error
	GetPlan(ctx context.Context, id string) (*entitlements.Plan, error)
	FindCurrentSubscription(ctx context.Context, userID string) (*entitlements.Subscription, error)
}

// Request asks for a new subscription or an add-on.
type Request struct {
	TenantID string `json:"tenantId"`
	PriceID  string `json:"priceId"`
	PlanID   string `json:"planId"`
	IsAddon  bool   `json:"isAddon"`
}

// Result is either a checkout reference to redirect to, or a direct add-on
// confirmation.
type Result struct {
	CheckoutSessionID string `json:"checkoutSessionId,omitempty"`
	URL               string `json:"url,omitempty"`
	Success           bool   `json:"success,omitempty"`
	Message           string `json:"message,omitempty"`
}

// Orchestrator implements StartCheckout.
type Orchestrator struct {
	store    Store
	provider provider.Provider
	baseURL  string

	customers singleflight.Group
}

// NewOrchestrator returns an orchestrator building redirect URLs under baseURL.
func NewOrchestrator(store Store, p provider.Provider, baseURL string) *Orchestrator {
	return &Orchestrator{
		store:    store,
		provider: p,
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
}

// StartCheckout validates the request, makes sure the tenant has a provider
// customer and then either attaches an add-on to the tenant's current
// subscription or opens a hosted checkout. The add-on path never writes a
// projection; the follow-up webhook does that.
func (o *Orchestrator) StartCheckout(ctx context.Context, req Request) (res *Result, err error) {
	defer func() {
		switch {
		case err != nil:
			metrics.CheckoutTotal.WithLabelValues("error").Inc()
		case res.Success:
			metrics.CheckoutTotal.WithLabelValues("addon").Inc()
		default:
			metrics.CheckoutTotal.WithLabelValues("session").Inc()
		}
	}()

	req.TenantID = strings.TrimSpace(req.TenantID)
	req.PriceID = strings.TrimSpace(req.PriceID)
	req.PlanID = strings.TrimSpace(req.PlanID)
	if missing := missingFields(req); len(missing) > 0 {
		return nil, billingerrors.Validation(op, "missing required fields: %s", strings.Join(missing, ", "))
	}

	account, err := o.store.GetAccount(ctx, req.TenantID)
	if err != nil {
		return nil, billingerrors.Store(op, err)
	}
	if account == nil {
		return nil, billingerrors.NotFound(op, "tenant %s not found", req.TenantID)
	}

	plan, err := o.resolvePlan(ctx, req)
	if err != nil {
		return nil, err
	}

	customerID, err := o.ensureCustomer(ctx, account)
	if err != nil {
		return nil, err
	}

	current, err := o.store.FindCurrentSubscription(ctx, account.ID)
	if err != nil {
		return nil, billingerrors.Store(op, err)
	}

	if req.IsAddon && current != nil {
		return o.attachAddon(ctx, account.ID, current.ID, req.PriceID)
	}
	if current != nil {
		log.Warn().
			Str("tenant_id", account.ID).
			Str("subscription_id", current.ID).
			Str("status", current.Status).
			Msg("Tenant already has a current subscription; opening checkout anyway")
	}
	return o.openCheckout(ctx, account.ID, customerID, plan, req.PriceID)
}

func missingFields(req Request) []string {
	var missing []string
	if req.TenantID == "" {
		missing = append(missing, "tenantId")
	}
	if req.PriceID == "" {
		missing = append(missing, "priceId")
	}
	if req.PlanID == "" {
		missing = append(missing, "planId")
	}
	return missing
}

func (o *Orchestrator) resolvePlan(ctx context.Context, req Request) (*entitlements.Plan, error) {
	plan, err := o.store.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, billingerrors.Store(op, err)
	}
	if plan == nil {
		return nil, billingerrors.NotFound(op, "plan %s not found", req.PlanID)
	}
	if plan.IsComingSoon {
		return nil, billingerrors.Validation(op, "plan %s is not available yet", plan.ID)
	}
	if !plan.IsActive {
		return nil, billingerrors.NotFound(op, "plan %s is not active", plan.ID)
	}
	if !plan.HasPrice(req.PriceID) {
		return nil, billingerrors.Validation(op, "price %s does not belong to plan %s", req.PriceID, plan.ID)
	}
	if plan.IsAddon != req.IsAddon {
		if plan.IsAddon {
			return nil, billingerrors.Validation(op, "plan %s is an add-on and cannot be bought on its own", plan.ID)
		}
		return nil, billingerrors.Validation(op, "plan %s is not an add-on", plan.ID)
	}
	return plan, nil
}

// ensureCustomer returns the tenant's provider customer, creating and
// persisting one when absent. Concurrent calls for one tenant share a single
// provider call.
func (o *Orchestrator) ensureCustomer(ctx context.Context, account *entitlements.Account) (string, error) {
	if account.ProviderCustomerID != "" {
		return account.ProviderCustomerID, nil
	}

	// The flight is shared by every caller for this tenant, so it must outlive
	// the request that started it. Provider calls keep their own timeout.
	ctx = context.WithoutCancel(ctx)
	v, err, _ := o.customers.Do(account.ID, func() (any, error) {
		// Re-read: an earlier flight for this tenant may have finished already.
		fresh, err := o.store.GetAccount(ctx, account.ID)
		if err != nil {
			return "", billingerrors.Store(op, err)
		}
		if fresh != nil && fresh.ProviderCustomerID != "" {
			return fresh.ProviderCustomerID, nil
		}

		cust, err := o.provider.CreateCustomer(ctx, provider.CustomerParams{TenantID: account.ID, Email: account.Email})
		if err != nil {
			return "", err
		}
		if err := o.store.SetProviderCustomerID(ctx, account.ID, cust.ID); err != nil {
			log.Error().Err(err).
				Str("tenant_id", account.ID).
				Str("customer_id", cust.ID).
				Msg("Created billing customer but failed to persist it")
			return "", billingerrors.Store(op, err)
		}
		return cust.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (o *Orchestrator) attachAddon(ctx context.Context, tenantID, subscriptionID, priceID string) (*Result, error) {
	sub, err := o.provider.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	for _, item := range sub.Items {
		if item.PriceID != priceID {
			continue
		}
		updated, err := o.provider.UpdateSubscriptionItemQuantity(ctx, item.ID, item.Quantity+1)
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("tenant_id", tenantID).
			Str("subscription_id", subscriptionID).
			Str("price_id", priceID).
			Int64("quantity", updated.Quantity).
			Msg("Incremented add-on quantity")
		return &Result{Success: true, Message: fmt.Sprintf("Add-on quantity increased to %d.", updated.Quantity)}, nil
	}

	if _, err := o.provider.CreateSubscriptionItem(ctx, subscriptionID, priceID, 1); err != nil {
		return nil, err
	}
	log.Info().
		Str("tenant_id", tenantID).
		Str("subscription_id", subscriptionID).
		Str("price_id", priceID).
		Msg("Attached add-on to subscription")
	return &Result{Success: true, Message: "Add-on added to your subscription."}, nil
}

func (o *Orchestrator) openCheckout(ctx context.Context, tenantID, customerID string, plan *entitlements.Plan, priceID string) (*Result, error) {
	params := provider.CheckoutSessionParams{
		CustomerID: customerID,
		PriceID:    priceID,
		Metadata: map[string]string{
			provider.MetadataTenantID: tenantID,
			provider.MetadataPlanID:   plan.ID,
		},
		SuccessURL: o.billingURL(url.Values{"checkout": {"success"}}) + "&session_id=" + checkoutSessionIDPlaceholder,
		CancelURL:  o.billingURL(url.Values{"checkout": {"canceled"}}),
	}
	if plan.IsTrial && plan.TrialDays > 0 {
		params.TrialDays = plan.TrialDays
	}

	session, err := o.provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, err
	}
	if session == nil || session.ID == "" {
		return nil, billingerrors.Internal(op, errors.New("provider returned an empty checkout session"))
	}
	log.Info().
		Str("tenant_id", tenantID).
		Str("plan_id", plan.ID).
		Str("checkout_session_id", session.ID).
		Msg("Created checkout session")
	return &Result{CheckoutSessionID: session.ID, URL: session.URL}, nil
}

// billingURL builds the dashboard billing page URL. The session placeholder is
// appended unescaped by the caller because the provider substitutes it literally.
func (o *Orchestrator) billingURL(q url.Values) string {
	return o.baseURL + "/dashboard/billing?" + q.Encode()
}
