// Package webhook applies verified billing provider events to the local
// entitlement projections.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatdesk/billingsync/internal/billing/entitlements"
	"github.com/chatdesk/billingsync/internal/billing/feed"
	"github.com/chatdesk/billingsync/internal/billing/metrics"
	"github.com/chatdesk/billingsync/internal/billing/provider"
	billingerrors "github.com/chatdesk/billingsync/internal/errors"
	"github.com/rs/zerolog/log"
)

// Outcome describes what applying an event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Store is the slice of the entitlement store the reconciler writes through.
type Store interface {
	GetSubscription(ctx context.Context, id string) (*entitlements.Subscription, error)
	MergeSubscription(ctx context.Context, patch entitlements.SubscriptionPatch) (entitlements.MergeResult, error)
	SetProviderCustomerID(ctx context.Context, accountID, customerID string) error
}

// Notifier is told when a projection transitions into canceled.
type Notifier interface {
	SubscriptionCanceled(ctx context.Context, sub *entitlements.Subscription) error
}

// Reconciler merges provider events into subscription projections. Every
// apply is a merge keyed by the provider subscription ID, so redelivered and
// reordered events converge.
type Reconciler struct {
	store     Store
	provider  provider.Provider
	publisher feed.Publisher
	notifier  Notifier
}

// NewReconciler builds a reconciler. publisher and notifier may be nil.
func NewReconciler(store Store, p provider.Provider, publisher feed.Publisher, notifier Notifier) *Reconciler {
	return &Reconciler{store: store, provider: p, publisher: publisher, notifier: notifier}
}

// Apply applies one decoded event.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (outcome Outcome, err error) {
	defer func() {
		if err != nil {
			outcome = OutcomeFailed
			if billingerrors.HTTPStatus(err) < 500 {
				outcome = OutcomeRejected
			}
		}
		metrics.WebhookOutcomes.WithLabelValues(string(outcome)).Inc()
	}()

	switch e := ev.(type) {
	case CheckoutCompleted:
		return r.applyCheckout(ctx, e)
	case SubscriptionUpdated:
		return r.applySubscription(ctx, e, e.Subscription, "")
	case SubscriptionDeleted:
		return r.applySubscription(ctx, e, e.Subscription, entitlements.StatusCanceled)
	case InvoicePaymentSucceeded:
		return r.applyInvoice(ctx, e)
	case Other:
		log.Info().
			Str("event_id", e.EventID()).
			Str("type", e.EventType()).
			Msg("Billing webhook ignored (unhandled type)")
		return OutcomeIgnored, nil
	default:
		return OutcomeIgnored, nil
	}
}

func (r *Reconciler) applyCheckout(ctx context.Context, e CheckoutCompleted) (Outcome, error) {
	const op = "apply_checkout_completed"
	tenantID := strings.TrimSpace(e.Metadata[provider.MetadataTenantID])
	if tenantID == "" || e.SubscriptionID == "" {
		return "", billingerrors.Internal(op, fmt.Errorf("checkout session %s missing tenant metadata or subscription", e.SessionID))
	}

	sub, err := r.provider.GetSubscription(ctx, e.SubscriptionID)
	if err != nil {
		return "", err
	}

	patch := projectProviderSubscription(sub, tenantID, e.Metadata[provider.MetadataPlanID])
	customerID := e.CustomerID
	if customerID == "" {
		customerID = sub.CustomerID
	}
	if customerID != "" {
		patch.StripeCustomerID = &customerID
	}

	outcome, err := r.merge(ctx, op, e, patch)
	if err != nil {
		return "", err
	}

	if customerID != "" {
		if err := r.store.SetProviderCustomerID(ctx, tenantID, customerID); err != nil {
			if !errors.Is(err, entitlements.ErrAccountNotFound) {
				return "", billingerrors.Store(op, err)
			}
			log.Warn().
				Str("tenant_id", tenantID).
				Str("customer_id", customerID).
				Msg("Checkout completed for unknown tenant; customer not linked")
		}
	}
	return outcome, nil
}

func (r *Reconciler) applySubscription(ctx context.Context, ev Event, sub SubscriptionObject, defaultStatus string) (Outcome, error) {
	op := "apply_" + strings.ReplaceAll(ev.EventType(), ".", "_")
	tenantID := strings.TrimSpace(sub.Metadata[provider.MetadataTenantID])
	if tenantID == "" {
		log.Warn().
			Str("event_id", ev.EventID()).
			Str("type", ev.EventType()).
			Str("subscription_id", sub.ID).
			Msg("Subscription event has no tenant metadata; acknowledging without change")
		return OutcomeIgnored, nil
	}

	patch := entitlements.SubscriptionPatch{
		ID:                sub.ID,
		UserID:            tenantID,
		Status:            sub.Status,
		Created:           sub.Created,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
	}
	if patch.Status == nil && defaultStatus != "" {
		status := defaultStatus
		patch.Status = &status
	}
	if sub.CustomerID != "" {
		customerID := sub.CustomerID
		patch.StripeCustomerID = &customerID
	}
	if sub.Items != nil {
		patch.Items = make([]entitlements.SubscriptionItem, 0, len(sub.Items))
		patch.PriceIDs = make([]string, 0, len(sub.Items))
		for _, item := range sub.Items {
			patch.Items = append(patch.Items, entitlements.SubscriptionItem{ID: item.ID, PriceID: item.PriceID, Quantity: item.Quantity})
			if item.PriceID != "" {
				patch.PriceIDs = append(patch.PriceIDs, item.PriceID)
			}
			if later(item.CurrentPeriodEnd, patch.CurrentPeriodEnd) {
				patch.CurrentPeriodEnd = item.CurrentPeriodEnd
			}
		}
	}
	var firstPriceMeta map[string]string
	if len(sub.Items) > 0 {
		firstPriceMeta = sub.Items[0].PriceMetadata
	}
	if planID := choosePlanID("", sub.Metadata, firstPriceMeta); planID != "" {
		patch.PlanID = &planID
	}

	return r.merge(ctx, op, ev, patch)
}

func (r *Reconciler) applyInvoice(ctx context.Context, e InvoicePaymentSucceeded) (Outcome, error) {
	const op = "apply_invoice_payment_succeeded"
	if e.SubscriptionID == "" {
		log.Debug().Str("invoice_id", e.InvoiceID).Msg("Invoice without subscription ignored")
		return OutcomeIgnored, nil
	}

	sub, err := r.provider.GetSubscription(ctx, e.SubscriptionID)
	if err != nil {
		return "", err
	}

	tenantID := strings.TrimSpace(sub.Metadata[provider.MetadataTenantID])
	if tenantID == "" {
		existing, err := r.store.GetSubscription(ctx, sub.ID)
		if err != nil {
			return "", billingerrors.Store(op, err)
		}
		if existing == nil {
			log.Warn().
				Str("event_id", e.EventID()).
				Str("subscription_id", sub.ID).
				Msg("Invoice for unattributable subscription; acknowledging without change")
			return OutcomeIgnored, nil
		}
		tenantID = existing.UserID
	}

	patch := projectProviderSubscription(sub, tenantID, "")
	if sub.CustomerID != "" {
		customerID := sub.CustomerID
		patch.StripeCustomerID = &customerID
	}
	return r.merge(ctx, op, e, patch)
}

func (r *Reconciler) merge(ctx context.Context, op string, ev Event, patch entitlements.SubscriptionPatch) (Outcome, error) {
	res, err := r.store.MergeSubscription(ctx, patch)
	if err != nil {
		if errors.Is(err, entitlements.ErrOwnerMismatch) {
			return "", billingerrors.Validation(op, "subscription %s belongs to another tenant", patch.ID)
		}
		return "", billingerrors.Store(op, err)
	}
	if !res.Changed {
		log.Debug().
			Str("event_id", ev.EventID()).
			Str("subscription_id", patch.ID).
			Msg("Billing event already applied")
		return OutcomeUnchanged, nil
	}

	log.Info().
		Str("event_id", ev.EventID()).
		Str("type", ev.EventType()).
		Str("tenant_id", res.Current.UserID).
		Str("subscription_id", res.Current.ID).
		Str("status", res.Current.Status).
		Bool("created", res.Created()).
		Msg("Subscription projection updated")

	if r.notifier != nil && res.StatusTransition(entitlements.StatusCanceled) {
		if err := r.notifier.SubscriptionCanceled(ctx, res.Current); err != nil {
			log.Error().Err(err).
				Str("tenant_id", res.Current.UserID).
				Str("subscription_id", res.Current.ID).
				Msg("Cancellation notice failed")
		}
	}
	if r.publisher != nil {
		result := "ok"
		if err := r.publisher.Publish(ctx, feed.NewChange(res, ev.EventID(), ev.EventType())); err != nil {
			result = "error"
			log.Error().Err(err).
				Str("subscription_id", res.Current.ID).
				Msg("Entitlement change publish failed")
		}
		metrics.FeedPublishTotal.WithLabelValues(result).Inc()
	}
	return OutcomeApplied, nil
}

// projectProviderSubscription builds a full patch from the provider's
// authoritative subscription.
func projectProviderSubscription(sub *provider.Subscription, tenantID, explicitPlanID string) entitlements.SubscriptionPatch {
	status := sub.Status
	cancel := sub.CancelAtPeriodEnd
	patch := entitlements.SubscriptionPatch{
		ID:                sub.ID,
		UserID:            tenantID,
		Status:            &status,
		PriceIDs:          sub.PriceIDs(),
		Items:             make([]entitlements.SubscriptionItem, 0, len(sub.Items)),
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: &cancel,
	}
	if !sub.Created.IsZero() {
		created := sub.Created
		patch.Created = &created
	}
	for _, item := range sub.Items {
		patch.Items = append(patch.Items, entitlements.SubscriptionItem{ID: item.ID, PriceID: item.PriceID, Quantity: item.Quantity})
	}

	var firstPriceMeta map[string]string
	if len(sub.Items) > 0 {
		firstPriceMeta = sub.Items[0].PriceMetadata
	}
	if planID := choosePlanID(explicitPlanID, sub.Metadata, firstPriceMeta); planID != "" {
		patch.PlanID = &planID
	}
	return patch
}

// choosePlanID applies the plan attribution order: explicit value, then the
// subscription's metadata, then the first item's price metadata.
func choosePlanID(explicit string, subMeta, priceMeta map[string]string) string {
	for _, candidate := range []string{explicit, subMeta[provider.MetadataPlanID], priceMeta[provider.MetadataPlanID]} {
		if v := strings.TrimSpace(candidate); v != "" {
			return v
		}
	}
	return ""
}

func later(a, b *time.Time) bool {
	return a != nil && (b == nil || a.After(*b))
}
