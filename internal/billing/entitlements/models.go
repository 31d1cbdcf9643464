package entitlements

import (
	"slices"
	"time"
)

// Well-known provider subscription statuses. Status is stored as an opaque
// string; the provider may introduce values not listed here.
const (
	StatusTrialing          = "trialing"
	StatusActive            = "active"
	StatusPastDue           = "past_due"
	StatusUnpaid            = "unpaid"
	StatusCanceled          = "canceled"
	StatusIncomplete        = "incomplete"
	StatusIncompleteExpired = "incomplete_expired"
	StatusPaused            = "paused"
)

// CurrentStatuses are the statuses that make a subscription the tenant's current one.
var CurrentStatuses = []string{StatusActive, StatusTrialing}

// TerminalStatuses end a subscription for good; the provider never moves a
// subscription out of them.
var TerminalStatuses = []string{StatusCanceled, StatusIncompleteExpired}

// IsTerminalStatus reports whether status can no longer change.
func IsTerminalStatus(status string) bool {
	return slices.Contains(TerminalStatuses, status)
}

// IsCurrentStatus reports whether status counts as a live entitlement.
func IsCurrentStatus(status string) bool {
	return slices.Contains(CurrentStatuses, status)
}

// Account is the tenant account owned by the auth subsystem. The billing
// engine only reads it and writes ProviderCustomerID.
type Account struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	ProviderCustomerID string    `json:"stripeCustomerId,omitempty"`
	IsVIP              bool      `json:"isVip"`
	VIPInstanceLimit   *int      `json:"vipInstanceLimit,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Plan is a catalog entry for a sellable tier or an attachable add-on.
type Plan struct {
	ID             string   `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	MonthlyPrice   float64  `json:"monthlyPrice" yaml:"monthly_price"`
	YearlyPrice    float64  `json:"yearlyPrice" yaml:"yearly_price"`
	Features       []string `json:"features" yaml:"features"`
	IsTrial        bool     `json:"isTrial" yaml:"is_trial"`
	TrialDays      int      `json:"trialDays" yaml:"trial_days"`
	IsActive       bool     `json:"isActive" yaml:"is_active"`
	IsComingSoon   bool     `json:"isComingSoon" yaml:"is_coming_soon"`
	IsAddon        bool     `json:"isAddon" yaml:"is_addon"`
	MonthlyPriceID string   `json:"stripePriceIdMonthly" yaml:"monthly_price_id"`
	YearlyPriceID  string   `json:"stripePriceIdYearly" yaml:"yearly_price_id"`
}

// HasPrice reports whether priceID is one of the plan's provider prices.
func (p *Plan) HasPrice(priceID string) bool {
	if priceID == "" {
		return false
	}
	return priceID == p.MonthlyPriceID || priceID == p.YearlyPriceID
}

// MonthlyEquivalent returns the normalised monthly amount for priceID and
// whether priceID belongs to the plan.
func (p *Plan) MonthlyEquivalent(priceID string) (float64, bool) {
	switch {
	case priceID == "":
		return 0, false
	case priceID == p.MonthlyPriceID:
		return p.MonthlyPrice, true
	case priceID == p.YearlyPriceID:
		return p.YearlyPrice / 12, true
	default:
		return 0, false
	}
}

// SubscriptionItem is one line item of a subscription.
type SubscriptionItem struct {
	ID       string `json:"id"`
	PriceID  string `json:"priceId"`
	Quantity int64  `json:"quantity"`
}

// Subscription is the local projection of one provider subscription.
type Subscription struct {
	ID                string             `json:"id"`
	UserID            string             `json:"userId"`
	Status            string             `json:"status"`
	PlanID            string             `json:"planId"`
	PriceIDs          []string           `json:"priceIds"`
	Items             []SubscriptionItem `json:"items"`
	CurrentPeriodEnd  *time.Time         `json:"current_period_end"`
	Created           time.Time          `json:"created"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end"`
	StripeCustomerID  string             `json:"stripeCustomerId"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// ItemForPrice returns the line item carrying priceID, if any.
func (s *Subscription) ItemForPrice(priceID string) (SubscriptionItem, bool) {
	for _, item := range s.Items {
		if item.PriceID == priceID {
			return item, true
		}
	}
	return SubscriptionItem{}, false
}

// SubscriptionPatch is a merge write against a projection. Nil fields are
// absent from the source event and leave the stored value untouched.
type SubscriptionPatch struct {
	ID                string
	UserID            string
	Status            *string
	PlanID            *string
	PriceIDs          []string
	Items             []SubscriptionItem
	CurrentPeriodEnd  *time.Time
	Created           *time.Time
	CancelAtPeriodEnd *bool
	StripeCustomerID  *string
}

// MergeResult describes the outcome of a merge write.
type MergeResult struct {
	Previous *Subscription // nil when the projection was created by this write
	Current  *Subscription
	Changed  bool
}

// Created reports whether the merge created the projection.
func (r MergeResult) Created() bool {
	return r.Previous == nil
}

// StatusTransition reports whether the merge moved the projection into status.
func (r MergeResult) StatusTransition(status string) bool {
	if r.Current == nil || r.Current.Status != status {
		return false
	}
	return r.Previous == nil || r.Previous.Status != status
}
