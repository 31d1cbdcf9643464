// Package rollup computes cross-tenant subscription and revenue totals from
// the entitlement projections. It never writes to the store.
package rollup

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/chatdesk/billingsync/internal/billing/entitlements"
	"github.com/chatdesk/billingsync/internal/billing/metrics"
	"github.com/rs/zerolog/log"
)

// Store is the read side the reader scans.
type Store interface {
	ListSubscriptionsByStatus(ctx context.Context, statuses ...string) ([]*entitlements.Subscription, error)
	ListPlans(ctx context.Context) ([]*entitlements.Plan, error)
}

// Cache holds a recently computed summary.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context) (*Summary, error)
	Set(ctx context.Context, s *Summary) error
}

// PlanTotal is the rollup for one catalog plan.
type PlanTotal struct {
	PlanID        string  `json:"planId"`
	PlanName      string  `json:"planName"`
	Subscriptions int     `json:"subscriptions"`
	MonthlyAmount float64 `json:"monthlyAmount"`
}

// Summary is the cross-tenant rollup.
type Summary struct {
	ActiveSubscriptions   int         `json:"activeSubscriptions"`
	TrialingSubscriptions int         `json:"trialingSubscriptions"`
	EstimatedMRR          float64     `json:"estimatedMrr"`
	AddonMRR              float64     `json:"addonMrr"`
	UnpricedSubscriptions int         `json:"unpricedSubscriptions"`
	Plans                 []PlanTotal `json:"plans"`
	GeneratedAt           time.Time   `json:"generatedAt"`
}

// CurrentSubscriptions is active plus trialing.
func (s *Summary) CurrentSubscriptions() int {
	return s.ActiveSubscriptions + s.TrialingSubscriptions
}

// Reader computes summaries, optionally through a cache.
type Reader struct {
	store Store
	cache Cache
	now   func() time.Time
}

// NewReader returns a reader. cache may be nil.
func NewReader(store Store, cache Cache) *Reader {
	return &Reader{store: store, cache: cache, now: time.Now}
}

// Summary returns the cached rollup when fresh, computing it otherwise. Cache
// failures fall back to a direct computation.
func (r *Reader) Summary(ctx context.Context) (*Summary, error) {
	if r.cache != nil {
		cached, err := r.cache.Get(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Rollup cache read failed")
		} else if cached != nil {
			metrics.EstimatedMRR.Set(cached.EstimatedMRR)
			return cached, nil
		}
	}

	return r.Refresh(ctx)
}

// Refresh computes a new summary and replaces the cached one.
func (r *Reader) Refresh(ctx context.Context) (*Summary, error) {
	summary, err := r.Compute(ctx)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, summary); err != nil {
			log.Warn().Err(err).Msg("Rollup cache write failed")
		}
	}
	return summary, nil
}

// Compute scans current subscriptions and joins them to the plan catalog.
// Subscriptions whose plan is missing from the catalog, or whose prices match
// none of the plan's prices, are counted but contribute no revenue.
func (r *Reader) Compute(ctx context.Context) (*Summary, error) {
	subs, err := r.store.ListSubscriptionsByStatus(ctx, entitlements.CurrentStatuses...)
	if err != nil {
		return nil, fmt.Errorf("list current subscriptions: %w", err)
	}
	plans, err := r.store.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}

	byID := make(map[string]*entitlements.Plan, len(plans))
	addonByPrice := make(map[string]*entitlements.Plan)
	for _, p := range plans {
		byID[p.ID] = p
		if p.IsAddon {
			for _, price := range []string{p.MonthlyPriceID, p.YearlyPriceID} {
				if price != "" {
					addonByPrice[price] = p
				}
			}
		}
	}

	summary := &Summary{GeneratedAt: r.now().UTC().Truncate(time.Second)}
	totals := make(map[string]*PlanTotal)
	for _, sub := range subs {
		switch sub.Status {
		case entitlements.StatusActive:
			summary.ActiveSubscriptions++
		case entitlements.StatusTrialing:
			summary.TrialingSubscriptions++
		}

		plan := byID[sub.PlanID]
		base, ok := baseAmount(plan, sub)
		if !ok {
			summary.UnpricedSubscriptions++
		} else {
			total := totals[plan.ID]
			if total == nil {
				total = &PlanTotal{PlanID: plan.ID, PlanName: plan.Name}
				totals[plan.ID] = total
			}
			total.Subscriptions++
			total.MonthlyAmount += base
			summary.EstimatedMRR += base
		}

		for _, item := range sub.Items {
			addon := addonByPrice[item.PriceID]
			if addon == nil || (plan != nil && addon.ID == plan.ID) {
				continue
			}
			amount, _ := addon.MonthlyEquivalent(item.PriceID)
			qty := item.Quantity
			if qty <= 0 {
				qty = 1
			}
			summary.AddonMRR += amount * float64(qty)
		}
	}
	summary.EstimatedMRR = roundCents(summary.EstimatedMRR + summary.AddonMRR)
	summary.AddonMRR = roundCents(summary.AddonMRR)

	summary.Plans = make([]PlanTotal, 0, len(totals))
	for _, t := range totals {
		t.MonthlyAmount = roundCents(t.MonthlyAmount)
		summary.Plans = append(summary.Plans, *t)
	}
	sort.Slice(summary.Plans, func(i, j int) bool { return summary.Plans[i].PlanID < summary.Plans[j].PlanID })

	metrics.EstimatedMRR.Set(summary.EstimatedMRR)
	return summary, nil
}

// baseAmount picks the plan price the subscription is billed at.
func baseAmount(plan *entitlements.Plan, sub *entitlements.Subscription) (float64, bool) {
	if plan == nil || plan.IsAddon {
		return 0, false
	}
	for _, price := range sub.PriceIDs {
		if amount, ok := plan.MonthlyEquivalent(price); ok {
			return amount, true
		}
	}
	return 0, false
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
