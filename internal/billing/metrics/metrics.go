package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "chatdesk"
	subsystem = "billing"
)

var (
	// SubscriptionsByStatus tracks the number of subscription projections in each status.
	SubscriptionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "subscriptions_by_status",
		Help:      "Number of subscription projections by provider status.",
	}, []string{"status"})

	// EstimatedMRR is the latest monthly recurring revenue estimate.
	EstimatedMRR = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "estimated_mrr",
		Help:      "Estimated monthly recurring revenue from active and trialing subscriptions.",
	})

	// WebhookRequestsTotal counts webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// WebhookOutcomes counts how verified events were applied.
	WebhookOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_outcomes_total",
		Help:      "Verified webhook events by outcome (applied, unchanged, ignored, rejected, failed).",
	}, []string{"outcome"})

	// CheckoutTotal counts checkout attempts by outcome.
	CheckoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "checkout_total",
		Help:      "Checkout attempts by outcome (session, addon, error).",
	}, []string{"outcome"})

	// PortalTotal counts portal link requests by outcome.
	PortalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "portal_links_total",
		Help:      "Billing portal link requests by outcome (issued, self_healed, error).",
	}, []string{"outcome"})

	// FeedPublishTotal counts entitlement change-feed publishes by result.
	FeedPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "feed_publish_total",
		Help:      "Entitlement change records published by result.",
	}, []string{"result"})
)

// KnownStatuses keeps a stable label set on SubscriptionsByStatus.
var KnownStatuses = []string{
	"trialing", "active", "past_due", "unpaid", "canceled", "incomplete", "incomplete_expired", "paused",
}

// SetSubscriptionCounts publishes counts, zeroing known statuses with no rows.
func SetSubscriptionCounts(counts map[string]int) {
	seen := make(map[string]struct{}, len(KnownStatuses))
	for _, status := range KnownStatuses {
		seen[status] = struct{}{}
		SubscriptionsByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		SubscriptionsByStatus.WithLabelValues(status).Set(float64(c))
	}
}
