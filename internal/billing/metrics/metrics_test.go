package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetSubscriptionCountsKeepsKnownLabels(t *testing.T) {
	SetSubscriptionCounts(map[string]int{"active": 3, "legacy_state": 1})

	if got := testutil.ToFloat64(SubscriptionsByStatus.WithLabelValues("active")); got != 3 {
		t.Fatalf("active = %v, want 3", got)
	}
	if got := testutil.ToFloat64(SubscriptionsByStatus.WithLabelValues("canceled")); got != 0 {
		t.Fatalf("canceled = %v, want 0", got)
	}
	if got := testutil.ToFloat64(SubscriptionsByStatus.WithLabelValues("legacy_state")); got != 1 {
		t.Fatalf("legacy_state = %v, want 1", got)
	}
}
