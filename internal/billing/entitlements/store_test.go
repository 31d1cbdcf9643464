package entitlements

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestAccountCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	limit := 5
	require.NoError(t, s.CreateAccount(ctx, &Account{ID: "T1", Email: "owner@example.com", IsVIP: true, VIPInstanceLimit: &limit}))

	got, err := s.GetAccount(ctx, "T1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "owner@example.com", got.Email)
	assert.Empty(t, got.ProviderCustomerID)
	assert.True(t, got.IsVIP)
	require.NotNil(t, got.VIPInstanceLimit)
	assert.Equal(t, 5, *got.VIPInstanceLimit)

	missing, err := s.GetAccount(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSetProviderCustomerIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateAccount(ctx, &Account{ID: "T1", Email: "owner@example.com"}))

	require.NoError(t, s.SetProviderCustomerID(ctx, "T1", "cus_1"))
	require.NoError(t, s.SetProviderCustomerID(ctx, "T1", "cus_1"))

	got, err := s.GetAccount(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", got.ProviderCustomerID)

	err = s.SetProviderCustomerID(ctx, "ghost", "cus_2")
	assert.True(t, errors.Is(err, ErrAccountNotFound), "err = %v", err)
}

func TestPlanUpsertAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	plan := &Plan{
		ID: "plan_basic", Name: "Basic", MonthlyPrice: 29, YearlyPrice: 290,
		Features: []string{"2 bots"}, IsTrial: true, TrialDays: 14, IsActive: true,
		MonthlyPriceID: "price_basic_month", YearlyPriceID: "price_basic_year",
	}
	require.NoError(t, s.UpsertPlan(ctx, plan))

	plan.Name = "Basic v2"
	require.NoError(t, s.UpsertPlan(ctx, plan))
	require.NoError(t, s.UpsertPlan(ctx, &Plan{ID: "plan_addon", IsAddon: true, IsActive: true, MonthlyPriceID: "price_addon_instance"}))

	got, err := s.GetPlan(ctx, "plan_basic")
	require.NoError(t, err)
	assert.Equal(t, "Basic v2", got.Name)
	assert.Equal(t, []string{"2 bots"}, got.Features)
	assert.True(t, got.IsTrial)
	assert.Equal(t, 14, got.TrialDays)

	plans, err := s.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "plan_addon", plans[0].ID)
	assert.Equal(t, []string{}, plans[0].Features)
}

func TestMergeSubscriptionCreatesThenPreservesAbsentFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	periodEnd := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	created := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	res, err := s.MergeSubscription(ctx, SubscriptionPatch{
		ID: "sub_1", UserID: "T1",
		Status:           strPtr(StatusTrialing),
		PlanID:           strPtr("plan_basic"),
		PriceIDs:         []string{"price_basic_month"},
		Items:            []SubscriptionItem{{ID: "si_1", PriceID: "price_basic_month", Quantity: 1}},
		CurrentPeriodEnd: &periodEnd,
		Created:          &created,
		StripeCustomerID: strPtr("cus_1"),
	})
	require.NoError(t, err)
	assert.True(t, res.Created())
	assert.True(t, res.Changed)
	assert.True(t, res.StatusTransition(StatusTrialing))

	// An update without a plan must keep the stored plan.
	res, err = s.MergeSubscription(ctx, SubscriptionPatch{
		ID: "sub_1", UserID: "T1",
		Status:            strPtr(StatusActive),
		CancelAtPeriodEnd: boolPtr(true),
	})
	require.NoError(t, err)
	assert.False(t, res.Created())
	assert.True(t, res.Changed)

	got, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, "plan_basic", got.PlanID)
	assert.Equal(t, []string{"price_basic_month"}, got.PriceIDs)
	assert.Len(t, got.Items, 1)
	assert.True(t, got.CancelAtPeriodEnd)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.True(t, got.CurrentPeriodEnd.Equal(periodEnd))
	assert.True(t, got.Created.Equal(created))
	assert.Equal(t, "cus_1", got.StripeCustomerID)
}

func TestMergeSubscriptionReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	clock := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	patch := SubscriptionPatch{
		ID: "sub_1", UserID: "T1",
		Status:   strPtr(StatusActive),
		PriceIDs: []string{"price_basic_month"},
		Items:    []SubscriptionItem{{ID: "si_1", PriceID: "price_basic_month", Quantity: 1}},
	}
	_, err := s.MergeSubscription(ctx, patch)
	require.NoError(t, err)
	first, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	res, err := s.MergeSubscription(ctx, patch)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.False(t, res.StatusTransition(StatusActive))

	second, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMergeSubscriptionKeepsTerminalStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.MergeSubscription(ctx, SubscriptionPatch{ID: "sub_1", UserID: "T1", Status: strPtr(StatusCanceled)})
	require.NoError(t, err)

	res, err := s.MergeSubscription(ctx, SubscriptionPatch{
		ID: "sub_1", UserID: "T1", Status: strPtr(StatusActive), CancelAtPeriodEnd: boolPtr(true),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, res.Current.Status)
	assert.True(t, res.Current.CancelAtPeriodEnd, "other fields still merge")
	assert.False(t, res.StatusTransition(StatusCanceled))

	res, err = s.MergeSubscription(ctx, SubscriptionPatch{ID: "sub_1", UserID: "T1", Status: strPtr(StatusIncompleteExpired)})
	require.NoError(t, err)
	assert.Equal(t, StatusIncompleteExpired, res.Current.Status)
}

func TestMergeSubscriptionRejectsOwnerChange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.MergeSubscription(ctx, SubscriptionPatch{ID: "sub_1", UserID: "T1", Status: strPtr(StatusActive)})
	require.NoError(t, err)

	_, err = s.MergeSubscription(ctx, SubscriptionPatch{ID: "sub_1", UserID: "T2", Status: strPtr(StatusCanceled)})
	assert.ErrorIs(t, err, ErrOwnerMismatch)

	got, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestMergeSubscriptionRequiresKeys(t *testing.T) {
	_, err := newTestStore(t).MergeSubscription(context.Background(), SubscriptionPatch{ID: "sub_1"})
	assert.Error(t, err)
}

func TestFindCurrentSubscription(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.MergeSubscription(ctx, SubscriptionPatch{ID: "sub_old", UserID: "T1", Status: strPtr(StatusCanceled), Created: &older})
	require.NoError(t, err)

	cur, err := s.FindCurrentSubscription(ctx, "T1")
	require.NoError(t, err)
	assert.Nil(t, cur)

	_, err = s.MergeSubscription(ctx, SubscriptionPatch{ID: "sub_new", UserID: "T1", Status: strPtr(StatusActive), Created: &newer})
	require.NoError(t, err)
	_, err = s.MergeSubscription(ctx, SubscriptionPatch{ID: "sub_other", UserID: "T2", Status: strPtr(StatusTrialing), Created: &newer})
	require.NoError(t, err)

	cur, err = s.FindCurrentSubscription(ctx, "T1")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "sub_new", cur.ID)

	all, err := s.ListSubscriptionsByUser(ctx, "T1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	live, err := s.ListSubscriptionsByStatus(ctx, CurrentStatuses...)
	require.NoError(t, err)
	assert.Len(t, live, 2)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{StatusActive: 1, StatusTrialing: 1, StatusCanceled: 1}, counts)
}

func TestPlanMonthlyEquivalent(t *testing.T) {
	p := &Plan{MonthlyPrice: 30, YearlyPrice: 300, MonthlyPriceID: "m", YearlyPriceID: "y"}

	v, ok := p.MonthlyEquivalent("m")
	assert.True(t, ok)
	assert.Equal(t, 30.0, v)

	v, ok = p.MonthlyEquivalent("y")
	assert.True(t, ok)
	assert.Equal(t, 25.0, v)

	_, ok = p.MonthlyEquivalent("")
	assert.False(t, ok)
	assert.False(t, p.HasPrice("other"))
}
