package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatdesk/billingsync/internal/billing/entitlements"
	"github.com/chatdesk/billingsync/internal/billing/provider"
	"github.com/chatdesk/billingsync/internal/billing/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "test-admin-key"

type routesFixture struct {
	store    *entitlements.Store
	provider *provider.FakeProvider
	mux      *http.ServeMux
}

func newRoutesFixture(t *testing.T, publicLimit int) *routesFixture {
	t.Helper()
	store, err := entitlements.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, &entitlements.Account{ID: "T1", Email: "owner@t1.example.com"}))
	require.NoError(t, store.UpsertPlan(ctx, &entitlements.Plan{
		ID: "plan_basic", Name: "Basic", MonthlyPrice: 29, IsActive: true, MonthlyPriceID: "price_basic_month",
	}))

	fake := provider.NewFakeProvider("whsec_test")
	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config: &Config{
			AdminKey:            testAdminKey,
			BaseURL:             "https://app.example.com",
			StripeWebhookSecret: "whsec_test",
			WebhookRateLimit:    600,
			PublicRateLimit:     publicLimit,
		},
		Store:    store,
		Provider: fake,
		Version:  "test-version",
	})
	return &routesFixture{store: store, provider: fake, mux: mux}
}

func (f *routesFixture) do(req *http.Request) *httptest.ResponseRecorder {
	req.RemoteAddr = "198.51.100.7:5555"
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_HealthAndReadiness(t *testing.T) {
	f := newRoutesFixture(t, 60)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutes_AdminRequiresKey(t *testing.T) {
	f := newRoutesFixture(t, 60)

	for _, path := range []string{"/admin/status", "/admin/plans", "/admin/rollup", "/metrics"} {
		rec := f.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Admin-Key", testAdminKey)
		rec = f.do(req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRoutes_AdminRollup(t *testing.T) {
	f := newRoutesFixture(t, 60)
	status := entitlements.StatusActive
	planID := "plan_basic"
	_, err := f.store.MergeSubscription(context.Background(), entitlements.SubscriptionPatch{
		ID: "sub_1", UserID: "T1", Status: &status, PlanID: &planID, PriceIDs: []string{"price_basic_month"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/rollup", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary struct {
		ActiveSubscriptions int     `json:"activeSubscriptions"`
		EstimatedMRR        float64 `json:"estimatedMrr"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	assert.Equal(t, 1, summary.ActiveSubscriptions)
	assert.InDelta(t, 29.0, summary.EstimatedMRR, 0.001)
}

func TestRoutes_WebhookRejectsUnsigned(t *testing.T) {
	f := newRoutesFixture(t, 60)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/billing/webhook", strings.NewReader(`{"id":"evt_1"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutes_WebhookThenPoll(t *testing.T) {
	f := newRoutesFixture(t, 60)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/billing/subscriptions/T1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"current":null`)

	body, err := json.Marshal(map[string]any{
		"id":      "evt_route_1",
		"object":  "event",
		"type":    webhook.TypeSubscriptionUpdated,
		"created": time.Now().Unix(),
		"data": map[string]any{"object": map[string]any{
			"id":       "sub_1",
			"object":   "subscription",
			"customer": "cus_1",
			"status":   "active",
			"metadata": map[string]string{provider.MetadataTenantID: "T1", provider.MetadataPlanID: "plan_basic"},
			"items": map[string]any{"object": "list", "data": []map[string]any{{
				"id":       "si_1",
				"price":    map[string]any{"id": "price_basic_month"},
				"quantity": 1,
			}}},
		}},
	})
	require.NoError(t, err)
	payload, header := f.provider.Sign(body)
	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(payload))
	req.Header.Set(webhook.SignatureHeader, header)
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/billing/subscriptions/T1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp tenantSubscriptionsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Current)
	assert.Equal(t, "sub_1", resp.Current.ID)
	assert.Equal(t, entitlements.StatusActive, resp.Current.Status)
	assert.Len(t, resp.Subscriptions, 1)
}

func TestRoutes_PollUnknownTenant(t *testing.T) {
	f := newRoutesFixture(t, 60)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/billing/subscriptions/T404", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutes_CheckoutAndPortal(t *testing.T) {
	f := newRoutesFixture(t, 60)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/billing/checkout", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/billing/checkout",
		strings.NewReader(`{"tenantId":"T1","priceId":"price_basic_month","planId":"plan_basic"}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"checkoutSessionId"`)

	// The checkout created and linked a provider customer, so a portal link can be issued.
	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/billing/portal", strings.NewReader(`{"tenantId":"T1"}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"url"`)
}

func TestRoutes_PublicRateLimit(t *testing.T) {
	f := newRoutesFixture(t, 1)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/billing/subscriptions/T1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/billing/subscriptions/T1", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
