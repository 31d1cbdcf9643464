package billing

import (
	"net/http"
	"strings"
	"time"

	"github.com/chatdesk/billingsync/internal/billing/admin"
	"github.com/chatdesk/billingsync/internal/billing/checkout"
	"github.com/chatdesk/billingsync/internal/billing/entitlements"
	"github.com/chatdesk/billingsync/internal/billing/feed"
	"github.com/chatdesk/billingsync/internal/billing/portal"
	"github.com/chatdesk/billingsync/internal/billing/provider"
	"github.com/chatdesk/billingsync/internal/billing/rollup"
	"github.com/chatdesk/billingsync/internal/billing/webhook"
	billingerrors "github.com/chatdesk/billingsync/internal/errors"
	"github.com/chatdesk/billingsync/internal/utils"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config      *Config
	Store       *entitlements.Store
	Provider    provider.Provider
	Publisher   feed.Publisher   // nil: change records are dropped
	Notifier    webhook.Notifier // nil: no cancellation notices
	RollupCache rollup.Cache     // nil: rollups are computed per request
	Version     string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	cfg := deps.Config
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(cfg.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Store))

	// Status, metrics and the catalog are admin-only.
	mux.Handle("GET /admin/status", adminAuth(admin.HandleStatus(deps.Store, deps.Version)))
	mux.Handle("/admin/plans", adminAuth(admin.HandlePlans(deps.Store)))
	mux.Handle("GET /admin/rollup", adminAuth(rollup.HandleSummary(rollup.NewReader(deps.Store, deps.RollupCache))))
	mux.Handle("GET /metrics", adminAuth(admin.HandleMetrics(deps.Store)))

	// Provider webhook (signature-authenticated)
	reconciler := webhook.NewReconciler(deps.Store, deps.Provider, deps.Publisher, deps.Notifier)
	webhookHandler := webhook.NewHandler(reconciler, strings.TrimSpace(cfg.StripeWebhookSecret) != "")
	webhookLimiter := NewRateLimiter(cfg.WebhookRateLimit, time.Minute)
	mux.Handle("/api/billing/webhook", webhookLimiter.Middleware(webhookHandler))

	// Tenant-facing billing actions. The host application authenticates the
	// caller before proxying these.
	publicLimiter := NewRateLimiter(cfg.PublicRateLimit, time.Minute)
	orchestrator := checkout.NewOrchestrator(deps.Store, deps.Provider, cfg.BaseURL)
	issuer := portal.NewIssuer(deps.Store, deps.Provider, cfg.BaseURL)
	mux.Handle("/api/billing/checkout", publicLimiter.Middleware(checkout.HandleStartCheckout(orchestrator)))
	mux.Handle("/api/billing/portal", publicLimiter.Middleware(portal.HandleIssuePortalLink(issuer)))
	mux.Handle("GET /api/billing/subscriptions/{tenantId}", publicLimiter.Middleware(handleTenantSubscriptions(deps.Store)))
}

type tenantSubscriptionsResponse struct {
	TenantID      string                       `json:"tenantId"`
	Current       *entitlements.Subscription   `json:"current"`
	Subscriptions []*entitlements.Subscription `json:"subscriptions"`
}

// handleTenantSubscriptions lets the UI poll a tenant's projections after a
// checkout or add-on purchase.
func handleTenantSubscriptions(store *entitlements.Store) http.HandlerFunc {
	const op = "list_tenant_subscriptions"
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.PathValue("tenantId"))
		if tenantID == "" {
			utils.WriteFailure(w, r, billingerrors.Validation(op, "tenantId is required"))
			return
		}

		account, err := store.GetAccount(r.Context(), tenantID)
		if err != nil {
			utils.WriteFailure(w, r, billingerrors.Store(op, err))
			return
		}
		if account == nil {
			utils.WriteFailure(w, r, billingerrors.NotFound(op, "tenant %s not found", tenantID))
			return
		}

		subs, err := store.ListSubscriptionsByUser(r.Context(), tenantID)
		if err != nil {
			utils.WriteFailure(w, r, billingerrors.Store(op, err))
			return
		}
		if subs == nil {
			subs = []*entitlements.Subscription{}
		}
		resp := tenantSubscriptionsResponse{TenantID: tenantID, Subscriptions: subs}
		for _, sub := range subs {
			if entitlements.IsCurrentStatus(sub.Status) {
				resp.Current = sub
				break
			}
		}
		utils.WriteJSON(w, http.StatusOK, resp)
	}
}
