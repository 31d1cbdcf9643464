// Package admin serves the operator-facing endpoints: probes, status, the
// plan catalog and metrics.
package admin

import (
	"context"
	"net/http"

	"github.com/chatdesk/billingsync/internal/billing/entitlements"
	"github.com/chatdesk/billingsync/internal/billing/metrics"
	"github.com/chatdesk/billingsync/internal/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StatusStore reports store health and projection counts.
type StatusStore interface {
	Ping(ctx context.Context) error
	CountByStatus(ctx context.Context) (map[string]int, error)
}

type statusResponse struct {
	Version       string         `json:"version"`
	Subscriptions int            `json:"total_subscriptions"`
	Current       int            `json:"current_subscriptions"`
	ByStatus      map[string]int `json:"by_status"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(store StatusStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if store == nil || store.Ping(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports projection counts by status.
func HandleStatus(store StatusStore, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.CountByStatus(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("Failed to count subscriptions")
			utils.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
			return
		}
		metrics.SetSubscriptionCounts(counts)

		resp := statusResponse{Version: version, ByStatus: counts}
		for status, c := range counts {
			resp.Subscriptions += c
			if entitlements.IsCurrentStatus(status) {
				resp.Current += c
			}
		}
		utils.WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleMetrics serves Prometheus metrics, refreshing the subscription gauges
// from the store on every scrape.
func HandleMetrics(store StatusStore) http.Handler {
	next := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.CountByStatus(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to refresh subscription gauges")
		} else {
			metrics.SetSubscriptionCounts(counts)
		}
		next.ServeHTTP(w, r)
	})
}
