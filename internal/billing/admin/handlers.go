package admin

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/chatdesk/billingsync/internal/billing/entitlements"
	billingerrors "github.com/chatdesk/billingsync/internal/errors"
	"github.com/chatdesk/billingsync/internal/utils"
	"github.com/rs/zerolog/log"
)

// PlanStore is the catalog side of the entitlement store.
type PlanStore interface {
	ListPlans(ctx context.Context) ([]*entitlements.Plan, error)
	UpsertPlan(ctx context.Context, p *entitlements.Plan) error
}

// HandlePlans lists the catalog on GET and upserts one plan on POST.
func HandlePlans(store PlanStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			plans, err := store.ListPlans(r.Context())
			if err != nil {
				utils.WriteFailure(w, r, billingerrors.Store("list_plans", err))
				return
			}
			if plans == nil {
				plans = []*entitlements.Plan{}
			}
			utils.WriteJSON(w, http.StatusOK, map[string]any{
				"plans": plans,
				"count": len(plans),
			})
		case http.MethodPost:
			var plan entitlements.Plan
			if err := utils.DecodeJSON(w, r, &plan); err != nil {
				utils.WriteFailure(w, r, billingerrors.Validation("upsert_plan", "invalid request body: %v", err))
				return
			}
			if err := ValidatePlan(&plan); err != nil {
				utils.WriteFailure(w, r, err)
				return
			}
			if err := store.UpsertPlan(r.Context(), &plan); err != nil {
				utils.WriteFailure(w, r, billingerrors.Store("upsert_plan", err))
				return
			}
			log.Info().Str("plan_id", plan.ID).Bool("active", plan.IsActive).Msg("Plan upserted")
			utils.WriteJSON(w, http.StatusOK, plan)
		default:
			utils.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		}
	}
}

// ValidatePlan checks a catalog entry before it is stored.
func ValidatePlan(p *entitlements.Plan) error {
	const op = "validate_plan"
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	p.MonthlyPriceID = strings.TrimSpace(p.MonthlyPriceID)
	p.YearlyPriceID = strings.TrimSpace(p.YearlyPriceID)

	switch {
	case p.ID == "":
		return billingerrors.Validation(op, "plan id is required")
	case p.Name == "":
		return billingerrors.Validation(op, "plan %s: name is required", p.ID)
	case p.MonthlyPrice < 0 || p.YearlyPrice < 0:
		return billingerrors.Validation(op, "plan %s: prices must not be negative", p.ID)
	case p.MonthlyPriceID == "" && p.YearlyPriceID == "":
		return billingerrors.Validation(op, "plan %s: at least one provider price id is required", p.ID)
	case p.MonthlyPriceID != "" && p.MonthlyPriceID == p.YearlyPriceID:
		return billingerrors.Validation(op, "plan %s: monthly and yearly price ids must differ", p.ID)
	case p.IsTrial && p.TrialDays <= 0:
		return billingerrors.Validation(op, "plan %s: trial plans need trial days", p.ID)
	case p.TrialDays < 0:
		return billingerrors.Validation(op, "plan %s: trial days must not be negative", p.ID)
	}
	if p.Features == nil {
		p.Features = []string{}
	}
	return nil
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			utils.WriteError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}
