package checkout

import (
	"net/http"

	billingerrors "github.com/chatdesk/billingsync/internal/errors"
	"github.com/chatdesk/billingsync/internal/utils"
)

// HandleStartCheckout serves POST /api/billing/checkout.
func HandleStartCheckout(o *Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			utils.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
			return
		}

		var req Request
		if err := utils.DecodeJSON(w, r, &req); err != nil {
			utils.WriteFailure(w, r, billingerrors.Validation(op, "%v", err))
			return
		}

		res, err := o.StartCheckout(r.Context(), req)
		if err != nil {
			utils.WriteFailure(w, r, err)
			return
		}
		utils.WriteJSON(w, http.StatusOK, res)
	}
}
