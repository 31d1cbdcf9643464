package portal

import (
	"net/http"

	billingerrors "github.com/chatdesk/billingsync/internal/errors"
	"github.com/chatdesk/billingsync/internal/utils"
)

type portalRequest struct {
	TenantID string `json:"tenantId"`
}

// HandleIssuePortalLink serves POST /api/billing/portal.
func HandleIssuePortalLink(i *Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			utils.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
			return
		}

		var req portalRequest
		if err := utils.DecodeJSON(w, r, &req); err != nil {
			utils.WriteFailure(w, r, billingerrors.Validation(op, "%v", err))
			return
		}

		link, err := i.IssuePortalLink(r.Context(), req.TenantID)
		if err != nil {
			utils.WriteFailure(w, r, err)
			return
		}
		utils.WriteJSON(w, http.StatusOK, link)
	}
}
