package rollup

import (
	"net/http"

	billingerrors "github.com/chatdesk/billingsync/internal/errors"
	"github.com/chatdesk/billingsync/internal/utils"
)

// HandleSummary serves the rollup. ?refresh=true bypasses the cache.
func HandleSummary(reader *Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			summary *Summary
			err     error
		)
		if utils.ParseBool(r.URL.Query().Get("refresh")) {
			summary, err = reader.Refresh(r.Context())
		} else {
			summary, err = reader.Summary(r.Context())
		}
		if err != nil {
			utils.WriteFailure(w, r, billingerrors.Store("rollup_summary", err))
			return
		}
		utils.WriteJSON(w, http.StatusOK, summary)
	}
}
