package endpoints

import (
	"net/http"

	"github.com/prebid/pg-engine/deals"
)

// NewWinEventEndpoint accepts impression win notifications so delivery
// reports carry win counts.
// GET /pg/event/win?lineItemId=<lineItemID>
func NewWinEventEndpoint(deliveryProgressService *deals.DeliveryProgressService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lineItemID := r.URL.Query().Get("lineItemId")
		if lineItemID == "" {
			http.Error(w, "lineItemId query parameter is required", http.StatusBadRequest)
			return
		}

		deliveryProgressService.ProcessLineItemWinEvent(lineItemID)
		w.WriteHeader(http.StatusNoContent)
	}
}
