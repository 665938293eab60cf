package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/prebid/pg-engine/deals"
	"github.com/prebid/pg-engine/util/timeutil"
)

// NewLineItemStatusEndpoint reports pacing state for one line item.
// GET /pg/admin/lineitem-status?id=<lineItemID>
func NewLineItemStatusEndpoint(reportFactory *deals.DeliveryProgressReportFactory, clock timeutil.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lineItemID := r.URL.Query().Get("id")
		if lineItemID == "" {
			http.Error(w, "id query parameter is required", http.StatusBadRequest)
			return
		}

		statusReport := reportFactory.MakeLineItemStatusReport(lineItemID, clock.Now())
		if statusReport == nil {
			http.Error(w, fmt.Sprintf("line item %s is not known", lineItemID), http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statusReport); err != nil {
			glog.Errorf("/pg/admin/lineitem-status encoding failed: %v", err)
		}
	}
}

const (
	actionUpdateLineItems     = "updatelineitems"
	actionCreateReport        = "createreport"
	actionSendReport          = "sendreport"
	actionInvalidateLineItems = "invalidatelineitems"
)

// NewForceDealsUpdateEndpoint triggers planner and reporting maintenance
// out of schedule.
// GET /pg/admin/force-deals-update?action=<action>[&ids=a,b,c]
func NewForceDealsUpdateEndpoint(
	plannerService *deals.PlannerService,
	deliveryProgressService *deals.DeliveryProgressService,
	deliveryStatsService *deals.DeliveryStatsService,
	lineItemService *deals.LineItemService,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch action := r.URL.Query().Get("action"); action {
		case actionUpdateLineItems:
			plannerService.UpdateLineItemMetaData(r.Context())
		case actionCreateReport:
			deliveryProgressService.CreateDeliveryProgressReports()
		case actionSendReport:
			deliveryStatsService.SendDeliveryProgressReports(r.Context())
		case actionInvalidateLineItems:
			if ids := r.URL.Query().Get("ids"); ids != "" {
				lineItemService.InvalidateLineItemsByIDs(splitIDs(ids))
			} else {
				lineItemService.InvalidateLineItems()
			}
		case "":
			http.Error(w, "action query parameter is required", http.StatusBadRequest)
			return
		default:
			http.Error(w, fmt.Sprintf("unknown action %s", action), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func splitIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// NewTracerEndpoint toggles the deals deep debug trace.
// GET /pg/admin/tracer?duration=<sec>[&account=..][&lineItemId=..]
// duration=0 stops an active trace.
func NewTracerEndpoint(tracerService *deals.TracerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawDuration := r.URL.Query().Get("duration")
		if rawDuration == "" {
			http.Error(w, "duration query parameter is required", http.StatusBadRequest)
			return
		}
		seconds, err := strconv.Atoi(rawDuration)
		if err != nil || seconds < 0 {
			http.Error(w, fmt.Sprintf("invalid duration %s", rawDuration), http.StatusBadRequest)
			return
		}

		if seconds == 0 {
			tracerService.Stop()
			w.WriteHeader(http.StatusNoContent)
			return
		}

		accountID := r.URL.Query().Get("account")
		lineItemID := r.URL.Query().Get("lineItemId")
		if err := tracerService.Start(accountID, lineItemID, time.Duration(seconds)*time.Second); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
