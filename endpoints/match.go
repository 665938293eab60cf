package endpoints

import (
	"encoding/json"
	"net/http"

	"github.com/golang/glog"
	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/prebid/pg-engine/deals"
	"github.com/prebid/pg-engine/deals/model"
	"github.com/prebid/pg-engine/errortypes"
	"github.com/prebid/pg-engine/metrics"
	"github.com/prebid/pg-engine/util/timeutil"
)

const ignorePacingHeader = "pg-ignore-pacing"

// MatchEndpointDeps are the collaborators behind the deal matching
// endpoint.
type MatchEndpointDeps struct {
	DealsProcessor          *deals.DealsProcessor
	DealsService            *deals.DealsService
	DeliveryProgressService *deals.DeliveryProgressService
	TracerService           *deals.TracerService
	Metrics                 metrics.MetricsEngine
	Clock                   timeutil.Time
	// AccountRequired rejects requests that carry no resolvable account.
	AccountRequired bool
}

// matchResponse is the endpoint reply: one entry per bidder that should
// still be called, with deals merged into the bidder view of the request.
type matchResponse struct {
	BidderRequests []matchBidderRequest `json:"bidderRequests"`
	Warnings       []string             `json:"warnings,omitempty"`
	Trace          []model.TraceEntry   `json:"trace,omitempty"`
}

type matchBidderRequest struct {
	Bidder       string                     `json:"bidder"`
	BidRequest   *openrtb2.BidRequest       `json:"bidRequest"`
	ImpIDToDeals map[string][]openrtb2.Deal `json:"impIdToDeals,omitempty"`
}

// NewMatchEndpoint runs line item matching for an OpenRTB request and
// returns the per-bidder requests with PG deals injected.
// POST /pg/match[?account=<accountID>]
func NewMatchEndpoint(deps MatchEndpointDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := deps.Clock.Now()

		var bidRequest openrtb2.BidRequest
		if err := json.NewDecoder(r.Body).Decode(&bidRequest); err != nil {
			deps.Metrics.RecordRequest(metrics.RequestStatusBadInput)
			badInput := &errortypes.BadInput{Message: "failed to parse bid request body"}
			http.Error(w, badInput.Error(), http.StatusBadRequest)
			return
		}

		accountID := r.URL.Query().Get("account")
		if accountID == "" {
			accountID = publisherID(&bidRequest)
		}
		if accountID == "" && deps.AccountRequired {
			deps.Metrics.RecordRequest(metrics.RequestStatusBadInput)
			acctRequired := &errortypes.AcctRequired{Message: "request does not resolve to a publisher account"}
			http.Error(w, acctRequired.Error(), http.StatusBadRequest)
			return
		}

		auctionContext := &model.AuctionContext{
			AccountID:    accountID,
			BidRequest:   &bidRequest,
			TxnLog:       model.NewTxnLog(),
			DeepDebugLog: deps.TracerService.NewDeepDebugLog(accountID),
			IgnorePacing: r.Header.Get(ignorePacingHeader) == "true",
		}

		deps.DealsProcessor.PopulateDealsInfo(r.Context(), auctionContext)

		response := matchResponse{}
		var warnings []error
		if auctionContext.FcapLookupFailed {
			warnings = append(warnings, &errortypes.DebugWarning{
				Message: "Failed to fetch user details, frequency capped line items are not eligible for this auction",
			})
		}
		for _, bidder := range deals.Bidders(&bidRequest) {
			bidderRequest := deps.DealsService.MatchAndPopulateDeals(
				&deals.BidderRequest{Bidder: bidder, BidRequest: &bidRequest},
				nil,
				auctionContext,
			)
			if !deals.RemovePgDealsOnlyImpsWithoutDeals(bidderRequest, &warnings) {
				continue
			}

			for _, impDeals := range bidderRequest.ImpIDToDeals {
				for range impDeals {
					deps.Metrics.RecordDealInjected()
				}
			}
			response.BidderRequests = append(response.BidderRequests, matchBidderRequest{
				Bidder:       bidderRequest.Bidder,
				BidRequest:   bidderRequest.BidRequest,
				ImpIDToDeals: bidderRequest.ImpIDToDeals,
			})
		}

		// debug scoped warnings only surface when tracing is on
		for _, warning := range errortypes.WarningOnly(warnings) {
			if errortypes.ReadScope(warning) == errortypes.ScopeDebug && !auctionContext.DeepDebugLog.Enabled() {
				continue
			}
			response.Warnings = append(response.Warnings, warning.Error())
		}

		for range auctionContext.TxnLog.WholeTargetingMatched() {
			deps.Metrics.RecordLineItemMatched()
		}

		deps.DeliveryProgressService.ProcessAuctionEvent(auctionContext)
		deps.TracerService.LogEntries(auctionContext.DeepDebugLog)
		response.Trace = auctionContext.DeepDebugLog.Entries()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			glog.Errorf("/pg/match encoding failed: %v", err)
		}

		deps.Metrics.RecordRequest(metrics.RequestStatusOK)
		deps.Metrics.RecordRequestTime(deps.Clock.Now().Sub(start))
	}
}

func publisherID(bidRequest *openrtb2.BidRequest) string {
	if bidRequest.Site != nil && bidRequest.Site.Publisher != nil {
		return bidRequest.Site.Publisher.ID
	}
	if bidRequest.App != nil && bidRequest.App.Publisher != nil {
		return bidRequest.App.Publisher.ID
	}
	return ""
}
