package deals

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/golang/glog"
	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/prebid/pg-engine/deals/lineitem"
	"github.com/prebid/pg-engine/deals/model"
	"github.com/prebid/pg-engine/deals/proto"
	"github.com/prebid/pg-engine/errortypes"
)

const pgDealsOnlyField = "pgdealsonly"

// BidderRequest is the per-bidder view of the auction request with the
// deals matched for each of its impressions.
type BidderRequest struct {
	Bidder       string
	BidRequest   *openrtb2.BidRequest
	ImpIDToDeals map[string][]openrtb2.Deal
}

// DealsService matches line items per impression and injects the winners
// as pmp deals into the outgoing bidder request.
type DealsService struct {
	lineItemService *LineItemService
}

func NewDealsService(lineItemService *LineItemService) *DealsService {
	return &DealsService{lineItemService: lineItemService}
}

// MatchAndPopulateDeals runs matching for every impression of the bidder
// request and returns the request with matched deals merged into imp.pmp.
// Existing deals belonging to other bidders are dropped and the internal
// bidder marker is stripped from the ones that stay.
func (s *DealsService) MatchAndPopulateDeals(
	bidderRequest *BidderRequest,
	aliases BidderAliases,
	auctionContext *model.AuctionContext,
) *BidderRequest {

	impIDToDeals := s.matchDeals(bidderRequest.BidRequest, bidderRequest.Bidder, aliases, auctionContext)

	return &BidderRequest{
		Bidder:       bidderRequest.Bidder,
		BidRequest:   populateDeals(bidderRequest.BidRequest, impIDToDeals, bidderRequest.Bidder, aliases),
		ImpIDToDeals: impIDToDeals,
	}
}

func (s *DealsService) matchDeals(
	bidRequest *openrtb2.BidRequest,
	bidder string,
	aliases BidderAliases,
	auctionContext *model.AuctionContext,
) map[string][]openrtb2.Deal {

	if !s.lineItemService.AccountHasDeals(auctionContext) {
		return nil
	}

	impIDToDeals := make(map[string][]openrtb2.Deal)
	for i := range bidRequest.Imp {
		imp := &bidRequest.Imp[i]
		matchResult := s.lineItemService.FindMatchingLineItems(auctionContext, imp, bidder, aliases)

		deals := make([]openrtb2.Deal, 0, len(matchResult.LineItems))
		for _, li := range matchResult.LineItems {
			glog.V(2).Infof("LineItem %s is ready to be served", li.LineItemID())
			deals = append(deals, toDeal(li, imp))
			auctionContext.TxnLog.RecordSentToClient(li.LineItemID())
		}
		if len(deals) > 0 {
			impIDToDeals[imp.ID] = deals
			auctionContext.TxnLog.RecordSentToClientAsTopMatch(matchResult.LineItems[0].LineItemID())
		}
	}
	return impIDToDeals
}

func toDeal(li *lineitem.LineItem, imp *openrtb2.Imp) openrtb2.Deal {
	ext, _ := json.Marshal(proto.ExtDeal{Line: &proto.ExtDealLine{
		LineItemID:    li.LineItemID(),
		ExtLineItemID: li.ExtLineItemID(),
		Sizes:         sizesIntersection(imp, li.Sizes()),
		Bidder:        li.Source(),
	}})

	return openrtb2.Deal{
		ID:  li.DealID(),
		Ext: ext,
	}
}

// sizesIntersection keeps only the line item sizes the impression banner
// actually offers.
func sizesIntersection(imp *openrtb2.Imp, lineItemSizes []proto.Size) []proto.Size {
	if imp.Banner == nil || len(imp.Banner.Format) == 0 || len(lineItemSizes) == 0 {
		return nil
	}

	offered := make(map[proto.Size]struct{}, len(imp.Banner.Format))
	for _, format := range imp.Banner.Format {
		offered[proto.Size{W: format.W, H: format.H}] = struct{}{}
	}

	var matched []proto.Size
	dedup := make(map[proto.Size]struct{}, len(lineItemSizes))
	for _, size := range lineItemSizes {
		if _, seen := dedup[size]; seen {
			continue
		}
		dedup[size] = struct{}{}
		if _, ok := offered[size]; ok {
			matched = append(matched, size)
		}
	}
	return matched
}

func populateDeals(bidRequest *openrtb2.BidRequest, impIDToDeals map[string][]openrtb2.Deal, bidder string, aliases BidderAliases) *openrtb2.BidRequest {
	if len(impIDToDeals) == 0 && !requestHasDeals(bidRequest) {
		return bidRequest
	}

	modified := *bidRequest
	modified.Imp = make([]openrtb2.Imp, len(bidRequest.Imp))
	copy(modified.Imp, bidRequest.Imp)

	for i := range modified.Imp {
		imp := &modified.Imp[i]

		var original []openrtb2.Deal
		if imp.PMP != nil {
			original = imp.PMP.Deals
		}

		combined := make([]openrtb2.Deal, 0, len(original)+len(impIDToDeals[imp.ID]))
		for _, deal := range original {
			if dealCorrespondsToBidder(deal, bidder, aliases) {
				combined = append(combined, prepareDealForExchange(deal))
			}
		}
		for _, deal := range impIDToDeals[imp.ID] {
			combined = append(combined, prepareDealForExchange(deal))
		}

		if len(combined) == 0 {
			continue
		}

		var pmp openrtb2.PMP
		if imp.PMP != nil {
			pmp = *imp.PMP
		}
		pmp.Deals = combined
		imp.PMP = &pmp
	}
	return &modified
}

func requestHasDeals(bidRequest *openrtb2.BidRequest) bool {
	for i := range bidRequest.Imp {
		if bidRequest.Imp[i].PMP != nil && len(bidRequest.Imp[i].PMP.Deals) > 0 {
			return true
		}
	}
	return false
}

func dealCorrespondsToBidder(deal openrtb2.Deal, bidder string, aliases BidderAliases) bool {
	dealBidder, err := jsonparser.GetString(deal.Ext, "line", "bidder")
	if err != nil || dealBidder == "" {
		return true
	}
	return aliases.IsSame(dealBidder, bidder)
}

// prepareDealForExchange strips the internal bidder marker from the deal
// ext before the request leaves the server.
func prepareDealForExchange(deal openrtb2.Deal) openrtb2.Deal {
	if _, err := jsonparser.GetString(deal.Ext, "line", "bidder"); err != nil {
		return deal
	}

	ext := make([]byte, len(deal.Ext))
	copy(ext, deal.Ext)
	ext = jsonparser.Delete(ext, "line", "bidder")

	if line, _, _, err := jsonparser.Get(ext, "line"); err == nil && string(line) == "{}" {
		ext = jsonparser.Delete(ext, "line")
	}
	if string(ext) == "{}" {
		ext = nil
	}

	deal.Ext = ext
	return deal
}

// RemovePgDealsOnlyImpsWithoutDeals drops impressions flagged pgdealsonly
// for which matching produced no deals, and reports whether the bidder
// should be called at all. A warning is appended for every exclusion.
func RemovePgDealsOnlyImpsWithoutDeals(bidderRequest *BidderRequest, warnings *[]error) bool {
	bidRequest := bidderRequest.BidRequest

	var kept []openrtb2.Imp
	var removedIDs []string
	for i := range bidRequest.Imp {
		imp := &bidRequest.Imp[i]
		if isPgDealsOnly(imp) && len(bidderRequest.ImpIDToDeals[imp.ID]) == 0 {
			removedIDs = append(removedIDs, imp.ID)
			continue
		}
		kept = append(kept, *imp)
	}

	if len(removedIDs) == 0 {
		return true
	}

	*warnings = append(*warnings, &errortypes.Warning{
		Message: fmt.Sprintf(
			"Not calling %s bidder for impressions %s due to %s flag and no available PG line items.",
			bidderRequest.Bidder, strings.Join(removedIDs, ", "), pgDealsOnlyField),
		WarningCode: errortypes.DealsDisabledWarningCode,
	})

	if len(kept) == 0 {
		return false
	}
	bidRequest.Imp = kept
	return true
}

func isPgDealsOnly(imp *openrtb2.Imp) bool {
	pgDealsOnly, err := jsonparser.GetBoolean(imp.Ext, "bidder", pgDealsOnlyField)
	return err == nil && pgDealsOnly
}
