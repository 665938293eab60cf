package deals

import (
	"context"
	"fmt"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/golang/glog"
	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/prebid/pg-engine/deals/model"
	"github.com/prebid/pg-engine/util/timeutil"
)

// DealsProcessor prepares an auction for matching: it pulls user details
// from the user data store and stores segment and frequency cap facts
// where targeting evaluation can see them.
type DealsProcessor struct {
	lineItemService *LineItemService
	userService     *UserService
	clock           timeutil.Time
}

func NewDealsProcessor(lineItemService *LineItemService, userService *UserService, clock timeutil.Time) *DealsProcessor {
	return &DealsProcessor{
		lineItemService: lineItemService,
		userService:     userService,
		clock:           clock,
	}
}

// PopulateDealsInfo enriches the auction with user segments, frequency
// capped ids and the user local time. A failed user data store lookup
// marks the auction so capped line items fail closed during matching.
func (p *DealsProcessor) PopulateDealsInfo(ctx context.Context, auctionContext *model.AuctionContext) {
	if !p.lineItemService.AccountHasDeals(auctionContext) {
		glog.V(2).Infof("Account %s does not have deals", auctionContext.AccountID)
		return
	}

	details, err := p.userService.GetUserDetails(ctx, userID(auctionContext.BidRequest))
	if err != nil {
		glog.Warningf("Deals processing error: %s", err)
		auctionContext.FcapLookupFailed = true
	} else {
		auctionContext.FcapIDs = details.FcapIDs
		p.enrichUserData(auctionContext.BidRequest, details)
	}

	p.enrichUserTime(auctionContext.BidRequest)
}

func userID(bidRequest *openrtb2.BidRequest) string {
	if bidRequest.User == nil {
		return ""
	}
	if bidRequest.User.BuyerUID != "" {
		return bidRequest.User.BuyerUID
	}
	return bidRequest.User.ID
}

// enrichUserData maps the user data store segments onto user.data so
// segment targeting reads them from the request itself.
func (p *DealsProcessor) enrichUserData(bidRequest *openrtb2.BidRequest, details *model.UserDetails) {
	if len(details.UserData) == 0 {
		return
	}

	data := make([]openrtb2.Data, 0, len(details.UserData))
	for _, userData := range details.UserData {
		segments := make([]openrtb2.Segment, 0, len(userData.Segment))
		for _, segment := range userData.Segment {
			segments = append(segments, openrtb2.Segment{ID: segment.ID})
		}
		data = append(data, openrtb2.Data{ID: userData.Name, Segment: segments})
	}

	if bidRequest.User == nil {
		bidRequest.User = &openrtb2.User{}
	}
	bidRequest.User.Data = data
}

// enrichUserTime writes the current day of week (Sunday first, 1 to 7)
// and hour into user.ext.time for time targeting.
func (p *DealsProcessor) enrichUserTime(bidRequest *openrtb2.BidRequest) {
	now := p.clock.Now().UTC()
	userDow := int(now.Weekday()) + 1
	userHour := now.Hour()

	if bidRequest.User == nil {
		bidRequest.User = &openrtb2.User{}
	}
	ext := bidRequest.User.Ext
	if len(ext) == 0 {
		ext = []byte(`{}`)
	}

	timeValue := fmt.Sprintf(`{"userdow":%d,"userhour":%d}`, userDow, userHour)
	updated, err := jsonparser.Set(ext, []byte(timeValue), "time")
	if err != nil {
		glog.Warningf("Failed to populate user.ext.time: %s", err)
		return
	}
	bidRequest.User.Ext = updated
}

// RemoveDealsOnlyBiddersWithoutDeals strips bidders that set dealsonly
// from an impression that ended up with no pmp deals. It returns nil when
// no eligible bidder remains, meaning the impression should be dropped.
func RemoveDealsOnlyBiddersWithoutDeals(imp *openrtb2.Imp, auctionContext *model.AuctionContext) *openrtb2.Imp {
	if imp.PMP != nil && len(imp.PMP.Deals) > 0 {
		return imp
	}

	biddersToRemove := dealsOnlyBidders(imp)
	if len(biddersToRemove) == 0 {
		return imp
	}

	ext := make([]byte, len(imp.Ext))
	copy(ext, imp.Ext)
	for _, bidder := range biddersToRemove {
		ext = jsonparser.Delete(ext, "prebid", "bidder", bidder)
	}

	updated := *imp
	updated.Ext = ext

	if hasBidder(&updated) {
		addDealsOnlyExclusionTrace(auctionContext, imp.ID, biddersToRemove,
			"No Line Items from bidders %s matching imp with id %s and ready to serve. Removing impression from request to these bidders because dealsonly flag is on for them.")
		return &updated
	}

	addDealsOnlyExclusionTrace(auctionContext, imp.ID, biddersToRemove,
		"No Line Items from bidders %s matching imp with id %s and ready to serve. Removing imp from requests to all bidders because dealsonly flag is on for these bidders and no other valid bidders in imp.")
	return nil
}

// Bidders lists the distinct bidder names configured across the request
// impressions, in first-seen order.
func Bidders(bidRequest *openrtb2.BidRequest) []string {
	var bidders []string
	seen := make(map[string]struct{})
	for i := range bidRequest.Imp {
		_ = jsonparser.ObjectEach(bidRequest.Imp[i].Ext, func(key []byte, value []byte, dataType jsonparser.ValueType, offset int) error {
			bidder := string(key)
			if _, ok := seen[bidder]; !ok {
				seen[bidder] = struct{}{}
				bidders = append(bidders, bidder)
			}
			return nil
		}, "prebid", "bidder")
	}
	return bidders
}

func dealsOnlyBidders(imp *openrtb2.Imp) []string {
	var bidders []string
	_ = jsonparser.ObjectEach(imp.Ext, func(key []byte, value []byte, dataType jsonparser.ValueType, offset int) error {
		if dealsOnly, err := jsonparser.GetBoolean(value, "dealsonly"); err == nil && dealsOnly {
			bidders = append(bidders, string(key))
		}
		return nil
	}, "prebid", "bidder")
	return bidders
}

func hasBidder(imp *openrtb2.Imp) bool {
	found := false
	_ = jsonparser.ObjectEach(imp.Ext, func(key []byte, value []byte, dataType jsonparser.ValueType, offset int) error {
		found = true
		return nil
	}, "prebid", "bidder")
	return found
}

func addDealsOnlyExclusionTrace(auctionContext *model.AuctionContext, impID string, bidders []string, format string) {
	message := fmt.Sprintf(format, strings.Join(bidders, ", "), impID)
	auctionContext.DeepDebugLog.Add("", model.CategoryCleanup, func() string { return message })
}
