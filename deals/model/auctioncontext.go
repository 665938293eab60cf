package model

import (
	"github.com/prebid/openrtb/v20/openrtb2"
)

// AuctionContext carries the per-auction state the deals engine needs:
// the owning account, the bid request being enriched and the auction
// scoped ledgers.
type AuctionContext struct {
	AccountID    string
	BidRequest   *openrtb2.BidRequest
	TxnLog       *TxnLog
	DeepDebugLog *DeepDebugLog

	// IgnorePacing is set from the pg-ignore-pacing request header and
	// lets operators preview deal competition regardless of pacing state.
	IgnorePacing bool

	// FcapLookupFailed marks that the frequency capped id lookup for the
	// current user could not be completed. FcapIDs is only meaningful
	// when it is false.
	FcapLookupFailed bool
	FcapIDs          []string
}

// IsFcapped reports whether any of the given cap ids is in effect for the
// current user.
func (c *AuctionContext) IsFcapped(fcapIDs []string) bool {
	for _, id := range fcapIDs {
		for _, capped := range c.FcapIDs {
			if id == capped {
				return true
			}
		}
	}
	return false
}
