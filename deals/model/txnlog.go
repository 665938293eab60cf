package model

import (
	"sync"
)

// TxnLog is a per-auction ledger of matching and pacing decisions. One
// auction owns one log; impression/bidder matching calls may run on
// separate goroutines, so all writes go through the internal lock.
type TxnLog struct {
	mu sync.Mutex

	matchedDomainTargeting           map[string]struct{}
	matchedWholeTargeting            map[string]struct{}
	matchedTargetingFcapped          map[string]struct{}
	matchedTargetingFcapLookupFailed map[string]struct{}
	readyToServe                     map[string]struct{}
	pacingDeferred                   map[string]struct{}
	sentToBidder                     map[string]map[string]struct{}
	sentToBidderAsTopMatch           map[string]map[string]struct{}
	receivedFromBidder               map[string]map[string]struct{}
	responseInvalidated              map[string]struct{}
	sentToClient                     map[string]struct{}
	sentToClientAsTopMatch           []string
	lostMatchingToLineItems          map[string]map[string]struct{}
	lostAuctionToLineItems           map[string]map[string]struct{}
}

func NewTxnLog() *TxnLog {
	return &TxnLog{
		matchedDomainTargeting:           make(map[string]struct{}),
		matchedWholeTargeting:            make(map[string]struct{}),
		matchedTargetingFcapped:          make(map[string]struct{}),
		matchedTargetingFcapLookupFailed: make(map[string]struct{}),
		readyToServe:                     make(map[string]struct{}),
		pacingDeferred:                   make(map[string]struct{}),
		sentToBidder:                     make(map[string]map[string]struct{}),
		sentToBidderAsTopMatch:           make(map[string]map[string]struct{}),
		receivedFromBidder:               make(map[string]map[string]struct{}),
		responseInvalidated:              make(map[string]struct{}),
		sentToClient:                     make(map[string]struct{}),
		lostMatchingToLineItems:          make(map[string]map[string]struct{}),
		lostAuctionToLineItems:           make(map[string]map[string]struct{}),
	}
}

func (l *TxnLog) RecordDomainMatched(lineItemID string) {
	l.recordSet(&l.matchedDomainTargeting, lineItemID)
}

func (l *TxnLog) RecordWholeTargetingMatched(lineItemID string) {
	l.recordSet(&l.matchedWholeTargeting, lineItemID)
}

func (l *TxnLog) RecordFcapped(lineItemID string) {
	l.recordSet(&l.matchedTargetingFcapped, lineItemID)
}

func (l *TxnLog) RecordFcapLookupFailed(lineItemID string) {
	l.recordSet(&l.matchedTargetingFcapLookupFailed, lineItemID)
}

func (l *TxnLog) RecordReadyToServe(lineItemID string) {
	l.recordSet(&l.readyToServe, lineItemID)
}

func (l *TxnLog) RecordPacingDeferred(lineItemID string) {
	l.recordSet(&l.pacingDeferred, lineItemID)
}

func (l *TxnLog) RecordSentToBidder(bidder, lineItemID string) {
	l.recordBidderSet(l.sentToBidder, bidder, lineItemID)
}

func (l *TxnLog) RecordSentToBidderAsTopMatch(bidder, lineItemID string) {
	l.recordBidderSet(l.sentToBidderAsTopMatch, bidder, lineItemID)
}

func (l *TxnLog) RecordReceivedFromBidder(bidder, lineItemID string) {
	l.recordBidderSet(l.receivedFromBidder, bidder, lineItemID)
}

func (l *TxnLog) RecordResponseInvalidated(lineItemID string) {
	l.recordSet(&l.responseInvalidated, lineItemID)
}

func (l *TxnLog) RecordSentToClient(lineItemID string) {
	l.recordSet(&l.sentToClient, lineItemID)
}

func (l *TxnLog) RecordSentToClientAsTopMatch(lineItemID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sentToClientAsTopMatch = append(l.sentToClientAsTopMatch, lineItemID)
}

func (l *TxnLog) RecordLostMatching(loserID, winnerID string) {
	l.recordBidderSet(l.lostMatchingToLineItems, loserID, winnerID)
}

func (l *TxnLog) RecordLostAuction(loserID, winnerID string) {
	l.recordBidderSet(l.lostAuctionToLineItems, loserID, winnerID)
}

// IsSentToBidderAsTopMatch reports whether the line item already took the
// top-match slot for the given bidder in this auction.
func (l *TxnLog) IsSentToBidderAsTopMatch(bidder, lineItemID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.sentToBidderAsTopMatch[bidder][lineItemID]
	return ok
}

// IsTopMatchForAnyBidder reports whether the line item took a top-match
// slot for any bidder in this auction.
func (l *TxnLog) IsTopMatchForAnyBidder(lineItemID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ids := range l.sentToBidderAsTopMatch {
		if _, ok := ids[lineItemID]; ok {
			return true
		}
	}
	return false
}

func (l *TxnLog) DomainMatched() map[string]struct{} {
	return l.copySet(&l.matchedDomainTargeting)
}

func (l *TxnLog) WholeTargetingMatched() map[string]struct{} {
	return l.copySet(&l.matchedWholeTargeting)
}

func (l *TxnLog) Fcapped() map[string]struct{} {
	return l.copySet(&l.matchedTargetingFcapped)
}

func (l *TxnLog) FcapLookupFailed() map[string]struct{} {
	return l.copySet(&l.matchedTargetingFcapLookupFailed)
}

func (l *TxnLog) ReadyToServe() map[string]struct{} {
	return l.copySet(&l.readyToServe)
}

func (l *TxnLog) PacingDeferred() map[string]struct{} {
	return l.copySet(&l.pacingDeferred)
}

func (l *TxnLog) SentToBidder() map[string]map[string]struct{} {
	return l.copyBidderSet(l.sentToBidder)
}

func (l *TxnLog) SentToBidderAsTopMatch() map[string]map[string]struct{} {
	return l.copyBidderSet(l.sentToBidderAsTopMatch)
}

func (l *TxnLog) ReceivedFromBidder() map[string]map[string]struct{} {
	return l.copyBidderSet(l.receivedFromBidder)
}

func (l *TxnLog) ResponseInvalidated() map[string]struct{} {
	return l.copySet(&l.responseInvalidated)
}

func (l *TxnLog) SentToClient() map[string]struct{} {
	return l.copySet(&l.sentToClient)
}

func (l *TxnLog) SentToClientAsTopMatch() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.sentToClientAsTopMatch))
	copy(out, l.sentToClientAsTopMatch)
	return out
}

func (l *TxnLog) LostMatchingToLineItems() map[string]map[string]struct{} {
	return l.copyBidderSet(l.lostMatchingToLineItems)
}

func (l *TxnLog) LostAuctionToLineItems() map[string]map[string]struct{} {
	return l.copyBidderSet(l.lostAuctionToLineItems)
}

func (l *TxnLog) recordSet(set *map[string]struct{}, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	(*set)[id] = struct{}{}
}

func (l *TxnLog) recordBidderSet(sets map[string]map[string]struct{}, key, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, ok := sets[key]
	if !ok {
		set = make(map[string]struct{})
		sets[key] = set
	}
	set[id] = struct{}{}
}

func (l *TxnLog) copySet(set *map[string]struct{}) map[string]struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]struct{}, len(*set))
	for id := range *set {
		out[id] = struct{}{}
	}
	return out
}

func (l *TxnLog) copyBidderSet(sets map[string]map[string]struct{}) map[string]map[string]struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]map[string]struct{}, len(sets))
	for key, ids := range sets {
		inner := make(map[string]struct{}, len(ids))
		for id := range ids {
			inner[id] = struct{}{}
		}
		out[key] = inner
	}
	return out
}
