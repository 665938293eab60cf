package lineitem

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prebid/pg-engine/deals/model"
)

// LineItemProvider resolves a live line item by id, implemented by the
// line item registry.
type LineItemProvider interface {
	LineItemByID(lineItemID string) *LineItem
}

// DeliveryProgress aggregates transaction log events and token spend over
// one reporting window, or cumulatively for the overall progress.
type DeliveryProgress struct {
	lineItems LineItemProvider

	requests atomic.Int64

	mu                 sync.Mutex
	startTimeStamp     time.Time
	endTimeStamp       *time.Time
	lineItemStatuses   map[string]*LineItemStatus
	requestsPerAccount map[string]*atomic.Int64
	lineItemIDToLost   map[string]map[string]*LostToLineItem
}

func NewDeliveryProgress(startTimeStamp time.Time, lineItems LineItemProvider) *DeliveryProgress {
	return &DeliveryProgress{
		lineItems:          lineItems,
		startTimeStamp:     startTimeStamp,
		lineItemStatuses:   make(map[string]*LineItemStatus),
		requestsPerAccount: make(map[string]*atomic.Int64),
		lineItemIDToLost:   make(map[string]map[string]*LostToLineItem),
	}
}

// RecordTxnLog folds one auction's ledger into the window.
// planIDToTokenPriority carries the priority class each top match spent
// from, so window snapshots mirror live spend.
func (p *DeliveryProgress) RecordTxnLog(txnLog *model.TxnLog, planIDToTokenPriority map[string]int, accountID string) {
	p.requests.Add(1)
	p.accountRequests(accountID).Add(1)

	for _, lineItemID := range txnLog.SentToClientAsTopMatch() {
		p.status(lineItemID).SentToClientAsTopMatch.Add(1)
	}
	for lineItemID := range txnLog.SentToClient() {
		p.status(lineItemID).SentToClient.Add(1)
	}
	for lineItemID := range txnLog.DomainMatched() {
		p.status(lineItemID).DomainMatched.Add(1)
	}
	for lineItemID := range txnLog.WholeTargetingMatched() {
		p.status(lineItemID).TargetMatched.Add(1)
	}
	for lineItemID := range txnLog.Fcapped() {
		p.status(lineItemID).TargetMatchedButFcapped.Add(1)
	}
	for lineItemID := range txnLog.FcapLookupFailed() {
		p.status(lineItemID).TargetMatchedButFcapLookupFailed.Add(1)
	}
	for lineItemID := range txnLog.PacingDeferred() {
		p.status(lineItemID).PacingDeferred.Add(1)
	}
	for _, ids := range txnLog.SentToBidder() {
		for lineItemID := range ids {
			p.status(lineItemID).SentToBidder.Add(1)
		}
	}
	for _, ids := range txnLog.SentToBidderAsTopMatch() {
		for lineItemID := range ids {
			p.status(lineItemID).SentToBidderAsTopMatch.Add(1)
		}
	}
	for _, ids := range txnLog.ReceivedFromBidder() {
		for lineItemID := range ids {
			p.status(lineItemID).ReceivedFromBidder.Add(1)
		}
	}
	for lineItemID := range txnLog.ResponseInvalidated() {
		p.status(lineItemID).ReceivedFromBidderInvalidated.Add(1)
	}

	for _, lineItemID := range txnLog.SentToClientAsTopMatch() {
		p.incToken(lineItemID, planIDToTokenPriority)
	}

	for loser, winners := range txnLog.LostMatchingToLineItems() {
		p.recordLost(loser, winners)
	}
	for loser, winners := range txnLog.LostAuctionToLineItems() {
		p.recordLost(loser, winners)
	}
}

// RecordWinEvent counts an impression win notification for the item.
func (p *DeliveryProgress) RecordWinEvent(lineItemID string) {
	p.status(lineItemID).RecordEvent(WinEventType)
}

// UpsertPlanReferenceFromLineItem keeps the window pointing at the item's
// live plan so the sealed report carries live spend.
func (p *DeliveryProgress) UpsertPlanReferenceFromLineItem(lineItem *LineItem) {
	p.status(lineItem.LineItemID()).UpsertPlanReference(lineItem.ActiveDeliveryPlan())
}

// MergePlanFromLineItem folds the item's live plan into the cumulative
// snapshot kept by the overall progress.
func (p *DeliveryProgress) MergePlanFromLineItem(lineItem *LineItem) {
	p.status(lineItem.LineItemID()).MergePlan(lineItem.ActiveDeliveryPlan())
}

// MergeFrom folds a sealed window into this progress.
func (p *DeliveryProgress) MergeFrom(other *DeliveryProgress) {
	p.requests.Add(other.requests.Load())

	other.mu.Lock()
	accounts := make(map[string]int64, len(other.requestsPerAccount))
	for accountID, counter := range other.requestsPerAccount {
		accounts[accountID] = counter.Load()
	}
	statuses := make([]*LineItemStatus, 0, len(other.lineItemStatuses))
	for _, status := range other.lineItemStatuses {
		statuses = append(statuses, status)
	}
	losses := make(map[string]map[string]int64, len(other.lineItemIDToLost))
	for loser, lost := range other.lineItemIDToLost {
		inner := make(map[string]int64, len(lost))
		for winner, lostTo := range lost {
			inner[winner] = lostTo.Count.Load()
		}
		losses[loser] = inner
	}
	other.mu.Unlock()

	for accountID, count := range accounts {
		p.accountRequests(accountID).Add(count)
	}
	for _, status := range statuses {
		p.status(status.LineItemID).Merge(status)
	}
	for loser, lost := range losses {
		for winner, count := range lost {
			p.lostTo(loser, winner).Count.Add(count)
		}
	}
}

// CleanLineItemStatuses drops statuses for line items gone past the ttl
// and bounds the cached plan snapshots per status, oldest plans first.
func (p *DeliveryProgress) CleanLineItemStatuses(now time.Time, ttl time.Duration, maxPlans int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for lineItemID, status := range p.lineItemStatuses {
		lineItem := p.lineItems.LineItemByID(lineItemID)
		if lineItem == nil || now.Sub(lineItem.EndTimeStamp()) > ttl {
			delete(p.lineItemStatuses, lineItemID)
			continue
		}

		if status.planCount() > maxPlans {
			plans := status.DeliveryPlans()
			sort.Slice(plans, func(i, j int) bool {
				return plans[i].EndTimeStamp().Before(plans[j].EndTimeStamp())
			})
			excess := make([]string, 0, len(plans)-maxPlans)
			for _, plan := range plans[:len(plans)-maxPlans] {
				excess = append(excess, plan.PlanID())
			}
			status.removePlans(excess)
		}
	}
}

// UpdateWithActiveLineItems registers statuses for every active line item
// so heartbeat reports list them even with zero traffic.
func (p *DeliveryProgress) UpdateWithActiveLineItems(lineItems []*LineItem) {
	for _, lineItem := range lineItems {
		p.status(lineItem.LineItemID())
	}
}

func (p *DeliveryProgress) Requests() int64 {
	return p.requests.Load()
}

func (p *DeliveryProgress) AccountRequests(accountID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if counter, ok := p.requestsPerAccount[accountID]; ok {
		return counter.Load()
	}
	return 0
}

func (p *DeliveryProgress) StartTimeStamp() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.startTimeStamp
}

func (p *DeliveryProgress) SetStartTimeStamp(startTimeStamp time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.startTimeStamp = startTimeStamp
}

func (p *DeliveryProgress) EndTimeStamp() *time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.endTimeStamp
}

// Seal stamps the window end, after which the window is read only by
// convention.
func (p *DeliveryProgress) Seal(endTimeStamp time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.endTimeStamp = &endTimeStamp
}

func (p *DeliveryProgress) LineItemStatuses() map[string]*LineItemStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]*LineItemStatus, len(p.lineItemStatuses))
	for lineItemID, status := range p.lineItemStatuses {
		out[lineItemID] = status
	}
	return out
}

func (p *DeliveryProgress) LineItemStatus(lineItemID string) *LineItemStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.lineItemStatuses[lineItemID]
}

// LostTo returns per-competitor loss counts for the given line item.
func (p *DeliveryProgress) LostTo(lineItemID string) map[string]*LostToLineItem {
	p.mu.Lock()
	defer p.mu.Unlock()

	lost, ok := p.lineItemIDToLost[lineItemID]
	if !ok {
		return nil
	}
	out := make(map[string]*LostToLineItem, len(lost))
	for winner, lostTo := range lost {
		out[winner] = lostTo
	}
	return out
}

func (p *DeliveryProgress) status(lineItemID string) *LineItemStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.lineItemStatuses[lineItemID]
	if !ok {
		if lineItem := p.lineItems.LineItemByID(lineItemID); lineItem != nil {
			status = NewLineItemStatusFor(lineItem)
		} else {
			status = NewLineItemStatus(lineItemID)
		}
		p.lineItemStatuses[lineItemID] = status
	}
	return status
}

func (p *DeliveryProgress) incToken(lineItemID string, planIDToTokenPriority map[string]int) {
	lineItem := p.lineItems.LineItemByID(lineItemID)
	if lineItem == nil {
		return
	}
	activePlan := lineItem.ActiveDeliveryPlan()
	if activePlan == nil {
		return
	}

	snapshot := p.status(lineItemID).PlanSnapshotFor(activePlan)
	if priority, ok := planIDToTokenPriority[activePlan.PlanID()]; ok {
		snapshot.IncTokenWithPriority(priority)
	}
}

func (p *DeliveryProgress) recordLost(loser string, winners map[string]struct{}) {
	for winner := range winners {
		p.lostTo(loser, winner).Count.Add(1)
	}
}

func (p *DeliveryProgress) lostTo(loser, winner string) *LostToLineItem {
	p.mu.Lock()
	defer p.mu.Unlock()

	lost, ok := p.lineItemIDToLost[loser]
	if !ok {
		lost = make(map[string]*LostToLineItem)
		p.lineItemIDToLost[loser] = lost
	}
	lostTo, ok := lost[winner]
	if !ok {
		lostTo = NewLostToLineItem(winner)
		lost[winner] = lostTo
	}
	return lostTo
}

func (p *DeliveryProgress) accountRequests(accountID string) *atomic.Int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	counter, ok := p.requestsPerAccount[accountID]
	if !ok {
		counter = &atomic.Int64{}
		p.requestsPerAccount[accountID] = counter
	}
	return counter
}
