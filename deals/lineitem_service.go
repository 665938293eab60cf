package deals

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/prebid/pg-engine/deals/lineitem"
	"github.com/prebid/pg-engine/deals/model"
	"github.com/prebid/pg-engine/deals/proto"
	"github.com/prebid/pg-engine/deals/targeting"
	"github.com/prebid/pg-engine/util/randomutil"
	"github.com/prebid/pg-engine/util/timeutil"
)

const utcMillisFormat = "2006-01-02T15:04:05.000Z"

// staleSnapshotMisses is how many consecutive authoritative snapshots may
// omit a known line item before it is dropped. A single omission is
// treated as a planner hiccup, not a removal.
const staleSnapshotMisses = 2

// BidderAliases maps request-level alias names to canonical bidder names.
type BidderAliases map[string]string

// IsSame reports whether two bidder codes resolve to the same bidder
// directly or through an alias in either direction.
func (a BidderAliases) IsSame(bidder, other string) bool {
	if strings.EqualFold(bidder, other) {
		return true
	}
	if canonical, ok := a[bidder]; ok && strings.EqualFold(canonical, other) {
		return true
	}
	if canonical, ok := a[other]; ok && strings.EqualFold(canonical, bidder) {
		return true
	}
	return false
}

// MatchLineItemsResult carries the ordered line items matched for one
// impression and bidder.
type MatchLineItemsResult struct {
	LineItems []*lineitem.LineItem
}

// CurrencyConverter converts line item prices to the ad server currency.
// Conversion is an external collaborator of the engine.
type CurrencyConverter interface {
	Convert(cpm float64, fromCurrency, toCurrency string) (float64, error)
}

// LineItemService owns the full set of line items, applies planner
// snapshot diffs and exposes the matching algorithm. The id to line item
// mapping is replaced wholesale on update so matching reads it without
// locks and always sees a complete snapshot.
type LineItemService struct {
	maxDealsPerBidder int
	targetingService  *targeting.Service
	converter         CurrencyConverter
	adServerCurrency  string
	clock             timeutil.Time
	rand              randomutil.RandomGenerator

	lineItems         atomic.Value // map[string]*lineitem.LineItem
	plannerResponsive atomic.Bool

	updateMu     sync.Mutex
	absentCounts map[string]int
}

func NewLineItemService(
	maxDealsPerBidder int,
	targetingService *targeting.Service,
	converter CurrencyConverter,
	adServerCurrency string,
	clock timeutil.Time,
	rand randomutil.RandomGenerator,
) *LineItemService {

	s := &LineItemService{
		maxDealsPerBidder: maxDealsPerBidder,
		targetingService:  targetingService,
		converter:         converter,
		adServerCurrency:  adServerCurrency,
		clock:             clock,
		rand:              rand,
		absentCounts:      make(map[string]int),
	}
	s.lineItems.Store(map[string]*lineitem.LineItem{})
	return s
}

// LineItemByID returns the line item or nil when unknown.
func (s *LineItemService) LineItemByID(lineItemID string) *lineitem.LineItem {
	return s.snapshot()[lineItemID]
}

// LineItems lists every tracked line item.
func (s *LineItemService) LineItems() []*lineitem.LineItem {
	snapshot := s.snapshot()
	out := make([]*lineitem.LineItem, 0, len(snapshot))
	for _, li := range snapshot {
		out = append(out, li)
	}
	return out
}

// AccountHasDeals is the cheap pre-check to skip the deals subsystem for
// accounts without active line items.
func (s *LineItemService) AccountHasDeals(auctionContext *model.AuctionContext) bool {
	return s.accountHasDealsAt(auctionContext.AccountID, s.clock.Now())
}

func (s *LineItemService) accountHasDealsAt(accountID string, now time.Time) bool {
	if accountID == "" {
		return false
	}
	for _, li := range s.snapshot() {
		if li.AccountID() == accountID && li.IsActive(now) {
			return true
		}
	}
	return false
}

// UpdateLineItems applies a planner snapshot. An unresponsive planner
// preserves all current state unchanged. Line items absent from several
// consecutive authoritative snapshots are dropped; a single omission is
// tolerated.
func (s *LineItemService) UpdateLineItems(planResponse []proto.LineItemMetaData, plannerResponsive bool) {
	s.updateLineItemsAt(planResponse, plannerResponsive, s.clock.Now())
}

func (s *LineItemService) updateLineItemsAt(planResponse []proto.LineItemMetaData, plannerResponsive bool, now time.Time) {
	s.plannerResponsive.Store(plannerResponsive)
	if !plannerResponsive {
		return
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	current := s.snapshot()
	next := make(map[string]*lineitem.LineItem, len(current))
	for id, li := range current {
		next[id] = li
	}

	var removed []string
	seen := make(map[string]struct{}, len(planResponse))
	for _, metaData := range planResponse {
		seen[metaData.LineItemID] = struct{}{}
		if metaData.Status != proto.StatusActive || now.After(metaData.EndTimeStamp) {
			if _, ok := next[metaData.LineItemID]; ok {
				delete(next, metaData.LineItemID)
				removed = append(removed, metaData.LineItemID)
			}
			delete(s.absentCounts, metaData.LineItemID)
			continue
		}
		s.upsertLineItem(next, metaData, now)
		delete(s.absentCounts, metaData.LineItemID)
	}

	for id, li := range next {
		if now.After(li.EndTimeStamp()) {
			delete(next, id)
			delete(s.absentCounts, id)
			removed = append(removed, id)
			continue
		}
		if _, ok := seen[id]; !ok {
			s.absentCounts[id]++
			if s.absentCounts[id] >= staleSnapshotMisses {
				delete(next, id)
				delete(s.absentCounts, id)
				removed = append(removed, id)
			}
		}
	}

	if len(removed) > 0 {
		glog.Infof("Line Items %s were dropped as expired or inactive", strings.Join(removed, ", "))
	}

	s.lineItems.Store(next)
}

func (s *LineItemService) upsertLineItem(items map[string]*lineitem.LineItem, metaData proto.LineItemMetaData, now time.Time) {
	definition := s.makeTargeting(metaData)
	metaData.Price = s.normalizedPrice(metaData)

	if existing, ok := items[metaData.LineItemID]; ok {
		existing.UpdateMetaData(metaData, definition, now)
		return
	}
	items[metaData.LineItemID] = lineitem.New(metaData, definition, now)
}

// makeTargeting compiles a line item's targeting, degrading an unparsable
// definition to nil so the item fails closed instead of aborting the
// snapshot.
func (s *LineItemService) makeTargeting(metaData proto.LineItemMetaData) *targeting.TargetingDefinition {
	if len(metaData.Targeting) == 0 {
		return nil
	}

	definition, err := s.targetingService.ParseTargetingDefinition(metaData.Targeting, metaData.LineItemID)
	if err != nil {
		glog.Warningf("Line item %s targeting parsing failed with a reason: %s", metaData.LineItemID, err)
		return nil
	}
	return definition
}

func (s *LineItemService) normalizedPrice(metaData proto.LineItemMetaData) *proto.Price {
	price := metaData.Price
	if price == nil || s.converter == nil || price.Currency == s.adServerCurrency {
		return price
	}

	converted, err := s.converter.Convert(price.CPM, price.Currency, s.adServerCurrency)
	if err != nil {
		glog.Warningf("Line item %s price conversion from %s to %s failed: %v",
			metaData.LineItemID, price.Currency, s.adServerCurrency, err)
		return price
	}
	return &proto.Price{CPM: converted, Currency: s.adServerCurrency}
}

// InvalidateLineItemsByIDs removes the given line items from the registry.
func (s *LineItemService) InvalidateLineItemsByIDs(lineItemIDs []string) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	current := s.snapshot()
	next := make(map[string]*lineitem.LineItem, len(current))
	for id, li := range current {
		next[id] = li
	}
	for _, id := range lineItemIDs {
		delete(next, id)
		delete(s.absentCounts, id)
	}
	s.lineItems.Store(next)

	glog.Infof("Line Items with ids %s were removed", strings.Join(lineItemIDs, ", "))
}

// InvalidateLineItems removes every line item from the registry.
func (s *LineItemService) InvalidateLineItems() {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	removed := make([]string, 0)
	for id := range s.snapshot() {
		removed = append(removed, id)
	}
	s.lineItems.Store(map[string]*lineitem.LineItem{})
	s.absentCounts = make(map[string]int)

	glog.Infof("Line Items with ids %s were removed", strings.Join(removed, ", "))
}

// AdvanceToNextPlan rolls expired plans over for every line item.
func (s *LineItemService) AdvanceToNextPlan() {
	now := s.clock.Now()
	plannerResponsive := s.plannerResponsive.Load()
	for _, li := range s.snapshot() {
		li.AdvanceToNextPlan(now, plannerResponsive)
	}
}

func (s *LineItemService) IsPlannerResponsive() bool {
	return s.plannerResponsive.Load()
}

func (s *LineItemService) snapshot() map[string]*lineitem.LineItem {
	return s.lineItems.Load().(map[string]*lineitem.LineItem)
}

// FindMatchingLineItems returns, for one impression and bidder, the
// ordered line items eligible to compete, recording every decision in the
// auction's transaction log.
func (s *LineItemService) FindMatchingLineItems(
	auctionContext *model.AuctionContext,
	imp *openrtb2.Imp,
	bidderCode string,
	aliases BidderAliases,
) MatchLineItemsResult {
	return s.findMatchingLineItemsAt(auctionContext, imp, bidderCode, aliases, s.clock.Now())
}

func (s *LineItemService) findMatchingLineItemsAt(
	auctionContext *model.AuctionContext,
	imp *openrtb2.Imp,
	bidderCode string,
	aliases BidderAliases,
	now time.Time,
) MatchLineItemsResult {
	preMatched := s.preMatchedLineItems(auctionContext.AccountID, bidderCode, aliases)

	var matched []*lineitem.LineItem
	for _, li := range preMatched {
		if s.isTargetingMatched(li, imp, auctionContext) {
			matched = append(matched, li)
		}
	}

	return MatchLineItemsResult{LineItems: s.postProcessMatchedLineItems(matched, auctionContext, imp, now)}
}

func (s *LineItemService) preMatchedLineItems(accountID, bidderCode string, aliases BidderAliases) []*lineitem.LineItem {
	if accountID == "" {
		return nil
	}

	var out []*lineitem.LineItem
	for _, li := range s.snapshot() {
		if li.AccountID() != accountID {
			continue
		}
		if !aliases.IsSame(bidderCode, li.Source()) {
			continue
		}
		out = append(out, li)
	}

	if len(out) == 0 {
		glog.V(2).Infof("There are no line items for account %s", accountID)
	}
	return out
}

func (s *LineItemService) isTargetingMatched(li *lineitem.LineItem, imp *openrtb2.Imp, auctionContext *model.AuctionContext) bool {
	lineItemID := li.LineItemID()
	definition := li.TargetingDefinition()
	if definition == nil {
		s.deepDebug(auctionContext, lineItemID, model.CategoryTargeting,
			"Line Item %s targeting was not defined or has incorrect format", lineItemID)
		return false
	}

	requestContext := targeting.NewRequestContext(auctionContext.BidRequest, imp, auctionContext.TxnLog)
	matched := s.targetingService.MatchesTargeting(requestContext, definition)
	if matched {
		s.deepDebug(auctionContext, lineItemID, model.CategoryTargeting,
			"Line Item %s targeting matched imp with id %s", lineItemID, imp.ID)
	} else {
		s.deepDebug(auctionContext, lineItemID, model.CategoryTargeting,
			"Line Item %s targeting did not match imp with id %s", lineItemID, imp.ID)
	}
	return matched
}

type candidate struct {
	lineItem *lineitem.LineItem
	demoted  bool
}

func (s *LineItemService) postProcessMatchedLineItems(
	matched []*lineitem.LineItem,
	auctionContext *model.AuctionContext,
	imp *openrtb2.Imp,
	now time.Time,
) []*lineitem.LineItem {
	txnLog := auctionContext.TxnLog

	var candidates []candidate
	for _, li := range matched {
		lineItemID := li.LineItemID()
		txnLog.RecordWholeTargetingMatched(lineItemID)

		if !s.isNotFrequencyCapped(li, auctionContext) {
			continue
		}

		hasTokens := s.planHasTokensIfPresent(li, auctionContext)
		ready := hasTokens && s.isReadyAtInPast(li, auctionContext, now)
		if ready {
			txnLog.RecordReadyToServe(lineItemID)
			candidates = append(candidates, candidate{lineItem: li})
			continue
		}

		if auctionContext.IgnorePacing {
			candidates = append(candidates, candidate{lineItem: li, demoted: true})
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	s.shuffle(candidates)
	s.sortCandidates(candidates, auctionContext.IgnorePacing)

	sorted := make([]*lineitem.LineItem, 0, len(candidates))
	for _, c := range candidates {
		sorted = append(sorted, c.lineItem)
	}

	filtered := s.uniqueBySentToBidderAsTopMatch(sorted, auctionContext, imp)
	if len(filtered) == 0 {
		return nil
	}

	updateLostToLineItems(filtered, txnLog)

	dealIDs := make(map[string]struct{})
	resolved := make([]*lineitem.LineItem, 0, len(filtered))
	for _, li := range filtered {
		if _, ok := dealIDs[li.DealID()]; ok {
			continue
		}
		dealIDs[li.DealID()] = struct{}{}
		resolved = append(resolved, li)
	}

	if len(resolved) > s.maxDealsPerBidder {
		for _, li := range resolved[s.maxDealsPerBidder:] {
			glog.V(2).Infof("LineItem %s was dropped by max deal per bidder limit %d",
				li.LineItemID(), s.maxDealsPerBidder)
		}
		resolved = resolved[:s.maxDealsPerBidder]
	}

	topMatch := resolved[0]
	txnLog.RecordSentToBidderAsTopMatch(topMatch.Source(), topMatch.LineItemID())
	for _, li := range resolved {
		txnLog.RecordSentToBidder(li.Source(), li.LineItemID())
	}
	return resolved
}

// isNotFrequencyCapped excludes capped line items, distinguishing a
// confirmed cap from an unavailable capped-id set so infrastructure
// failure is counted separately from legitimate suppression.
func (s *LineItemService) isNotFrequencyCapped(li *lineitem.LineItem, auctionContext *model.AuctionContext) bool {
	fcapIDs := li.FcapIDs()
	if len(fcapIDs) == 0 {
		return true
	}

	lineItemID := li.LineItemID()
	if auctionContext.FcapLookupFailed {
		auctionContext.TxnLog.RecordFcapLookupFailed(lineItemID)
		s.deepDebug(auctionContext, lineItemID, model.CategoryPacing,
			"Failed to match fcap for Line Item %s bidder %s in a reason of bad response from user data service",
			lineItemID, li.Source())
		return false
	}

	for _, fcapID := range fcapIDs {
		if auctionContext.IsFcapped([]string{fcapID}) {
			auctionContext.TxnLog.RecordFcapped(lineItemID)
			s.deepDebug(auctionContext, lineItemID, model.CategoryPacing,
				"Matched Line Item %s for bidder %s is frequency capped by fcap id %s.",
				lineItemID, li.Source(), fcapID)
			return false
		}
	}
	return true
}

func (s *LineItemService) planHasTokensIfPresent(li *lineitem.LineItem, auctionContext *model.AuctionContext) bool {
	plan := li.ActiveDeliveryPlan()
	if plan == nil {
		return true
	}
	if plan.UnspentTokens() > 0 {
		return true
	}

	lineItemID := li.LineItemID()
	auctionContext.TxnLog.RecordPacingDeferred(lineItemID)
	s.deepDebug(auctionContext, lineItemID, model.CategoryPacing,
		"Matched Line Item %s for bidder %s does not have unspent tokens to be served", lineItemID, li.Source())
	return false
}

func (s *LineItemService) isReadyAtInPast(li *lineitem.LineItem, auctionContext *model.AuctionContext, now time.Time) bool {
	readyAt := li.ReadyAt()
	ready := readyAt != nil && !now.Before(*readyAt)
	lineItemID := li.LineItemID()

	if ready {
		s.deepDebug(auctionContext, lineItemID, model.CategoryPacing,
			"Matched Line Item %s for bidder %s ready to serve. relPriority %s",
			lineItemID, li.Source(), formatPriority(li.RelativePriority()))
	} else {
		auctionContext.TxnLog.RecordPacingDeferred(lineItemID)
		s.deepDebug(auctionContext, lineItemID, model.CategoryPacing,
			"Matched Line Item %s for bidder %s not ready to serve. Will be ready at %s, current time is %s",
			lineItemID, li.Source(), formatReadyAt(readyAt), now.UTC().Format(utcMillisFormat))
	}
	return ready
}

func formatPriority(priority *int) string {
	if priority == nil {
		return "null"
	}
	return fmt.Sprintf("%d", *priority)
}

func formatReadyAt(readyAt *time.Time) string {
	if readyAt == nil {
		return "never"
	}
	return readyAt.UTC().Format(utcMillisFormat)
}

// shuffle randomizes candidate order before the stable sort so that ties
// at identical rank distribute load uniformly across competitors.
func (s *LineItemService) shuffle(candidates []candidate) {
	for i := len(candidates) - 1; i > 0; i-- {
		j := int(s.rand.GenerateInt63() % int64(i+1))
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
}

// sortCandidates orders by most urgent unspent token class, then lower
// relative priority value, then higher CPM. Demoted candidates and those
// missing a plan, priority or price sort last within each criterion.
func (s *LineItemService) sortCandidates(candidates []candidate, ignorePacing bool) {
	keyOf := func(c candidate) (int, int, float64) {
		class := math.MaxInt
		if tokenClass, ok := c.lineItem.HighestUnspentTokensClass(); ok {
			class = tokenClass
		}
		priority := math.MaxInt
		if relativePriority := c.lineItem.RelativePriority(); relativePriority != nil {
			priority = *relativePriority
		}
		cpm := math.Inf(-1)
		if price := c.lineItem.CPM(); price != nil {
			cpm = *price
		}
		return class, priority, cpm
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].demoted != candidates[j].demoted {
			return !candidates[i].demoted
		}

		classI, priorityI, cpmI := keyOf(candidates[i])
		classJ, priorityJ, cpmJ := keyOf(candidates[j])
		if classI != classJ {
			return classI < classJ
		}
		if priorityI != priorityJ {
			return priorityI < priorityJ
		}
		return cpmI > cpmJ
	})
}

// uniqueBySentToBidderAsTopMatch removes leading candidates that already
// won a top-match slot in another impression of this auction, so a line
// item takes at most one top-match slot per auction.
func (s *LineItemService) uniqueBySentToBidderAsTopMatch(
	sorted []*lineitem.LineItem,
	auctionContext *model.AuctionContext,
	imp *openrtb2.Imp,
) []*lineitem.LineItem {
	result := sorted
	for len(result) > 0 {
		lineItemID := result[0].LineItemID()
		if !auctionContext.TxnLog.IsTopMatchForAnyBidder(lineItemID) {
			return result
		}
		s.deepDebug(auctionContext, lineItemID, model.CategoryCleanup,
			"LineItem %s was dropped from imp with id %s because it was top match in another imp",
			lineItemID, imp.ID)
		result = result[1:]
	}
	return result
}

func updateLostToLineItems(lineItems []*lineitem.LineItem, txnLog *model.TxnLog) {
	for i := 1; i < len(lineItems); i++ {
		for _, winner := range lineItems[:i] {
			txnLog.RecordLostMatching(lineItems[i].LineItemID(), winner.LineItemID())
		}
	}
}

func (s *LineItemService) deepDebug(auctionContext *model.AuctionContext, lineItemID string, category model.Category, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	glog.V(2).Info(message)
	auctionContext.DeepDebugLog.Add(lineItemID, category, func() string { return message })
}
