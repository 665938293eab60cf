package lineitem

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prebid/pg-engine/deals/proto"
	"github.com/prebid/pg-engine/deals/targeting"
)

// LineItem is the runtime wrapper over one planner snapshot: the immutable
// metadata, the compiled targeting tree and the mutable pacing state. The
// metadata and plan references swap under the lock; spend counters inside
// the active plan mutate lock free.
type LineItem struct {
	mu sync.RWMutex

	metaData            proto.LineItemMetaData
	targetingDefinition *targeting.TargetingDefinition
	activeDeliveryPlan  *DeliveryPlan
	readyAt             *time.Time
}

// New creates a line item from planner metadata. A nil targeting
// definition marks targeting as undefined, such an item never matches.
func New(metaData proto.LineItemMetaData, definition *targeting.TargetingDefinition, now time.Time) *LineItem {
	li := &LineItem{
		metaData:            metaData,
		targetingDefinition: definition,
	}
	li.updateActiveDeliveryPlan(now)
	return li
}

// UpdateMetaData swaps in a newer snapshot and reconciles the active plan
// per the plan carry rules.
func (li *LineItem) UpdateMetaData(metaData proto.LineItemMetaData, definition *targeting.TargetingDefinition, now time.Time) {
	li.mu.Lock()
	defer li.mu.Unlock()

	li.metaData = metaData
	li.targetingDefinition = definition
	li.updateActiveDeliveryPlanLocked(now)
}

func (li *LineItem) updateActiveDeliveryPlan(now time.Time) {
	li.mu.Lock()
	defer li.mu.Unlock()

	li.updateActiveDeliveryPlanLocked(now)
}

func (li *LineItem) updateActiveDeliveryPlanLocked(now time.Time) {
	schedule := activeSchedule(li.metaData.DeliverySchedules, now)
	if schedule == nil {
		return
	}

	switch {
	case li.activeDeliveryPlan == nil || li.activeDeliveryPlan.PlanID() != schedule.PlanID:
		li.activeDeliveryPlan = NewDeliveryPlan(*schedule)
	case li.activeDeliveryPlan.IsUpdatedBy(*schedule):
		li.activeDeliveryPlan = li.activeDeliveryPlan.WithUpdatedTokens(*schedule)
	default:
		// same plan version, keep the running plan whole
		return
	}

	li.recalculateReadyAtLocked(now)
}

// AdvanceToNextPlan rolls an expired plan over to the next schedule. With
// a responsive planner the next plan starts fresh; when the planner missed
// its sync the expired tokens merge into the next plan, totals summed per
// class and spend carried, so undelivered volume is not lost.
func (li *LineItem) AdvanceToNextPlan(now time.Time, plannerResponsive bool) {
	li.mu.Lock()
	defer li.mu.Unlock()

	for li.activeDeliveryPlan != nil && li.activeDeliveryPlan.IsExpired(now) {
		next := scheduleAfter(li.metaData.DeliverySchedules, li.activeDeliveryPlan.EndTimeStamp())
		if next == nil {
			return
		}
		if plannerResponsive {
			li.activeDeliveryPlan = NewDeliveryPlan(*next)
		} else {
			li.activeDeliveryPlan = li.activeDeliveryPlan.MergeWithNextPlan(*next)
		}
		li.recalculateReadyAtLocked(now)
	}
}

func activeSchedule(schedules []proto.DeliverySchedule, now time.Time) *proto.DeliverySchedule {
	for i := range schedules {
		schedule := &schedules[i]
		if !now.Before(schedule.StartTimeStamp) && now.Before(schedule.EndTimeStamp) {
			return schedule
		}
	}
	return nil
}

func scheduleAfter(schedules []proto.DeliverySchedule, end time.Time) *proto.DeliverySchedule {
	var next *proto.DeliverySchedule
	for i := range schedules {
		schedule := &schedules[i]
		if schedule.EndTimeStamp.After(end) {
			if next == nil || schedule.StartTimeStamp.Before(next.StartTimeStamp) {
				next = schedule
			}
		}
	}
	return next
}

// IncSpentToken consumes one token from the most urgent unexhausted class
// and moves readyAt forward per the linear pacing rule.
func (li *LineItem) IncSpentToken(now time.Time) (int, bool) {
	li.mu.Lock()
	defer li.mu.Unlock()

	if li.activeDeliveryPlan == nil {
		return 0, false
	}

	class, ok := li.activeDeliveryPlan.IncSpentToken()
	if ok {
		li.recalculateReadyAtLocked(now)
	}
	return class, ok
}

func (li *LineItem) recalculateReadyAtLocked(now time.Time) {
	plan := li.activeDeliveryPlan
	if plan == nil {
		li.readyAt = nil
		return
	}

	readyAt, ok := plan.CalculateReadyAt()
	if !ok {
		li.readyAt = nil
		return
	}
	if plan.SpentTokens() == 0 && readyAt.Before(now) {
		readyAt = now
	}
	li.readyAt = &readyAt
}

// ReadyAt returns the moment the item is next allowed to serve, nil when
// it has no plan or every token is spent.
func (li *LineItem) ReadyAt() *time.Time {
	li.mu.RLock()
	defer li.mu.RUnlock()

	return li.readyAt
}

func (li *LineItem) IsReadyAt(now time.Time) bool {
	li.mu.RLock()
	defer li.mu.RUnlock()

	return li.readyAt != nil && !now.Before(*li.readyAt)
}

func (li *LineItem) ActiveDeliveryPlan() *DeliveryPlan {
	li.mu.RLock()
	defer li.mu.RUnlock()

	return li.activeDeliveryPlan
}

// HighestUnspentTokensClass is the primary sort criterion of matching:
// items whose most urgent class still holds tokens sort first. The second
// value is false when there is no plan or nothing is unspent.
func (li *LineItem) HighestUnspentTokensClass() (int, bool) {
	plan := li.ActiveDeliveryPlan()
	if plan == nil {
		return 0, false
	}
	return plan.HighestUnspentTokensClass()
}

func (li *LineItem) MetaData() proto.LineItemMetaData {
	li.mu.RLock()
	defer li.mu.RUnlock()

	return li.metaData
}

func (li *LineItem) TargetingDefinition() *targeting.TargetingDefinition {
	li.mu.RLock()
	defer li.mu.RUnlock()

	return li.targetingDefinition
}

func (li *LineItem) LineItemID() string {
	return li.MetaData().LineItemID
}

func (li *LineItem) ExtLineItemID() string {
	return li.MetaData().ExtLineItemID
}

func (li *LineItem) DealID() string {
	return li.MetaData().DealID
}

func (li *LineItem) AccountID() string {
	return li.MetaData().AccountID
}

func (li *LineItem) Source() string {
	return strings.ToLower(li.MetaData().Source)
}

func (li *LineItem) RelativePriority() *int {
	return li.MetaData().RelativePriority
}

// CPM returns the line item price, nil when the planner sent none.
func (li *LineItem) CPM() *float64 {
	price := li.MetaData().Price
	if price == nil {
		return nil
	}
	cpm := price.CPM
	return &cpm
}

func (li *LineItem) Currency() string {
	price := li.MetaData().Price
	if price == nil {
		return ""
	}
	return price.Currency
}

func (li *LineItem) StartTimeStamp() time.Time {
	return li.MetaData().StartTimeStamp
}

func (li *LineItem) EndTimeStamp() time.Time {
	return li.MetaData().EndTimeStamp
}

func (li *LineItem) UpdatedTimeStamp() time.Time {
	return li.MetaData().UpdatedTimeStamp
}

func (li *LineItem) Status() string {
	return li.MetaData().Status
}

// IsActive reports whether the item may serve at the given moment.
func (li *LineItem) IsActive(now time.Time) bool {
	metaData := li.MetaData()
	return metaData.Status == proto.StatusActive &&
		!now.Before(metaData.StartTimeStamp) &&
		now.Before(metaData.EndTimeStamp)
}

// FcapIDs lists the frequency cap ids the item declares, sorted for
// stable comparison.
func (li *LineItem) FcapIDs() []string {
	caps := li.MetaData().FrequencyCaps
	if len(caps) == 0 {
		return nil
	}

	ids := make([]string, 0, len(caps))
	for _, fcap := range caps {
		ids = append(ids, fcap.FcapID)
	}
	sort.Strings(ids)
	return ids
}

func (li *LineItem) Sizes() []proto.Size {
	return li.MetaData().Sizes
}
