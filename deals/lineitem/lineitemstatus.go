package lineitem

import (
	"sync"
	"sync/atomic"
)

// WinEventType labels impression win notifications in status events.
const WinEventType = "win"

// LineItemStatus accumulates per line item counters for one delivery
// progress window. Counter increments are lock free; the plan and event
// collections are guarded by the embedded lock.
type LineItemStatus struct {
	LineItemID    string
	Source        string
	DealID        string
	ExtLineItemID string

	DomainMatched                    atomic.Int64
	TargetMatched                    atomic.Int64
	TargetMatchedButFcapped          atomic.Int64
	TargetMatchedButFcapLookupFailed atomic.Int64
	PacingDeferred                   atomic.Int64
	SentToBidder                     atomic.Int64
	SentToBidderAsTopMatch           atomic.Int64
	ReceivedFromBidder               atomic.Int64
	ReceivedFromBidderInvalidated    atomic.Int64
	SentToClient                     atomic.Int64
	SentToClientAsTopMatch           atomic.Int64

	mu            sync.Mutex
	events        map[string]*atomic.Int64
	deliveryPlans map[string]*DeliveryPlan
}

// NewLineItemStatus creates an empty status for the given id.
func NewLineItemStatus(lineItemID string) *LineItemStatus {
	return &LineItemStatus{
		LineItemID:    lineItemID,
		events:        make(map[string]*atomic.Int64),
		deliveryPlans: make(map[string]*DeliveryPlan),
	}
}

// NewLineItemStatusFor carries reporting identity from a live line item.
func NewLineItemStatusFor(lineItem *LineItem) *LineItemStatus {
	status := NewLineItemStatus(lineItem.LineItemID())
	status.Source = lineItem.Source()
	status.DealID = lineItem.DealID()
	status.ExtLineItemID = lineItem.ExtLineItemID()
	return status
}

func (s *LineItemStatus) RecordEvent(eventType string) {
	s.mu.Lock()
	counter, ok := s.events[eventType]
	if !ok {
		counter = &atomic.Int64{}
		s.events[eventType] = counter
	}
	s.mu.Unlock()

	counter.Add(1)
}

func (s *LineItemStatus) EventCount(eventType string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if counter, ok := s.events[eventType]; ok {
		return counter.Load()
	}
	return 0
}

func (s *LineItemStatus) Events() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(s.events))
	for eventType, counter := range s.events {
		out[eventType] = counter.Load()
	}
	return out
}

// UpsertPlanReference tracks the live active plan of a line item so the
// current window reports live spend.
func (s *LineItemStatus) UpsertPlanReference(plan *DeliveryPlan) {
	if plan == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.deliveryPlans[plan.PlanID()]
	if !ok || !existing.UpdatedTimeStamp().Equal(plan.UpdatedTimeStamp()) {
		s.deliveryPlans[plan.PlanID()] = plan
	}
}

// MergePlan folds the live active plan into the snapshot kept for this
// status: a new plan id starts a fresh zero spend snapshot, a newer
// version of a known plan adopts the new totals.
func (s *LineItemStatus) MergePlan(plan *DeliveryPlan) {
	if plan == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.deliveryPlans[plan.PlanID()]
	switch {
	case !ok:
		s.deliveryPlans[plan.PlanID()] = plan.WithoutSpentTokens()
	case plan.UpdatedTimeStamp().After(existing.UpdatedTimeStamp()):
		s.deliveryPlans[plan.PlanID()] = existing.MergeWithNextDeliveryPlan(plan)
	}
}

// PlanSnapshotFor returns the tracked plan matching the live plan id,
// installing a fresh zero spend snapshot when none is tracked yet.
func (s *LineItemStatus) PlanSnapshotFor(plan *DeliveryPlan) *DeliveryPlan {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.deliveryPlans[plan.PlanID()]
	if !ok {
		existing = plan.WithoutSpentTokens()
		s.deliveryPlans[plan.PlanID()] = existing
	}
	return existing
}

func (s *LineItemStatus) DeliveryPlans() []*DeliveryPlan {
	s.mu.Lock()
	defer s.mu.Unlock()

	plans := make([]*DeliveryPlan, 0, len(s.deliveryPlans))
	for _, plan := range s.deliveryPlans {
		plans = append(plans, plan)
	}
	return plans
}

func (s *LineItemStatus) removePlans(planIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, planID := range planIDs {
		delete(s.deliveryPlans, planID)
	}
}

func (s *LineItemStatus) planCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.deliveryPlans)
}

// Merge adds the counters, events and plan spend of another status,
// used when a sealed window folds into the overall progress.
func (s *LineItemStatus) Merge(other *LineItemStatus) {
	s.DomainMatched.Add(other.DomainMatched.Load())
	s.TargetMatched.Add(other.TargetMatched.Load())
	s.TargetMatchedButFcapped.Add(other.TargetMatchedButFcapped.Load())
	s.TargetMatchedButFcapLookupFailed.Add(other.TargetMatchedButFcapLookupFailed.Load())
	s.PacingDeferred.Add(other.PacingDeferred.Load())
	s.SentToBidder.Add(other.SentToBidder.Load())
	s.SentToBidderAsTopMatch.Add(other.SentToBidderAsTopMatch.Load())
	s.ReceivedFromBidder.Add(other.ReceivedFromBidder.Load())
	s.ReceivedFromBidderInvalidated.Add(other.ReceivedFromBidderInvalidated.Load())
	s.SentToClient.Add(other.SentToClient.Load())
	s.SentToClientAsTopMatch.Add(other.SentToClientAsTopMatch.Load())

	for eventType, count := range other.Events() {
		s.mu.Lock()
		counter, ok := s.events[eventType]
		if !ok {
			counter = &atomic.Int64{}
			s.events[eventType] = counter
		}
		s.mu.Unlock()
		counter.Add(count)
	}
}
