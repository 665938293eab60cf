package deals

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/prebid/pg-engine/deals/lineitem"
	"github.com/prebid/pg-engine/deals/model"
	"github.com/prebid/pg-engine/metrics"
	"github.com/prebid/pg-engine/util/timeutil"
)

// DeliveryProgressProperties bounds how long statuses and plan snapshots
// are kept between reporting windows.
type DeliveryProgressProperties struct {
	LineItemStatusTTL time.Duration
	CachedPlansNumber int
}

// DeliveryProgressService tracks deal delivery across reporting windows.
// It maintains the current window progress plus a cumulative overall
// progress, and hands sealed windows to the delivery stats service.
type DeliveryProgressService struct {
	properties           DeliveryProgressProperties
	lineItemService      *LineItemService
	deliveryStatsService *DeliveryStatsService
	metrics              metrics.MetricsEngine
	clock                timeutil.Time

	mu              sync.Mutex
	currentProgress *lineitem.DeliveryProgress
	overallProgress *lineitem.DeliveryProgress
}

func NewDeliveryProgressService(
	properties DeliveryProgressProperties,
	lineItemService *LineItemService,
	deliveryStatsService *DeliveryStatsService,
	metricsEngine metrics.MetricsEngine,
	clock timeutil.Time,
) *DeliveryProgressService {
	now := clock.Now()
	return &DeliveryProgressService{
		properties:           properties,
		lineItemService:      lineItemService,
		deliveryStatsService: deliveryStatsService,
		metrics:              metricsEngine,
		clock:                clock,
		currentProgress:      lineitem.NewDeliveryProgress(now, lineItemService),
		overallProgress:      lineitem.NewDeliveryProgress(now, lineItemService),
	}
}

// ProcessAuctionEvent charges a token from each top matched line item and
// folds the auction transaction log into the current window.
func (s *DeliveryProgressService) ProcessAuctionEvent(auctionContext *model.AuctionContext) {
	if auctionContext == nil || auctionContext.TxnLog == nil {
		return
	}
	now := s.clock.Now()

	planIDToTokenPriority := make(map[string]int)
	for _, lineItemID := range auctionContext.TxnLog.SentToClientAsTopMatch() {
		lineItem := s.lineItemService.LineItemByID(lineItemID)
		if lineItem == nil {
			continue
		}
		activePlan := lineItem.ActiveDeliveryPlan()
		if activePlan == nil {
			continue
		}
		if class, spent := lineItem.IncSpentToken(now); spent {
			planIDToTokenPriority[activePlan.PlanID()] = class
		}
	}

	s.currentProgressRef().RecordTxnLog(auctionContext.TxnLog, planIDToTokenPriority, auctionContext.AccountID)
}

// ProcessLineItemWinEvent counts an impression win notification.
func (s *DeliveryProgressService) ProcessLineItemWinEvent(lineItemID string) {
	if s.lineItemService.LineItemByID(lineItemID) == nil {
		glog.Warningf("Line item %s was not found while processing win event", lineItemID)
		return
	}
	s.currentProgressRef().RecordWinEvent(lineItemID)
	s.metrics.RecordWinEvent()
}

// CreateDeliveryProgressReports seals the current window, folds it into
// the overall progress, queues it for the delivery stats service and
// starts the next window.
func (s *DeliveryProgressService) CreateDeliveryProgressReports() {
	now := s.clock.Now()
	lineItems := s.lineItemService.LineItems()

	s.mu.Lock()
	sealed := s.currentProgress
	s.currentProgress = lineitem.NewDeliveryProgress(now, s.lineItemService)
	overall := s.overallProgress
	s.mu.Unlock()

	sealed.Seal(now)
	sealed.UpdateWithActiveLineItems(lineItems)
	for _, lineItem := range lineItems {
		sealed.UpsertPlanReferenceFromLineItem(lineItem)
	}

	overall.MergeFrom(sealed)
	for _, lineItem := range lineItems {
		overall.MergePlanFromLineItem(lineItem)
	}
	overall.CleanLineItemStatuses(now, s.properties.LineItemStatusTTL, s.properties.CachedPlansNumber)

	s.deliveryStatsService.AddDeliveryProgress(sealed, overall.LineItemStatuses())
}

// GetOverallDeliveryProgress exposes the cumulative progress for the
// admin line item status endpoint and the planner register call.
func (s *DeliveryProgressService) GetOverallDeliveryProgress() *lineitem.DeliveryProgress {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.overallProgress
}

func (s *DeliveryProgressService) currentProgressRef() *lineitem.DeliveryProgress {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentProgress
}
