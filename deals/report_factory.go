package deals

import (
	"sort"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang/glog"

	"github.com/prebid/pg-engine/deals/lineitem"
	"github.com/prebid/pg-engine/deals/proto/report"
	"github.com/prebid/pg-engine/util/ptrutil"
)

// DeploymentProperties identify this server instance in outgoing reports.
type DeploymentProperties struct {
	InstanceID string
	Vendor     string
	Region     string
}

// DeliveryProgressReportBatch is one sealed window split into reports of
// at most the configured number of line items, sent as a unit.
type DeliveryProgressReportBatch struct {
	ReportID               string
	DataWindowEndTimeStamp string
	Reports                []report.DeliveryProgressReport
}

// RemoveSentReports drops the first sent reports from a partially sent
// batch. Reports within a batch are delivered in order.
func (b *DeliveryProgressReportBatch) RemoveSentReports(sent int) {
	if sent > len(b.Reports) {
		sent = len(b.Reports)
	}
	b.Reports = b.Reports[sent:]
}

// DeliveryProgressReportFactory shapes delivery progress snapshots into
// the wire reports consumed by the delivery statistics service.
type DeliveryProgressReportFactory struct {
	deploymentProperties DeploymentProperties
	competitorsNumber    int
	lineItemService      *LineItemService
}

func NewDeliveryProgressReportFactory(
	deploymentProperties DeploymentProperties,
	competitorsNumber int,
	lineItemService *LineItemService,
) *DeliveryProgressReportFactory {

	return &DeliveryProgressReportFactory{
		deploymentProperties: deploymentProperties,
		competitorsNumber:    competitorsNumber,
		lineItemService:      lineItemService,
	}
}

// FromDeliveryProgress builds a single report covering the whole progress
// snapshot. Overall reports omit the data window and carry live pacing
// state instead.
func (f *DeliveryProgressReportFactory) FromDeliveryProgress(
	progress *lineitem.DeliveryProgress,
	overallStatuses map[string]*lineitem.LineItemStatus,
	now time.Time,
	overall bool,
) report.DeliveryProgressReport {

	statuses := statusesOf(progress)
	return report.DeliveryProgressReport{
		ReportID:                 newReportID(),
		ReportTimeStamp:          formatTimeStamp(now),
		DataWindowStartTimeStamp: windowTimeStamp(progress.StartTimeStamp(), overall),
		DataWindowEndTimeStamp:   windowEndTimeStamp(progress, overall),
		InstanceID:               f.deploymentProperties.InstanceID,
		Vendor:                   f.deploymentProperties.Vendor,
		Region:                   f.deploymentProperties.Region,
		ClientAuctions:           progress.Requests(),
		LineItemStatus:           f.makeLineItemStatusReports(progress, statuses, overallStatuses, overall),
	}
}

// BatchFromDeliveryProgress splits a sealed window into reports carrying
// at most lineItemsPerReport statuses each, all sharing one report id.
func (f *DeliveryProgressReportFactory) BatchFromDeliveryProgress(
	progress *lineitem.DeliveryProgress,
	overallStatuses map[string]*lineitem.LineItemStatus,
	lineItemsPerReport int,
) *DeliveryProgressReportBatch {

	statuses := statusesOf(progress)
	reportID := newReportID()
	dataWindowStartTimeStamp := formatTimeStamp(progress.StartTimeStamp())
	dataWindowEndTimeStamp := windowEndTimeStamp(progress, false)

	var reports []report.DeliveryProgressReport
	var reported []string
	for start := 0; start < len(statuses); start += lineItemsPerReport {
		end := start + lineItemsPerReport
		if end > len(statuses) {
			end = len(statuses)
		}

		statusReports := f.makeLineItemStatusReports(progress, statuses[start:end], overallStatuses, false)
		for _, statusReport := range statusReports {
			reported = append(reported, statusReport.LineItemID)
		}

		reports = append(reports, report.DeliveryProgressReport{
			ReportID:                 reportID,
			DataWindowStartTimeStamp: dataWindowStartTimeStamp,
			DataWindowEndTimeStamp:   dataWindowEndTimeStamp,
			InstanceID:               f.deploymentProperties.InstanceID,
			Vendor:                   f.deploymentProperties.Vendor,
			Region:                   f.deploymentProperties.Region,
			ClientAuctions:           progress.Requests(),
			LineItemStatus:           statusReports,
		})
	}

	logNotReportedLineItems(statuses, reported)

	return &DeliveryProgressReportBatch{
		ReportID:               reportID,
		DataWindowEndTimeStamp: dataWindowEndTimeStamp,
		Reports:                reports,
	}
}

// MakeLineItemStatusReport backs the admin status endpoint for one line
// item, exposing its live plan snapshot and pacing state.
func (f *DeliveryProgressReportFactory) MakeLineItemStatusReport(lineItemID string, now time.Time) *report.LineItemStatusReport {
	li := f.lineItemService.LineItemByID(lineItemID)
	if li == nil {
		return nil
	}

	statusReport := &report.LineItemStatusReport{
		LineItemID: lineItemID,
		AccountID:  li.AccountID(),
		Target:     li.MetaData().Targeting,
	}

	if readyAt := li.ReadyAt(); readyAt != nil {
		statusReport.ReadyToServeTimestamp = ptrutil.ToPtr(formatTimeStamp(*readyAt))
	}

	plan := li.ActiveDeliveryPlan()
	if plan == nil {
		return statusReport
	}

	schedule := toDeliverySchedule(plan, nil)
	statusReport.DeliverySchedule = &schedule
	statusReport.SpentTokens = plan.SpentTokens()
	if rate, ok := plan.DeliveryRateMs(); ok {
		statusReport.PacingFrequency = ptrutil.ToPtr(rate)
	}
	return statusReport
}

func (f *DeliveryProgressReportFactory) makeLineItemStatusReports(
	progress *lineitem.DeliveryProgress,
	statuses []*lineitem.LineItemStatus,
	overallStatuses map[string]*lineitem.LineItemStatus,
	overall bool,
) []report.LineItemStatus {

	reports := make([]report.LineItemStatus, 0, len(statuses))
	for _, status := range statuses {
		var overallStatus *lineitem.LineItemStatus
		if overallStatuses != nil {
			overallStatus = overallStatuses[status.LineItemID]
		}
		if statusReport, ok := f.toLineItemStatusReport(status, overallStatus, progress, overall); ok {
			reports = append(reports, statusReport)
		}
	}
	return reports
}

func (f *DeliveryProgressReportFactory) toLineItemStatusReport(
	status *lineitem.LineItemStatus,
	overallStatus *lineitem.LineItemStatus,
	progress *lineitem.DeliveryProgress,
	overall bool,
) (report.LineItemStatus, bool) {

	li := f.lineItemService.LineItemByID(status.LineItemID)
	if overall && li == nil {
		return report.LineItemStatus{}, false
	}

	var activePlan *lineitem.DeliveryPlan
	if li != nil {
		activePlan = li.ActiveDeliveryPlan()
	}

	schedules := deliverySchedules(status, overallStatus, activePlan)
	if len(schedules) == 0 && !overall {
		return report.LineItemStatus{}, false
	}

	statusReport := report.LineItemStatus{
		LineItemSource:                   firstNonEmpty(status.Source, sourceOf(li)),
		LineItemID:                       status.LineItemID,
		DealID:                           firstNonEmpty(status.DealID, dealIDOf(li)),
		ExtLineItemID:                    firstNonEmpty(status.ExtLineItemID, extLineItemIDOf(li)),
		AccountAuctions:                  accountAuctions(li, progress),
		DomainMatched:                    status.DomainMatched.Load(),
		TargetMatched:                    status.TargetMatched.Load(),
		TargetMatchedButFcapped:          status.TargetMatchedButFcapped.Load(),
		TargetMatchedButFcapLookupFailed: status.TargetMatchedButFcapLookupFailed.Load(),
		PacingDeferred:                   status.PacingDeferred.Load(),
		SentToBidder:                     status.SentToBidder.Load(),
		SentToBidderAsTopMatch:           status.SentToBidderAsTopMatch.Load(),
		ReceivedFromBidder:               status.ReceivedFromBidder.Load(),
		ReceivedFromBidderInvalidated:    status.ReceivedFromBidderInvalidated.Load(),
		SentToClient:                     status.SentToClient.Load(),
		SentToClientAsTopMatch:           status.SentToClientAsTopMatch.Load(),
		LostToLineItems:                  f.lostToLineItems(status.LineItemID, progress),
		Events:                           eventsOf(status),
		DeliverySchedule:                 schedules,
	}

	if overall {
		if li != nil {
			if readyAt := li.ReadyAt(); readyAt != nil {
				statusReport.ReadyAt = ptrutil.ToPtr(formatTimeStamp(*readyAt))
			}
		}
		if activePlan != nil {
			statusReport.SpentTokens = ptrutil.ToPtr(activePlan.SpentTokens())
			if rate, ok := activePlan.DeliveryRateMs(); ok {
				statusReport.PacingFrequency = ptrutil.ToPtr(rate)
			}
		}
	}
	return statusReport, true
}

// lostToLineItems reports the strongest competitors first, cut to the
// configured number.
func (f *DeliveryProgressReportFactory) lostToLineItems(lineItemID string, progress *lineitem.DeliveryProgress) []report.LostToLineItem {
	lostTo := progress.LostTo(lineItemID)
	if len(lostTo) == 0 {
		return nil
	}

	competitors := make([]*lineitem.LostToLineItem, 0, len(lostTo))
	for _, competitor := range lostTo {
		competitors = append(competitors, competitor)
	}
	sort.Slice(competitors, func(i, j int) bool {
		return competitors[i].Count.Load() > competitors[j].Count.Load()
	})
	if len(competitors) > f.competitorsNumber {
		competitors = competitors[:f.competitorsNumber]
	}

	out := make([]report.LostToLineItem, 0, len(competitors))
	for _, competitor := range competitors {
		out = append(out, report.LostToLineItem{
			LineItemSource: sourceOf(f.lineItemService.LineItemByID(competitor.LineItemID)),
			LineItemID:     competitor.LineItemID,
			Count:          competitor.Count.Load(),
		})
	}
	return out
}

func deliverySchedules(
	status *lineitem.LineItemStatus,
	overallStatus *lineitem.LineItemStatus,
	activePlan *lineitem.DeliveryPlan,
) []report.DeliverySchedule {

	overallPlans := make(map[string]*lineitem.DeliveryPlan)
	if overallStatus != nil {
		for _, plan := range overallStatus.DeliveryPlans() {
			overallPlans[plan.PlanID()] = plan
		}
	}

	plans := status.DeliveryPlans()
	schedules := make([]report.DeliverySchedule, 0, len(plans))
	for _, plan := range plans {
		schedules = append(schedules, toDeliverySchedule(plan, overallPlans[plan.PlanID()]))
	}

	if len(schedules) == 0 && activePlan != nil {
		schedules = append(schedules, toDeliverySchedule(activePlan.WithoutSpentTokens(), nil))
	}
	return schedules
}

func toDeliverySchedule(plan *lineitem.DeliveryPlan, overallPlan *lineitem.DeliveryPlan) report.DeliverySchedule {
	overallSpent := make(map[int]int64)
	if overallPlan != nil {
		for _, token := range overallPlan.Tokens() {
			overallSpent[token.PriorityClass] = token.Spent()
		}
	}

	tokens := make([]report.Token, 0, len(plan.Tokens()))
	for _, token := range plan.Tokens() {
		reportToken := report.Token{
			PriorityClass: token.PriorityClass,
			Total:         token.Total,
			Spent:         token.Spent(),
		}
		if totalSpent, ok := overallSpent[token.PriorityClass]; ok {
			reportToken.TotalSpent = ptrutil.ToPtr(totalSpent)
		}
		tokens = append(tokens, reportToken)
	}

	return report.DeliverySchedule{
		PlanID:                  plan.PlanID(),
		PlanStartTimeStamp:      formatTimeStamp(plan.StartTimeStamp()),
		PlanExpirationTimeStamp: formatTimeStamp(plan.EndTimeStamp()),
		PlanUpdatedTimeStamp:    formatTimeStamp(plan.UpdatedTimeStamp()),
		Tokens:                  tokens,
	}
}

func statusesOf(progress *lineitem.DeliveryProgress) []*lineitem.LineItemStatus {
	statusByID := progress.LineItemStatuses()
	statuses := make([]*lineitem.LineItemStatus, 0, len(statusByID))
	for _, status := range statusByID {
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].LineItemID < statuses[j].LineItemID
	})
	return statuses
}

func eventsOf(status *lineitem.LineItemStatus) []report.Event {
	eventCounts := status.Events()
	if len(eventCounts) == 0 {
		return nil
	}

	events := make([]report.Event, 0, len(eventCounts))
	for eventType, count := range eventCounts {
		events = append(events, report.Event{Type: eventType, Count: count})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Type < events[j].Type })
	return events
}

func accountAuctions(li *lineitem.LineItem, progress *lineitem.DeliveryProgress) int64 {
	if li == nil {
		return 0
	}
	return progress.AccountRequests(li.AccountID())
}

func logNotReportedLineItems(statuses []*lineitem.LineItemStatus, reported []string) {
	reportedSet := make(map[string]struct{}, len(reported))
	for _, id := range reported {
		reportedSet[id] = struct{}{}
	}

	var notReported []string
	for _, status := range statuses {
		if _, ok := reportedSet[status.LineItemID]; !ok {
			notReported = append(notReported, status.LineItemID)
		}
	}
	if len(notReported) > 0 {
		glog.Infof("Line item with id %s will not be reported, as it does not have active delivery schedules during report window.",
			strings.Join(notReported, ", "))
	}
}

func windowTimeStamp(timeStamp time.Time, overall bool) string {
	if overall {
		return ""
	}
	return formatTimeStamp(timeStamp)
}

func windowEndTimeStamp(progress *lineitem.DeliveryProgress, overall bool) string {
	if overall {
		return ""
	}
	if endTimeStamp := progress.EndTimeStamp(); endTimeStamp != nil {
		return formatTimeStamp(*endTimeStamp)
	}
	return ""
}

func formatTimeStamp(timeStamp time.Time) string {
	return timeStamp.UTC().Format(utcMillisFormat)
}

func newReportID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return ""
	}
	return id.String()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func sourceOf(li *lineitem.LineItem) string {
	if li == nil {
		return ""
	}
	return li.Source()
}

func dealIDOf(li *lineitem.LineItem) string {
	if li == nil {
		return ""
	}
	return li.DealID()
}

func extLineItemIDOf(li *lineitem.LineItem) string {
	if li == nil {
		return ""
	}
	return li.ExtLineItemID()
}
