package deals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebid/pg-engine/deals/lineitem"
	"github.com/prebid/pg-engine/deals/model"
	"github.com/prebid/pg-engine/deals/proto"
	"github.com/prebid/pg-engine/util/randomutil"
	"github.com/prebid/pg-engine/util/timeutil"
)

func newTestReportFactory(lineItemService *LineItemService) *DeliveryProgressReportFactory {
	properties := DeploymentProperties{InstanceID: "instance1", Vendor: "vendor1", Region: "us-east"}
	return NewDeliveryProgressReportFactory(properties, 2, lineItemService)
}

func reportProgress(t *testing.T, lineItemService *LineItemService, now time.Time) *lineitem.DeliveryProgress {
	t.Helper()

	progress := lineitem.NewDeliveryProgress(now, lineItemService)

	txnLog := model.NewTxnLog()
	txnLog.RecordWholeTargetingMatched("li1")
	txnLog.RecordSentToClient("li1")
	txnLog.RecordSentToClientAsTopMatch("li1")
	progress.RecordTxnLog(txnLog, map[string]int{"plan-li1": 1}, "account1")
	progress.RecordWinEvent("li1")

	for _, li := range lineItemService.LineItems() {
		progress.UpsertPlanReferenceFromLineItem(li)
	}
	progress.Seal(now.Add(time.Minute))
	return progress
}

func TestFromDeliveryProgressWindowReport(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	lineItemService := newTestService(3, clock, randomutil.RandomNumberGenerator{})
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	factory := newTestReportFactory(lineItemService)
	progress := reportProgress(t, lineItemService, testStart)

	statusReport := factory.FromDeliveryProgress(progress, nil, testStart.Add(time.Minute), false)

	assert.NotEmpty(t, statusReport.ReportID)
	assert.Equal(t, "2019-07-26T09:01:00.000Z", statusReport.ReportTimeStamp)
	assert.Equal(t, "2019-07-26T09:00:00.000Z", statusReport.DataWindowStartTimeStamp)
	assert.Equal(t, "2019-07-26T09:01:00.000Z", statusReport.DataWindowEndTimeStamp)
	assert.Equal(t, "instance1", statusReport.InstanceID)
	assert.Equal(t, "vendor1", statusReport.Vendor)
	assert.Equal(t, "us-east", statusReport.Region)
	assert.Equal(t, int64(1), statusReport.ClientAuctions)

	require.Len(t, statusReport.LineItemStatus, 1)
	status := statusReport.LineItemStatus[0]
	assert.Equal(t, "li1", status.LineItemID)
	assert.Equal(t, "generalplanner", status.LineItemSource)
	assert.Equal(t, "deal-li1", status.DealID)
	assert.Equal(t, int64(1), status.AccountAuctions)
	assert.Equal(t, int64(1), status.TargetMatched)
	assert.Equal(t, int64(1), status.SentToClientAsTopMatch)
	assert.Nil(t, status.SpentTokens)
	assert.Nil(t, status.ReadyAt)

	require.Len(t, status.Events, 1)
	assert.Equal(t, "win", status.Events[0].Type)
	assert.Equal(t, int64(1), status.Events[0].Count)

	require.Len(t, status.DeliverySchedule, 1)
	schedule := status.DeliverySchedule[0]
	assert.Equal(t, "plan-li1", schedule.PlanID)
	assert.Equal(t, "2019-07-26T09:00:00.000Z", schedule.PlanStartTimeStamp)
	assert.Equal(t, "2019-07-26T10:00:00.000Z", schedule.PlanExpirationTimeStamp)
	require.Len(t, schedule.Tokens, 1)
	assert.Equal(t, 1, schedule.Tokens[0].PriorityClass)
	assert.Equal(t, 1000, schedule.Tokens[0].Total)
}

func TestFromDeliveryProgressOverallReport(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	lineItemService := newTestService(3, clock, randomutil.RandomNumberGenerator{})
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)
	lineItemService.LineItemByID("li1").IncSpentToken(testStart)

	factory := newTestReportFactory(lineItemService)
	progress := reportProgress(t, lineItemService, testStart)

	statusReport := factory.FromDeliveryProgress(progress, nil, testStart.Add(time.Minute), true)

	assert.Empty(t, statusReport.DataWindowStartTimeStamp)
	assert.Empty(t, statusReport.DataWindowEndTimeStamp)

	require.Len(t, statusReport.LineItemStatus, 1)
	status := statusReport.LineItemStatus[0]
	require.NotNil(t, status.SpentTokens)
	assert.Equal(t, int64(1), *status.SpentTokens)
	require.NotNil(t, status.PacingFrequency)
	assert.Equal(t, int64(3600), *status.PacingFrequency)
	require.NotNil(t, status.ReadyAt)
	assert.Equal(t, "2019-07-26T09:00:03.600Z", *status.ReadyAt)
}

func TestBatchFromDeliveryProgressSplitsReports(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	lineItemService := newTestService(3, clock, randomutil.RandomNumberGenerator{})
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{
		lineItemMetaData("li1", testStart),
		lineItemMetaData("li2", testStart),
		lineItemMetaData("li3", testStart),
	}, true)

	factory := newTestReportFactory(lineItemService)

	progress := lineitem.NewDeliveryProgress(testStart, lineItemService)
	for _, li := range lineItemService.LineItems() {
		progress.UpdateWithActiveLineItems([]*lineitem.LineItem{li})
		progress.UpsertPlanReferenceFromLineItem(li)
	}
	progress.Seal(testStart.Add(time.Minute))

	batch := factory.BatchFromDeliveryProgress(progress, nil, 2)

	require.Len(t, batch.Reports, 2)
	assert.NotEmpty(t, batch.ReportID)
	assert.Equal(t, batch.ReportID, batch.Reports[0].ReportID)
	assert.Equal(t, batch.ReportID, batch.Reports[1].ReportID)
	assert.Equal(t, "2019-07-26T09:01:00.000Z", batch.DataWindowEndTimeStamp)

	assert.Len(t, batch.Reports[0].LineItemStatus, 2)
	assert.Len(t, batch.Reports[1].LineItemStatus, 1)
	assert.Equal(t, "li1", batch.Reports[0].LineItemStatus[0].LineItemID)
	assert.Equal(t, "li3", batch.Reports[1].LineItemStatus[0].LineItemID)

	batch.RemoveSentReports(1)
	require.Len(t, batch.Reports, 1)
	assert.Equal(t, "li3", batch.Reports[0].LineItemStatus[0].LineItemID)
}

func TestLostToLineItemsTopCompetitors(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	lineItemService := newTestService(3, clock, randomutil.RandomNumberGenerator{})
	factory := newTestReportFactory(lineItemService)

	progress := lineitem.NewDeliveryProgress(testStart, lineItemService)
	txnLog := model.NewTxnLog()
	txnLog.RecordLostMatching("li4", "li1")
	txnLog.RecordLostMatching("li4", "li2")
	txnLog.RecordLostMatching("li4", "li3")
	progress.RecordTxnLog(txnLog, nil, "account1")

	secondLog := model.NewTxnLog()
	secondLog.RecordLostMatching("li4", "li2")
	secondLog.RecordLostMatching("li4", "li3")
	progress.RecordTxnLog(secondLog, nil, "account1")

	thirdLog := model.NewTxnLog()
	thirdLog.RecordLostMatching("li4", "li3")
	progress.RecordTxnLog(thirdLog, nil, "account1")

	lost := factory.lostToLineItems("li4", progress)

	// strongest competitors first, cut to the configured number
	require.Len(t, lost, 2)
	assert.Equal(t, "li3", lost[0].LineItemID)
	assert.Equal(t, int64(3), lost[0].Count)
	assert.Equal(t, "li2", lost[1].LineItemID)
	assert.Equal(t, int64(2), lost[1].Count)
}

func TestMakeLineItemStatusReport(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	lineItemService := newTestService(3, clock, randomutil.RandomNumberGenerator{})
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)
	lineItemService.LineItemByID("li1").IncSpentToken(testStart)

	factory := newTestReportFactory(lineItemService)

	statusReport := factory.MakeLineItemStatusReport("li1", testStart)
	require.NotNil(t, statusReport)
	assert.Equal(t, "li1", statusReport.LineItemID)
	assert.Equal(t, "account1", statusReport.AccountID)
	assert.JSONEq(t, bannerTargeting, string(statusReport.Target))
	assert.Equal(t, int64(1), statusReport.SpentTokens)
	require.NotNil(t, statusReport.PacingFrequency)
	assert.Equal(t, int64(3600), *statusReport.PacingFrequency)
	require.NotNil(t, statusReport.ReadyToServeTimestamp)
	assert.Equal(t, "2019-07-26T09:00:03.600Z", *statusReport.ReadyToServeTimestamp)
	require.NotNil(t, statusReport.DeliverySchedule)
	assert.Equal(t, "plan-li1", statusReport.DeliverySchedule.PlanID)

	assert.Nil(t, factory.MakeLineItemStatusReport("unknown", testStart))
}
