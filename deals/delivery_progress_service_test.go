package deals

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebid/pg-engine/deals/model"
	"github.com/prebid/pg-engine/deals/proto"
	"github.com/prebid/pg-engine/deals/proto/report"
	"github.com/prebid/pg-engine/util/timeutil"
)

func newProgressServiceForTest(
	t *testing.T,
	recorder *statsRecorder,
	metricsEngine *stubMetricsEngine,
	clock timeutil.Time,
) (*DeliveryProgressService, *DeliveryStatsService, *LineItemService) {

	server := httptest.NewServer(recorder.handler())
	t.Cleanup(server.Close)

	statsService, lineItemService := newStatsServiceForTest(t, server.URL, DeliveryStatsProperties{}, metricsEngine, clock)
	progressService := NewDeliveryProgressService(
		DeliveryProgressProperties{LineItemStatusTTL: time.Hour, CachedPlansNumber: 5},
		lineItemService, statsService, metricsEngine, clock)
	return progressService, statsService, lineItemService
}

func topMatchTxnLog(lineItemID string) *model.TxnLog {
	txnLog := model.NewTxnLog()
	txnLog.RecordWholeTargetingMatched(lineItemID)
	txnLog.RecordSentToBidder("generalplanner", lineItemID)
	txnLog.RecordSentToBidderAsTopMatch("generalplanner", lineItemID)
	txnLog.RecordSentToClient(lineItemID)
	txnLog.RecordSentToClientAsTopMatch(lineItemID)
	return txnLog
}

func sendAndDecodeWindow(t *testing.T, statsService *DeliveryStatsService, recorder *statsRecorder) report.DeliveryProgressReport {
	statsService.SendDeliveryProgressReports(context.Background())

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.NotEmpty(t, recorder.bodies)
	return recorder.bodies[len(recorder.bodies)-1]
}

func TestProcessAuctionEventSpendsToken(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	recorder := &statsRecorder{status: http.StatusOK}
	metricsEngine := newStubMetricsEngine()
	progressService, statsService, lineItemService := newProgressServiceForTest(t, recorder, metricsEngine, clock)
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	progressService.ProcessAuctionEvent(&model.AuctionContext{
		AccountID: "account1",
		TxnLog:    topMatchTxnLog("li1"),
	})

	li := lineItemService.LineItemByID("li1")
	require.NotNil(t, li)
	assert.Equal(t, int64(1), li.ActiveDeliveryPlan().SpentTokens())

	clock.Advance(time.Minute)
	progressService.CreateDeliveryProgressReports()
	sent := sendAndDecodeWindow(t, statsService, recorder)

	assert.Equal(t, int64(1), sent.ClientAuctions)
	require.Len(t, sent.LineItemStatus, 1)
	status := sent.LineItemStatus[0]
	assert.Equal(t, "li1", status.LineItemID)
	assert.Equal(t, int64(1), status.TargetMatched)
	assert.Equal(t, int64(1), status.SentToBidderAsTopMatch)
	assert.Equal(t, int64(1), status.SentToClientAsTopMatch)
	require.Len(t, status.DeliverySchedule, 1)
	require.Len(t, status.DeliverySchedule[0].Tokens, 1)
	assert.Equal(t, int64(1), status.DeliverySchedule[0].Tokens[0].Spent)
}

func TestProcessAuctionEventUnknownLineItem(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	recorder := &statsRecorder{status: http.StatusOK}
	progressService, _, lineItemService := newProgressServiceForTest(t, recorder, newStubMetricsEngine(), clock)
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	progressService.ProcessAuctionEvent(&model.AuctionContext{
		AccountID: "account1",
		TxnLog:    topMatchTxnLog("ghost"),
	})

	assert.Equal(t, int64(0), lineItemService.LineItemByID("li1").ActiveDeliveryPlan().SpentTokens())
}

func TestProcessAuctionEventNilContext(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	recorder := &statsRecorder{status: http.StatusOK}
	progressService, _, _ := newProgressServiceForTest(t, recorder, newStubMetricsEngine(), clock)

	assert.NotPanics(t, func() {
		progressService.ProcessAuctionEvent(nil)
		progressService.ProcessAuctionEvent(&model.AuctionContext{AccountID: "account1"})
	})
}

func TestProcessLineItemWinEvent(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	recorder := &statsRecorder{status: http.StatusOK}
	metricsEngine := newStubMetricsEngine()
	progressService, statsService, lineItemService := newProgressServiceForTest(t, recorder, metricsEngine, clock)
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	progressService.ProcessLineItemWinEvent("li1")
	progressService.ProcessLineItemWinEvent("li1")
	assert.Equal(t, 2, metricsEngine.winEvents)

	progressService.ProcessLineItemWinEvent("ghost")
	assert.Equal(t, 2, metricsEngine.winEvents, "unknown line item is not counted")

	clock.Advance(time.Minute)
	progressService.CreateDeliveryProgressReports()
	sent := sendAndDecodeWindow(t, statsService, recorder)

	require.Len(t, sent.LineItemStatus, 1)
	require.Len(t, sent.LineItemStatus[0].Events, 1)
	assert.Equal(t, report.Event{Type: "win", Count: 2}, sent.LineItemStatus[0].Events[0])
}

func TestCreateDeliveryProgressReportsRotatesWindow(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	recorder := &statsRecorder{status: http.StatusOK}
	progressService, statsService, lineItemService := newProgressServiceForTest(t, recorder, newStubMetricsEngine(), clock)
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	progressService.ProcessAuctionEvent(&model.AuctionContext{
		AccountID: "account1",
		TxnLog:    topMatchTxnLog("li1"),
	})

	clock.Advance(time.Minute)
	progressService.CreateDeliveryProgressReports()
	first := sendAndDecodeWindow(t, statsService, recorder)
	assert.Equal(t, "2019-07-26T09:00:00.000Z", first.DataWindowStartTimeStamp)
	assert.Equal(t, "2019-07-26T09:01:00.000Z", first.DataWindowEndTimeStamp)
	assert.Equal(t, int64(1), first.ClientAuctions)

	// the next window starts empty
	clock.Advance(time.Minute)
	progressService.CreateDeliveryProgressReports()
	second := sendAndDecodeWindow(t, statsService, recorder)
	assert.Equal(t, "2019-07-26T09:01:00.000Z", second.DataWindowStartTimeStamp)
	assert.Equal(t, "2019-07-26T09:02:00.000Z", second.DataWindowEndTimeStamp)
	assert.Equal(t, int64(0), second.ClientAuctions)
}

func TestOverallDeliveryProgressAccumulates(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	recorder := &statsRecorder{status: http.StatusOK}
	progressService, _, lineItemService := newProgressServiceForTest(t, recorder, newStubMetricsEngine(), clock)
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	progressService.ProcessAuctionEvent(&model.AuctionContext{
		AccountID: "account1",
		TxnLog:    topMatchTxnLog("li1"),
	})

	clock.Advance(time.Minute)
	progressService.CreateDeliveryProgressReports()

	overall := progressService.GetOverallDeliveryProgress()
	statuses := overall.LineItemStatuses()
	require.Contains(t, statuses, "li1")
	assert.Equal(t, int64(1), overall.Requests())
}

func TestCreateDeliveryProgressReportsDropsExpiredStatuses(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	recorder := &statsRecorder{status: http.StatusOK}
	progressService, _, lineItemService := newProgressServiceForTest(t, recorder, newStubMetricsEngine(), clock)
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	progressService.ProcessAuctionEvent(&model.AuctionContext{
		AccountID: "account1",
		TxnLog:    topMatchTxnLog("li1"),
	})
	clock.Advance(time.Minute)
	progressService.CreateDeliveryProgressReports()
	require.Contains(t, progressService.GetOverallDeliveryProgress().LineItemStatuses(), "li1")

	// the line item disappears from the planner; its overall status is
	// dropped once it is gone from the registry
	lineItemService.UpdateLineItems(nil, true)
	lineItemService.UpdateLineItems(nil, true)
	clock.Advance(time.Minute)
	progressService.CreateDeliveryProgressReports()

	assert.NotContains(t, progressService.GetOverallDeliveryProgress().LineItemStatuses(), "li1")
}
