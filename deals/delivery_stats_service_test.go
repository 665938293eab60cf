package deals

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebid/pg-engine/deals/lineitem"
	"github.com/prebid/pg-engine/deals/model"
	"github.com/prebid/pg-engine/deals/proto"
	"github.com/prebid/pg-engine/deals/proto/report"
	"github.com/prebid/pg-engine/metrics"
	"github.com/prebid/pg-engine/util/randomutil"
	"github.com/prebid/pg-engine/util/timeutil"
)

type statsRecorder struct {
	mu       sync.Mutex
	status   int
	requests []*http.Request
	bodies   []report.DeliveryProgressReport
}

func (r *statsRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()

		var body io.Reader = req.Body
		if req.Header.Get("Content-Encoding") == "gzip" {
			reader, err := gzip.NewReader(req.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			body = reader
		}

		var progressReport report.DeliveryProgressReport
		if err := json.NewDecoder(body).Decode(&progressReport); err == nil {
			r.bodies = append(r.bodies, progressReport)
		}
		r.requests = append(r.requests, req.Clone(context.Background()))
		w.WriteHeader(r.status)
	}
}

func (r *statsRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func newAlertSink(t *testing.T) string {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server.URL
}

func newStatsServiceForTest(
	t *testing.T,
	endpoint string,
	properties DeliveryStatsProperties,
	metricsEngine metrics.MetricsEngine,
	clock timeutil.Time,
) (*DeliveryStatsService, *LineItemService) {

	lineItemService := newTestService(3, clock, randomutil.RandomNumberGenerator{})
	factory := NewDeliveryProgressReportFactory(
		DeploymentProperties{InstanceID: "instance1", Vendor: "vendor1", Region: "us-east"}, 10, lineItemService)

	properties.Endpoint = endpoint
	if properties.LineItemsPerReport == 0 {
		properties.LineItemsPerReport = 5
	}
	if properties.Timeout == 0 {
		properties.Timeout = time.Second
	}
	if properties.CachedReportsNumber == 0 {
		properties.CachedReportsNumber = 20
	}
	properties.Username = "user"
	properties.Password = "password"

	alertService := newAlertServiceForTest(newAlertSink(t), 5, clock)
	service := NewDeliveryStatsService(properties, factory, alertService, http.DefaultClient, metricsEngine, clock)
	return service, lineItemService
}

func sealedProgress(lineItemService *LineItemService, start, end time.Time) *lineitem.DeliveryProgress {
	progress := lineitem.NewDeliveryProgress(start, lineItemService)
	for _, li := range lineItemService.LineItems() {
		progress.UpdateWithActiveLineItems([]*lineitem.LineItem{li})
		progress.UpsertPlanReferenceFromLineItem(li)
	}

	txnLog := model.NewTxnLog()
	txnLog.RecordWholeTargetingMatched("li1")
	progress.RecordTxnLog(txnLog, nil, "account1")
	progress.Seal(end)
	return progress
}

func TestSendDeliveryProgressReports(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	recorder := &statsRecorder{status: http.StatusOK}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	metricsEngine := newStubMetricsEngine()
	service, lineItemService := newStatsServiceForTest(t, server.URL, DeliveryStatsProperties{}, metricsEngine, clock)
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	service.AddDeliveryProgress(sealedProgress(lineItemService, testStart, testStart.Add(time.Minute)), nil)
	service.SendDeliveryProgressReports(context.Background())

	require.Equal(t, 1, recorder.count())
	request := recorder.requests[0]
	assert.Equal(t, "Basic dXNlcjpwYXNzd29yZA==", request.Header.Get("Authorization"))
	assert.Equal(t, "application/json", request.Header.Get("Content-Type"))
	assert.NotEmpty(t, request.Header.Get(pgTrxIDHeader))

	require.Len(t, recorder.bodies, 1)
	sent := recorder.bodies[0]
	assert.Equal(t, "instance1", sent.InstanceID)
	assert.Equal(t, "2019-07-26T09:00:00.000Z", sent.ReportTimeStamp)
	assert.Equal(t, "2019-07-26T09:01:00.000Z", sent.DataWindowEndTimeStamp)
	require.Len(t, sent.LineItemStatus, 1)
	assert.Equal(t, "li1", sent.LineItemStatus[0].LineItemID)

	assert.Equal(t, []bool{true}, metricsEngine.externalRequestsFor(metrics.ServiceDeliveryStats))

	// the queue is drained
	service.SendDeliveryProgressReports(context.Background())
	assert.Equal(t, 1, recorder.count())
}

func TestSendDeliveryProgressReportsGzip(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	recorder := &statsRecorder{status: http.StatusOK}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	service, lineItemService := newStatsServiceForTest(t, server.URL,
		DeliveryStatsProperties{RequestCompressionEnabled: true}, newStubMetricsEngine(), clock)
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	service.AddDeliveryProgress(sealedProgress(lineItemService, testStart, testStart.Add(time.Minute)), nil)
	service.SendDeliveryProgressReports(context.Background())

	require.Equal(t, 1, recorder.count())
	assert.Equal(t, "gzip", recorder.requests[0].Header.Get("Content-Encoding"))
	require.Len(t, recorder.bodies, 1)
	assert.Equal(t, "instance1", recorder.bodies[0].InstanceID)
}

func TestSendDeliveryProgressReportsConflictCountsAsSent(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	recorder := &statsRecorder{status: http.StatusConflict}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	service, lineItemService := newStatsServiceForTest(t, server.URL, DeliveryStatsProperties{}, newStubMetricsEngine(), clock)
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	service.AddDeliveryProgress(sealedProgress(lineItemService, testStart, testStart.Add(time.Minute)), nil)
	service.SendDeliveryProgressReports(context.Background())

	assert.Equal(t, 1, recorder.count())

	service.SendDeliveryProgressReports(context.Background())
	assert.Equal(t, 1, recorder.count())
}

func TestSendDeliveryProgressReportsFailureKeepsBatches(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	recorder := &statsRecorder{status: http.StatusInternalServerError}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	service, lineItemService := newStatsServiceForTest(t, server.URL, DeliveryStatsProperties{}, newStubMetricsEngine(), clock)
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	service.AddDeliveryProgress(sealedProgress(lineItemService, testStart, testStart.Add(time.Minute)), nil)
	service.SendDeliveryProgressReports(context.Background())
	assert.Equal(t, 1, recorder.count())

	// the failed batch stays queued and is retried
	recorder.mu.Lock()
	recorder.status = http.StatusOK
	recorder.mu.Unlock()

	service.SendDeliveryProgressReports(context.Background())
	assert.Equal(t, 2, recorder.count())

	service.SendDeliveryProgressReports(context.Background())
	assert.Equal(t, 2, recorder.count())
}

func TestSendDeliveryProgressReportsKeepsBatchesQueuedMidSend(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	recorder := &statsRecorder{status: http.StatusOK}

	// a second batch arrives while the first send is still in flight
	var service *DeliveryStatsService
	var lineItemService *LineItemService
	var once sync.Once
	inner := recorder.handler()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			start := testStart.Add(time.Minute)
			service.AddDeliveryProgress(sealedProgress(lineItemService, start, start.Add(time.Minute)), nil)
		})
		inner(w, r)
	}))
	defer server.Close()

	service, lineItemService = newStatsServiceForTest(t, server.URL, DeliveryStatsProperties{}, newStubMetricsEngine(), clock)
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	service.AddDeliveryProgress(sealedProgress(lineItemService, testStart, testStart.Add(time.Minute)), nil)
	service.SendDeliveryProgressReports(context.Background())
	assert.Equal(t, 1, recorder.count())

	service.SendDeliveryProgressReports(context.Background())
	assert.Equal(t, 2, recorder.count())

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.bodies, 2)
	assert.Equal(t, "2019-07-26T09:01:00.000Z", recorder.bodies[1].DataWindowStartTimeStamp)
}

func TestSendDeliveryProgressReportsCacheBound(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	recorder := &statsRecorder{status: http.StatusInternalServerError}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	service, lineItemService := newStatsServiceForTest(t, server.URL,
		DeliveryStatsProperties{CachedReportsNumber: 2}, newStubMetricsEngine(), clock)
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	for i := 0; i < 4; i++ {
		start := testStart.Add(time.Duration(i) * time.Minute)
		service.AddDeliveryProgress(sealedProgress(lineItemService, start, start.Add(time.Minute)), nil)
	}
	service.SendDeliveryProgressReports(context.Background())

	// only the first batch was attempted, the overflow was trimmed oldest first
	assert.Equal(t, 1, recorder.count())

	recorder.mu.Lock()
	recorder.status = http.StatusOK
	recorder.mu.Unlock()

	service.SendDeliveryProgressReports(context.Background())
	assert.Equal(t, 3, recorder.count())

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	// the retained windows are the newest two
	require.Len(t, recorder.bodies, 3)
	assert.Equal(t, "2019-07-26T09:02:00.000Z", recorder.bodies[1].DataWindowStartTimeStamp)
	assert.Equal(t, "2019-07-26T09:03:00.000Z", recorder.bodies[2].DataWindowStartTimeStamp)
}

func TestSendDeliveryProgressReportsSuspended(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)
	recorder := &statsRecorder{status: http.StatusOK}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	service, lineItemService := newStatsServiceForTest(t, server.URL, DeliveryStatsProperties{}, newStubMetricsEngine(), clock)
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	service.AddDeliveryProgress(sealedProgress(lineItemService, testStart, testStart.Add(time.Minute)), nil)
	service.Suspend()
	service.SendDeliveryProgressReports(context.Background())

	assert.Equal(t, 0, recorder.count())
}
