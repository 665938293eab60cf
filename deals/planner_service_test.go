package deals

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebid/pg-engine/deals/proto"
	"github.com/prebid/pg-engine/metrics"
	"github.com/prebid/pg-engine/util/randomutil"
	"github.com/prebid/pg-engine/util/timeutil"
)

func newPlannerForTest(endpoint string, metricsEngine metrics.MetricsEngine, alertService *AlertService, clock timeutil.Time) (*PlannerService, *LineItemService) {
	lineItemService := newTestService(3, clock, randomutil.RandomNumberGenerator{})
	plannerService := NewPlannerService(
		PlannerProperties{PlanEndpoint: endpoint, Username: "user", Password: "password", Timeout: time.Second},
		DeploymentProperties{InstanceID: "instance1", Vendor: "vendor1", Region: "us-east"},
		lineItemService,
		alertService,
		http.DefaultClient,
		metricsEngine,
		clock,
	)
	return plannerService, lineItemService
}

func newAlertServiceForTest(endpoint string, period int, clock timeutil.Time) *AlertService {
	return NewAlertService(
		AlertProperties{Endpoint: endpoint, Timeout: time.Second, Period: period},
		AlertSource{Env: "test", Region: "us-east", System: "PG", SubSystem: "pg-engine", HostID: "host1"},
		http.DefaultClient,
		newStubMetricsEngine(),
		clock,
	)
}

func TestUpdateLineItemMetaDataSuccess(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)

	var gotAuth, gotQuery atomic.Value
	planner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotQuery.Store(r.URL.RawQuery)
		assert.NotEmpty(t, r.Header.Get(pgTrxIDHeader))

		body, _ := json.Marshal([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)})
		w.Write(body)
	}))
	defer planner.Close()

	metricsEngine := newStubMetricsEngine()
	plannerService, lineItemService := newPlannerForTest(planner.URL, metricsEngine, newAlertServiceForTest(planner.URL, 5, clock), clock)

	plannerService.UpdateLineItemMetaData(context.Background())

	assert.NotNil(t, lineItemService.LineItemByID("li1"))
	assert.True(t, lineItemService.IsPlannerResponsive())
	assert.Equal(t, []bool{true}, metricsEngine.externalRequestsFor(metrics.ServicePlanner))
	assert.Equal(t, 1, metricsEngine.lineItemsActive)

	assert.Equal(t, "Basic dXNlcjpwYXNzd29yZA==", gotAuth.Load())
	assert.Equal(t, "instanceId=instance1&region=us-east&vendor=vendor1", gotQuery.Load())
}

func TestUpdateLineItemMetaDataRetriesOnce(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)

	var calls atomic.Int32
	planner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, _ := json.Marshal([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)})
		w.Write(body)
	}))
	defer planner.Close()

	plannerService, lineItemService := newPlannerForTest(planner.URL, newStubMetricsEngine(), newAlertServiceForTest(planner.URL, 5, clock), clock)

	plannerService.UpdateLineItemMetaData(context.Background())

	assert.Equal(t, int32(2), calls.Load())
	assert.NotNil(t, lineItemService.LineItemByID("li1"))
	assert.True(t, lineItemService.IsPlannerResponsive())
}

func TestUpdateLineItemMetaDataBothAttemptsFail(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)

	var plannerCalls atomic.Int32
	planner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		plannerCalls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer planner.Close()

	var alerts []AlertEvent
	alertProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var events []AlertEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&events))
		alerts = append(alerts, events...)
	}))
	defer alertProxy.Close()

	plannerService, lineItemService := newPlannerForTest(planner.URL, newStubMetricsEngine(), newAlertServiceForTest(alertProxy.URL, 5, clock), clock)
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	plannerService.UpdateLineItemMetaData(context.Background())

	assert.Equal(t, int32(2), plannerCalls.Load())
	assert.False(t, lineItemService.IsPlannerResponsive())

	// current state is preserved through the outage
	assert.NotNil(t, lineItemService.LineItemByID("li1"))

	require.Len(t, alerts, 1)
	assert.Equal(t, "pg-planner-client-error", alerts[0].Name)
	assert.Equal(t, AlertPriorityMedium, alerts[0].Priority)
	assert.Equal(t, "RAISE", alerts[0].Action)
}

func TestUpdateLineItemMetaDataEmptyResponseAlertsLow(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)

	planner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer planner.Close()

	var alerts []AlertEvent
	alertProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var events []AlertEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&events))
		alerts = append(alerts, events...)
	}))
	defer alertProxy.Close()

	plannerService, lineItemService := newPlannerForTest(planner.URL, newStubMetricsEngine(), newAlertServiceForTest(alertProxy.URL, 5, clock), clock)
	lineItemService.UpdateLineItems([]proto.LineItemMetaData{lineItemMetaData("li1", testStart)}, true)

	plannerService.UpdateLineItemMetaData(context.Background())

	// an empty snapshot still counts as responsive and starts aging items out
	assert.True(t, lineItemService.IsPlannerResponsive())
	assert.NotNil(t, lineItemService.LineItemByID("li1"))

	require.Len(t, alerts, 1)
	assert.Equal(t, "pg-planner-empty-response-error", alerts[0].Name)
	assert.Equal(t, AlertPriorityLow, alerts[0].Priority)
}

func TestUpdateLineItemMetaDataMalformedResponse(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)

	planner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer planner.Close()

	metricsEngine := newStubMetricsEngine()
	plannerService, lineItemService := newPlannerForTest(planner.URL, metricsEngine, newAlertServiceForTest(planner.URL, 5, clock), clock)

	plannerService.UpdateLineItemMetaData(context.Background())

	assert.False(t, lineItemService.IsPlannerResponsive())
	assert.Equal(t, []bool{false, false}, metricsEngine.externalRequestsFor(metrics.ServicePlanner))
}

func TestAlertWithPeriodThrottles(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)

	var alerts []AlertEvent
	alertProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var events []AlertEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&events))
		alerts = append(alerts, events...)
	}))
	defer alertProxy.Close()

	alertService := newAlertServiceForTest(alertProxy.URL, 3, clock)

	for i := 0; i < 7; i++ {
		alertService.AlertWithPeriod("planner", "pg-planner-client-error", AlertPriorityMedium, "fetch failed")
	}

	// first occurrence, then every third
	require.Len(t, alerts, 3)
	assert.Equal(t, "fetch failed", alerts[0].Details)
	assert.Equal(t, "Service planner failed to send request 3 times in a row with error message : fetch failed", alerts[1].Details)
	assert.Equal(t, "Service planner failed to send request 6 times in a row with error message : fetch failed", alerts[2].Details)

	alertService.ResetAlertCount("pg-planner-client-error")
	alertService.AlertWithPeriod("planner", "pg-planner-client-error", AlertPriorityMedium, "fetch failed")
	assert.Len(t, alerts, 4)
}

func TestAlertEventPayload(t *testing.T) {
	clock := timeutil.NewMockClockAt(testStart)

	var payload []byte
	alertProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ = io.ReadAll(r.Body)
	}))
	defer alertProxy.Close()

	alertService := newAlertServiceForTest(alertProxy.URL, 5, clock)
	alertService.Alert("pg-test-alert", AlertPriorityHigh, "something broke")

	var events []AlertEvent
	require.NoError(t, json.Unmarshal(payload, &events))
	require.Len(t, events, 1)
	event := events[0]
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "RAISE", event.Action)
	assert.Equal(t, AlertPriorityHigh, event.Priority)
	assert.Equal(t, "2019-07-26T09:00:00.000Z", event.UpdatedAt)
	assert.Equal(t, "pg-test-alert", event.Name)
	assert.Equal(t, "something broke", event.Details)
	assert.Equal(t, "test", event.Source.Env)
	assert.Equal(t, "pg-engine", event.Source.SubSystem)
}
