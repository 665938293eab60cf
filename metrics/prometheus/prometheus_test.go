package prometheusmetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/prebid/pg-engine/metrics"
)

func newTestMetrics() *Metrics {
	return NewMetrics("pg", "engine")
}

func TestRecordConnectionMetrics(t *testing.T) {
	m := newTestMetrics()

	m.RecordConnectionAccept(true)
	m.RecordConnectionAccept(true)
	m.RecordConnectionClose(true)
	m.RecordConnectionAccept(false)
	m.RecordConnectionClose(false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.connectionsClosed))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.connectionsError.With(prometheus.Labels{"connection_error": "accept"})))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.connectionsError.With(prometheus.Labels{"connection_error": "close"})))
}

func TestRecordRequestMetrics(t *testing.T) {
	m := newTestMetrics()

	m.RecordRequest(metrics.RequestStatusOK)
	m.RecordRequest(metrics.RequestStatusOK)
	m.RecordRequest(metrics.RequestStatusBadInput)
	m.RecordRequestTime(250 * time.Millisecond)

	assert.Equal(t, float64(2),
		testutil.ToFloat64(m.requests.With(prometheus.Labels{statusLabel: "ok"})))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.requests.With(prometheus.Labels{statusLabel: "badinput"})))
	assert.Equal(t, 1, testutil.CollectAndCount(m.requestTimer))
}

func TestRecordExternalServiceRequestMetrics(t *testing.T) {
	m := newTestMetrics()

	m.RecordExternalServiceRequest(metrics.ServicePlanner, true, 100*time.Millisecond)
	m.RecordExternalServiceRequest(metrics.ServicePlanner, false, 100*time.Millisecond)
	m.RecordExternalServiceRequest(metrics.ServiceAlerts, true, time.Millisecond)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.externalServiceRequest.With(prometheus.Labels{serviceLabel: "planner", statusLabel: "ok"})))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.externalServiceRequest.With(prometheus.Labels{serviceLabel: "planner", statusLabel: "err"})))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.externalServiceRequest.With(prometheus.Labels{serviceLabel: "alerts", statusLabel: "ok"})))
	assert.Equal(t, 2, testutil.CollectAndCount(m.externalServiceTimer))
}

func TestRecordDealMetrics(t *testing.T) {
	m := newTestMetrics()

	m.RecordLineItemsActive(42)
	m.RecordLineItemMatched()
	m.RecordDealInjected()
	m.RecordWinEvent()
	m.RecordWinEvent()

	assert.Equal(t, float64(42), testutil.ToFloat64(m.activeLineItems))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.lineItemsMatched))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.dealsInjected))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.winEvents))
}
