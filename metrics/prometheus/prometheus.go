package prometheusmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/prebid/pg-engine/metrics"
)

// Metrics defines the Prometheus backend of the MetricsEngine interface.
type Metrics struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	connectionsClosed      prometheus.Gauge
	connectionsError       *prometheus.CounterVec
	requests               *prometheus.CounterVec
	requestTimer           prometheus.Histogram
	externalServiceRequest *prometheus.CounterVec
	externalServiceTimer   *prometheus.HistogramVec
	activeLineItems        prometheus.Gauge
	lineItemsMatched       prometheus.Counter
	dealsInjected          prometheus.Counter
	winEvents              prometheus.Counter
}

const (
	statusLabel  = "status"
	serviceLabel = "service"
)

// NewMetrics initializes a new Prometheus metrics instance.
func NewMetrics(namespace, subsystem string) *Metrics {
	timerBuckets := []float64{0.001, 0.005, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		Registerer: registry,
		Gatherer:   registry,
	}

	m.connectionsClosed = newGauge(registry, namespace, subsystem,
		"connections_opened",
		"Count of successful connections opened to Prebid Server minus connections closed.")
	m.connectionsError = newCounterVec(registry, namespace, subsystem,
		"connections_error",
		"Count of errors for connection open and close attempts labeled by type.",
		[]string{"connection_error"})
	m.requests = newCounterVec(registry, namespace, subsystem,
		"requests",
		"Count of auction requests labeled by status.",
		[]string{statusLabel})
	m.requestTimer = newHistogram(registry, namespace, subsystem,
		"request_time",
		"Seconds to resolve an auction request.",
		timerBuckets)
	m.externalServiceRequest = newCounterVec(registry, namespace, subsystem,
		"external_service_requests",
		"Count of calls to external services labeled by service and status.",
		[]string{serviceLabel, statusLabel})
	m.externalServiceTimer = newHistogramVec(registry, namespace, subsystem,
		"external_service_request_time",
		"Seconds to complete a call to an external service.",
		[]string{serviceLabel},
		timerBuckets)
	m.activeLineItems = newGauge(registry, namespace, subsystem,
		"line_items_active",
		"Number of line items currently tracked.")
	m.lineItemsMatched = newCounter(registry, namespace, subsystem,
		"line_items_matched",
		"Count of line items matched to impressions.")
	m.dealsInjected = newCounter(registry, namespace, subsystem,
		"deals_injected",
		"Count of deals injected into bidder requests.")
	m.winEvents = newCounter(registry, namespace, subsystem,
		"win_events",
		"Count of win events received.")

	return m
}

func newCounter(registry *prometheus.Registry, namespace, subsystem, name, help string) prometheus.Counter {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	registry.MustRegister(counter)
	return counter
}

func newCounterVec(registry *prometheus.Registry, namespace, subsystem, name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
	registry.MustRegister(counter)
	return counter
}

func newGauge(registry *prometheus.Registry, namespace, subsystem, name, help string) prometheus.Gauge {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	registry.MustRegister(gauge)
	return gauge
}

func newHistogram(registry *prometheus.Registry, namespace, subsystem, name, help string, buckets []float64) prometheus.Histogram {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	})
	registry.MustRegister(histogram)
	return histogram
}

func newHistogramVec(registry *prometheus.Registry, namespace, subsystem, name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	registry.MustRegister(histogram)
	return histogram
}

func (m *Metrics) RecordConnectionAccept(success bool) {
	if success {
		m.connectionsClosed.Inc()
	} else {
		m.connectionsError.With(prometheus.Labels{"connection_error": "accept"}).Inc()
	}
}

func (m *Metrics) RecordConnectionClose(success bool) {
	if success {
		m.connectionsClosed.Dec()
	} else {
		m.connectionsError.With(prometheus.Labels{"connection_error": "close"}).Inc()
	}
}

func (m *Metrics) RecordRequest(status metrics.RequestStatus) {
	m.requests.With(prometheus.Labels{statusLabel: string(status)}).Inc()
}

func (m *Metrics) RecordRequestTime(length time.Duration) {
	m.requestTimer.Observe(length.Seconds())
}

func (m *Metrics) RecordExternalServiceRequest(service metrics.ExternalService, success bool, length time.Duration) {
	status := string(metrics.RequestStatusOK)
	if !success {
		status = string(metrics.RequestStatusErr)
	}
	m.externalServiceRequest.With(prometheus.Labels{serviceLabel: string(service), statusLabel: status}).Inc()
	m.externalServiceTimer.With(prometheus.Labels{serviceLabel: string(service)}).Observe(length.Seconds())
}

func (m *Metrics) RecordLineItemsActive(count int) {
	m.activeLineItems.Set(float64(count))
}

func (m *Metrics) RecordLineItemMatched() {
	m.lineItemsMatched.Inc()
}

func (m *Metrics) RecordDealInjected() {
	m.dealsInjected.Inc()
}

func (m *Metrics) RecordWinEvent() {
	m.winEvents.Inc()
}
