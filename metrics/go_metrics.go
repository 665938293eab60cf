package metrics

import (
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Metrics is the go-metrics backend of the MetricsEngine interface.
type Metrics struct {
	MetricsRegistry gometrics.Registry

	ConnectionCounter      gometrics.Counter
	ConnectionAcceptErrors gometrics.Meter
	ConnectionCloseErrors  gometrics.Meter
	RequestStatusMeters    map[RequestStatus]gometrics.Meter
	RequestTimer           gometrics.Timer

	ServiceOkMeters    map[ExternalService]gometrics.Meter
	ServiceErrorMeters map[ExternalService]gometrics.Meter
	ServiceTimers      map[ExternalService]gometrics.Timer

	ActiveLineItemsGauge gometrics.Gauge
	LineItemMatchedMeter gometrics.Meter
	DealInjectedMeter    gometrics.Meter
	WinEventMeter        gometrics.Meter
}

// NewBlankMetrics registers inert metric objects so that no nil checks are
// needed at record time.
func NewBlankMetrics(registry gometrics.Registry) *Metrics {
	blankMeter := &gometrics.NilMeter{}
	blankTimer := &gometrics.NilTimer{}

	m := &Metrics{
		MetricsRegistry:        registry,
		ConnectionCounter:      gometrics.NilCounter{},
		ConnectionAcceptErrors: blankMeter,
		ConnectionCloseErrors:  blankMeter,
		RequestStatusMeters:    make(map[RequestStatus]gometrics.Meter),
		RequestTimer:           blankTimer,
		ServiceOkMeters:        make(map[ExternalService]gometrics.Meter),
		ServiceErrorMeters:     make(map[ExternalService]gometrics.Meter),
		ServiceTimers:          make(map[ExternalService]gometrics.Timer),
		ActiveLineItemsGauge:   gometrics.NilGauge{},
		LineItemMatchedMeter:   blankMeter,
		DealInjectedMeter:      blankMeter,
		WinEventMeter:          blankMeter,
	}

	for _, status := range RequestStatuses() {
		m.RequestStatusMeters[status] = blankMeter
	}
	for _, service := range ExternalServices() {
		m.ServiceOkMeters[service] = blankMeter
		m.ServiceErrorMeters[service] = blankMeter
		m.ServiceTimers[service] = blankTimer
	}
	return m
}

// NewMetrics registers all metrics in the registry.
func NewMetrics(registry gometrics.Registry) *Metrics {
	m := NewBlankMetrics(registry)

	m.ConnectionCounter = gometrics.GetOrRegisterCounter("active_connections", registry)
	m.ConnectionAcceptErrors = gometrics.GetOrRegisterMeter("connection_accept_errors", registry)
	m.ConnectionCloseErrors = gometrics.GetOrRegisterMeter("connection_close_errors", registry)
	m.RequestTimer = gometrics.GetOrRegisterTimer("request_time", registry)
	for _, status := range RequestStatuses() {
		m.RequestStatusMeters[status] = gometrics.GetOrRegisterMeter("requests."+string(status), registry)
	}

	for _, service := range ExternalServices() {
		m.ServiceOkMeters[service] = gometrics.GetOrRegisterMeter(string(service)+"_requests.ok", registry)
		m.ServiceErrorMeters[service] = gometrics.GetOrRegisterMeter(string(service)+"_requests.err", registry)
		m.ServiceTimers[service] = gometrics.GetOrRegisterTimer(string(service)+"_request_time", registry)
	}

	m.ActiveLineItemsGauge = gometrics.GetOrRegisterGauge("line_items_active", registry)
	m.LineItemMatchedMeter = gometrics.GetOrRegisterMeter("line_items_matched", registry)
	m.DealInjectedMeter = gometrics.GetOrRegisterMeter("deals_injected", registry)
	m.WinEventMeter = gometrics.GetOrRegisterMeter("win_events", registry)
	return m
}

func (m *Metrics) RecordConnectionAccept(success bool) {
	if success {
		m.ConnectionCounter.Inc(1)
	} else {
		m.ConnectionAcceptErrors.Mark(1)
	}
}

func (m *Metrics) RecordConnectionClose(success bool) {
	if success {
		m.ConnectionCounter.Dec(1)
	} else {
		m.ConnectionCloseErrors.Mark(1)
	}
}

func (m *Metrics) RecordRequest(status RequestStatus) {
	m.RequestStatusMeters[status].Mark(1)
}

func (m *Metrics) RecordRequestTime(length time.Duration) {
	m.RequestTimer.Update(length)
}

func (m *Metrics) RecordExternalServiceRequest(service ExternalService, success bool, length time.Duration) {
	if success {
		m.ServiceOkMeters[service].Mark(1)
	} else {
		m.ServiceErrorMeters[service].Mark(1)
	}
	m.ServiceTimers[service].Update(length)
}

func (m *Metrics) RecordLineItemsActive(count int) {
	m.ActiveLineItemsGauge.Update(int64(count))
}

func (m *Metrics) RecordLineItemMatched() {
	m.LineItemMatchedMeter.Mark(1)
}

func (m *Metrics) RecordDealInjected() {
	m.DealInjectedMeter.Mark(1)
}

func (m *Metrics) RecordWinEvent() {
	m.WinEventMeter.Mark(1)
}
