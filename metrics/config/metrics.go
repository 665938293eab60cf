package config

import (
	"time"

	gometrics "github.com/rcrowley/go-metrics"

	"github.com/prebid/pg-engine/config"
	"github.com/prebid/pg-engine/metrics"
	prometheusmetrics "github.com/prebid/pg-engine/metrics/prometheus"
)

// NewMetricsEngine instantiates the configured metrics backends and wraps
// them into one fan-out engine.
func NewMetricsEngine(cfg *config.Configuration, registry gometrics.Registry) *DetailedMetricsEngine {
	engineList := make(MultiMetricsEngine, 0, 2)
	returnEngine := DetailedMetricsEngine{}

	if cfg.Metrics.UseGoMetrics {
		returnEngine.GoMetrics = metrics.NewMetrics(registry)
		engineList = append(engineList, returnEngine.GoMetrics)
	}
	if cfg.Metrics.Prometheus.Port != 0 {
		returnEngine.PrometheusMetrics = prometheusmetrics.NewMetrics(
			cfg.Metrics.Prometheus.Namespace,
			cfg.Metrics.Prometheus.Subsystem)
		engineList = append(engineList, returnEngine.PrometheusMetrics)
	}

	if len(engineList) == 0 {
		returnEngine.MetricsEngine = &NilMetricsEngine{}
	} else {
		returnEngine.MetricsEngine = &engineList
	}
	return &returnEngine
}

// DetailedMetricsEngine exposes the fan-out engine plus direct handles to
// the individual backends for the endpoints that need them.
type DetailedMetricsEngine struct {
	metrics.MetricsEngine
	GoMetrics         *metrics.Metrics
	PrometheusMetrics *prometheusmetrics.Metrics
}

// MultiMetricsEngine forwards each record call to every backend.
type MultiMetricsEngine []metrics.MetricsEngine

func (me *MultiMetricsEngine) RecordConnectionAccept(success bool) {
	for _, engine := range *me {
		engine.RecordConnectionAccept(success)
	}
}

func (me *MultiMetricsEngine) RecordConnectionClose(success bool) {
	for _, engine := range *me {
		engine.RecordConnectionClose(success)
	}
}

func (me *MultiMetricsEngine) RecordRequest(status metrics.RequestStatus) {
	for _, engine := range *me {
		engine.RecordRequest(status)
	}
}

func (me *MultiMetricsEngine) RecordRequestTime(length time.Duration) {
	for _, engine := range *me {
		engine.RecordRequestTime(length)
	}
}

func (me *MultiMetricsEngine) RecordExternalServiceRequest(service metrics.ExternalService, success bool, length time.Duration) {
	for _, engine := range *me {
		engine.RecordExternalServiceRequest(service, success, length)
	}
}

func (me *MultiMetricsEngine) RecordLineItemsActive(count int) {
	for _, engine := range *me {
		engine.RecordLineItemsActive(count)
	}
}

func (me *MultiMetricsEngine) RecordLineItemMatched() {
	for _, engine := range *me {
		engine.RecordLineItemMatched()
	}
}

func (me *MultiMetricsEngine) RecordDealInjected() {
	for _, engine := range *me {
		engine.RecordDealInjected()
	}
}

func (me *MultiMetricsEngine) RecordWinEvent() {
	for _, engine := range *me {
		engine.RecordWinEvent()
	}
}

// NilMetricsEngine accepts records and does nothing with them.
type NilMetricsEngine struct{}

func (me *NilMetricsEngine) RecordConnectionAccept(success bool) {}

func (me *NilMetricsEngine) RecordConnectionClose(success bool) {}

func (me *NilMetricsEngine) RecordRequest(status metrics.RequestStatus) {}

func (me *NilMetricsEngine) RecordRequestTime(length time.Duration) {}

func (me *NilMetricsEngine) RecordExternalServiceRequest(service metrics.ExternalService, success bool, length time.Duration) {
}

func (me *NilMetricsEngine) RecordLineItemsActive(count int) {}

func (me *NilMetricsEngine) RecordLineItemMatched() {}

func (me *NilMetricsEngine) RecordDealInjected() {}

func (me *NilMetricsEngine) RecordWinEvent() {}
