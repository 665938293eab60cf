package deals

import (
	"sync"
	"time"

	"github.com/prebid/pg-engine/metrics"
)

// stubMetricsEngine counts invocations so client tests can assert what was
// recorded without a real backend.
type stubMetricsEngine struct {
	mu sync.Mutex

	externalRequests map[metrics.ExternalService][]bool
	lineItemsActive  int
	lineItemsMatched int
	dealsInjected    int
	winEvents        int
	requestStatuses  []metrics.RequestStatus
	requestTimes     []time.Duration
}

func newStubMetricsEngine() *stubMetricsEngine {
	return &stubMetricsEngine{
		externalRequests: make(map[metrics.ExternalService][]bool),
	}
}

func (m *stubMetricsEngine) RecordConnectionAccept(success bool) {}
func (m *stubMetricsEngine) RecordConnectionClose(success bool)  {}

func (m *stubMetricsEngine) RecordRequest(status metrics.RequestStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestStatuses = append(m.requestStatuses, status)
}

func (m *stubMetricsEngine) RecordRequestTime(length time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestTimes = append(m.requestTimes, length)
}

func (m *stubMetricsEngine) RecordExternalServiceRequest(service metrics.ExternalService, success bool, length time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.externalRequests[service] = append(m.externalRequests[service], success)
}

func (m *stubMetricsEngine) RecordLineItemsActive(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineItemsActive = count
}

func (m *stubMetricsEngine) RecordLineItemMatched() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineItemsMatched++
}

func (m *stubMetricsEngine) RecordDealInjected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dealsInjected++
}

func (m *stubMetricsEngine) RecordWinEvent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.winEvents++
}

func (m *stubMetricsEngine) externalRequestsFor(service metrics.ExternalService) []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, len(m.externalRequests[service]))
	copy(out, m.externalRequests[service])
	return out
}
