package deals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/prebid/pg-engine/metrics"
	"github.com/prebid/pg-engine/util/httputil"
	"github.com/prebid/pg-engine/util/timeutil"
)

type AlertPriority string

const (
	AlertPriorityHigh         AlertPriority = "HIGH"
	AlertPriorityMedium       AlertPriority = "MED"
	AlertPriorityLow          AlertPriority = "LOW"
	AlertPriorityNotification AlertPriority = "NOTIFICATION"
)

const alertRaise = "RAISE"

// AlertProperties configures the alert proxy client.
type AlertProperties struct {
	Endpoint string
	Username string
	Password string
	Timeout  time.Duration
	// Period is how many consecutive failures of the same alert pass
	// between two raised events.
	Period int
}

// AlertSource identifies the instance raising an alert.
type AlertSource struct {
	Env        string `json:"env"`
	DataCenter string `json:"data-center"`
	Region     string `json:"region"`
	System     string `json:"system"`
	SubSystem  string `json:"sub-system"`
	HostID     string `json:"host-id"`
}

// AlertEvent is one alert pushed to the alert proxy.
type AlertEvent struct {
	ID        string        `json:"id"`
	Action    string        `json:"action"`
	Priority  AlertPriority `json:"priority"`
	UpdatedAt string        `json:"updated-at"`
	Name      string        `json:"name"`
	Details   string        `json:"details"`
	Source    AlertSource   `json:"source"`
}

// AlertService pushes operational alerts to the alert proxy, throttling
// repeated alerts of the same name to every Period-th occurrence.
type AlertService struct {
	properties AlertProperties
	source     AlertSource
	httpClient *http.Client
	metrics    metrics.MetricsEngine
	clock      timeutil.Time

	basicAuthHeader string

	mu          sync.Mutex
	alertCounts map[string]int
}

func NewAlertService(
	properties AlertProperties,
	source AlertSource,
	httpClient *http.Client,
	metricsEngine metrics.MetricsEngine,
	clock timeutil.Time,
) *AlertService {

	return &AlertService{
		properties:      properties,
		source:          source,
		httpClient:      httpClient,
		metrics:         metricsEngine,
		clock:           clock,
		basicAuthHeader: httputil.BasicAuthHeader(properties.Username, properties.Password),
		alertCounts:     make(map[string]int),
	}
}

// AlertWithPeriod raises the named alert on its first occurrence and then
// on every Period-th occurrence, so a flapping dependency does not flood
// the proxy.
func (s *AlertService) AlertWithPeriod(serviceName, alertName string, priority AlertPriority, message string) {
	s.mu.Lock()
	s.alertCounts[alertName]++
	count := s.alertCounts[alertName]
	s.mu.Unlock()

	if count == 1 {
		s.Alert(alertName, priority, message)
		return
	}
	if s.properties.Period > 0 && count%s.properties.Period == 0 {
		s.Alert(alertName, priority, fmt.Sprintf(
			"Service %s failed to send request %d times in a row with error message : %s",
			serviceName, count, message))
	}
}

// ResetAlertCount clears the failure streak of the named alert.
func (s *AlertService) ResetAlertCount(alertName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alertCounts[alertName] = 0
}

// Alert sends a single alert event, unconditionally.
func (s *AlertService) Alert(alertName string, priority AlertPriority, message string) {
	event := AlertEvent{
		ID:        newReportID(),
		Action:    alertRaise,
		Priority:  priority,
		UpdatedAt: formatTimeStamp(s.clock.Now()),
		Name:      alertName,
		Details:   message,
		Source:    s.source,
	}

	body, err := json.Marshal([]AlertEvent{event})
	if err != nil {
		glog.Warningf("Cannot parse alert to json: %s", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.properties.Timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.properties.Endpoint, bytes.NewReader(body))
	if err != nil {
		glog.Warningf("Cannot create alert request: %s", err)
		return
	}
	request.Header.Set("Authorization", s.basicAuthHeader)
	request.Header.Set("Content-Type", "application/json")

	startTime := s.clock.Now()
	response, err := s.httpClient.Do(request)
	s.metrics.RecordExternalServiceRequest(metrics.ServiceAlerts, err == nil, s.clock.Now().Sub(startTime))
	if err != nil {
		glog.Warningf("Cannot send alert to proxy: %s", err)
		return
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		glog.Warningf("Alert proxy responded with status code %d", response.StatusCode)
	}
}
