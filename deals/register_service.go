package deals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/prebid/pg-engine/deals/proto/report"
	"github.com/prebid/pg-engine/errortypes"
	"github.com/prebid/pg-engine/metrics"
	"github.com/prebid/pg-engine/util/httputil"
	"github.com/prebid/pg-engine/util/timeutil"
)

const (
	registerServiceName      = "register"
	registerClientErrorAlert = "pg-register-client-error"
)

// RegisterProperties configures the periodic registration call to the
// general planner.
type RegisterProperties struct {
	Endpoint string
	Username string
	Password string
	Timeout  time.Duration
}

type registerRequest struct {
	HealthIndex    float64         `json:"healthIndex"`
	HostInstanceID string          `json:"hostInstanceId"`
	Region         string          `json:"region"`
	Vendor         string          `json:"vendor"`
	Status         *registerStatus `json:"status,omitempty"`
}

type registerStatus struct {
	DealsStatus *report.DeliveryProgressReport `json:"dealsStatus,omitempty"`
}

// registerResponse carries planner directives piggybacked on the register
// call. An empty body means there is nothing to do.
type registerResponse struct {
	Services  *serviceCommand       `json:"services,omitempty"`
	LineItems *lineItemInvalidation `json:"lineItems,omitempty"`
}

type serviceCommand struct {
	Cmd string `json:"cmd"`
}

type lineItemInvalidation struct {
	IDs []string `json:"ids"`
}

// RegisterService announces this instance to the general planner on a
// fixed period, reporting overall delivery state. The planner answers with
// optional directives: suspend or resume delivery stats reporting, or
// invalidate specific line items.
type RegisterService struct {
	properties           RegisterProperties
	deploymentProperties DeploymentProperties
	reportFactory        *DeliveryProgressReportFactory
	progressService      *DeliveryProgressService
	deliveryStatsService *DeliveryStatsService
	lineItemService      *LineItemService
	alertService         *AlertService
	httpClient           *http.Client
	metrics              metrics.MetricsEngine
	clock                timeutil.Time

	basicAuthHeader string
}

func NewRegisterService(
	properties RegisterProperties,
	deploymentProperties DeploymentProperties,
	reportFactory *DeliveryProgressReportFactory,
	progressService *DeliveryProgressService,
	deliveryStatsService *DeliveryStatsService,
	lineItemService *LineItemService,
	alertService *AlertService,
	httpClient *http.Client,
	metricsEngine metrics.MetricsEngine,
	clock timeutil.Time,
) *RegisterService {

	return &RegisterService{
		properties:           properties,
		deploymentProperties: deploymentProperties,
		reportFactory:        reportFactory,
		progressService:      progressService,
		deliveryStatsService: deliveryStatsService,
		lineItemService:      lineItemService,
		alertService:         alertService,
		httpClient:           httpClient,
		metrics:              metricsEngine,
		clock:                clock,
		basicAuthHeader:      httputil.BasicAuthHeader(properties.Username, properties.Password),
	}
}

// Register runs one registration cycle against the planner.
func (s *RegisterService) Register(ctx context.Context) {
	response, err := s.sendRegisterRequest(ctx)
	if err != nil {
		glog.Warningf("Failed to register instance in GP. Reason: %s", err)
		s.alertService.AlertWithPeriod(registerServiceName, registerClientErrorAlert, AlertPriorityMedium,
			fmt.Sprintf("Failed to register instance in GP. Reason: %s", err))
		return
	}
	s.alertService.ResetAlertCount(registerClientErrorAlert)

	if response != nil {
		s.handleDirectives(response)
	}
}

func (s *RegisterService) sendRegisterRequest(ctx context.Context) (*registerResponse, error) {
	body, err := json.Marshal(s.buildRegisterRequest())
	if err != nil {
		return nil, err
	}

	requestCtx, cancel := context.WithTimeout(ctx, s.properties.Timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, s.properties.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", s.basicAuthHeader)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(pgTrxIDHeader, newReportID())

	startTime := s.clock.Now()
	httpResponse, err := s.httpClient.Do(request)
	requestTime := s.clock.Now().Sub(startTime)
	if err != nil {
		s.metrics.RecordExternalServiceRequest(metrics.ServiceRegister, false, requestTime)
		return nil, err
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		s.metrics.RecordExternalServiceRequest(metrics.ServiceRegister, false, requestTime)
		return nil, &errortypes.PlannerUnavailable{
			Message: fmt.Sprintf("planner responded to register request with status code %d", httpResponse.StatusCode),
		}
	}

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		s.metrics.RecordExternalServiceRequest(metrics.ServiceRegister, false, requestTime)
		return nil, err
	}
	s.metrics.RecordExternalServiceRequest(metrics.ServiceRegister, true, requestTime)

	if len(bytes.TrimSpace(responseBody)) == 0 {
		return nil, nil
	}

	var response registerResponse
	if err := json.Unmarshal(responseBody, &response); err != nil {
		return nil, fmt.Errorf("cannot parse register response: %s", string(responseBody))
	}
	return &response, nil
}

func (s *RegisterService) buildRegisterRequest() registerRequest {
	request := registerRequest{
		// health scoring is not implemented, the instance reports itself
		// fully healthy for as long as it can make the call at all
		HealthIndex:    1,
		HostInstanceID: s.deploymentProperties.InstanceID,
		Region:         s.deploymentProperties.Region,
		Vendor:         s.deploymentProperties.Vendor,
	}

	overall := s.progressService.GetOverallDeliveryProgress()
	dealsStatus := s.reportFactory.FromDeliveryProgress(overall, overall.LineItemStatuses(), s.clock.Now(), true)
	request.Status = &registerStatus{DealsStatus: &dealsStatus}
	return request
}

func (s *RegisterService) handleDirectives(response *registerResponse) {
	if response.Services != nil {
		switch response.Services.Cmd {
		case "stop":
			glog.Warning("Planner requested suspension of delivery stats reporting")
			s.deliveryStatsService.Suspend()
		case "start":
			glog.Info("Planner requested resumption of delivery stats reporting")
			s.deliveryStatsService.Resume()
		default:
			glog.Warningf("Unknown services command in register response: %s", response.Services.Cmd)
		}
	}

	if response.LineItems != nil && len(response.LineItems.IDs) > 0 {
		glog.Infof("Planner requested invalidation of line items: %v", response.LineItems.IDs)
		s.lineItemService.InvalidateLineItemsByIDs(response.LineItems.IDs)
	}
}
