package deals

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang/glog"

	"github.com/prebid/pg-engine/deals/proto"
	"github.com/prebid/pg-engine/errortypes"
	"github.com/prebid/pg-engine/metrics"
	"github.com/prebid/pg-engine/util/httputil"
	"github.com/prebid/pg-engine/util/timeutil"
)

const (
	plannerServiceName        = "planner"
	plannerClientErrorAlert   = "pg-planner-client-error"
	plannerEmptyResponseAlert = "pg-planner-empty-response-error"
)

// PlannerProperties configures the general planner client.
type PlannerProperties struct {
	PlanEndpoint string
	Username     string
	Password     string
	Timeout      time.Duration
}

// PlannerService periodically pulls line item metadata from the general
// planner and feeds it into the line item registry. A fetch failure is
// retried once; if both attempts fail the registry is told the planner is
// unresponsive and keeps its current state.
type PlannerService struct {
	properties           PlannerProperties
	deploymentProperties DeploymentProperties
	lineItemService      *LineItemService
	alertService         *AlertService
	httpClient           *http.Client
	metrics              metrics.MetricsEngine
	clock                timeutil.Time

	basicAuthHeader string
}

func NewPlannerService(
	properties PlannerProperties,
	deploymentProperties DeploymentProperties,
	lineItemService *LineItemService,
	alertService *AlertService,
	httpClient *http.Client,
	metricsEngine metrics.MetricsEngine,
	clock timeutil.Time,
) *PlannerService {

	return &PlannerService{
		properties:           properties,
		deploymentProperties: deploymentProperties,
		lineItemService:      lineItemService,
		alertService:         alertService,
		httpClient:           httpClient,
		metrics:              metricsEngine,
		clock:                clock,
		basicAuthHeader:      httputil.BasicAuthHeader(properties.Username, properties.Password),
	}
}

// UpdateLineItemMetaData runs one sync cycle against the planner.
func (s *PlannerService) UpdateLineItemMetaData(ctx context.Context) {
	lineItems, err := s.fetchLineItems(ctx)
	if err != nil {
		// one retry before the planner is declared unresponsive
		var retryErr error
		if lineItems, retryErr = s.fetchLineItems(ctx); retryErr != nil {
			err = errortypes.NewAggregateErrors("line item fetch failed", []error{err, retryErr})
		} else {
			err = nil
		}
	}

	if err != nil {
		glog.Warningf("Failed to retrieve line items from GP. Reason: %s", err)
		s.alertService.AlertWithPeriod(plannerServiceName, plannerClientErrorAlert, AlertPriorityMedium,
			fmt.Sprintf("Failed to retrieve line items from GP. Reason: %s", err))
		s.lineItemService.UpdateLineItems(nil, false)
		return
	}

	if len(lineItems) == 0 {
		s.alertService.AlertWithPeriod(plannerServiceName, plannerEmptyResponseAlert, AlertPriorityLow,
			"Response without line items was received from planner")
	} else {
		s.alertService.ResetAlertCount(plannerEmptyResponseAlert)
	}
	s.alertService.ResetAlertCount(plannerClientErrorAlert)

	s.metrics.RecordLineItemsActive(len(lineItems))
	s.lineItemService.UpdateLineItems(lineItems, true)
}

func (s *PlannerService) fetchLineItems(ctx context.Context) ([]proto.LineItemMetaData, error) {
	requestCtx, cancel := context.WithTimeout(ctx, s.properties.Timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, s.planRequestURL(), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", s.basicAuthHeader)
	request.Header.Set("Accept", "application/json")
	request.Header.Set(pgTrxIDHeader, newReportID())

	startTime := s.clock.Now()
	response, err := s.httpClient.Do(request)
	requestTime := s.clock.Now().Sub(startTime)
	if err != nil {
		s.metrics.RecordExternalServiceRequest(metrics.ServicePlanner, false, requestTime)
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		s.metrics.RecordExternalServiceRequest(metrics.ServicePlanner, false, requestTime)
		return nil, &errortypes.PlannerUnavailable{
			Message: fmt.Sprintf("planner responded with status code %d", response.StatusCode),
		}
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		s.metrics.RecordExternalServiceRequest(metrics.ServicePlanner, false, requestTime)
		return nil, err
	}

	var lineItems []proto.LineItemMetaData
	if err := json.Unmarshal(body, &lineItems); err != nil {
		s.metrics.RecordExternalServiceRequest(metrics.ServicePlanner, false, requestTime)
		return nil, fmt.Errorf("cannot parse response: %s", string(body))
	}

	s.metrics.RecordExternalServiceRequest(metrics.ServicePlanner, true, requestTime)
	return lineItems, nil
}

func (s *PlannerService) planRequestURL() string {
	params := url.Values{}
	params.Set("instanceId", s.deploymentProperties.InstanceID)
	params.Set("region", s.deploymentProperties.Region)
	params.Set("vendor", s.deploymentProperties.Vendor)
	return s.properties.PlanEndpoint + "?" + params.Encode()
}
