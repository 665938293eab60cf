package deals

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/prebid/pg-engine/deals/lineitem"
	"github.com/prebid/pg-engine/deals/proto/report"
	"github.com/prebid/pg-engine/errortypes"
	"github.com/prebid/pg-engine/metrics"
	"github.com/prebid/pg-engine/util/httputil"
	"github.com/prebid/pg-engine/util/timeutil"
)

const (
	pgTrxIDHeader             = "pg-trx-id"
	deliveryStatsServiceAlert = "pg-delivery-stats-client-error"
	deliveryStatsServiceName  = "deliveryStats"
)

// DeliveryStatsProperties configures delivery of progress reports.
type DeliveryStatsProperties struct {
	Endpoint                  string
	Username                  string
	Password                  string
	LineItemsPerReport        int
	ReportsInterval           time.Duration
	BatchesInterval           time.Duration
	CachedReportsNumber       int
	Timeout                   time.Duration
	RequestCompressionEnabled bool
}

// DeliveryStatsService queues sealed window report batches and pushes
// them to the delivery statistics service in window order. Batches that
// fail to send stay queued for the next attempt, bounded by the cache
// limit which drops the oldest windows first.
type DeliveryStatsService struct {
	properties    DeliveryStatsProperties
	reportFactory *DeliveryProgressReportFactory
	alertService  *AlertService
	httpClient    *http.Client
	metrics       metrics.MetricsEngine
	clock         timeutil.Time

	basicAuthHeader string
	suspended       atomic.Bool

	mu              sync.Mutex
	requiredBatches []*DeliveryProgressReportBatch
}

func NewDeliveryStatsService(
	properties DeliveryStatsProperties,
	reportFactory *DeliveryProgressReportFactory,
	alertService *AlertService,
	httpClient *http.Client,
	metricsEngine metrics.MetricsEngine,
	clock timeutil.Time,
) *DeliveryStatsService {

	return &DeliveryStatsService{
		properties:      properties,
		reportFactory:   reportFactory,
		alertService:    alertService,
		httpClient:      httpClient,
		metrics:         metricsEngine,
		clock:           clock,
		basicAuthHeader: httputil.BasicAuthHeader(properties.Username, properties.Password),
	}
}

// Suspend stops any further report delivery. Used when the planner
// rejects this instance during registration.
func (s *DeliveryStatsService) Suspend() {
	s.suspended.Store(true)
}

// Resume re-enables report delivery after a suspension.
func (s *DeliveryStatsService) Resume() {
	s.suspended.Store(false)
}

// AddDeliveryProgress queues a sealed window for delivery.
func (s *DeliveryStatsService) AddDeliveryProgress(
	progress *lineitem.DeliveryProgress,
	overallStatuses map[string]*lineitem.LineItemStatus,
) {
	batch := s.reportFactory.BatchFromDeliveryProgress(progress, overallStatuses, s.properties.LineItemsPerReport)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requiredBatches = append(s.requiredBatches, batch)
	sort.SliceStable(s.requiredBatches, func(i, j int) bool {
		return s.requiredBatches[i].DataWindowEndTimeStamp < s.requiredBatches[j].DataWindowEndTimeStamp
	})
}

// SendDeliveryProgressReports drains the batch queue oldest window first.
// Delivery stops at the first failure so windows always arrive in order.
func (s *DeliveryStatsService) SendDeliveryProgressReports(ctx context.Context) {
	if s.suspended.Load() {
		glog.Warning("Report will not be sent, as service was suspended from register response")
		return
	}

	s.mu.Lock()
	pending := make([]*DeliveryProgressReportBatch, len(s.requiredBatches))
	copy(pending, s.requiredBatches)
	s.mu.Unlock()

	now := s.clock.Now()
	sentBatches := 0
	var sendErr error
	for _, batch := range pending {
		if sendErr = s.sendBatch(ctx, batch, now); sendErr != nil {
			break
		}
		sentBatches++
		if s.properties.BatchesInterval > 0 && sentBatches < len(pending) {
			time.Sleep(s.properties.BatchesInterval)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sendErr == nil {
		// batches queued while sending was in flight stay behind for the next run
		s.requiredBatches = s.requiredBatches[len(pending):]
		s.alertService.ResetAlertCount(deliveryStatsServiceAlert)
		glog.Infof("%d report batches were successfully sent.", len(pending))
		return
	}

	glog.Warningf("Failed to send %d report batches, %d report batches left to send. Reason is: %s",
		len(pending), len(pending)-sentBatches, sendErr)
	s.alertService.AlertWithPeriod(deliveryStatsServiceName, deliveryStatsServiceAlert, AlertPriorityMedium,
		fmt.Sprintf("Report was not send to delivery stats service with a reason: %s", sendErr))
	s.requiredBatches = s.requiredBatches[sentBatches:]
	for len(s.requiredBatches) > s.properties.CachedReportsNumber {
		s.requiredBatches = s.requiredBatches[1:]
	}
}

func (s *DeliveryStatsService) sendBatch(ctx context.Context, batch *DeliveryProgressReportBatch, now time.Time) error {
	sentReports := 0
	for _, batchReport := range batch.Reports {
		if err := s.sendReport(ctx, batchReport, now); err != nil {
			glog.Warningf("Failed to sent batch of reports with reports id = %s end time windows = %s. %d out of %d were sent.",
				batch.ReportID, batch.DataWindowEndTimeStamp, sentReports, len(batch.Reports))
			batch.RemoveSentReports(sentReports)
			return err
		}
		sentReports++
		if s.properties.ReportsInterval > 0 && sentReports < len(batch.Reports) {
			time.Sleep(s.properties.ReportsInterval)
		}
	}

	glog.Infof("Batch of reports with reports id = %s, end time window = %s and size %d was successfully sent",
		batch.ReportID, batch.DataWindowEndTimeStamp, len(batch.Reports))
	return nil
}

func (s *DeliveryStatsService) sendReport(ctx context.Context, progressReport report.DeliveryProgressReport, now time.Time) error {
	if s.suspended.Load() {
		glog.Warning("Report will not be sent, as service was suspended from register response")
		return nil
	}

	progressReport.ReportTimeStamp = formatTimeStamp(now)
	body, err := json.Marshal(progressReport)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery progress report: %w", err)
	}

	trxID := newReportID()
	glog.Infof("Sending delivery progress report to Delivery Stats, %s is %s", pgTrxIDHeader, trxID)

	requestCtx, cancel := context.WithTimeout(ctx, s.properties.Timeout)
	defer cancel()

	payload := body
	if s.properties.RequestCompressionEnabled {
		if payload, err = gzipBody(body); err != nil {
			return err
		}
	}

	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, s.properties.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", s.basicAuthHeader)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(pgTrxIDHeader, trxID)
	if s.properties.RequestCompressionEnabled {
		request.Header.Set("Content-Encoding", "gzip")
	}

	startTime := s.clock.Now()
	response, err := s.httpClient.Do(request)
	s.metrics.RecordExternalServiceRequest(metrics.ServiceDeliveryStats, err == nil, s.clock.Now().Sub(startTime))
	if err != nil {
		glog.Warningf("Cannot send delivery progress report to delivery stats service: %s", err)
		return fmt.Errorf("sending report with id = %s failed in a reason: %s", progressReport.ReportID, err)
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusOK:
		glog.Infof("Delivery progress report with %d line items and id = %s was successfully sent to delivery stats service",
			len(progressReport.LineItemStatus), progressReport.ReportID)
		return nil
	case http.StatusConflict:
		glog.Infof("Delivery stats service respond with 409 duplicated, report with %d line items and id = %s"+
			" was already delivered before and will be removed from from delivery queue",
			len(progressReport.LineItemStatus), progressReport.ReportID)
		return nil
	default:
		glog.Warningf("HTTP status code %d", response.StatusCode)
		return &errortypes.BadServerResponse{
			Message: fmt.Sprintf("Delivery stats service responded with status code = %d for report with id = %s",
				response.StatusCode, progressReport.ReportID),
		}
	}
}

func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(body); err != nil {
		return nil, fmt.Errorf("failed to gzip request with a reason : %s", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to gzip request with a reason : %s", err)
	}
	return buf.Bytes(), nil
}
