package deals

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/prebid/pg-engine/deals/model"
	"github.com/prebid/pg-engine/util/timeutil"
)

// TracerService holds the deep debug toggle set from the admin endpoint.
// At most one trace criteria is active at a time; it expires on its own
// after the requested duration.
type TracerService struct {
	maxDuration time.Duration
	clock       timeutil.Time

	mu         sync.Mutex
	accountID  string
	lineItemID string
	expiresAt  time.Time
}

func NewTracerService(maxDuration time.Duration, clock timeutil.Time) *TracerService {
	return &TracerService{maxDuration: maxDuration, clock: clock}
}

// Start enables tracing for the given duration. Empty accountID and
// lineItemID trace every auction.
func (s *TracerService) Start(accountID, lineItemID string, duration time.Duration) error {
	if duration <= 0 {
		return fmt.Errorf("tracer duration must be positive")
	}
	if duration > s.maxDuration {
		return fmt.Errorf("tracer duration exceeds the maximum of %s", s.maxDuration)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accountID = accountID
	s.lineItemID = lineItemID
	s.expiresAt = s.clock.Now().Add(duration)
	return nil
}

func (s *TracerService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expiresAt = time.Time{}
}

// TraceFor reports whether auctions for the account should carry a deep
// debug log right now.
func (s *TracerService) TraceFor(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expiresAt.IsZero() || s.clock.Now().After(s.expiresAt) {
		return false
	}
	return s.accountID == "" || s.accountID == accountID
}

// NewDeepDebugLog builds the per-auction trace sink, enabled when the
// account matches the active criteria.
func (s *TracerService) NewDeepDebugLog(accountID string) *model.DeepDebugLog {
	return model.NewDeepDebugLog(s.TraceFor(accountID), s.clock)
}

// LogEntries writes collected trace entries to the operational log,
// narrowed to the traced line item when one was named.
func (s *TracerService) LogEntries(deepDebugLog *model.DeepDebugLog) {
	if !deepDebugLog.Enabled() {
		return
	}

	s.mu.Lock()
	lineItemID := s.lineItemID
	s.mu.Unlock()

	for _, entry := range deepDebugLog.Entries() {
		if lineItemID != "" && entry.LineItemID != "" && entry.LineItemID != lineItemID {
			continue
		}
		glog.Infof("Deals trace [%s] line item %s: %s", entry.Category, entry.LineItemID, entry.Message)
	}
}
