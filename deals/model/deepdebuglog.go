package model

import (
	"sync"
	"time"

	"github.com/prebid/pg-engine/util/timeutil"
)

// Category labels a deep debug trace entry with the matching stage that
// produced it.
type Category string

const (
	CategoryTargeting      Category = "targeting"
	CategoryPacing         Category = "pacing"
	CategoryCleanup        Category = "cleanup"
	CategoryPostProcessing Category = "post-processing"
)

// TraceEntry is one human-readable decision record for a line item.
type TraceEntry struct {
	LineItemID string    `json:"lineitemid,omitempty"`
	Time       time.Time `json:"time"`
	Category   Category  `json:"category"`
	Message    string    `json:"message"`
}

// DeepDebugLog collects per-auction trace entries when tracing was enabled
// for the auction. Message construction is deferred behind a supplier so
// disabled auctions pay nothing for formatting.
type DeepDebugLog struct {
	enabled bool
	clock   timeutil.Time

	mu      sync.Mutex
	entries []TraceEntry
}

func NewDeepDebugLog(enabled bool, clock timeutil.Time) *DeepDebugLog {
	return &DeepDebugLog{enabled: enabled, clock: clock}
}

func (d *DeepDebugLog) Enabled() bool {
	return d != nil && d.enabled
}

func (d *DeepDebugLog) Add(lineItemID string, category Category, message func() string) {
	if !d.Enabled() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries = append(d.entries, TraceEntry{
		LineItemID: lineItemID,
		Time:       d.clock.Now(),
		Category:   category,
		Message:    message(),
	})
}

func (d *DeepDebugLog) Entries() []TraceEntry {
	if d == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]TraceEntry, len(d.entries))
	copy(out, d.entries)
	return out
}
