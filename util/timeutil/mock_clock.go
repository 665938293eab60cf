// parts copied from: https://github.com/efritz/glock

package timeutil

import (
	"sync"
	"time"
)

// MockClock is a Time implementation holding a fixed instant that tests
// advance manually, for code that depends on timeouts or pacing windows.
type MockClock struct {
	fakeTime time.Time
	nowLock  sync.RWMutex
}

var _ Time = &MockClock{}

// NewMockClock creates a new MockClock with the internal time set
// to time.Now()
func NewMockClock() *MockClock {
	return NewMockClockAt(time.Now())
}

// NewMockClockAt creates a new MockClock with the internal time set
// to the provided time.
func NewMockClockAt(now time.Time) *MockClock {
	return &MockClock{
		fakeTime: now,
	}
}

// Advance moves the internal time forward by the supplied duration.
func (mc *MockClock) Advance(duration time.Duration) {
	mc.nowLock.Lock()
	mc.fakeTime = mc.fakeTime.Add(duration)
	mc.nowLock.Unlock()
}

// Now returns the current time internal to the MockClock
func (mc *MockClock) Now() time.Time {
	mc.nowLock.RLock()
	defer mc.nowLock.RUnlock()

	return mc.fakeTime
}
