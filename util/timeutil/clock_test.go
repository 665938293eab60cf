package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealTimeNow(t *testing.T) {
	clock := &RealTime{}

	before := time.Now()
	now := clock.Now()
	after := time.Now()

	assert.False(t, now.Before(before))
	assert.False(t, now.After(after))
}

func TestMockClockAdvance(t *testing.T) {
	start := time.Date(2019, 7, 26, 9, 0, 0, 0, time.UTC)
	clock := NewMockClockAt(start)

	assert.Equal(t, start, clock.Now())

	clock.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), clock.Now())
}
