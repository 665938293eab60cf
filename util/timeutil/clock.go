package timeutil

import (
	"time"
)

type Time interface {
	// Now returns the current time.
	Now() time.Time
}

// RealTime wraps the time package for direct use.
type RealTime struct{}

func (c *RealTime) Now() time.Time {
	return time.Now()
}
