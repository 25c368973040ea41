// Package system provides the wall clock used by the scheduler.
package system

import "time"

// Clock reports UTC wall time. It satisfies crawler.Clock.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since reports the elapsed time from start.
func (c Clock) Since(start time.Time) time.Duration {
	return c.Now().Sub(start)
}
