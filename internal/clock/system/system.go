// Package system provides the wall-clock implementation of engine.Clock.
package system

import "time"

// Clock returns the real current time in UTC.
type Clock struct{}

// New constructs a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (c *Clock) Now() time.Time {
	return time.Now().UTC()
}
