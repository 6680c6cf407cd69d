package tern

import "time"

// clock abstracts wall time and timer scheduling so timer-driven behavior
// (typing expiry, receipt flush windows, buffer GC) is testable without
// real sleeps.
type clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) timer
}

// timer is the cancellable handle returned by AfterFunc.
type timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) timer {
	return time.AfterFunc(d, fn)
}
