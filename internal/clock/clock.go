// Package clock abstracts timers so the chat store's polls and typing
// expiries can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by the chat subsystem.
type Clock interface {
	Now() time.Time

	// After is equivalent to time.After.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can cancel
	// or reschedule the call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a scheduled callback.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop cancels the pending call. It returns false if the call already
// happened or the timer was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset reschedules the call to happen d from now, reviving a fired or
// stopped timer.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop, resetFunc: timer.Reset}
}
