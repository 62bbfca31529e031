package modbot

import "time"

// Clock is the source of time for token expiry and the trivia schedule
type Clock interface {
	Now() time.Time

	// After waits for the duration to elapse and then sends the
	// current time on the returned channel
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// SystemClock returns a Clock backed by the time package
func SystemClock() Clock {
	return realClock{}
}
