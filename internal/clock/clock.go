// Package clock abstracts time so retry delays, probe intervals, and
// timestamps can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package the sync layer depends on.
type Clock interface {
	Now() time.Time

	// After behaves like [time.After].
	After(d time.Duration) <-chan time.Time

	// NewTicker behaves like [time.NewTicker].
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of [time.Ticker] used by callers.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real implements [Clock] with the time package.
type Real struct{}

// NewReal returns the wall clock.
func NewReal() Real {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (Real) NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }

func (r realTicker) Stop() { r.t.Stop() }

var _ Clock = Real{}
