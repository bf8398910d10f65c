package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced [Clock]. Timers and tickers fire only when
// [Fake.Advance] moves the clock past their deadline.
//
// Fake is safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	armed   chan struct{}
}

type fakeWaiter struct {
	deadline time.Time
	period   time.Duration // zero for one-shot timers
	ch       chan time.Time
}

// NewFake returns a fake clock initialized to a fixed UTC start time.
func NewFake() *Fake {
	return &Fake{
		now:   time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		armed: make(chan struct{}, 1),
	}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := &fakeWaiter{deadline: f.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		w.ch <- f.now

		return w.ch
	}

	f.waiters = append(f.waiters, w)
	f.signalArmed()

	return w.ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("non-positive interval for NewTicker")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	w := &fakeWaiter{deadline: f.now.Add(d), period: d, ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	f.signalArmed()

	return &fakeTicker{clock: f, w: w}
}

// Advance moves the clock forward by d and fires every timer or ticker whose
// deadline was reached, in deadline order. Ticker channels hold at most one
// pending tick, like [time.Ticker].
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.now.Add(d)

	for {
		sort.SliceStable(f.waiters, func(i, j int) bool {
			return f.waiters[i].deadline.Before(f.waiters[j].deadline)
		})

		if len(f.waiters) == 0 || f.waiters[0].deadline.After(target) {
			break
		}

		w := f.waiters[0]
		f.now = w.deadline

		select {
		case w.ch <- w.deadline:
		default:
		}

		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)

			continue
		}

		f.waiters = f.waiters[1:]
	}

	f.now = target
}

// Armed returns a channel that receives whenever a new timer or ticker is
// created. Tests use it to wait until a goroutine is parked on the clock
// before calling [Fake.Advance].
func (f *Fake) Armed() <-chan struct{} {
	return f.armed
}

// Pending reports how many timers and tickers are waiting to fire.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.waiters)
}

func (f *Fake) signalArmed() {
	select {
	case f.armed <- struct{}{}:
	default:
	}
}

func (f *Fake) remove(w *fakeWaiter) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, candidate := range f.waiters {
		if candidate == w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)

			return
		}
	}
}

type fakeTicker struct {
	clock *Fake
	w     *fakeWaiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.w.ch }

func (t *fakeTicker) Stop() { t.clock.remove(t.w) }

var _ Clock = (*Fake)(nil)
