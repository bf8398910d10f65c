// Package connectivity tracks whether the remote store is reachable.
//
// The state moves Online -> Offline only on an explicit offline signal from
// the host platform. It moves Offline -> Online on the matching online
// signal, or when a periodic reachability probe succeeds, because platform
// signals do not always reflect whether the server can actually be reached.
package connectivity

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/calvinalkan/tasksync/internal/clock"
)

// DefaultProbeInterval is how often an offline monitor probes.
const DefaultProbeInterval = 10 * time.Second

// State is the connectivity state.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}

	return "offline"
}

// Cause values carried by a [Transition].
const (
	CauseSignal = "signal"
	CauseProbe  = "probe"
)

// Transition is emitted on every state change.
type Transition struct {
	From  State
	To    State
	Cause string
	At    time.Time
}

// Options configures a [Monitor].
type Options struct {
	Clock clock.Clock
	// Prober checks reachability while offline. Nil disables probing.
	Prober Prober
	// Interval between probes. Zero means [DefaultProbeInterval].
	Interval time.Duration
	// Initial state. The zero value starts offline.
	Initial State
	Logger  *slog.Logger
}

// Monitor holds the current state and fans transitions out to listeners.
type Monitor struct {
	clock    clock.Clock
	prober   Prober
	interval time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	state     State
	listeners []*transitionListener
}

type transitionListener struct {
	fn func(Transition)
}

// New returns a monitor. Clock is required.
func New(opts Options) *Monitor {
	if opts.Clock == nil {
		panic("clock is nil")
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Monitor{
		clock:    opts.Clock,
		prober:   opts.Prober,
		interval: interval,
		log:      log,
		state:    opts.Initial,
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Online reports whether the monitor is online.
func (m *Monitor) Online() bool {
	return m.State() == Online
}

// OnTransition registers fn for every state change. fn runs on the goroutine
// that caused the change, after the state is updated. The returned func
// unregisters it.
func (m *Monitor) OnTransition(fn func(Transition)) func() {
	l := &transitionListener{fn: fn}

	m.mu.Lock()
	m.listeners = append(slices.Clone(m.listeners), l)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		m.listeners = slices.DeleteFunc(slices.Clone(m.listeners), func(c *transitionListener) bool { return c == l })
	}
}

// SignalOffline records a platform offline event.
func (m *Monitor) SignalOffline() {
	m.set(Offline, CauseSignal)
}

// SignalOnline records a platform online event.
func (m *Monitor) SignalOnline() {
	m.set(Online, CauseSignal)
}

// Probe runs one reachability check if the monitor is offline and goes
// online when it succeeds. It reports whether the monitor is online
// afterwards.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.Online() {
		return true
	}

	if m.prober == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	err := m.prober.Probe(ctx)
	if err != nil {
		m.log.Debug("reachability probe failed", "err", err)

		return false
	}

	// The offline state only ends through set, so a signal that raced the
	// probe and already went online produces no second transition.
	m.set(Online, CauseProbe)

	return true
}

// Run probes every interval while offline until ctx is done. It returns nil
// on cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			m.Probe(ctx)
		}
	}
}

func (m *Monitor) set(to State, cause string) {
	m.mu.Lock()

	from := m.state
	if from == to {
		m.mu.Unlock()

		return
	}

	m.state = to
	tr := Transition{From: from, To: to, Cause: cause, At: m.clock.Now()}
	listeners := m.listeners
	m.mu.Unlock()

	m.log.Info("connectivity changed", "from", from.String(), "to", to.String(), "cause", cause)

	for _, l := range listeners {
		l.fn(tr)
	}
}
