// Package subscribe keeps remote change-feed subscriptions alive.
//
// A [Handle] owns at most one live remote listener. Transient failures are
// retried according to a [RetryPolicy] by a supervising goroutine that waits
// on an injectable clock; terminal failures and spent budgets are reported
// once through the error callback and leave the handle stale until
// [Handle.Refresh].
//
// Every listener is bound to a generation number. A delivery whose
// generation no longer matches the handle (because the handle was
// re-subscribed, refreshed, or closed) is discarded.
package subscribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/calvinalkan/tasksync/internal/clock"
	"github.com/calvinalkan/tasksync/internal/entity"
	"github.com/calvinalkan/tasksync/internal/remote"
)

// ErrClosed is returned by operations on an unsubscribed handle or a closed
// manager.
var ErrClosed = errors.New("subscription closed")

// DataFunc receives a [remote.CollectionSnapshot] or a
// [remote.DocumentSnapshot]. It never receives a [remote.SubscriptionError].
type DataFunc func(remote.Snapshot)

// ErrorFunc receives the error that ended a subscription.
type ErrorFunc func(error)

// Options configures a [Manager].
type Options struct {
	Subscriber remote.Subscriber
	Clock      clock.Clock
	Policy     RetryPolicy
	Logger     *slog.Logger

	// OnRetry runs before every re-subscription with the new retry count.
	OnRetry func(q remote.Query, retry int, err error)
	// OnExhausted runs when a handle gives up and turns stale.
	OnExhausted func(q remote.Query, err error)
}

// Manager creates and tracks subscription handles.
type Manager struct {
	sub    remote.Subscriber
	clock  clock.Clock
	policy RetryPolicy
	log    *slog.Logger

	onRetry     func(remote.Query, int, error)
	onExhausted func(remote.Query, error)

	mu      sync.Mutex
	handles map[*Handle]struct{}
	closed  bool
}

// NewManager returns a manager. Subscriber and Clock are required.
func NewManager(opts Options) *Manager {
	if opts.Subscriber == nil {
		panic("subscriber is nil")
	}

	if opts.Clock == nil {
		panic("clock is nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Manager{
		sub:         opts.Subscriber,
		clock:       opts.Clock,
		policy:      opts.Policy,
		log:         log,
		onRetry:     opts.OnRetry,
		onExhausted: opts.OnExhausted,
		handles:     make(map[*Handle]struct{}),
	}
}

// Subscribe starts watching q. onData is called for every snapshot in the
// order the transport delivers them; an empty collection arrives as an empty
// slice. onError is called at most once per failure streak, when the
// subscription stops being live. Either callback may be nil.
//
// ctx bounds listener establishment and retry waits. Cancelling it stops
// retrying but does not unsubscribe.
func (m *Manager) Subscribe(ctx context.Context, q remote.Query, onData DataFunc, onError ErrorFunc) (*Handle, error) {
	h := &Handle{
		m:       m,
		ctx:     ctx,
		query:   q,
		onData:  onData,
		onError: onError,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil, fmt.Errorf("subscribe %s: %w", q, ErrClosed)
	}

	m.handles[h] = struct{}{}
	m.mu.Unlock()

	h.mu.Lock()
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	h.attach(gen)

	return h, nil
}

// Len returns how many handles are open.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.handles)
}

// Close unsubscribes every handle. Later Subscribe calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true

	handles := make([]*Handle, 0, len(m.handles))
	for h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Unsubscribe()
	}
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.handles, h)
}

// Handle is one logical subscription.
type Handle struct {
	m       *Manager
	ctx     context.Context
	query   remote.Query
	onData  DataFunc
	onError ErrorFunc

	once sync.Once
	done chan struct{}

	// deliverMu serializes data callbacks, including those of listeners
	// from different generations.
	deliverMu sync.Mutex

	mu         sync.Mutex
	gen        uint64
	stop       func()
	retryCount int
	lastError  error
	stale      bool
	closed     bool
}

// Query returns what the handle watches.
func (h *Handle) Query() remote.Query {
	return h.query
}

// RetryCount returns the retries spent in the current failure streak. It
// resets after a snapshot is delivered.
func (h *Handle) RetryCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.retryCount
}

// LastError returns the most recent failure, or nil after a successful
// delivery.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.lastError
}

// Stale reports whether the handle has given up. Data already delivered
// remains valid but is no longer updated.
func (h *Handle) Stale() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.stale
}

// Unsubscribe stops the live listener and discards any delivery still in
// flight. A delivery already accepted by the generation check when
// Unsubscribe is called may still run its callback once; Unsubscribe does
// not wait for it, so it may be called from inside a callback. It is safe to
// call more than once.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.gen++
		stop := h.stop
		h.stop = nil
		close(h.done)
		h.mu.Unlock()

		if stop != nil {
			stop()
		}

		h.m.forget(h)
		h.m.log.Debug("unsubscribed", "query", h.query.String())
	})
}

// Refresh drops the current listener and subscribes again with a fresh
// retry budget. It is how a stale handle is brought back to life.
func (h *Handle) Refresh() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()

		return fmt.Errorf("refresh %s: %w", h.query, ErrClosed)
	}

	h.gen++
	gen := h.gen
	stop := h.stop
	h.stop = nil
	h.retryCount = 0
	h.lastError = nil
	h.stale = false
	h.mu.Unlock()

	if stop != nil {
		stop()
	}

	h.m.log.Info("subscription refreshed", "query", h.query.String())
	h.attach(gen)

	return nil
}

// attach opens a remote listener for generation gen. If the generation moved
// on while Listen was in flight the new listener is stopped right away.
func (h *Handle) attach(gen uint64) {
	if !h.current(gen) {
		return
	}

	stop, err := h.m.sub.Listen(h.ctx, h.query, func(s remote.Snapshot) {
		h.deliver(gen, s)
	})
	if err != nil {
		h.fail(gen, err)

		return
	}

	h.mu.Lock()
	if h.closed || h.gen != gen {
		h.mu.Unlock()
		stop()

		return
	}

	h.stop = stop
	h.mu.Unlock()
}

func (h *Handle) current(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return !h.closed && h.gen == gen
}

func (h *Handle) deliver(gen uint64, s remote.Snapshot) {
	switch snap := s.(type) {
	case remote.SubscriptionError:
		h.fail(gen, snap.Err)

		return
	case remote.CollectionSnapshot:
		if snap.Entities == nil {
			snap.Entities = []entity.Entity{}
		}

		s = snap
	}

	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	if h.closed || h.gen != gen {
		h.mu.Unlock()

		return
	}

	h.retryCount = 0
	h.lastError = nil
	h.stale = false
	h.mu.Unlock()

	if h.onData != nil {
		h.onData(s)
	}
}

// fail handles the end of generation gen's listener: either schedule a
// retry or give up and report.
func (h *Handle) fail(gen uint64, err error) {
	h.mu.Lock()
	if h.closed || h.gen != gen {
		h.mu.Unlock()

		return
	}

	stop := h.stop
	h.stop = nil
	h.lastError = err

	delay, retry := h.m.policy.Next(h.retryCount, err)
	if !retry {
		h.stale = true
		h.gen++
		h.mu.Unlock()

		if stop != nil {
			stop()
		}

		h.m.log.Warn("subscription stopped", "query", h.query.String(), "retries", h.RetryCount(), "err", err)

		if h.m.onExhausted != nil {
			h.m.onExhausted(h.query, err)
		}

		if h.onError != nil {
			h.onError(err)
		}

		return
	}

	h.retryCount++
	h.gen++
	next := h.gen
	retryCount := h.retryCount
	h.mu.Unlock()

	if stop != nil {
		stop()
	}

	h.m.log.Info("subscription retry scheduled", "query", h.query.String(), "retry", retryCount, "delay", delay, "err", err)

	if h.m.onRetry != nil {
		h.m.onRetry(h.query, retryCount, err)
	}

	go h.retryAfter(next, delay)
}

func (h *Handle) retryAfter(gen uint64, delay time.Duration) {
	select {
	case <-h.m.clock.After(delay):
	case <-h.done:
		return
	case <-h.ctx.Done():
		return
	}

	h.attach(gen)
}
