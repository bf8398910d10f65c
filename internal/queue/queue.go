// Package queue persists locally issued mutations and replays them against
// the remote store.
//
// Mutations are replayed in enqueue order. A mutation that stays queued
// after a failure blocks later mutations for the same target until the next
// pass, which keeps remote application FIFO per target. Transient failures
// count against the mutation's retry budget; terminal failures and spent
// budgets drop the mutation and record a [Failure]. Optimistic local state
// is never rolled back here.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/tasksync/internal/alias"
	"github.com/calvinalkan/tasksync/internal/clock"
	"github.com/calvinalkan/tasksync/internal/entity"
	"github.com/calvinalkan/tasksync/internal/mutation"
	"github.com/calvinalkan/tasksync/internal/remote"
)

// DefaultFailureRetention is how many failure reports are kept.
const DefaultFailureRetention = 50

var (
	// ErrDependencyFailed is reported for a mutation dropped because the
	// create it depended on was dropped.
	ErrDependencyFailed = errors.New("depends on a failed create")

	// ErrExhausted wraps the last error of a mutation that spent its budget.
	ErrExhausted = errors.New("retry budget exhausted")
)

// EventKind classifies a queue [Event].
type EventKind string

const (
	EventAcked  EventKind = "acked"
	EventRetry  EventKind = "retry"
	EventFailed EventKind = "failed"
)

// Event reports the outcome of one remote attempt.
type Event struct {
	Kind     EventKind
	Mutation mutation.Mutation
	// RemoteID is the server id assigned by an acknowledged create.
	RemoteID string
	Err      error
	At       time.Time
}

// Failure is a permanently dropped mutation.
type Failure struct {
	Mutation mutation.Mutation
	Err      error
	At       time.Time
}

// Options configures a [Queue].
type Options struct {
	Log    Log
	Remote remote.Mutator
	Clock  clock.Clock
	// Online gates flushing. Nil means always online.
	Online func() bool
	Logger *slog.Logger
	// FailureRetention caps [Queue.Failures]. Zero means
	// [DefaultFailureRetention].
	FailureRetention int
	// AliasRetention caps how many acknowledged creates are remembered for
	// resolving provisional ids enqueued late. Zero means
	// [alias.DefaultRetention].
	AliasRetention int
}

// Queue replays a [Log] against a [remote.Mutator].
type Queue struct {
	log    Log
	remote remote.Mutator
	clock  clock.Clock
	online func() bool
	logger *slog.Logger

	retention int
	kick      chan struct{}
	passes    atomic.Uint64

	// flushMu serializes passes with each other and with Clear.
	flushMu sync.Mutex

	mu        sync.Mutex
	failures  []Failure
	listeners []*eventListener
	aliases   *alias.Table
}

type eventListener struct {
	fn func(Event)
}

// New returns a queue. Log, Remote and Clock are required.
func New(opts Options) *Queue {
	if opts.Log == nil {
		panic("log is nil")
	}

	if opts.Remote == nil {
		panic("remote is nil")
	}

	if opts.Clock == nil {
		panic("clock is nil")
	}

	online := opts.Online
	if online == nil {
		online = func() bool { return true }
	}

	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}

	retention := opts.FailureRetention
	if retention <= 0 {
		retention = DefaultFailureRetention
	}

	return &Queue{
		log:       opts.Log,
		remote:    opts.Remote,
		clock:     opts.Clock,
		online:    online,
		logger:    logger,
		retention: retention,
		kick:      make(chan struct{}, 1),
		aliases:   alias.New(opts.AliasRetention),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OnEvent registers fn for every attempt outcome. fn runs on the flushing
// goroutine. The returned func unregisters it.
func (q *Queue) OnEvent(fn func(Event)) func() {
	l := &eventListener{fn: fn}

	q.mu.Lock()
	q.listeners = append(slices.Clone(q.listeners), l)
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		q.listeners = slices.DeleteFunc(slices.Clone(q.listeners), func(c *eventListener) bool { return c == l })
	}
}

// Enqueue validates m and appends it to the durable log. Enqueuing an id
// that is already queued returns [ErrDuplicate] and changes nothing. When
// online, a flush is requested.
func (q *Queue) Enqueue(m mutation.Mutation) error {
	if m.MaxAttempts == 0 {
		m.MaxAttempts = mutation.DefaultMaxAttempts
	}

	if m.Kind != mutation.KindCreate {
		m.TargetID = q.resolve(m.TargetID)
	}

	err := m.Validate()
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	err = q.log.Append(m)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	q.logger.Debug("mutation enqueued", "id", m.ID, "kind", string(m.Kind), "target", m.Target())

	if q.online() {
		q.Kick()
	}

	return nil
}

// Kick requests a flush from [Queue.Run]. Requests made while one is
// already pending collapse into it.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Run flushes on every [Queue.Kick] until ctx is done. Flush errors are
// logged; the mutations stay queued for the next kick. It returns nil on
// cancellation.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.kick:
			err := q.Flush(ctx)
			if err != nil && ctx.Err() == nil {
				q.logger.Warn("flush failed", "err", err)
			}
		}
	}
}

// Passes returns how many flush passes ran.
func (q *Queue) Passes() uint64 {
	return q.passes.Load()
}

// Pending returns the queued mutations in replay order.
func (q *Queue) Pending() ([]mutation.Mutation, error) {
	return q.log.List()
}

// Len returns the number of queued mutations.
func (q *Queue) Len() (int, error) {
	pending, err := q.log.List()
	if err != nil {
		return 0, err
	}

	return len(pending), nil
}

// Failures returns the retained failure reports, oldest first.
func (q *Queue) Failures() []Failure {
	q.mu.Lock()
	defer q.mu.Unlock()

	return slices.Clone(q.failures)
}

// Clear drops every queued mutation without replaying it. It waits for an
// in-flight pass to finish.
func (q *Queue) Clear() error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	err := q.log.Clear()
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	return nil
}

// Drop removes one queued mutation without replaying it.
func (q *Queue) Drop(id string) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	err := q.log.Remove(id)
	if err != nil {
		return fmt.Errorf("drop: %w", err)
	}

	return nil
}

// Flush runs one pass over the log in enqueue order. Mutations enqueued
// while the pass runs are attempted by it if they are reached. A pass that
// finds the queue offline does nothing.
//
// Flush returns an error only when the log fails or ctx ends; remote
// failures are handled per mutation.
func (q *Queue) Flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	if !q.online() {
		return nil
	}

	q.passes.Add(1)

	seen := make(map[string]bool)
	blocked := make(map[string]bool)

	for {
		err := ctx.Err()
		if err != nil {
			return fmt.Errorf("flush: %w", err)
		}

		if !q.online() {
			q.logger.Info("went offline during flush")

			return nil
		}

		pending, err := q.log.List()
		if err != nil {
			return fmt.Errorf("flush: %w", err)
		}

		i := slices.IndexFunc(pending, func(m mutation.Mutation) bool { return !seen[m.ID] })
		if i < 0 {
			return nil
		}

		m := pending[i]
		seen[m.ID] = true

		if blocked[m.Target()] {
			continue
		}

		stayed, err := q.attempt(ctx, m)
		if err != nil {
			return fmt.Errorf("flush: %w", err)
		}

		if stayed {
			blocked[m.Target()] = true
		}
	}
}

// attempt replays m once. It reports whether m is still queued.
func (q *Queue) attempt(ctx context.Context, m mutation.Mutation) (bool, error) {
	if m.Kind != mutation.KindCreate && entity.IsLocalID(m.TargetID) {
		resolved := q.resolve(m.TargetID)
		if resolved == m.TargetID {
			queued, err := q.createQueued(m.TargetID)
			if err != nil {
				return true, err
			}

			if queued {
				return true, nil
			}

			// The create that would have resolved this id is gone.
			return false, q.drop(m, fmt.Errorf("%w: %s", ErrDependencyFailed, m.TargetID))
		}

		// Appended after its create was acknowledged and retargeted.
		m.TargetID = resolved

		err := q.log.Update(m)
		if err != nil {
			return true, err
		}
	}

	remoteID, err := q.call(ctx, m)
	if err != nil && ctx.Err() != nil {
		// Cancelled mid-call: the outcome is unknown, so the attempt is
		// not counted. The idempotency key makes the replay safe.
		return true, ctx.Err()
	}

	if err == nil {
		return false, q.ack(m, remoteID)
	}

	m.Attempts++
	m.LastError = err.Error()

	if !remote.IsRetryable(err) {
		return false, q.drop(m, err)
	}

	if m.Exhausted() {
		return false, q.drop(m, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, m.Attempts, err))
	}

	updateErr := q.log.Update(m)
	if updateErr != nil {
		return true, updateErr
	}

	q.logger.Info("mutation will be retried", "id", m.ID, "attempts", m.Attempts, "max", m.MaxAttempts, "err", err)
	q.emit(Event{Kind: EventRetry, Mutation: m, Err: err, At: q.clock.Now()})

	return true, nil
}

func (q *Queue) call(ctx context.Context, m mutation.Mutation) (string, error) {
	opts := remote.WriteOptions{IdempotencyKey: m.ID}

	switch m.Kind {
	case mutation.KindCreate:
		doc := entity.New("", m.Scope, m.Payload, m.EnqueuedAt)

		return q.remote.Create(ctx, m.Collection, doc, opts)
	case mutation.KindUpdate:
		return m.TargetID, q.remote.Update(ctx, m.Collection, m.TargetID, m.Payload, opts)
	case mutation.KindDelete:
		return m.TargetID, q.remote.Delete(ctx, m.Collection, m.TargetID, opts)
	default:
		return "", remote.NewError(remote.CodeInvalidArgument, fmt.Sprintf("unknown mutation kind %q", m.Kind))
	}
}

// ack removes m. For a create, later mutations are pointed at the server
// id in the log before the create itself is removed: if the process stops
// in between, the create is replayed under the same idempotency key, gets
// the same server id back, and the retarget completes.
func (q *Queue) ack(m mutation.Mutation, remoteID string) error {
	if m.Kind == mutation.KindCreate {
		q.mu.Lock()
		q.aliases.Set(m.LocalID, remoteID)
		q.mu.Unlock()

		err := q.retarget(m.LocalID, remoteID)
		if err != nil {
			return err
		}
	}

	err := q.log.Remove(m.ID)
	if err != nil {
		return err
	}

	q.logger.Debug("mutation acknowledged", "id", m.ID, "kind", string(m.Kind), "remote_id", remoteID)
	q.emit(Event{Kind: EventAcked, Mutation: m, RemoteID: remoteID, At: q.clock.Now()})

	return nil
}

// resolve maps a provisional id to the server id its create was
// acknowledged with. Other ids are returned unchanged.
func (q *Queue) resolve(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.aliases.Resolve(id)
}

// createQueued reports whether the create for localID is still in the log.
func (q *Queue) createQueued(localID string) (bool, error) {
	pending, err := q.log.List()
	if err != nil {
		return false, err
	}

	return slices.ContainsFunc(pending, func(p mutation.Mutation) bool {
		return p.Kind == mutation.KindCreate && p.LocalID == localID
	}), nil
}

func (q *Queue) retarget(localID, remoteID string) error {
	pending, err := q.log.List()
	if err != nil {
		return err
	}

	for _, p := range pending {
		if p.Kind == mutation.KindCreate || p.TargetID != localID {
			continue
		}

		p.TargetID = remoteID

		err = q.log.Update(p)
		if err != nil {
			return err
		}
	}

	return nil
}

// drop removes m permanently and reports it. Dropping a create also drops
// every queued mutation that targets its provisional id.
func (q *Queue) drop(m mutation.Mutation, cause error) error {
	err := q.log.Remove(m.ID)
	if err != nil {
		return err
	}

	q.fail(m, cause)

	if m.Kind != mutation.KindCreate {
		return nil
	}

	pending, err := q.log.List()
	if err != nil {
		return err
	}

	for _, p := range pending {
		if p.TargetID != m.LocalID {
			continue
		}

		err = q.log.Remove(p.ID)
		if err != nil {
			return err
		}

		q.fail(p, fmt.Errorf("%w: %s", ErrDependencyFailed, m.LocalID))
	}

	return nil
}

func (q *Queue) fail(m mutation.Mutation, cause error) {
	now := q.clock.Now()

	q.mu.Lock()
	q.failures = append(q.failures, Failure{Mutation: m, Err: cause, At: now})

	if over := len(q.failures) - q.retention; over > 0 {
		q.failures = slices.Delete(q.failures, 0, over)
	}
	q.mu.Unlock()

	q.logger.Warn("mutation dropped", "id", m.ID, "kind", string(m.Kind), "target", m.Target(), "attempts", m.Attempts, "err", cause)
	q.emit(Event{Kind: EventFailed, Mutation: m, Err: cause, At: now})
}

func (q *Queue) emit(ev Event) {
	q.mu.Lock()
	listeners := q.listeners
	q.mu.Unlock()

	for _, l := range listeners {
		l.fn(ev)
	}
}
