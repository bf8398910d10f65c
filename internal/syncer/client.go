// Package syncer wires the entity store, mutation queue, change
// subscriptions and connectivity monitor of one scope into a client.
//
// Local intents are applied to the store optimistically and then persisted
// to the queue. If persisting fails the optimistic change is undone, so the
// store never shows a change that will not be replayed. Snapshots from the
// change feed replace the store contents as they arrive.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/tasksync/internal/clock"
	"github.com/calvinalkan/tasksync/internal/connectivity"
	"github.com/calvinalkan/tasksync/internal/entity"
	"github.com/calvinalkan/tasksync/internal/mutation"
	"github.com/calvinalkan/tasksync/internal/queue"
	"github.com/calvinalkan/tasksync/internal/remote"
	"github.com/calvinalkan/tasksync/internal/store"
	"github.com/calvinalkan/tasksync/internal/subscribe"
)

// DefaultCollection is the remote collection used when none is configured.
const DefaultCollection = "tasks"

var (
	// ErrClosed is returned after [Client.Close].
	ErrClosed = errors.New("client closed")

	// ErrScopeRequired is returned by [New] without a scope.
	ErrScopeRequired = errors.New("scope is required")
)

// Options configures a [Client].
type Options struct {
	Scope      string
	Collection string
	Remote     remote.Store
	Log        queue.Log
	Clock      clock.Clock
	Logger     *slog.Logger
	// Registerer receives the client's metrics. Nil skips registration.
	Registerer prometheus.Registerer

	// Prober checks reachability while offline. Nil disables probing.
	Prober        connectivity.Prober
	ProbeInterval time.Duration
	// Initial connectivity state. The zero value starts offline.
	Initial connectivity.State

	// MaxAttempts is the retry budget given to new mutations. Zero means
	// [mutation.DefaultMaxAttempts].
	MaxAttempts      int
	FailureRetention int
	// Subscription is the change-feed retry policy. The zero value means
	// [subscribe.DefaultPolicy].
	Subscription subscribe.RetryPolicy

	// OnSubscriptionError is called when a subscription gives up.
	OnSubscriptionError func(q remote.Query, err error)
	// OnFailure is called for every permanently dropped mutation.
	OnFailure func(queue.Failure)
}

// Client is the sync layer for one scope.
type Client struct {
	scope       string
	collection  string
	maxAttempts int
	clock       clock.Clock
	log         *slog.Logger

	store   *store.Store
	queue   *queue.Queue
	mlog    queue.Log
	monitor *connectivity.Monitor
	subs    *subscribe.Manager
	metrics *Metrics

	onSubError func(remote.Query, error)
	onFailure  func(queue.Failure)
	unregister []func()

	// mu serializes local intents so a mutation is in the store and the
	// log before the next intent is applied.
	mu      sync.Mutex
	handles []*subscribe.Handle
	closed  bool
}

// New builds a client. Remote, Log and Clock are required.
func New(opts Options) (*Client, error) {
	if opts.Scope == "" {
		return nil, ErrScopeRequired
	}

	if opts.Remote == nil {
		panic("remote is nil")
	}

	if opts.Log == nil {
		panic("log is nil")
	}

	if opts.Clock == nil {
		panic("clock is nil")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	logger = logger.With("scope", opts.Scope)

	collection := opts.Collection
	if collection == "" {
		collection = DefaultCollection
	}

	policy := opts.Subscription
	if policy.MaxRetries == 0 && policy.BaseDelay == 0 && policy.Retryable == nil {
		policy = subscribe.DefaultPolicy()
	}

	c := &Client{
		scope:       opts.Scope,
		collection:  collection,
		maxAttempts: opts.MaxAttempts,
		clock:       opts.Clock,
		log:         logger,
		store:       store.New(opts.Scope, opts.Clock),
		mlog:        opts.Log,
		onSubError:  opts.OnSubscriptionError,
		onFailure:   opts.OnFailure,
	}

	c.monitor = connectivity.New(connectivity.Options{
		Clock:    opts.Clock,
		Prober:   opts.Prober,
		Interval: opts.ProbeInterval,
		Initial:  opts.Initial,
		Logger:   logger,
	})

	c.queue = queue.New(queue.Options{
		Log:              opts.Log,
		Remote:           opts.Remote,
		Clock:            opts.Clock,
		Online:           c.monitor.Online,
		Logger:           logger,
		FailureRetention: opts.FailureRetention,
	})

	c.metrics = newMetrics(opts.Registerer, opts.Scope, c.queue, c.monitor.Online)

	c.subs = subscribe.NewManager(subscribe.Options{
		Subscriber: opts.Remote,
		Clock:      opts.Clock,
		Policy:     policy,
		Logger:     logger,
		OnRetry: func(remote.Query, int, error) {
			c.metrics.SubscriptionRetries.Inc()
		},
		OnExhausted: func(remote.Query, error) {
			c.metrics.SubscriptionExhausted.Inc()
		},
	})

	c.unregister = append(c.unregister,
		c.monitor.OnTransition(c.onTransition),
		c.queue.OnEvent(c.onEvent),
	)

	return c, nil
}

// Scope returns the partition this client syncs.
func (c *Client) Scope() string {
	return c.scope
}

// Store exposes the entity store for views and lookups.
func (c *Client) Store() *store.Store {
	return c.store
}

// Queue exposes the mutation queue.
func (c *Client) Queue() *queue.Queue {
	return c.queue
}

// Monitor exposes the connectivity monitor so the host can forward
// platform online/offline signals.
func (c *Client) Monitor() *connectivity.Monitor {
	return c.monitor
}

// Metrics returns the client's collectors.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Create inserts a provisional entity and queues its remote create. The
// returned entity carries the provisional id, which stays usable for
// Update and Delete after the server assigns the real one.
func (c *Client) Create(p entity.Patch) (entity.Entity, error) {
	m, err := mutation.NewCreate(c.collection, c.scope, p, c.clock.Now())
	if err != nil {
		return entity.Entity{}, fmt.Errorf("create: %w", err)
	}

	err = c.issue(m)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("create: %w", err)
	}

	e, _ := c.store.Get(m.LocalID)

	return e, nil
}

// Update patches id locally and queues the remote update.
func (c *Client) Update(id string, p entity.Patch) (entity.Entity, error) {
	m, err := mutation.NewUpdate(c.collection, c.scope, c.store.Canonical(id), p, c.clock.Now())
	if err != nil {
		return entity.Entity{}, fmt.Errorf("update %s: %w", id, err)
	}

	err = c.issue(m)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("update %s: %w", id, err)
	}

	e, _ := c.store.Get(m.TargetID)

	return e, nil
}

// Delete removes id locally and queues the remote delete.
func (c *Client) Delete(id string) error {
	m, err := mutation.NewDelete(c.collection, c.scope, c.store.Canonical(id), c.clock.Now())
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}

	err = c.issue(m)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}

	return nil
}

func (c *Client) issue(m mutation.Mutation) error {
	if c.maxAttempts > 0 {
		m.MaxAttempts = c.maxAttempts
	}

	err := m.Validate()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	prev, err := c.store.ApplyLocal(m)
	if err != nil {
		return err
	}

	err = c.queue.Enqueue(m)
	if err != nil {
		c.store.Restore(m.Target(), prev)
		c.log.Warn("optimistic change undone", "id", m.ID, "kind", string(m.Kind), "err", err)

		return err
	}

	return nil
}

// Subscribe starts the collection subscription for the client's scope.
// Every snapshot replaces the store contents.
func (c *Client) Subscribe(ctx context.Context) (*subscribe.Handle, error) {
	q := remote.Query{Collection: c.collection, Scope: c.scope}

	return c.subscribe(ctx, q)
}

// SubscribeDocument watches a single document. Its snapshots update or
// remove just that entity.
func (c *Client) SubscribeDocument(ctx context.Context, id string) (*subscribe.Handle, error) {
	q := remote.Query{Collection: c.collection, Scope: c.scope, DocumentID: c.store.Canonical(id)}

	return c.subscribe(ctx, q)
}

func (c *Client) subscribe(ctx context.Context, q remote.Query) (*subscribe.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	h, err := c.subs.Subscribe(ctx, q, c.onSnapshot, func(err error) {
		c.log.Warn("subscription stale", "query", q.String(), "err", err)

		if c.onSubError != nil {
			c.onSubError(q, err)
		}
	})
	if err != nil {
		return nil, err
	}

	c.handles = append(c.handles, h)

	return h, nil
}

func (c *Client) onSnapshot(s remote.Snapshot) {
	var err error

	switch s := s.(type) {
	case remote.CollectionSnapshot:
		err = c.store.ApplyRemote(s.Entities)
	case remote.DocumentSnapshot:
		err = c.store.ApplyRemoteDocument(s.ID, s.Entity)
	}

	if err != nil {
		// The store keeps its previous contents.
		c.log.Error("snapshot rejected", "err", err)
	}
}

// Stale reports whether any subscription gave up. The store then holds the
// last good snapshot plus local changes.
func (c *Client) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range c.handles {
		if h.Stale() {
			return true
		}
	}

	return false
}

// Refresh re-subscribes every stale subscription with a fresh retry budget.
func (c *Client) Refresh() error {
	c.mu.Lock()
	handles := c.handles
	c.mu.Unlock()

	var errs []error

	for _, h := range handles {
		if !h.Stale() {
			continue
		}

		err := h.Refresh()
		if err != nil && !errors.Is(err, subscribe.ErrClosed) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Project computes a view of the current entities.
func (c *Client) Project(f store.Filter, srt store.Sort) store.DerivedView {
	return c.store.Project(f, srt)
}

// Stats returns aggregate counters over the current entities.
func (c *Client) Stats() store.Stats {
	return c.store.Stats()
}

// Get returns the entity with id, following provisional id aliases.
func (c *Client) Get(id string) (entity.Entity, bool) {
	return c.store.Get(id)
}

// Failures returns the retained permanent failures, oldest first.
func (c *Client) Failures() []queue.Failure {
	return c.queue.Failures()
}

// Flush runs one replay pass now.
func (c *Client) Flush(ctx context.Context) error {
	return c.queue.Flush(ctx)
}

// Run drives connectivity probing and queue replay until ctx is done. A
// pass is started right away when the client is already online.
func (c *Client) Run(ctx context.Context) error {
	if c.monitor.Online() {
		c.queue.Kick()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.monitor.Run(ctx) })
	g.Go(func() error { return c.queue.Run(ctx) })

	return g.Wait()
}

// Close unsubscribes everything and closes the mutation log. Queued
// mutations stay in the log for the next process.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true
	c.handles = nil
	c.mu.Unlock()

	for _, fn := range c.unregister {
		fn()
	}

	c.subs.Close()

	err := c.mlog.Close()
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return nil
}

func (c *Client) onTransition(tr connectivity.Transition) {
	if tr.To == connectivity.Online {
		c.queue.Kick()
	}
}

func (c *Client) onEvent(ev queue.Event) {
	c.metrics.Results.WithLabelValues(string(ev.Kind)).Inc()

	switch ev.Kind {
	case queue.EventAcked:
		if ev.Mutation.Kind == mutation.KindCreate {
			c.store.Resolve(ev.Mutation.LocalID, ev.RemoteID)
		}
	case queue.EventFailed:
		if c.onFailure != nil {
			c.onFailure(queue.Failure{Mutation: ev.Mutation, Err: ev.Err, At: ev.At})
		}
	case queue.EventRetry:
	}
}
