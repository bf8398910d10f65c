package remote

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/calvinalkan/tasksync/internal/clock"
	"github.com/calvinalkan/tasksync/internal/entity"
)

// Call records one write request received by [Memory].
type Call struct {
	Op         Op
	Collection string
	ID         string
	Key        string
	Applied    bool
	Err        error
}

// Fault is injected by a [FaultFunc]. A zero Fault injects nothing.
// With AfterApply set the write is applied before Err is returned, which
// simulates an acknowledgment lost on the way back to the client.
type Fault struct {
	Err        error
	AfterApply bool
}

// FaultFunc decides whether a write fails. attempt counts prior calls with
// the same op, collection, and id (0 for the first).
type FaultFunc func(op Op, collection, id string, attempt int) Fault

// Memory is an in-process [Store]. Writes honour idempotency keys and every
// change is pushed to matching listeners in commit order.
//
// Memory is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	clock     clock.Clock
	docs      map[string]map[string]entity.Entity
	keys      map[string]string
	calls     []Call
	attempts  map[string]int
	writes    int
	fault     FaultFunc
	listenErr func(q Query) error
	listeners map[int]*memListener
	nextID    int
}

// NewMemory returns an empty store using c for document timestamps.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		panic("clock is nil")
	}

	return &Memory{
		clock:     c,
		docs:      make(map[string]map[string]entity.Entity),
		keys:      make(map[string]string),
		attempts:  make(map[string]int),
		listeners: make(map[int]*memListener),
	}
}

// SetFault installs fn to inject write failures. Pass nil to clear.
func (m *Memory) SetFault(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fault = fn
}

// SetListenError makes Listen fail synchronously whenever fn returns non-nil.
func (m *Memory) SetListenError(fn func(q Query) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listenErr = fn
}

// Calls returns a copy of every write request received, in arrival order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.calls)
}

// Writes returns how many writes were actually applied.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.writes
}

// ActiveListeners returns how many listeners are registered.
func (m *Memory) ActiveListeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.listeners)
}

// Get returns a copy of a stored document.
func (m *Memory) Get(collection, id string) (entity.Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[collection][id]
	if !ok {
		return entity.Entity{}, false
	}

	return doc.Clone(), true
}

// Seed stores doc directly, bypassing faults and idempotency tracking.
func (m *Memory) Seed(collection string, doc entity.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(collection, doc)
	m.notifyLocked(collection)
}

// Break ends every listener matching q with err, as a dropped stream would.
func (m *Memory) Break(q Query, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, l := range m.listeners {
		if l.query != q {
			continue
		}

		l.push(SubscriptionError{Err: err})
		l.close()
		delete(m.listeners, id)
	}
}

func (m *Memory) Create(ctx context.Context, collection string, doc entity.Entity, opts WriteOptions) (string, error) {
	err := ctx.Err()
	if err != nil {
		return "", withContext(err, string(OpCreate), collection, "")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.replayed(opts.IdempotencyKey); ok {
		m.record(Call{Op: OpCreate, Collection: collection, ID: id, Key: opts.IdempotencyKey})

		return id, nil
	}

	fault := m.faultFor(OpCreate, collection, "")
	if fault.Err != nil && !fault.AfterApply {
		m.record(Call{Op: OpCreate, Collection: collection, Key: opts.IdempotencyKey, Err: fault.Err})

		return "", withContext(fault.Err, string(OpCreate), collection, "")
	}

	if strings.TrimSpace(doc.Title) == "" {
		err := &Error{Code: CodeInvalidArgument, Err: entity.ErrTitleRequired}
		m.record(Call{Op: OpCreate, Collection: collection, Key: opts.IdempotencyKey, Err: err})

		return "", withContext(err, string(OpCreate), collection, "")
	}

	now := m.clock.Now()
	doc = doc.Clone()
	doc.ID = strings.ToLower(ulid.Make().String())
	doc.Provisional = false
	doc.CreatedAt = now
	doc.UpdatedAt = now

	m.put(collection, doc)
	m.commit(opts.IdempotencyKey, doc.ID)
	m.record(Call{Op: OpCreate, Collection: collection, ID: doc.ID, Key: opts.IdempotencyKey, Applied: true, Err: fault.Err})
	m.notifyLocked(collection)

	if fault.Err != nil {
		return "", withContext(fault.Err, string(OpCreate), collection, doc.ID)
	}

	return doc.ID, nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, patch entity.Patch, opts WriteOptions) error {
	err := ctx.Err()
	if err != nil {
		return withContext(err, string(OpUpdate), collection, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.replayed(opts.IdempotencyKey); ok {
		m.record(Call{Op: OpUpdate, Collection: collection, ID: id, Key: opts.IdempotencyKey})

		return nil
	}

	fault := m.faultFor(OpUpdate, collection, id)
	if fault.Err != nil && !fault.AfterApply {
		m.record(Call{Op: OpUpdate, Collection: collection, ID: id, Key: opts.IdempotencyKey, Err: fault.Err})

		return withContext(fault.Err, string(OpUpdate), collection, id)
	}

	doc, ok := m.docs[collection][id]
	if !ok {
		err := NewError(CodeNotFound, "document not found")
		m.record(Call{Op: OpUpdate, Collection: collection, ID: id, Key: opts.IdempotencyKey, Err: err})

		return withContext(err, string(OpUpdate), collection, id)
	}

	verr := patch.Validate()
	if verr != nil {
		err := &Error{Code: CodeInvalidArgument, Err: verr}
		m.record(Call{Op: OpUpdate, Collection: collection, ID: id, Key: opts.IdempotencyKey, Err: err})

		return withContext(err, string(OpUpdate), collection, id)
	}

	m.put(collection, patch.Apply(doc, m.clock.Now()))
	m.commit(opts.IdempotencyKey, id)
	m.record(Call{Op: OpUpdate, Collection: collection, ID: id, Key: opts.IdempotencyKey, Applied: true, Err: fault.Err})
	m.notifyLocked(collection)

	if fault.Err != nil {
		return withContext(fault.Err, string(OpUpdate), collection, id)
	}

	return nil
}

// Delete removes a document. Deleting a missing document succeeds.
func (m *Memory) Delete(ctx context.Context, collection, id string, opts WriteOptions) error {
	err := ctx.Err()
	if err != nil {
		return withContext(err, string(OpDelete), collection, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.replayed(opts.IdempotencyKey); ok {
		m.record(Call{Op: OpDelete, Collection: collection, ID: id, Key: opts.IdempotencyKey})

		return nil
	}

	fault := m.faultFor(OpDelete, collection, id)
	if fault.Err != nil && !fault.AfterApply {
		m.record(Call{Op: OpDelete, Collection: collection, ID: id, Key: opts.IdempotencyKey, Err: fault.Err})

		return withContext(fault.Err, string(OpDelete), collection, id)
	}

	delete(m.docs[collection], id)
	m.commit(opts.IdempotencyKey, id)
	m.record(Call{Op: OpDelete, Collection: collection, ID: id, Key: opts.IdempotencyKey, Applied: true, Err: fault.Err})
	m.notifyLocked(collection)

	if fault.Err != nil {
		return withContext(fault.Err, string(OpDelete), collection, id)
	}

	return nil
}

func (m *Memory) Listen(ctx context.Context, q Query, deliver func(Snapshot)) (func(), error) {
	if deliver == nil {
		return nil, errors.New("listen: deliver is nil")
	}

	err := ctx.Err()
	if err != nil {
		return nil, withContext(err, string(OpListen), q.Collection, q.DocumentID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listenErr != nil {
		lerr := m.listenErr(q)
		if lerr != nil {
			return nil, withContext(lerr, string(OpListen), q.Collection, q.DocumentID)
		}
	}

	m.nextID++
	id := m.nextID

	l := newMemListener(q, deliver)
	m.listeners[id] = l
	l.push(m.snapshotLocked(q))

	go l.run()

	var once sync.Once

	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()

			if cur, ok := m.listeners[id]; ok && cur == l {
				delete(m.listeners, id)
			}

			l.close()
		})
	}

	return stop, nil
}

func (m *Memory) replayed(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	id, ok := m.keys[key]

	return id, ok
}

func (m *Memory) commit(key, id string) {
	m.writes++

	if key != "" {
		m.keys[key] = id
	}
}

func (m *Memory) faultFor(op Op, collection, id string) Fault {
	if m.fault == nil {
		return Fault{}
	}

	k := string(op) + "\x00" + collection + "\x00" + id
	attempt := m.attempts[k]
	m.attempts[k] = attempt + 1

	return m.fault(op, collection, id, attempt)
}

func (m *Memory) record(c Call) {
	m.calls = append(m.calls, c)
}

func (m *Memory) put(collection string, doc entity.Entity) {
	coll, ok := m.docs[collection]
	if !ok {
		coll = make(map[string]entity.Entity)
		m.docs[collection] = coll
	}

	coll[doc.ID] = doc.Clone()
}

func (m *Memory) notifyLocked(collection string) {
	for _, l := range m.listeners {
		if l.query.Collection == collection {
			l.push(m.snapshotLocked(l.query))
		}
	}
}

// snapshotLocked orders collection results by creation time, then id, the
// way a store would for an orderBy(createdAt) query.
func (m *Memory) snapshotLocked(q Query) Snapshot {
	coll := m.docs[q.Collection]

	if q.IsDocument() {
		doc, ok := coll[q.DocumentID]
		if !ok {
			return DocumentSnapshot{ID: q.DocumentID}
		}

		clone := doc.Clone()

		return DocumentSnapshot{ID: q.DocumentID, Entity: &clone}
	}

	out := make([]entity.Entity, 0, len(coll))

	for _, doc := range coll {
		if q.Scope != "" && doc.Scope != q.Scope {
			continue
		}

		out = append(out, doc.Clone())
	}

	slices.SortFunc(out, func(a, b entity.Entity) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	return CollectionSnapshot{Entities: out}
}

// memListener delivers snapshots on its own goroutine, in push order.
type memListener struct {
	query   Query
	deliver func(Snapshot)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Snapshot
	closed bool
}

func newMemListener(q Query, deliver func(Snapshot)) *memListener {
	l := &memListener{query: q, deliver: deliver}
	l.cond = sync.NewCond(&l.mu)

	return l
}

func (l *memListener) push(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	l.queue = append(l.queue, s)
	l.cond.Signal()
}

// close stops the listener. Snapshots already queued are still delivered,
// matching SDKs where an in-flight response can land after stop.
func (l *memListener) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.cond.Signal()
}

func (l *memListener) run() {
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}

		if len(l.queue) == 0 {
			l.mu.Unlock()

			return
		}

		next := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.deliver(next)
	}
}

var _ Store = (*Memory)(nil)
