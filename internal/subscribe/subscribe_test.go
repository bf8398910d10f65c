package subscribe_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/tasksync/internal/clock"
	"github.com/calvinalkan/tasksync/internal/entity"
	"github.com/calvinalkan/tasksync/internal/remote"
	"github.com/calvinalkan/tasksync/internal/subscribe"
)

var tasks = remote.Query{Collection: "tasks", Scope: "family"}

type recorder struct {
	data chan remote.Snapshot
	errs chan error
}

func newRecorder() *recorder {
	return &recorder{data: make(chan remote.Snapshot, 16), errs: make(chan error, 16)}
}

func (r *recorder) onData(s remote.Snapshot) { r.data <- s }
func (r *recorder) onError(err error)        { r.errs <- err }

func (r *recorder) nextData(t *testing.T) remote.Snapshot {
	t.Helper()

	select {
	case s := <-r.data:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")

		return nil
	}
}

func (r *recorder) nextErr(t *testing.T) error {
	t.Helper()

	select {
	case err := <-r.errs:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error")

		return nil
	}
}

func waitArmed(t *testing.T, fake *clock.Fake) {
	t.Helper()

	select {
	case <-fake.Armed():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for retry timer")
	}
}

func newManager(t *testing.T, sub remote.Subscriber, fake *clock.Fake) *subscribe.Manager {
	t.Helper()

	m := subscribe.NewManager(subscribe.Options{
		Subscriber: sub,
		Clock:      fake,
		Policy:     subscribe.DefaultPolicy(),
	})
	t.Cleanup(m.Close)

	return m
}

func Test_RetryPolicy_Next_Backs_Off_Linearly_Until_Budget_Is_Spent(t *testing.T) {
	t.Parallel()

	p := subscribe.DefaultPolicy()
	transient := remote.NewError(remote.CodeUnavailable, "connection reset")

	for retry, want := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		got, ok := p.Next(retry, transient)
		if !ok || got != want {
			t.Fatalf("Next(%d) = %v, %v; want %v, true", retry, got, ok, want)
		}
	}

	if _, ok := p.Next(3, transient); ok {
		t.Fatal("Next(3) should give up")
	}

	if _, ok := p.Next(0, remote.NewError(remote.CodePermissionDenied, "nope")); ok {
		t.Fatal("terminal error should never be retried")
	}

	if _, ok := p.Next(0, errors.New("mystery")); ok {
		t.Fatal("unclassified error should be terminal")
	}
}

func Test_Subscribe_Delivers_Empty_Collection_As_Empty_Slice(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	mem := remote.NewMemory(fake)
	rec := newRecorder()

	_, err := newManager(t, mem, fake).Subscribe(t.Context(), tasks, rec.onData, rec.onError)
	require.NoError(t, err)

	snap, ok := rec.nextData(t).(remote.CollectionSnapshot)
	if !ok {
		t.Fatalf("snapshot type = %T, want CollectionSnapshot", snap)
	}

	if snap.Entities == nil || len(snap.Entities) != 0 {
		t.Fatalf("entities = %#v, want empty non-nil slice", snap.Entities)
	}
}

func Test_Subscribe_Delivers_Document_Snapshots(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	mem := remote.NewMemory(fake)
	mem.Seed("tasks", entity.Entity{ID: "t1", Scope: "family", Title: "Buy milk", Status: entity.StatusTodo, Priority: 2})

	rec := newRecorder()

	_, err := newManager(t, mem, fake).Subscribe(t.Context(), remote.Query{Collection: "tasks", DocumentID: "t1"}, rec.onData, rec.onError)
	require.NoError(t, err)

	doc, ok := rec.nextData(t).(remote.DocumentSnapshot)
	if !ok || doc.Entity == nil || doc.Entity.Title != "Buy milk" {
		t.Fatalf("document snapshot = %+v", doc)
	}
}

func Test_Handle_Resubscribes_After_Transient_Error_Using_Backoff(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	mem := remote.NewMemory(fake)
	rec := newRecorder()

	h, err := newManager(t, mem, fake).Subscribe(t.Context(), tasks, rec.onData, rec.onError)
	require.NoError(t, err)
	rec.nextData(t)

	mem.Break(tasks, remote.NewError(remote.CodeUnavailable, "connection reset"))
	waitArmed(t, fake)

	if mem.ActiveListeners() != 0 {
		t.Fatalf("active listeners while waiting = %d, want 0", mem.ActiveListeners())
	}

	if h.RetryCount() != 1 {
		t.Fatalf("retry count = %d, want 1", h.RetryCount())
	}

	fake.Advance(subscribe.DefaultBaseDelay - time.Millisecond)

	if fake.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1 before delay elapses", fake.Pending())
	}

	fake.Advance(time.Millisecond)
	rec.nextData(t)

	if mem.ActiveListeners() != 1 {
		t.Fatalf("active listeners = %d, want 1", mem.ActiveListeners())
	}

	if h.RetryCount() != 0 || h.LastError() != nil {
		t.Fatalf("after recovery retry=%d lastErr=%v, want reset", h.RetryCount(), h.LastError())
	}

	select {
	case err := <-rec.errs:
		t.Fatalf("onError called for recovered stream: %v", err)
	default:
	}
}

func Test_Handle_Turns_Stale_After_Max_Retries_And_Refresh_Revives_It(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	mem := remote.NewMemory(fake)
	down := remote.NewError(remote.CodeUnavailable, "backend down")

	mem.SetListenError(func(remote.Query) error { return down })

	rec := newRecorder()

	h, err := newManager(t, mem, fake).Subscribe(t.Context(), tasks, rec.onData, rec.onError)
	require.NoError(t, err)

	for retry := 1; retry <= subscribe.DefaultMaxRetries; retry++ {
		waitArmed(t, fake)
		fake.Advance(subscribe.DefaultBaseDelay * time.Duration(retry))
	}

	got := rec.nextErr(t)
	if remote.CodeOf(got) != remote.CodeUnavailable {
		t.Fatalf("onError code = %v, want Unavailable", remote.CodeOf(got))
	}

	if !h.Stale() {
		t.Fatal("handle should be stale")
	}

	if h.RetryCount() != subscribe.DefaultMaxRetries {
		t.Fatalf("retry count = %d, want %d", h.RetryCount(), subscribe.DefaultMaxRetries)
	}

	if fake.Pending() != 0 {
		t.Fatalf("pending timers = %d, want 0 after giving up", fake.Pending())
	}

	mem.SetListenError(nil)
	require.NoError(t, h.Refresh())
	rec.nextData(t)

	if h.Stale() || h.RetryCount() != 0 {
		t.Fatalf("after refresh stale=%v retry=%d", h.Stale(), h.RetryCount())
	}
}

func Test_Handle_Reports_Terminal_Error_Without_Retrying(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	mem := remote.NewMemory(fake)
	rec := newRecorder()

	h, err := newManager(t, mem, fake).Subscribe(t.Context(), tasks, rec.onData, rec.onError)
	require.NoError(t, err)
	rec.nextData(t)

	mem.Break(tasks, remote.NewError(remote.CodePermissionDenied, "revoked"))

	got := rec.nextErr(t)
	if remote.CodeOf(got) != remote.CodePermissionDenied {
		t.Fatalf("code = %v, want PermissionDenied", remote.CodeOf(got))
	}

	if fake.Pending() != 0 || h.RetryCount() != 0 {
		t.Fatalf("pending=%d retry=%d, want no retry", fake.Pending(), h.RetryCount())
	}
}

func Test_Unsubscribe_Is_Idempotent_And_Releases_Listener(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	mem := remote.NewMemory(fake)
	rec := newRecorder()
	m := newManager(t, mem, fake)

	h, err := m.Subscribe(t.Context(), tasks, rec.onData, rec.onError)
	require.NoError(t, err)
	rec.nextData(t)

	h.Unsubscribe()
	h.Unsubscribe()

	if mem.ActiveListeners() != 0 || m.Len() != 0 {
		t.Fatalf("listeners=%d handles=%d, want 0", mem.ActiveListeners(), m.Len())
	}

	if err := h.Refresh(); !errors.Is(err, subscribe.ErrClosed) {
		t.Fatalf("refresh err = %v, want ErrClosed", err)
	}
}

// stubSubscriber hands out deliver funcs so tests can fire late deliveries.
type stubSubscriber struct {
	mu       sync.Mutex
	delivers []func(remote.Snapshot)
	active   int
}

func (s *stubSubscriber) Listen(_ context.Context, _ remote.Query, deliver func(remote.Snapshot)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.delivers = append(s.delivers, deliver)
	s.active++

	var once sync.Once

	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
		})
	}, nil
}

func (s *stubSubscriber) deliver(i int, snap remote.Snapshot) {
	s.mu.Lock()
	fn := s.delivers[i]
	s.mu.Unlock()

	fn(snap)
}

func (s *stubSubscriber) activeListeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}

func Test_Handle_Discards_Late_Delivery_From_Replaced_Listener(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	stub := &stubSubscriber{}

	var got []string

	h, err := newManager(t, stub, fake).Subscribe(t.Context(), tasks, func(s remote.Snapshot) {
		for _, e := range s.(remote.CollectionSnapshot).Entities {
			got = append(got, e.ID)
		}
	}, nil)
	require.NoError(t, err)

	stub.deliver(0, remote.CollectionSnapshot{Entities: []entity.Entity{{ID: "a"}}})
	require.NoError(t, h.Refresh())

	if stub.activeListeners() != 1 {
		t.Fatalf("active listeners = %d, want exactly 1", stub.activeListeners())
	}

	stub.deliver(0, remote.CollectionSnapshot{Entities: []entity.Entity{{ID: "stale"}}})
	stub.deliver(1, remote.CollectionSnapshot{Entities: []entity.Entity{{ID: "b"}}})

	h.Unsubscribe()
	stub.deliver(1, remote.CollectionSnapshot{Entities: []entity.Entity{{ID: "after-close"}}})

	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Fatalf("delivered ids (-want +got):\n%s", diff)
	}

	if stub.activeListeners() != 0 {
		t.Fatalf("active listeners = %d, want 0", stub.activeListeners())
	}
}

func Test_Manager_Close_Unsubscribes_All_And_Rejects_New_Subscriptions(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	stub := &stubSubscriber{}
	m := subscribe.NewManager(subscribe.Options{Subscriber: stub, Clock: fake, Policy: subscribe.DefaultPolicy()})

	for range 3 {
		_, err := m.Subscribe(t.Context(), tasks, nil, nil)
		require.NoError(t, err)
	}

	m.Close()

	if stub.activeListeners() != 0 {
		t.Fatalf("active listeners = %d, want 0", stub.activeListeners())
	}

	if _, err := m.Subscribe(t.Context(), tasks, nil, nil); !errors.Is(err, subscribe.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func Test_Unsubscribe_From_Data_Callback_Stops_Later_Deliveries(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	stub := &stubSubscriber{}

	var (
		h     *subscribe.Handle
		calls int
	)

	h, err := newManager(t, stub, fake).Subscribe(t.Context(), tasks, func(remote.Snapshot) {
		calls++
		h.Unsubscribe()
	}, nil)
	require.NoError(t, err)

	stub.deliver(0, remote.CollectionSnapshot{})
	stub.deliver(0, remote.CollectionSnapshot{})

	if calls != 1 {
		t.Fatalf("callbacks = %d, want 1", calls)
	}

	if stub.activeListeners() != 0 {
		t.Fatalf("active listeners = %d, want 0", stub.activeListeners())
	}
}

func Test_Data_Callbacks_Never_Overlap_When_Deliveries_Race(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	stub := &stubSubscriber{}

	var running, overlaps atomic.Int32

	_, err := newManager(t, stub, fake).Subscribe(t.Context(), tasks, func(remote.Snapshot) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}

		time.Sleep(time.Microsecond)
		running.Add(-1)
	}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup

	for range 8 {
		wg.Go(func() {
			for range 25 {
				stub.deliver(0, remote.CollectionSnapshot{})
			}
		})
	}

	wg.Wait()

	if overlaps.Load() != 0 {
		t.Fatalf("overlapping callbacks = %d, want 0", overlaps.Load())
	}
}
