package store_test

import (
	"errors"
	"math/rand/v2"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/tasksync/internal/alias"
	"github.com/calvinalkan/tasksync/internal/clock"
	"github.com/calvinalkan/tasksync/internal/entity"
	"github.com/calvinalkan/tasksync/internal/mutation"
	"github.com/calvinalkan/tasksync/internal/store"
)

const scope = "family"

func newStore(t *testing.T) (*store.Store, *clock.Fake) {
	t.Helper()

	fake := clock.NewFake()

	return store.New(scope, fake), fake
}

func mustCreate(t *testing.T, s *store.Store, title string) mutation.Mutation {
	t.Helper()

	m, err := mutation.NewCreate("tasks", scope, entity.Patch{Title: entity.Ptr(title)}, time.Time{})
	require.NoError(t, err)

	_, err = s.ApplyLocal(m)
	require.NoError(t, err)

	return m
}

func remoteEntity(id, title string, created time.Time) entity.Entity {
	return entity.Entity{
		ID:        id,
		Scope:     scope,
		Title:     title,
		Status:    entity.StatusTodo,
		Priority:  entity.DefaultPriority,
		Category:  entity.DefaultCategory,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func Test_ApplyLocal_Create_Inserts_Provisional_Entity_And_Counts_It(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	m := mustCreate(t, s, "Buy milk")

	got, ok := s.Get(m.LocalID)
	if !ok {
		t.Fatalf("entity %s missing", m.LocalID)
	}

	if !got.Provisional {
		t.Fatal("optimistic entity should be provisional")
	}

	if s.Stats().Total != 1 {
		t.Fatalf("total = %d, want 1", s.Stats().Total)
	}
}

func Test_ApplyLocal_Returns_NotFound_When_Updating_Unknown_Entity(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)

	m, err := mutation.NewUpdate("tasks", scope, "ghost", entity.Patch{Title: entity.Ptr("x")}, time.Time{})
	require.NoError(t, err)

	_, err = s.ApplyLocal(m)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func Test_ApplyLocal_Rejects_Mutation_For_Other_Scope(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)

	m, err := mutation.NewCreate("tasks", "other", entity.Patch{Title: entity.Ptr("x")}, time.Time{})
	require.NoError(t, err)

	_, err = s.ApplyLocal(m)
	if !errors.Is(err, store.ErrScopeMismatch) {
		t.Fatalf("err = %v, want ErrScopeMismatch", err)
	}
}

func Test_Restore_Undoes_Update(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	require.NoError(t, s.ApplyRemote([]entity.Entity{remoteEntity("t1", "Old", time.Time{})}))

	m, err := mutation.NewUpdate("tasks", scope, "t1", entity.Patch{Title: entity.Ptr("New")}, time.Time{})
	require.NoError(t, err)

	prev, err := s.ApplyLocal(m)
	require.NoError(t, err)

	s.Restore("t1", prev)

	got, _ := s.Get("t1")
	if got.Title != "Old" {
		t.Fatalf("title = %q, want %q", got.Title, "Old")
	}
}

func Test_ApplyRemote_Overwrites_Unacknowledged_Provisional_Entity(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	m := mustCreate(t, s, "Buy milk")

	require.NoError(t, s.ApplyRemote([]entity.Entity{remoteEntity("r1", "Walk dog", time.Time{})}))

	if _, ok := s.Get(m.LocalID); ok {
		t.Fatal("provisional entity survived authoritative snapshot")
	}

	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
}

func Test_ApplyRemote_Rejects_Snapshot_With_Duplicate_IDs(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	require.NoError(t, s.ApplyRemote([]entity.Entity{remoteEntity("keep", "Keep", time.Time{})}))

	err := s.ApplyRemote([]entity.Entity{remoteEntity("a", "A", time.Time{}), remoteEntity("a", "A2", time.Time{})})
	if !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}

	if _, ok := s.Get("keep"); !ok {
		t.Fatal("rejected snapshot modified the store")
	}
}

func Test_Resolve_Renames_Provisional_Then_Snapshot_Leaves_Single_Entity(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	m := mustCreate(t, s, "Buy milk")
	before := s.Stats().Total

	s.Resolve(m.LocalID, "r1")

	got, ok := s.Get(m.LocalID)
	if !ok || got.ID != "r1" || got.Provisional {
		t.Fatalf("lookup by local id = %+v, %v; want resolved r1", got, ok)
	}

	require.NoError(t, s.ApplyRemote([]entity.Entity{remoteEntity("r1", "Buy milk", time.Time{})}))

	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}

	if s.Stats().Total != before {
		t.Fatalf("total = %d, want %d", s.Stats().Total, before)
	}
}

func Test_Resolve_Drops_Provisional_When_Snapshot_Arrived_First(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	m := mustCreate(t, s, "Buy milk")

	require.NoError(t, s.ApplyRemoteDocument("r1", &entity.Entity{ID: "r1", Scope: scope, Title: "Buy milk", Status: entity.StatusTodo, Priority: 2}))
	s.Resolve(m.LocalID, "r1")

	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}

	if s.Canonical(m.LocalID) != "r1" {
		t.Fatalf("canonical = %q, want r1", s.Canonical(m.LocalID))
	}
}

func Test_Canonical_Forgets_Oldest_Resolutions_Beyond_Retention(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)

	for i := range alias.DefaultRetention + 1 {
		s.Resolve("local-"+strconv.Itoa(i), "r"+strconv.Itoa(i))
	}

	if got := s.Canonical("local-0"); got != "local-0" {
		t.Fatalf("canonical(local-0) = %q, want it forgotten", got)
	}

	last := strconv.Itoa(alias.DefaultRetention)
	if got := s.Canonical("local-" + last); got != "r"+last {
		t.Fatalf("canonical(local-%s) = %q, want r%s", last, got, last)
	}
}

func Test_ApplyRemoteDocument_Removes_Entity_When_Absent(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	require.NoError(t, s.ApplyRemote([]entity.Entity{remoteEntity("t1", "A", time.Time{})}))
	require.NoError(t, s.ApplyRemoteDocument("t1", nil))

	if s.Len() != 0 {
		t.Fatalf("len = %d, want 0", s.Len())
	}
}

func Test_Project_Breaks_Ties_By_ID(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	same := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.ApplyRemote([]entity.Entity{
		remoteEntity("c", "C", same),
		remoteEntity("a", "A", same),
		remoteEntity("b", "B", same),
	}))

	for _, order := range []store.Order{store.Asc, store.Desc} {
		got := s.Project(store.Filter{}, store.Sort{Key: store.SortCreated, Order: order}).IDs
		if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
			t.Fatalf("order %v ids (-want +got):\n%s", order, diff)
		}
	}
}

func Test_Project_Sorts_Missing_Due_Dates_Last(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	early := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(24 * time.Hour)

	a := remoteEntity("a", "A", time.Time{})
	b := remoteEntity("b", "B", time.Time{})
	b.Due = &late
	c := remoteEntity("c", "C", time.Time{})
	c.Due = &early

	require.NoError(t, s.ApplyRemote([]entity.Entity{a, b, c}))

	asc := s.Project(store.Filter{}, store.Sort{Key: store.SortDue}).IDs
	desc := s.Project(store.Filter{}, store.Sort{Key: store.SortDue, Order: store.Desc}).IDs

	if diff := cmp.Diff([]string{"c", "b", "a"}, asc); diff != "" {
		t.Fatalf("asc (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"b", "c", "a"}, desc); diff != "" {
		t.Fatalf("desc (-want +got):\n%s", diff)
	}
}

func Test_Project_Filters_Overdue_Against_Store_Clock(t *testing.T) {
	t.Parallel()

	s, fake := newStore(t)
	due := fake.Now().Add(time.Hour)

	open := remoteEntity("open", "Open", time.Time{})
	open.Due = &due
	done := remoteEntity("done", "Done", time.Time{})
	done.Due = &due
	done.Status = entity.StatusDone

	require.NoError(t, s.ApplyRemote([]entity.Entity{open, done}))

	if got := s.Project(store.Filter{OverdueOnly: true}, store.DefaultSort).IDs; len(got) != 0 {
		t.Fatalf("overdue before due date = %v, want none", got)
	}

	fake.Advance(2 * time.Hour)

	got := s.Project(store.Filter{OverdueOnly: true}, store.DefaultSort).IDs
	if diff := cmp.Diff([]string{"open"}, got); diff != "" {
		t.Fatalf("overdue (-want +got):\n%s", diff)
	}

	if s.Stats().Overdue != 1 {
		t.Fatalf("stats overdue = %d, want 1", s.Stats().Overdue)
	}
}

func Test_View_Is_Recomputed_Before_ApplyLocal_Returns(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	view := s.View(store.Filter{Statuses: []entity.Status{entity.StatusTodo}}, store.DefaultSort)

	defer view.Close()

	m := mustCreate(t, s, "Buy milk")

	if diff := cmp.Diff([]string{m.LocalID}, view.IDs()); diff != "" {
		t.Fatalf("view after create (-want +got):\n%s", diff)
	}

	done, err := mutation.NewUpdate("tasks", scope, m.LocalID, entity.Patch{Status: entity.Ptr(entity.StatusDone)}, time.Time{})
	require.NoError(t, err)

	_, err = s.ApplyLocal(done)
	require.NoError(t, err)

	if ids := view.IDs(); len(ids) != 0 {
		t.Fatalf("view after completing = %v, want empty", ids)
	}
}

func Test_View_SetFilter_Recomputes_And_Close_Detaches(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	work := remoteEntity("w", "Work", time.Time{})
	work.Category = "work"
	home := remoteEntity("h", "Home", time.Time{})
	home.Category = "home"

	require.NoError(t, s.ApplyRemote([]entity.Entity{work, home}))

	view := s.View(store.Filter{}, store.DefaultSort)
	require.NoError(t, view.SetFilter(store.Filter{Categories: []string{"home"}}))

	if diff := cmp.Diff([]string{"h"}, view.IDs()); diff != "" {
		t.Fatalf("filtered view (-want +got):\n%s", diff)
	}

	if view.Stats().ByCategory["home"] != 1 || view.Stats().Total != 1 {
		t.Fatalf("view stats = %+v", view.Stats())
	}

	view.Close()
	view.Close()

	if err := view.SetSort(store.DefaultSort); !errors.Is(err, store.ErrViewClosed) {
		t.Fatalf("err = %v, want ErrViewClosed", err)
	}
}

func Test_OnChange_Fires_After_Each_Change(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	calls := 0
	unregister := s.OnChange(func() {
		calls++

		// Listeners run without the lock held, so reading is safe.
		_ = s.Stats()
	})

	mustCreate(t, s, "A")
	require.NoError(t, s.ApplyRemote(nil))
	unregister()
	mustCreate(t, s, "B")

	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

// Random sequences of local and remote changes must keep counters equal to
// a one-pass recount and keep projections deterministic.
func Test_Store_Invariants_Hold_Under_Random_Operation_Sequences(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(42, 7))
	s, fake := newStore(t)
	statuses := []entity.Status{entity.StatusTodo, entity.StatusInProgress, entity.StatusDone}
	sorts := []store.Sort{
		{Key: store.SortCreated}, {Key: store.SortDue, Order: store.Desc},
		{Key: store.SortPriority}, {Key: store.SortTitle, Order: store.Desc}, {Key: store.SortStatus},
	}
	view := s.View(store.Filter{}, store.DefaultSort)

	for step := range 500 {
		fake.Advance(time.Minute)

		ids := view.IDs()

		switch op := rng.IntN(5); {
		case op == 0 || len(ids) == 0:
			mustCreate(t, s, "task "+strconv.Itoa(step))
		case op == 1:
			m, err := mutation.NewUpdate("tasks", scope, ids[rng.IntN(len(ids))], entity.Patch{
				Status:   entity.Ptr(statuses[rng.IntN(len(statuses))]),
				Priority: entity.Ptr(1 + rng.IntN(4)),
				Due:      entity.Ptr(fake.Now().Add(time.Duration(rng.IntN(120)-60) * time.Minute)),
			}, time.Time{})
			require.NoError(t, err)

			_, err = s.ApplyLocal(m)
			require.NoError(t, err)
		case op == 2:
			m, err := mutation.NewDelete("tasks", scope, ids[rng.IntN(len(ids))], time.Time{})
			require.NoError(t, err)

			_, err = s.ApplyLocal(m)
			require.NoError(t, err)
		case op == 3:
			snap := s.Lookup(ids)
			for i := range snap {
				snap[i].ID = "r" + strconv.Itoa(step) + "-" + strconv.Itoa(i)
			}

			require.NoError(t, s.ApplyRemote(snap))
		default:
			s.Resolve(ids[0], "resolved-"+strconv.Itoa(step))
		}

		st := s.Stats()
		if st.Total != s.Len() {
			t.Fatalf("step %d: total = %d, len = %d", step, st.Total, s.Len())
		}

		if st.Completed > st.Total {
			t.Fatalf("step %d: completed %d > total %d", step, st.Completed, st.Total)
		}

		if diff := cmp.Diff(st, view.Stats()); diff != "" {
			t.Fatalf("step %d: live view stats drifted (-store +view):\n%s", step, diff)
		}

		srt := sorts[rng.IntN(len(sorts))]
		first := s.Project(store.Filter{}, srt)
		second := s.Project(store.Filter{}, srt)

		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("step %d: projection not deterministic:\n%s", step, diff)
		}
	}
}
