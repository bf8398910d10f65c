package queue_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/tasksync/internal/entity"
	"github.com/calvinalkan/tasksync/internal/mutation"
	"github.com/calvinalkan/tasksync/internal/queue"
)

var enqueuedAt = time.Date(2024, time.March, 3, 9, 30, 0, 0, time.UTC)

type backend struct {
	name    string
	durable bool
	open    func(t *testing.T, dir string) queue.Log
}

func backends() []backend {
	return []backend{
		{
			name: "mem",
			open: func(t *testing.T, _ string) queue.Log {
				t.Helper()

				return queue.NewMemLog()
			},
		},
		{
			name:    "file",
			durable: true,
			open: func(t *testing.T, dir string) queue.Log {
				t.Helper()

				l, err := queue.OpenFileLog(dir, queue.FileLogOptions{})
				require.NoError(t, err)

				return l
			},
		},
		{
			name:    "badger",
			durable: true,
			open: func(t *testing.T, dir string) queue.Log {
				t.Helper()

				l, err := queue.OpenBadgerLog(queue.DefaultBadgerConfig(filepath.Join(dir, "badger")))
				require.NoError(t, err)

				return l
			},
		},
		{
			name:    "sqlite",
			durable: true,
			open: func(t *testing.T, dir string) queue.Log {
				t.Helper()

				l, err := queue.OpenSQLiteLog(t.Context(), filepath.Join(dir, "queue.sqlite"))
				require.NoError(t, err)

				return l
			},
		},
	}
}

func newCreate(t *testing.T, title string) mutation.Mutation {
	t.Helper()

	due := enqueuedAt.Add(48 * time.Hour)
	tags := []string{"home", "errand"}

	m, err := mutation.NewCreate("tasks", "family", entity.Patch{
		Title:    entity.Ptr(title),
		Priority: entity.Ptr(3),
		Due:      &due,
		Tags:     &tags,
	}, enqueuedAt)
	require.NoError(t, err)

	return m
}

func newUpdate(t *testing.T, target string, p entity.Patch) mutation.Mutation {
	t.Helper()

	m, err := mutation.NewUpdate("tasks", "family", target, p, enqueuedAt)
	require.NoError(t, err)

	return m
}

func newDelete(t *testing.T, target string) mutation.Mutation {
	t.Helper()

	m, err := mutation.NewDelete("tasks", "family", target, enqueuedAt)
	require.NoError(t, err)

	return m
}

func ids(ms []mutation.Mutation) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}

	return out
}

func Test_Log_Keeps_Append_Order_Across_Update_And_Remove(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			l := b.open(t, t.TempDir())
			t.Cleanup(func() { _ = l.Close() })

			a, c := newCreate(t, "A"), newCreate(t, "C")
			u := newUpdate(t, a.LocalID, entity.Patch{Status: entity.Ptr(entity.StatusDone)})

			for _, m := range []mutation.Mutation{a, u, c} {
				require.NoError(t, l.Append(m))
			}

			if err := l.Append(u); !errors.Is(err, queue.ErrDuplicate) {
				t.Fatalf("duplicate append err = %v, want ErrDuplicate", err)
			}

			u.Attempts = 2
			u.LastError = "connection reset"
			require.NoError(t, l.Update(u))
			require.NoError(t, l.Remove(a.ID))

			if err := l.Remove(a.ID); !errors.Is(err, queue.ErrNotLogged) {
				t.Fatalf("second remove err = %v, want ErrNotLogged", err)
			}

			if err := l.Update(a); !errors.Is(err, queue.ErrNotLogged) {
				t.Fatalf("update of removed err = %v, want ErrNotLogged", err)
			}

			got, err := l.List()
			require.NoError(t, err)

			if diff := cmp.Diff([]mutation.Mutation{u, c}, got); diff != "" {
				t.Fatalf("list (-want +got):\n%s", diff)
			}

			require.NoError(t, l.Clear())

			got, err = l.List()
			require.NoError(t, err)

			if len(got) != 0 {
				t.Fatalf("after clear len = %d, want 0", len(got))
			}

			// A cleared log accepts ids again.
			require.NoError(t, l.Append(a))
		})
	}
}

func Test_Log_Preserves_Every_Field_And_Order_Across_Reopen(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		if !b.durable {
			continue
		}

		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			l := b.open(t, dir)

			create := newCreate(t, "Buy milk")
			update := newUpdate(t, create.LocalID, entity.Patch{ClearDue: true, Assignee: entity.Ptr("sam")})
			update.Attempts = 1
			update.LastError = "unavailable"
			del := newDelete(t, "remote-1")

			want := []mutation.Mutation{create, update, del}
			for _, m := range want {
				require.NoError(t, l.Append(m))
			}

			require.NoError(t, l.Close())

			if err := l.Append(newDelete(t, "x")); !errors.Is(err, queue.ErrLogClosed) {
				t.Fatalf("append after close err = %v, want ErrLogClosed", err)
			}

			reopened := b.open(t, dir)
			t.Cleanup(func() { _ = reopened.Close() })

			got, err := reopened.List()
			require.NoError(t, err)

			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("reopened list (-want +got):\n%s", diff)
			}

			// New appends land after the replayed tail.
			extra := newDelete(t, "remote-2")
			require.NoError(t, reopened.Append(extra))

			got, err = reopened.List()
			require.NoError(t, err)

			if diff := cmp.Diff(append(ids(want), extra.ID), ids(got)); diff != "" {
				t.Fatalf("order after reopen (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_Log_Compact_Keeps_Pending_Mutations_In_Order(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			l := b.open(t, dir)

			c, ok := l.(queue.Compacter)
			if !ok {
				_ = l.Close()
				t.Skipf("%s log does not compact", b.name)
			}

			a, drop, z := newCreate(t, "A"), newCreate(t, "Drop"), newCreate(t, "Z")
			for _, m := range []mutation.Mutation{a, drop, z} {
				require.NoError(t, l.Append(m))
			}

			require.NoError(t, l.Remove(drop.ID))
			require.NoError(t, c.Compact())

			got, err := l.List()
			require.NoError(t, err)

			if diff := cmp.Diff([]string{a.ID, z.ID}, ids(got)); diff != "" {
				t.Fatalf("ids after compact (-want +got):\n%s", diff)
			}

			require.NoError(t, l.Close())

			reopened := b.open(t, dir)
			t.Cleanup(func() { _ = reopened.Close() })

			got, err = reopened.List()
			require.NoError(t, err)

			if diff := cmp.Diff([]string{a.ID, z.ID}, ids(got)); diff != "" {
				t.Fatalf("ids after reopen (-want +got):\n%s", diff)
			}
		})
	}
}
