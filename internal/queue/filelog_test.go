package queue_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/tasksync/internal/fs"
	"github.com/calvinalkan/tasksync/internal/queue"
)

func journalPath(dir string) string {
	return filepath.Join(dir, "queue.log")
}

func appendBytes(t *testing.T, path string, data []byte) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)

	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func Test_FileLog_Discards_Torn_Tail_On_Open(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	l, err := queue.OpenFileLog(dir, queue.FileLogOptions{})
	require.NoError(t, err)

	a, b := newCreate(t, "A"), newCreate(t, "B")
	require.NoError(t, l.Append(a))
	require.NoError(t, l.Append(b))

	intact := l.Size()
	require.NoError(t, l.Close())

	// A header claiming 200 bytes followed by only a few: a crash mid-write.
	appendBytes(t, journalPath(dir), []byte{200, 0, 0, 0, 1, 2, 3, 4, '{', '"'})

	l, err = queue.OpenFileLog(dir, queue.FileLogOptions{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = l.Close() })

	if l.Size() != intact {
		t.Fatalf("size after recovery = %d, want %d", l.Size(), intact)
	}

	got, err := l.List()
	require.NoError(t, err)

	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	c := newCreate(t, "C")
	require.NoError(t, l.Append(c))

	info, err := os.Stat(journalPath(dir))
	require.NoError(t, err)

	if info.Size() != l.Size() {
		t.Fatalf("file size = %d, log size = %d", info.Size(), l.Size())
	}
}

func Test_FileLog_Reports_Corruption_Before_The_Tail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	l, err := queue.OpenFileLog(dir, queue.FileLogOptions{})
	require.NoError(t, err)
	require.NoError(t, l.Append(newCreate(t, "A")))
	require.NoError(t, l.Append(newCreate(t, "B")))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(journalPath(dir))
	require.NoError(t, err)

	// Flip a byte inside the first frame body (magic is 8 bytes, header 8).
	data[8+8+4] ^= 0xff
	require.NoError(t, os.WriteFile(journalPath(dir), data, 0o600))

	_, err = queue.OpenFileLog(dir, queue.FileLogOptions{})
	if !errors.Is(err, queue.ErrLogCorrupt) {
		t.Fatalf("err = %v, want ErrLogCorrupt", err)
	}
}

func Test_FileLog_Rolls_Back_Failed_Write(t *testing.T) {
	t.Parallel()

	for _, cfg := range []fs.ChaosConfig{{WriteFailRate: 1}, {PartialWriteRate: 1}, {SyncFailRate: 1}} {
		dir := t.TempDir()
		chaos := fs.NewChaos(fs.NewReal(), 3, cfg)

		l, err := queue.OpenFileLog(dir, queue.FileLogOptions{FS: chaos})
		require.NoError(t, err)

		kept := newCreate(t, "kept")
		require.NoError(t, l.Append(kept))

		before := l.Size()

		chaos.SetMode(fs.ChaosModeInject)

		err = l.Append(newCreate(t, "lost"))
		if !fs.IsInjected(err) {
			t.Fatalf("%+v: append err = %v, want injected", cfg, err)
		}

		chaos.SetMode(fs.ChaosModePassthrough)

		if l.Size() != before {
			t.Fatalf("%+v: size = %d, want %d", cfg, l.Size(), before)
		}

		after := newCreate(t, "after")
		require.NoError(t, l.Append(after))
		require.NoError(t, l.Close())

		reopened, err := queue.OpenFileLog(dir, queue.FileLogOptions{})
		require.NoError(t, err)

		got, err := reopened.List()
		require.NoError(t, err)
		require.NoError(t, reopened.Close())

		if len(got) != 2 || got[0].ID != kept.ID || got[1].ID != after.ID {
			t.Fatalf("%+v: reopened ids = %v, want [%s %s]", cfg, ids(got), kept.ID, after.ID)
		}
	}
}

func Test_FileLog_Refuses_Second_Opener(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	l, err := queue.OpenFileLog(dir, queue.FileLogOptions{})
	require.NoError(t, err)

	_, err = queue.OpenFileLog(dir, queue.FileLogOptions{})
	if !errors.Is(err, fs.ErrWouldBlock) {
		t.Fatalf("err = %v, want ErrWouldBlock", err)
	}

	require.NoError(t, l.Close())

	again, err := queue.OpenFileLog(dir, queue.FileLogOptions{})
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func Test_FileLog_Compacts_When_Dead_Records_Dominate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	l, err := queue.OpenFileLog(dir, queue.FileLogOptions{})
	require.NoError(t, err)

	var appended []string

	for range 100 {
		m := newDelete(t, "remote")
		require.NoError(t, l.Append(m))

		appended = append(appended, m.ID)
	}

	full := l.Size()

	for _, id := range appended[:98] {
		require.NoError(t, l.Remove(id))
	}

	if l.Size() >= full/4 {
		t.Fatalf("size = %d after removing 98 of 100, want well below %d", l.Size(), full)
	}

	require.NoError(t, l.Close())

	reopened, err := queue.OpenFileLog(dir, queue.FileLogOptions{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.List()
	require.NoError(t, err)

	if len(got) != 2 || got[0].ID != appended[98] || got[1].ID != appended[99] {
		t.Fatalf("after compaction ids = %v", ids(got))
	}
}

func Test_FileLog_Clear_Survives_Reopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	l, err := queue.OpenFileLog(dir, queue.FileLogOptions{})
	require.NoError(t, err)
	require.NoError(t, l.Append(newCreate(t, "A")))
	require.NoError(t, l.Clear())
	require.NoError(t, l.Append(newCreate(t, "B")))
	require.NoError(t, l.Close())

	reopened, err := queue.OpenFileLog(dir, queue.FileLogOptions{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.List()
	require.NoError(t, err)

	if len(got) != 1 || *got[0].Payload.Title != "B" {
		t.Fatalf("after clear+reopen = %+v", got)
	}
}

func Test_FileLog_Compact_Shrinks_Journal_Below_Automatic_Threshold(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	l, err := queue.OpenFileLog(dir, queue.FileLogOptions{})
	require.NoError(t, err)

	keep := newCreate(t, "Keep")
	require.NoError(t, l.Append(keep))

	var dropped []string

	for range 5 {
		m := newDelete(t, "remote")
		require.NoError(t, l.Append(m))

		dropped = append(dropped, m.ID)
	}

	for _, id := range dropped {
		require.NoError(t, l.Remove(id))
	}

	before := l.Size()

	require.NoError(t, l.Compact())

	if l.Size() >= before {
		t.Fatalf("size after compact = %d, want below %d", l.Size(), before)
	}

	require.NoError(t, l.Close())

	reopened, err := queue.OpenFileLog(dir, queue.FileLogOptions{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.List()
	require.NoError(t, err)

	if len(got) != 1 || got[0].ID != keep.ID {
		t.Fatalf("after compact ids = %v, want [%s]", ids(got), keep.ID)
	}

	info, err := os.Stat(journalPath(dir))
	require.NoError(t, err)

	if info.Size() != reopened.Size() {
		t.Fatalf("file size = %d, log size = %d", info.Size(), reopened.Size())
	}
}
