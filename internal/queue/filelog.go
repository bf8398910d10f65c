package queue

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/calvinalkan/tasksync/internal/fs"
	"github.com/calvinalkan/tasksync/internal/mutation"
)

const (
	fileLogName  = "queue.log"
	fileLockName = "queue.lock"
	fileLogMagic = "TSQLOG01"

	frameHeaderSize = 8
	maxFrameSize    = 16 << 20

	// compactMinDead is the number of superseded records tolerated before a
	// rewrite is considered at all.
	compactMinDead = 64

	fileLogPerms = 0o600
	dirPerms     = 0o750
)

const (
	recPut = "put"
	recDel = "del"
)

var fileLogCRC32C = crc32.MakeTable(crc32.Castagnoli)

// record is one journal entry. A put for a known id replaces it in place.
type record struct {
	Op       string             `json:"op"`
	ID       string             `json:"id,omitempty"`
	Mutation *mutation.Mutation `json:"m,omitempty"`
}

// FileLogOptions configures [OpenFileLog].
type FileLogOptions struct {
	// FS defaults to [fs.NewReal].
	FS     fs.FS
	Logger *slog.Logger
}

// FileLog is a [Log] stored as an append-only journal in one directory.
//
// Each change is a single frame: a little-endian length and CRC32C followed
// by a JSON record, written and fsynced before the call returns. A frame
// cut short by a crash is detected on open and truncated away. A frame with
// a bad checksum anywhere but the tail is reported as [ErrLogCorrupt].
//
// When superseded records outnumber live ones the journal is rewritten
// atomically. A FileLog holds an exclusive flock on its directory for its
// lifetime, so two processes never share a journal.
type FileLog struct {
	fs   fs.FS
	log  *slog.Logger
	path string

	mu     sync.Mutex
	lock   fs.Locker
	file   fs.File
	size   int64
	order  []string
	byID   map[string]mutation.Mutation
	dead   int
	broken error
	closed bool
}

// OpenFileLog opens or creates the journal in dir and replays it.
func OpenFileLog(dir string, opts FileLogOptions) (*FileLog, error) {
	if dir == "" {
		return nil, errors.New("open file log: directory is empty")
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}

	err := fsys.MkdirAll(dir, dirPerms)
	if err != nil {
		return nil, fmt.Errorf("open file log: create %s: %w", dir, err)
	}

	lock, err := fsys.Lock(filepath.Join(dir, fileLockName))
	if err != nil {
		return nil, fmt.Errorf("open file log: %w", err)
	}

	l := &FileLog{
		fs:   fsys,
		log:  logger,
		path: filepath.Join(dir, fileLogName),
		lock: lock,
		byID: make(map[string]mutation.Mutation),
	}

	err = l.load()
	if err != nil {
		_ = lock.Close()

		return nil, fmt.Errorf("open file log: %w", err)
	}

	return l, nil
}

// load replays the journal and leaves the file positioned at the end of the
// last intact frame.
func (l *FileLog) load() error {
	file, err := l.fs.OpenFile(l.path, os.O_RDWR|os.O_CREATE, fileLogPerms)
	if err != nil {
		return fmt.Errorf("open %s: %w", l.path, err)
	}

	data, err := io.ReadAll(file)
	if err != nil {
		_ = file.Close()

		return fmt.Errorf("read %s: %w", l.path, err)
	}

	l.file = file

	if len(data) < len(fileLogMagic) {
		// Empty, or the magic itself was torn on first write.
		return l.resetLocked()
	}

	if string(data[:len(fileLogMagic)]) != fileLogMagic {
		_ = file.Close()

		return fmt.Errorf("%w: bad magic in %s", ErrLogCorrupt, l.path)
	}

	good, records, err := l.replay(data)
	if err != nil {
		_ = file.Close()

		return err
	}

	if good < int64(len(data)) {
		l.log.Warn("truncating torn journal tail", "path", l.path, "bytes", int64(len(data))-good)

		err = file.Truncate(good)
		if err == nil {
			err = file.Sync()
		}

		if err != nil {
			_ = file.Close()

			return fmt.Errorf("truncate torn tail: %w", err)
		}
	}

	_, err = file.Seek(good, io.SeekStart)
	if err != nil {
		_ = file.Close()

		return fmt.Errorf("seek %s: %w", l.path, err)
	}

	l.size = good
	l.dead = records - len(l.order)

	return nil
}

// replay applies every intact frame and returns the offset just past the
// last one together with the number of frames applied.
func (l *FileLog) replay(data []byte) (int64, int, error) {
	off := len(fileLogMagic)
	records := 0

	for off < len(data) {
		rest := data[off:]
		if len(rest) < frameHeaderSize {
			break
		}

		n := int(binary.LittleEndian.Uint32(rest[0:4]))
		sum := binary.LittleEndian.Uint32(rest[4:8])

		if n > maxFrameSize {
			return 0, 0, fmt.Errorf("%w: frame of %d bytes at offset %d", ErrLogCorrupt, n, off)
		}

		if len(rest) < frameHeaderSize+n {
			break
		}

		body := rest[frameHeaderSize : frameHeaderSize+n]
		end := off + frameHeaderSize + n

		if crc32.Checksum(body, fileLogCRC32C) != sum {
			if end == len(data) {
				break
			}

			return 0, 0, fmt.Errorf("%w: checksum mismatch at offset %d", ErrLogCorrupt, off)
		}

		var rec record

		err := json.Unmarshal(body, &rec)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: decode record at offset %d: %w", ErrLogCorrupt, off, err)
		}

		err = l.applyLocked(rec)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: record at offset %d: %w", ErrLogCorrupt, off, err)
		}

		records++
		off = end
	}

	return int64(off), records, nil
}

func (l *FileLog) applyLocked(rec record) error {
	switch rec.Op {
	case recPut:
		if rec.Mutation == nil {
			return errors.New("put without mutation")
		}

		m := rec.Mutation.Clone()
		if _, ok := l.byID[m.ID]; !ok {
			l.order = append(l.order, m.ID)
		}

		l.byID[m.ID] = m
	case recDel:
		if _, ok := l.byID[rec.ID]; !ok {
			return fmt.Errorf("delete of unknown id %q", rec.ID)
		}

		delete(l.byID, rec.ID)
		l.order = slices.DeleteFunc(l.order, func(id string) bool { return id == rec.ID })
	default:
		return fmt.Errorf("unknown op %q", rec.Op)
	}

	return nil
}

func (l *FileLog) Append(m mutation.Mutation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.usableLocked()
	if err != nil {
		return err
	}

	if _, ok := l.byID[m.ID]; ok {
		return fmt.Errorf("append %s: %w", m.ID, ErrDuplicate)
	}

	err = l.commitLocked(record{Op: recPut, Mutation: &m})
	if err != nil {
		return fmt.Errorf("append %s: %w", m.ID, err)
	}

	return nil
}

func (l *FileLog) Update(m mutation.Mutation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.usableLocked()
	if err != nil {
		return err
	}

	if _, ok := l.byID[m.ID]; !ok {
		return fmt.Errorf("update %s: %w", m.ID, ErrNotLogged)
	}

	err = l.commitLocked(record{Op: recPut, Mutation: &m})
	if err != nil {
		return fmt.Errorf("update %s: %w", m.ID, err)
	}

	l.dead++
	l.maybeCompactLocked()

	return nil
}

func (l *FileLog) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.usableLocked()
	if err != nil {
		return err
	}

	if _, ok := l.byID[id]; !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotLogged)
	}

	err = l.commitLocked(record{Op: recDel, ID: id})
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}

	// Both the put and the delete frame are now dead weight.
	l.dead += 2
	l.maybeCompactLocked()

	return nil
}

func (l *FileLog) List() ([]mutation.Mutation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.usableLocked()
	if err != nil {
		return nil, err
	}

	out := make([]mutation.Mutation, len(l.order))
	for i, id := range l.order {
		out[i] = l.byID[id].Clone()
	}

	return out, nil
}

// Clear atomically replaces the journal with an empty one.
func (l *FileLog) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.usableLocked()
	if err != nil {
		return err
	}

	err = l.rewriteLocked(nil)
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	l.order = nil
	l.byID = make(map[string]mutation.Mutation)

	return nil
}

// Compact rewrites the journal to hold only live mutations, whatever the
// number of superseded records.
func (l *FileLog) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.usableLocked()
	if err != nil {
		return err
	}

	return l.rewriteLocked(l.order)
}

// Size returns the journal size in bytes.
func (l *FileLog) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.size
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true

	var errs []error

	if l.file != nil {
		errs = append(errs, l.file.Close())
	}

	errs = append(errs, l.lock.Close())

	return errors.Join(errs...)
}

func (l *FileLog) usableLocked() error {
	if l.closed {
		return ErrLogClosed
	}

	return l.broken
}

// commitLocked writes one frame and fsyncs it, then applies it in memory.
// A failed write is rolled back by truncating to the previous size, so the
// journal never holds a partial frame followed by more data.
func (l *FileLog) commitLocked(rec record) error {
	frame, err := encodeFrame(rec)
	if err != nil {
		return err
	}

	_, err = l.file.Write(frame)
	if err == nil {
		err = l.file.Sync()
	}

	if err != nil {
		rollbackErr := l.file.Truncate(l.size)
		if rollbackErr == nil {
			_, rollbackErr = l.file.Seek(l.size, io.SeekStart)
		}

		if rollbackErr != nil {
			l.broken = fmt.Errorf("%w: rollback after failed write: %w", ErrLogCorrupt, rollbackErr)
		}

		return fmt.Errorf("write journal: %w", err)
	}

	l.size += int64(len(frame))

	return l.applyLocked(rec)
}

func (l *FileLog) maybeCompactLocked() {
	if l.dead < compactMinDead || l.dead <= len(l.order) {
		return
	}

	err := l.rewriteLocked(l.order)
	if err != nil {
		// The old journal is still intact; compaction is retried next time.
		l.log.Warn("journal compaction failed", "path", l.path, "err", err)
	}
}

// rewriteLocked atomically replaces the journal with one put per id and
// reopens the file handle on the new inode.
func (l *FileLog) rewriteLocked(ids []string) error {
	var buf bytes.Buffer

	buf.WriteString(fileLogMagic)

	for _, id := range ids {
		m := l.byID[id]

		frame, err := encodeFrame(record{Op: recPut, Mutation: &m})
		if err != nil {
			return err
		}

		buf.Write(frame)
	}

	err := l.fs.WriteFileAtomic(l.path, buf.Bytes(), fileLogPerms)
	if err != nil {
		return fmt.Errorf("rewrite journal: %w", err)
	}

	_ = l.file.Close()

	file, err := l.fs.OpenFile(l.path, os.O_RDWR, fileLogPerms)
	if err == nil {
		_, err = file.Seek(int64(buf.Len()), io.SeekStart)
	}

	if err != nil {
		l.broken = fmt.Errorf("reopen journal after rewrite: %w", err)

		return l.broken
	}

	l.file = file
	l.size = int64(buf.Len())
	l.dead = 0

	l.log.Debug("journal rewritten", "path", l.path, "live", len(ids), "bytes", l.size)

	return nil
}

// resetLocked initialises an empty journal in place.
func (l *FileLog) resetLocked() error {
	err := l.file.Truncate(0)
	if err == nil {
		_, err = l.file.Seek(0, io.SeekStart)
	}

	if err == nil {
		_, err = l.file.Write([]byte(fileLogMagic))
	}

	if err == nil {
		err = l.file.Sync()
	}

	if err != nil {
		_ = l.file.Close()

		return fmt.Errorf("initialise %s: %w", l.path, err)
	}

	l.size = int64(len(fileLogMagic))

	return nil
}

func encodeFrame(rec record) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	frame := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.Checksum(body, fileLogCRC32C))
	copy(frame[frameHeaderSize:], body)

	return frame, nil
}

var (
	_ Log       = (*FileLog)(nil)
	_ Compacter = (*FileLog)(nil)
)
