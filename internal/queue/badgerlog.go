package queue

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/calvinalkan/tasksync/internal/mutation"
)

var (
	badgerSeqPrefix = []byte("m/") // m/<seq> -> mutation JSON
	badgerIDPrefix  = []byte("i/") // i/<id>  -> seq
)

// BadgerConfig configures [OpenBadgerLog].
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in memory. Useful for tests.
	InMemory bool

	// SyncWrites fsyncs every commit. Default true for persistent logs.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns a durable configuration for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// InMemoryBadgerConfig returns a configuration without disk persistence.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog to BadgerDB's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerLog is a [Log] in an embedded BadgerDB. Mutations live under a
// big-endian sequence key so prefix iteration yields append order; a
// secondary id key maps each idempotency id to its sequence. Every change
// is one transaction.
type BadgerLog struct {
	db       *badger.DB
	inMemory bool

	mu     sync.Mutex
	next   uint64
	closed bool
}

// OpenBadgerLog opens or creates a Badger-backed log.
func OpenBadgerLog(cfg BadgerConfig) (*BadgerLog, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("open badger log: path is required for persistent database")
	}

	var opts badger.Options

	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		err := os.MkdirAll(cfg.Path, dirPerms)
		if err != nil {
			return nil, fmt.Errorf("open badger log: create %s: %w", cfg.Path, err)
		}

		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger log: %w", err)
	}

	l := &BadgerLog{db: db, inMemory: cfg.InMemory}

	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerSeqPrefix, Reverse: true})
		defer it.Close()

		// Reverse iteration must start past the last possible key.
		it.Seek(seqKey(^uint64(0)))

		if it.ValidForPrefix(badgerSeqPrefix) {
			l.next = binary.BigEndian.Uint64(it.Item().Key()[len(badgerSeqPrefix):]) + 1
		}

		return nil
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("open badger log: find tail: %w", err)
	}

	return l, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, len(badgerSeqPrefix)+8)
	copy(key, badgerSeqPrefix)
	binary.BigEndian.PutUint64(key[len(badgerSeqPrefix):], seq)

	return key
}

func idKey(id string) []byte {
	return append(append([]byte(nil), badgerIDPrefix...), id...)
}

func (l *BadgerLog) Append(m mutation.Mutation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("append %s: encode: %w", m.ID, err)
	}

	seq := l.next

	err = l.db.Update(func(txn *badger.Txn) error {
		_, getErr := txn.Get(idKey(m.ID))
		if getErr == nil {
			return ErrDuplicate
		}

		if !errors.Is(getErr, badger.ErrKeyNotFound) {
			return getErr
		}

		var seqBuf [8]byte

		binary.BigEndian.PutUint64(seqBuf[:], seq)

		setErr := txn.Set(idKey(m.ID), seqBuf[:])
		if setErr != nil {
			return setErr
		}

		return txn.Set(seqKey(seq), body)
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", m.ID, err)
	}

	l.next++

	return nil
}

func (l *BadgerLog) Update(m mutation.Mutation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("update %s: encode: %w", m.ID, err)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		seq, lookupErr := lookupSeq(txn, m.ID)
		if lookupErr != nil {
			return lookupErr
		}

		return txn.Set(seqKey(seq), body)
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", m.ID, err)
	}

	return nil
}

func (l *BadgerLog) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	err := l.db.Update(func(txn *badger.Txn) error {
		seq, lookupErr := lookupSeq(txn, id)
		if lookupErr != nil {
			return lookupErr
		}

		delErr := txn.Delete(idKey(id))
		if delErr != nil {
			return delErr
		}

		return txn.Delete(seqKey(seq))
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}

	return nil
}

func lookupSeq(txn *badger.Txn, id string) (uint64, error) {
	item, err := txn.Get(idKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrNotLogged
	}

	if err != nil {
		return 0, err
	}

	var seq uint64

	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("%w: sequence for %s has %d bytes", ErrLogCorrupt, id, len(val))
		}

		seq = binary.BigEndian.Uint64(val)

		return nil
	})

	return seq, err
}

func (l *BadgerLog) List() ([]mutation.Mutation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLogClosed
	}

	var out []mutation.Mutation

	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerSeqPrefix, PrefetchValues: true})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var m mutation.Mutation

			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				return fmt.Errorf("%w: decode %x: %w", ErrLogCorrupt, it.Item().Key(), err)
			}

			out = append(out, m)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}

	return out, nil
}

func (l *BadgerLog) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	err := l.db.DropPrefix(badgerSeqPrefix, badgerIDPrefix)
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	return nil
}

// badgerGCRatio is the discardable fraction a value log file needs before
// Compact rewrites it.
const badgerGCRatio = 0.5

// Compact runs one value log garbage collection pass, reclaiming space held
// by removed mutations. A pass with nothing to rewrite is not an error.
func (l *BadgerLog) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	if l.inMemory {
		return nil
	}

	err := l.db.RunValueLogGC(badgerGCRatio)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("compact: %w", err)
	}

	return nil
}

func (l *BadgerLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true

	err := l.db.Close()
	if err != nil {
		return fmt.Errorf("close badger log: %w", err)
	}

	return nil
}

var (
	_ Log       = (*BadgerLog)(nil)
	_ Compacter = (*BadgerLog)(nil)
)
