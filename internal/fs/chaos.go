package fs

import (
	"errors"
	"io/fs"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// ChaosConfig controls fault injection probabilities.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
type ChaosConfig struct {
	WriteFailRate    float64 // Fail writes entirely
	PartialWriteRate float64 // Write a prefix then fail (simulates a crash mid-write)
	SyncFailRate     float64 // Fail fsync
	OpenFailRate     float64 // Fail Open/OpenFile
	AtomicFailRate   float64 // Fail WriteFileAtomic before touching the target
	RenameFailRate   float64 // Fail Rename
	RemoveFailRate   float64 // Fail Remove
	LockFailRate     float64 // Fail Lock acquisition
}

// DefaultChaosConfig returns a config with reasonable fault rates for testing.
func DefaultChaosConfig() ChaosConfig {
	return ChaosConfig{
		WriteFailRate:    0.02,
		PartialWriteRate: 0.03,
		SyncFailRate:     0.01,
		OpenFailRate:     0.02,
		AtomicFailRate:   0.02,
		RenameFailRate:   0.02,
		RemoveFailRate:   0.02,
		LockFailRate:     0.02,
	}
}

// ChaosMode controls how Chaos behaves.
type ChaosMode uint8

const (
	// ChaosModePassthrough behaves like the underlying FS.
	ChaosModePassthrough ChaosMode = iota

	// ChaosModeInject enables fault-rate injection.
	ChaosModeInject
)

// Chaos wraps an [FS] and injects failures for testing.
//
// Injected failures are [*FaultError] values wrapping the *fs.PathError the
// OS would have returned, so errors.Is against a syscall.Errno keeps
// working; [IsInjected] tells them apart from genuine failures.
//
// The zero mode is [ChaosModePassthrough]; use [Chaos.SetMode] to start
// injecting.
type Chaos struct {
	fs     FS
	config ChaosConfig
	mode   atomic.Uint32

	mu  sync.Mutex
	rng *rand.Rand

	writeFails    atomic.Int64
	partialWrites atomic.Int64
	syncFails     atomic.Int64
	openFails     atomic.Int64
	atomicFails   atomic.Int64
	renameFails   atomic.Int64
	removeFails   atomic.Int64
	lockFails     atomic.Int64
}

// NewChaos creates a Chaos filesystem wrapping fsys.
// The seed controls random fault injection for reproducibility.
func NewChaos(fsys FS, seed int64, config ChaosConfig) *Chaos {
	return &Chaos{
		fs:     fsys,
		rng:    rand.New(rand.NewSource(seed)),
		config: config,
	}
}

// SetMode updates Chaos behavior. It is safe to call concurrently with
// filesystem operations.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

// ChaosStats contains counts of injected faults.
type ChaosStats struct {
	WriteFails    int64
	PartialWrites int64
	SyncFails     int64
	OpenFails     int64
	AtomicFails   int64
	RenameFails   int64
	RemoveFails   int64
	LockFails     int64
}

// Stats returns the current fault injection counts.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		WriteFails:    c.writeFails.Load(),
		PartialWrites: c.partialWrites.Load(),
		SyncFails:     c.syncFails.Load(),
		OpenFails:     c.openFails.Load(),
		AtomicFails:   c.atomicFails.Load(),
		RenameFails:   c.renameFails.Load(),
		RemoveFails:   c.removeFails.Load(),
		LockFails:     c.lockFails.Load(),
	}
}

// TotalFaults returns the total number of injected faults.
func (c *Chaos) TotalFaults() int64 {
	s := c.Stats()

	return s.WriteFails + s.PartialWrites + s.SyncFails + s.OpenFails +
		s.AtomicFails + s.RenameFails + s.RemoveFails + s.LockFails
}

func (c *Chaos) should(rate float64) bool {
	if ChaosMode(c.mode.Load()) != ChaosModeInject || rate <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Float64() < rate
}

func (c *Chaos) randIntn(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Intn(n)
}

// FaultError is a failure injected by [Chaos] into a mutation log file
// operation.
type FaultError struct {
	Err *fs.PathError
}

func (e *FaultError) Error() string {
	return "injected fault: " + e.Err.Error()
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err, or any error it wraps, came from [Chaos].
func IsInjected(err error) bool {
	var fault *FaultError

	return errors.As(err, &fault)
}

func pathError(op, path string, errno syscall.Errno) error {
	return &FaultError{Err: &fs.PathError{Op: op, Path: path, Err: errno}}
}

func (c *Chaos) Open(path string) (File, error) {
	if c.should(c.config.OpenFailRate) {
		c.openFails.Add(1)

		return nil, pathError("open", path, syscall.EIO)
	}

	f, err := c.fs.Open(path)
	if err != nil {
		return nil, err
	}

	return &chaosFile{f: f, chaos: c, path: path}, nil
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if c.should(c.config.OpenFailRate) {
		c.openFails.Add(1)

		return nil, pathError("open", path, syscall.EACCES)
	}

	f, err := c.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{f: f, chaos: c, path: path}, nil
}

func (c *Chaos) ReadFile(path string) ([]byte, error) {
	return c.fs.ReadFile(path)
}

// WriteFileAtomic either fails without touching path or delegates. An
// atomic write never leaves partial content behind, so no partial fault is
// modelled.
func (c *Chaos) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if c.should(c.config.AtomicFailRate) {
		c.atomicFails.Add(1)

		return pathError("write", path, syscall.ENOSPC)
	}

	return c.fs.WriteFileAtomic(path, data, perm)
}

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	return c.fs.MkdirAll(path, perm)
}

func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	return c.fs.Stat(path)
}

func (c *Chaos) Exists(path string) (bool, error) {
	return c.fs.Exists(path)
}

func (c *Chaos) Remove(path string) error {
	if c.should(c.config.RemoveFailRate) {
		c.removeFails.Add(1)

		return pathError("remove", path, syscall.EBUSY)
	}

	return c.fs.Remove(path)
}

func (c *Chaos) Rename(oldpath, newpath string) error {
	if c.should(c.config.RenameFailRate) {
		c.renameFails.Add(1)

		return pathError("rename", oldpath, syscall.EIO)
	}

	return c.fs.Rename(oldpath, newpath)
}

func (c *Chaos) Lock(path string) (Locker, error) {
	if c.should(c.config.LockFailRate) {
		c.lockFails.Add(1)

		return nil, pathError("flock", path, syscall.EIO)
	}

	return c.fs.Lock(path)
}

// chaosFile wraps a [File] and injects write and sync faults.
type chaosFile struct {
	f     File
	chaos *Chaos
	path  string
}

func (cf *chaosFile) Read(p []byte) (int, error) { return cf.f.Read(p) }

func (cf *chaosFile) Write(p []byte) (int, error) {
	c := cf.chaos

	if c.should(c.config.WriteFailRate) {
		c.writeFails.Add(1)

		return 0, pathError("write", cf.path, syscall.ENOSPC)
	}

	if len(p) > 1 && c.should(c.config.PartialWriteRate) {
		c.partialWrites.Add(1)

		n, err := cf.f.Write(p[:1+c.randIntn(len(p)-1)])
		if err != nil {
			return n, err
		}

		return n, pathError("write", cf.path, syscall.EIO)
	}

	return cf.f.Write(p)
}

func (cf *chaosFile) Seek(offset int64, whence int) (int64, error) {
	return cf.f.Seek(offset, whence)
}

func (cf *chaosFile) Close() error { return cf.f.Close() }

func (cf *chaosFile) Stat() (os.FileInfo, error) { return cf.f.Stat() }

func (cf *chaosFile) Sync() error {
	c := cf.chaos

	if c.should(c.config.SyncFailRate) {
		c.syncFails.Add(1)

		return pathError("sync", cf.path, syscall.EIO)
	}

	return cf.f.Sync()
}

func (cf *chaosFile) Truncate(size int64) error { return cf.f.Truncate(size) }

// Compile-time interface checks.
var (
	_ FS   = (*Chaos)(nil)
	_ File = (*chaosFile)(nil)
)
