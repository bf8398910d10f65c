package queue

import (
	"fmt"
	"slices"
	"sync"

	"github.com/calvinalkan/tasksync/internal/mutation"
)

// MemLog is a non-durable [Log] for tests and ephemeral clients.
type MemLog struct {
	mu     sync.Mutex
	items  []mutation.Mutation
	closed bool
}

// NewMemLog returns an empty in-memory log.
func NewMemLog() *MemLog {
	return &MemLog{}
}

func (l *MemLog) Append(m mutation.Mutation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	if l.indexLocked(m.ID) >= 0 {
		return fmt.Errorf("append %s: %w", m.ID, ErrDuplicate)
	}

	l.items = append(l.items, m.Clone())

	return nil
}

func (l *MemLog) Update(m mutation.Mutation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	i := l.indexLocked(m.ID)
	if i < 0 {
		return fmt.Errorf("update %s: %w", m.ID, ErrNotLogged)
	}

	l.items[i] = m.Clone()

	return nil
}

func (l *MemLog) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	i := l.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("remove %s: %w", id, ErrNotLogged)
	}

	l.items = slices.Delete(l.items, i, i+1)

	return nil
}

func (l *MemLog) List() ([]mutation.Mutation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLogClosed
	}

	out := make([]mutation.Mutation, len(l.items))
	for i, m := range l.items {
		out[i] = m.Clone()
	}

	return out, nil
}

func (l *MemLog) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	l.items = nil

	return nil
}

func (l *MemLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true

	return nil
}

func (l *MemLog) indexLocked(id string) int {
	return slices.IndexFunc(l.items, func(m mutation.Mutation) bool { return m.ID == id })
}

var _ Log = (*MemLog)(nil)
