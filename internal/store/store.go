// Package store holds the canonical in-memory entity set of one scope and the
// views derived from it.
//
// Every entry point is serialized by one mutex. Views are recomputed from
// scratch before a mutating call returns, so a caller never observes a view
// that disagrees with the entity set. Nothing here performs I/O.
package store

import (
	"fmt"
	"slices"
	"sync"

	"github.com/calvinalkan/tasksync/internal/alias"
	"github.com/calvinalkan/tasksync/internal/clock"
	"github.com/calvinalkan/tasksync/internal/entity"
	"github.com/calvinalkan/tasksync/internal/mutation"
)

// Store is the canonical entity set for a scope.
type Store struct {
	scope string
	clock clock.Clock

	mu        sync.Mutex
	entities  map[string]entity.Entity
	aliases   *alias.Table
	views     []*View
	listeners []*listener
}

type listener struct {
	fn func()
}

// New returns an empty store for scope.
func New(scope string, c clock.Clock) *Store {
	if c == nil {
		panic("clock is nil")
	}

	return &Store{
		scope:    scope,
		clock:    c,
		entities: make(map[string]entity.Entity),
		aliases:  alias.New(alias.DefaultRetention),
	}
}

// Scope returns the partition this store owns.
func (s *Store) Scope() string {
	return s.scope
}

// OnChange registers fn to run after every change, once views are
// recomputed. fn runs on the caller's goroutine without the store lock held.
// The returned func unregisters it.
func (s *Store) OnChange(fn func()) func() {
	l := &listener{fn: fn}

	s.mu.Lock()
	s.listeners = append(slices.Clone(s.listeners), l)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.listeners = slices.DeleteFunc(slices.Clone(s.listeners), func(c *listener) bool { return c == l })
	}
}

// ApplyLocal applies m optimistically. A create inserts a provisional entity
// under m.LocalID, an update patches in place, a delete removes the entity.
// It returns the entity as it was before (nil for a create) so the caller
// can [Store.Restore] it if persisting the mutation fails.
func (s *Store) ApplyLocal(m mutation.Mutation) (*entity.Entity, error) {
	if m.Scope != s.scope {
		return nil, fmt.Errorf("apply local %s: %w: %q != %q", m.Kind, ErrScopeMismatch, m.Scope, s.scope)
	}

	s.mu.Lock()

	prev, err := s.applyLocalLocked(m)
	if err != nil {
		s.mu.Unlock()

		return nil, fmt.Errorf("apply local %s: %w", m.Kind, err)
	}

	notify := s.recomputeLocked()
	s.mu.Unlock()

	runListeners(notify)

	return prev, nil
}

func (s *Store) applyLocalLocked(m mutation.Mutation) (*entity.Entity, error) {
	now := s.clock.Now()

	switch m.Kind {
	case mutation.KindCreate:
		err := m.Payload.ValidateCreate()
		if err != nil {
			return nil, err
		}

		if m.LocalID == "" {
			return nil, mutation.ErrMissingLocalID
		}

		if _, exists := s.entities[m.LocalID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, m.LocalID)
		}

		e := entity.New(m.LocalID, s.scope, m.Payload, now)
		e.Provisional = true
		s.entities[e.ID] = e

		return nil, nil
	case mutation.KindUpdate:
		err := m.Payload.Validate()
		if err != nil {
			return nil, err
		}

		id := s.canonicalLocked(m.TargetID)

		cur, ok := s.entities[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, m.TargetID)
		}

		prev := cur.Clone()
		s.entities[id] = m.Payload.Apply(cur, now)

		return &prev, nil
	case mutation.KindDelete:
		id := s.canonicalLocked(m.TargetID)

		cur, ok := s.entities[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, m.TargetID)
		}

		delete(s.entities, id)

		return &cur, nil
	default:
		return nil, fmt.Errorf("%w: %q", mutation.ErrInvalidKind, m.Kind)
	}
}

// Restore puts back the entity ApplyLocal reported as prev. A nil prev
// removes id (undoing a create).
func (s *Store) Restore(id string, prev *entity.Entity) {
	s.mu.Lock()

	id = s.canonicalLocked(id)
	if prev == nil {
		delete(s.entities, id)
	} else {
		restored := prev.Clone()
		s.entities[restored.ID] = restored
	}

	notify := s.recomputeLocked()
	s.mu.Unlock()

	runListeners(notify)
}

// ApplyRemote replaces the canonical set with an authoritative snapshot.
// Provisional entities not present in the snapshot are discarded: the last
// authoritative snapshot wins and no merge is attempted.
//
// The snapshot is rejected as a whole if any entity belongs to another scope
// or an id repeats.
func (s *Store) ApplyRemote(entities []entity.Entity) error {
	next := make(map[string]entity.Entity, len(entities))

	for i := range entities {
		e := entities[i]
		if e.Scope != s.scope {
			return fmt.Errorf("apply remote: %w: entity %s has scope %q", ErrScopeMismatch, e.ID, e.Scope)
		}

		if _, dup := next[e.ID]; dup {
			return fmt.Errorf("apply remote: %w: %s", ErrDuplicateID, e.ID)
		}

		clone := e.Clone()
		clone.Provisional = false
		next[e.ID] = clone
	}

	s.mu.Lock()
	s.entities = next
	notify := s.recomputeLocked()
	s.mu.Unlock()

	runListeners(notify)

	return nil
}

// ApplyRemoteDocument applies a single-document snapshot. A nil doc means
// the document no longer exists.
func (s *Store) ApplyRemoteDocument(id string, doc *entity.Entity) error {
	if doc != nil && doc.Scope != s.scope {
		return fmt.Errorf("apply remote document: %w: entity %s has scope %q", ErrScopeMismatch, id, doc.Scope)
	}

	s.mu.Lock()

	if doc == nil {
		delete(s.entities, id)
	} else {
		clone := doc.Clone()
		clone.ID = id
		clone.Provisional = false
		s.entities[id] = clone
	}

	notify := s.recomputeLocked()
	s.mu.Unlock()

	runListeners(notify)

	return nil
}

// Resolve records that the provisional entity localID is known remotely as
// remoteID. The provisional entity is renamed, or dropped if a snapshot
// already delivered remoteID. Later lookups by localID follow the alias.
func (s *Store) Resolve(localID, remoteID string) {
	s.mu.Lock()

	s.aliases.Set(localID, remoteID)

	if prov, ok := s.entities[localID]; ok {
		delete(s.entities, localID)

		if _, exists := s.entities[remoteID]; !exists {
			prov.ID = remoteID
			prov.Provisional = false
			s.entities[remoteID] = prov
		}
	}

	notify := s.recomputeLocked()
	s.mu.Unlock()

	runListeners(notify)
}

// Canonical maps a provisional id to its server id once resolved. Only the
// most recent [alias.DefaultRetention] resolutions are remembered.
func (s *Store) Canonical(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.canonicalLocked(id)
}

func (s *Store) canonicalLocked(id string) string {
	return s.aliases.Resolve(id)
}

// Get returns a copy of the entity with id.
func (s *Store) Get(id string) (entity.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[s.canonicalLocked(id)]
	if !ok {
		return entity.Entity{}, false
	}

	return e.Clone(), true
}

// Lookup returns copies of the entities for ids, in order, skipping ids
// that are no longer present.
func (s *Store) Lookup(ids []string) []entity.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entity.Entity, 0, len(ids))

	for _, id := range ids {
		if e, ok := s.entities[id]; ok {
			out = append(out, e.Clone())
		}
	}

	return out
}

// Len returns the size of the canonical set.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entities)
}

// Project computes a one-off view. Two calls with the same filter and sort
// and no change in between return identical id sequences.
func (s *Store) Project(f Filter, srt Sort) DerivedView {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.projectLocked(f, srt)
}

// Stats computes counters over the whole canonical set.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return computeStats(s.sortedLocked(), s.clock.Now())
}

func (s *Store) projectLocked(f Filter, srt Sort) DerivedView {
	now := s.clock.Now()

	matched := make([]*entity.Entity, 0, len(s.entities))

	for _, e := range s.sortedLocked() {
		if f.Match(e, now) {
			matched = append(matched, e)
		}
	}

	slices.SortStableFunc(matched, srt.Compare)

	ids := make([]string, len(matched))
	for i, e := range matched {
		ids[i] = e.ID
	}

	return DerivedView{
		Filter: f,
		Sort:   srt,
		IDs:    ids,
		Stats:  computeStats(matched, now),
	}
}

// sortedLocked returns pointers to the entities in id order so map iteration
// order never leaks into results.
func (s *Store) sortedLocked() []*entity.Entity {
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	out := make([]*entity.Entity, len(ids))

	for i, id := range ids {
		e := s.entities[id]
		out[i] = &e
	}

	return out
}

// recomputeLocked refreshes every registered view and returns the
// listeners to notify once the lock is released.
func (s *Store) recomputeLocked() []*listener {
	for _, v := range s.views {
		v.current = s.projectLocked(v.current.Filter, v.current.Sort)
	}

	return s.listeners
}

func runListeners(ls []*listener) {
	for _, l := range ls {
		l.fn()
	}
}
