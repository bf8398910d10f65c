package store

import "slices"

// View is a registered projection kept current by the store: it is
// recomputed on every change to the entity set and whenever its filter or
// sort changes.
type View struct {
	store   *Store
	current DerivedView
	closed  bool
}

// View registers a live projection.
func (s *Store) View(f Filter, srt Sort) *View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := &View{store: s, current: s.projectLocked(f, srt)}
	s.views = append(s.views, v)

	return v
}

// Snapshot returns a copy of the current projection.
func (v *View) Snapshot() DerivedView {
	v.store.mu.Lock()
	defer v.store.mu.Unlock()

	out := v.current
	out.IDs = slices.Clone(v.current.IDs)
	out.Stats = v.current.Stats.clone()

	return out
}

// IDs returns the ordered entity ids of the view.
func (v *View) IDs() []string {
	return v.Snapshot().IDs
}

// Stats returns the counters of the entities in the view.
func (v *View) Stats() Stats {
	return v.Snapshot().Stats
}

// SetFilter replaces the filter and recomputes the view.
func (v *View) SetFilter(f Filter) error {
	return v.reparam(func(d *DerivedView) { d.Filter = f })
}

// SetSort replaces the sort and recomputes the view.
func (v *View) SetSort(srt Sort) error {
	return v.reparam(func(d *DerivedView) { d.Sort = srt })
}

func (v *View) reparam(change func(d *DerivedView)) error {
	s := v.store

	s.mu.Lock()

	if v.closed {
		s.mu.Unlock()

		return ErrViewClosed
	}

	params := v.current
	change(&params)
	v.current = s.projectLocked(params.Filter, params.Sort)
	notify := s.listeners
	s.mu.Unlock()

	runListeners(notify)

	return nil
}

// Close unregisters the view. It is safe to call more than once.
func (v *View) Close() {
	s := v.store

	s.mu.Lock()
	defer s.mu.Unlock()

	v.closed = true
	s.views = slices.DeleteFunc(s.views, func(c *View) bool { return c == v })
}
