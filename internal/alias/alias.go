// Package alias maps provisional ids to the server ids their creates were
// acknowledged with. Only the most recent entries are kept: the table is
// trimmed when an entry is added, never when it is read.
package alias

import "slices"

// DefaultRetention is how many acknowledged creates a [Table] remembers.
const DefaultRetention = 1024

// Table is a bounded provisional-to-server id map. It is not safe for
// concurrent use; owners guard it with their own lock.
type Table struct {
	limit int
	ids   map[string]string
	order []string
}

// New returns a table holding at most limit entries. A limit <= 0 means
// [DefaultRetention].
func New(limit int) *Table {
	if limit <= 0 {
		limit = DefaultRetention
	}

	return &Table{limit: limit, ids: make(map[string]string)}
}

// Set records that localID is known remotely as remoteID, evicting the
// oldest entries beyond the limit.
func (t *Table) Set(localID, remoteID string) {
	if _, ok := t.ids[localID]; !ok {
		t.order = append(t.order, localID)
	}

	t.ids[localID] = remoteID

	over := len(t.order) - t.limit
	if over <= 0 {
		return
	}

	for _, id := range t.order[:over] {
		delete(t.ids, id)
	}

	t.order = slices.Delete(t.order, 0, over)
}

// Lookup returns the server id for localID.
func (t *Table) Lookup(localID string) (string, bool) {
	remoteID, ok := t.ids[localID]

	return remoteID, ok
}

// Resolve returns the server id for id, or id itself when it has none.
func (t *Table) Resolve(id string) string {
	if remoteID, ok := t.ids[id]; ok {
		return remoteID
	}

	return id
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.ids)
}
