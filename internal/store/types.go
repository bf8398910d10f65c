package store

import (
	"cmp"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/calvinalkan/tasksync/internal/entity"
)

// Filter selects entities for a view. Zero values mean "no filter"; set
// fields are combined with AND.
type Filter struct {
	Statuses    []entity.Status // Statuses keeps entities whose status is listed.
	Categories  []string        // Categories keeps entities whose category is listed.
	Priorities  []int           // Priorities keeps entities whose priority is listed.
	Assignee    string          // Assignee filters by exact assignee when non-empty.
	Tag         string          // Tag keeps entities carrying the tag when non-empty.
	OverdueOnly bool            // OverdueOnly keeps open entities past their due date.
	DueBefore   *time.Time      // DueBefore keeps entities due strictly before the time.
	Search      string          // Search is a case-insensitive substring of title or description.
}

// Match reports whether e passes the filter at time now.
func (f Filter) Match(e *entity.Entity, now time.Time) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
		return false
	}

	if len(f.Categories) > 0 && !slices.Contains(f.Categories, e.Category) {
		return false
	}

	if len(f.Priorities) > 0 && !slices.Contains(f.Priorities, e.Priority) {
		return false
	}

	if f.Assignee != "" && e.Assignee != f.Assignee {
		return false
	}

	if f.Tag != "" && !slices.Contains(e.Tags, f.Tag) {
		return false
	}

	if f.OverdueOnly && !e.Overdue(now) {
		return false
	}

	if f.DueBefore != nil && (e.Due == nil || !e.Due.Before(*f.DueBefore)) {
		return false
	}

	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(e.Title), needle) &&
			!strings.Contains(strings.ToLower(e.Description), needle) {
			return false
		}
	}

	return true
}

// SortKey names the primary ordering of a view.
type SortKey string

const (
	SortCreated  SortKey = "created"
	SortUpdated  SortKey = "updated"
	SortDue      SortKey = "due"
	SortPriority SortKey = "priority"
	SortTitle    SortKey = "title"
	SortStatus   SortKey = "status"
)

// Order is the direction of the primary key.
type Order int

const (
	Asc Order = iota
	Desc
)

// Sort is a total order: the primary key in the given direction, then
// entity id ascending. Entities without a due date sort last under
// [SortDue] in both directions.
type Sort struct {
	Key   SortKey
	Order Order
}

// DefaultSort orders by creation time, oldest first.
var DefaultSort = Sort{Key: SortCreated, Order: Asc}

var statusRank = map[entity.Status]int{
	entity.StatusTodo:       0,
	entity.StatusInProgress: 1,
	entity.StatusDone:       2,
}

// Compare orders a before b. It never returns 0 for distinct ids.
func (s Sort) Compare(a, b *entity.Entity) int {
	primary := s.comparePrimary(a, b)
	if primary != 0 {
		return primary
	}

	return cmp.Compare(a.ID, b.ID)
}

func (s Sort) comparePrimary(a, b *entity.Entity) int {
	var c int

	switch s.Key {
	case SortDue:
		// Missing due dates go last regardless of direction.
		switch {
		case a.Due == nil && b.Due == nil:
			return 0
		case a.Due == nil:
			return 1
		case b.Due == nil:
			return -1
		}

		c = a.Due.Compare(*b.Due)
	case SortUpdated:
		c = a.UpdatedAt.Compare(b.UpdatedAt)
	case SortPriority:
		c = cmp.Compare(a.Priority, b.Priority)
	case SortTitle:
		c = cmp.Or(
			cmp.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title)),
			cmp.Compare(a.Title, b.Title),
		)
	case SortStatus:
		c = cmp.Compare(statusRank[a.Status], statusRank[b.Status])
	default:
		c = a.CreatedAt.Compare(b.CreatedAt)
	}

	if s.Order == Desc {
		return -c
	}

	return c
}

// Stats are aggregate counters over a set of entities. They are always
// recomputed in one pass, never adjusted incrementally.
type Stats struct {
	Total          int
	Completed      int
	Overdue        int
	CompletionRate float64 // CompletionRate is Completed/Total, 0 when empty.
	ByStatus       map[entity.Status]int
	ByCategory     map[string]int
	ByPriority     map[int]int
}

func computeStats(entities []*entity.Entity, now time.Time) Stats {
	st := Stats{
		ByStatus:   make(map[entity.Status]int),
		ByCategory: make(map[string]int),
		ByPriority: make(map[int]int),
	}

	for _, e := range entities {
		st.Total++
		st.ByStatus[e.Status]++
		st.ByCategory[e.Category]++
		st.ByPriority[e.Priority]++

		if e.Completed() {
			st.Completed++
		}

		if e.Overdue(now) {
			st.Overdue++
		}
	}

	if st.Total > 0 {
		st.CompletionRate = float64(st.Completed) / float64(st.Total)
	}

	return st
}

func (st Stats) clone() Stats {
	st.ByStatus = maps.Clone(st.ByStatus)
	st.ByCategory = maps.Clone(st.ByCategory)
	st.ByPriority = maps.Clone(st.ByPriority)

	return st
}

// DerivedView is a read-only projection: the ordered ids of entities that
// pass Filter, and counters over those entities. It holds no entity data.
type DerivedView struct {
	Filter Filter
	Sort   Sort
	IDs    []string
	Stats  Stats
}
