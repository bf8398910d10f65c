// Package entity defines the task record shared by the remote store, the
// mutation queue, and the local entity store.
package entity

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

var validStatuses = []Status{StatusTodo, StatusInProgress, StatusDone}

// Priority bounds. 1 is most urgent.
const (
	MinPriority     = 1
	MaxPriority     = 4
	DefaultPriority = 2
)

// DefaultCategory is assigned when a create carries no category.
const DefaultCategory = "general"

var (
	ErrTitleRequired   = errors.New("title is required")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrInvalidPriority = errors.New("invalid priority (must be 1-4)")
	ErrIDRequired      = errors.New("id is required")
)

// Entity is a task owned by a scope (a user or a group).
type Entity struct {
	ID          string     `json:"id"`
	Scope       string     `json:"scope"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    int        `json:"priority"`
	Category    string     `json:"category"`
	Assignee    string     `json:"assignee,omitempty"`
	Due         *time.Time `json:"due,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Provisional marks an optimistic entity whose create has not been
	// acknowledged by the remote store. Never serialized to the remote.
	Provisional bool `json:"-"`
}

// Completed reports whether the task is done.
func (e *Entity) Completed() bool {
	return e.Status == StatusDone
}

// Overdue reports whether the task has a due date before now and is not done.
func (e *Entity) Overdue(now time.Time) bool {
	return e.Due != nil && !e.Completed() && e.Due.Before(now)
}

// Clone returns a deep copy so callers never alias store-owned slices.
func (e Entity) Clone() Entity {
	out := e
	if e.Due != nil {
		due := *e.Due
		out.Due = &due
	}

	out.Tags = slices.Clone(e.Tags)

	return out
}

// IsValidStatus reports whether s is a known status.
func IsValidStatus(s Status) bool {
	return slices.Contains(validStatuses, s)
}

// IsValidPriority checks if priority is in valid range.
func IsValidPriority(p int) bool {
	return p >= MinPriority && p <= MaxPriority
}

// Validate checks the invariants every stored entity must satisfy.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return ErrIDRequired
	}

	if strings.TrimSpace(e.Title) == "" {
		return ErrTitleRequired
	}

	if !IsValidStatus(e.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, e.Status)
	}

	if !IsValidPriority(e.Priority) {
		return ErrInvalidPriority
	}

	return nil
}

// localIDPrefix marks ids minted on the client before the remote assigns one.
const localIDPrefix = "local-"

// NewLocalID returns a provisional id for an optimistic create. ULIDs sort by
// creation time, so provisional entities order like their remote successors.
func NewLocalID() string {
	return localIDPrefix + strings.ToLower(ulid.Make().String())
}

// IsLocalID reports whether id was minted by [NewLocalID].
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}
