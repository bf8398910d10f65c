package entity

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Patch carries the partial fields of a create or update. Nil fields are left
// untouched. ClearDue removes an existing due date.
type Patch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      *Status    `json:"status,omitempty"`
	Priority    *int       `json:"priority,omitempty"`
	Category    *string    `json:"category,omitempty"`
	Assignee    *string    `json:"assignee,omitempty"`
	Due         *time.Time `json:"due,omitempty"`
	ClearDue    bool       `json:"clear_due,omitempty"`
	Tags        *[]string  `json:"tags,omitempty"`
}

// Ptr returns a pointer to v. Convenient for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.Category == nil && p.Assignee == nil &&
		p.Due == nil && !p.ClearDue && p.Tags == nil
}

// Validate checks the fields the patch sets. It does not require a title;
// use [Patch.ValidateCreate] for creates.
func (p Patch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return ErrTitleRequired
	}

	if p.Status != nil && !IsValidStatus(*p.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, *p.Status)
	}

	if p.Priority != nil && !IsValidPriority(*p.Priority) {
		return ErrInvalidPriority
	}

	return nil
}

// ValidateCreate validates a patch used as the payload of a create.
func (p Patch) ValidateCreate() error {
	if p.Title == nil {
		return ErrTitleRequired
	}

	return p.Validate()
}

// Apply returns a copy of e with the patch applied and UpdatedAt set to now.
func (p Patch) Apply(e Entity, now time.Time) Entity {
	out := e.Clone()

	if p.Title != nil {
		out.Title = *p.Title
	}

	if p.Description != nil {
		out.Description = *p.Description
	}

	if p.Status != nil {
		out.Status = *p.Status
	}

	if p.Priority != nil {
		out.Priority = *p.Priority
	}

	if p.Category != nil {
		out.Category = *p.Category
	}

	if p.Assignee != nil {
		out.Assignee = *p.Assignee
	}

	if p.ClearDue {
		out.Due = nil
	}

	if p.Due != nil {
		due := *p.Due
		out.Due = &due
	}

	if p.Tags != nil {
		out.Tags = slices.Clone(*p.Tags)
	}

	out.UpdatedAt = now

	return out
}

// New builds an entity from a create patch, filling defaults for fields the
// patch leaves unset.
func New(id, scope string, p Patch, now time.Time) Entity {
	base := Entity{
		ID:        id,
		Scope:     scope,
		Status:    StatusTodo,
		Priority:  DefaultPriority,
		Category:  DefaultCategory,
		CreatedAt: now,
	}

	return p.Apply(base, now)
}
