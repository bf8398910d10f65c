// Package testutil derives deterministic test inputs from fuzz bytes.
package testutil

import (
	"time"

	"github.com/calvinalkan/tasksync/internal/entity"
	"github.com/calvinalkan/tasksync/internal/mutation"
)

// ByteStream reads bytes sequentially from a byte slice. Once exhausted,
// every read returns a zero value, so the same input always yields the same
// sequence.
type ByteStream struct {
	bytes []byte
	pos   int
}

func NewByteStream(b []byte) *ByteStream {
	return &ByteStream{bytes: b}
}

// HasMore reports whether unread bytes remain.
func (s *ByteStream) HasMore() bool {
	return s.pos < len(s.bytes)
}

// NextByte returns the next byte, or 0 if exhausted.
func (s *ByteStream) NextByte() byte {
	if s.pos >= len(s.bytes) {
		return 0
	}

	v := s.bytes[s.pos]
	s.pos++

	return v
}

// NextInt returns a value in [0, maxVal).
func (s *ByteStream) NextInt(maxVal int) int {
	if maxVal <= 0 {
		return 0
	}

	return int(s.NextByte()) % maxVal
}

func (s *ByteStream) NextBool() bool {
	return s.NextByte()&1 == 1
}

// NextWord returns a lowercase ASCII word of length 1-maxLen.
func (s *ByteStream) NextWord(maxLen int) string {
	if maxLen <= 0 {
		return ""
	}

	out := make([]byte, 1+s.NextInt(maxLen))
	for i := range out {
		out[i] = 'a' + s.NextByte()%26
	}

	return string(out)
}

var statuses = []entity.Status{entity.StatusTodo, entity.StatusInProgress, entity.StatusDone}

// NextPatch returns a valid, non-empty patch. With create set the title is
// always present.
func (s *ByteStream) NextPatch(now time.Time, create bool) entity.Patch {
	var p entity.Patch

	if create || s.NextBool() {
		p.Title = entity.Ptr(s.NextWord(12))
	}

	if s.NextBool() {
		p.Status = entity.Ptr(statuses[s.NextInt(len(statuses))])
	}

	if s.NextBool() {
		p.Priority = entity.Ptr(1 + s.NextInt(4))
	}

	if s.NextBool() {
		p.Category = entity.Ptr(s.NextWord(6))
	}

	if s.NextBool() {
		due := now.Add(time.Duration(s.NextInt(96)-48) * time.Hour)
		p.Due = &due
	}

	if s.NextBool() {
		tags := []string{s.NextWord(5)}
		p.Tags = &tags
	}

	if p.IsEmpty() {
		p.Title = entity.Ptr(s.NextWord(12))
	}

	return p
}

// NextMutation returns a valid mutation. Updates and deletes pick their
// target from targets; with no targets a create is returned.
func (s *ByteStream) NextMutation(collection, scope string, targets []string, now time.Time) (mutation.Mutation, error) {
	kind := s.NextInt(3)
	if len(targets) == 0 {
		kind = 0
	}

	switch kind {
	case 0:
		return mutation.NewCreate(collection, scope, s.NextPatch(now, true), now)
	case 1:
		return mutation.NewUpdate(collection, scope, targets[s.NextInt(len(targets))], s.NextPatch(now, false), now)
	default:
		return mutation.NewDelete(collection, scope, targets[s.NextInt(len(targets))], now)
	}
}
