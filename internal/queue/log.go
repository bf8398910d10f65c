package queue

import (
	"errors"

	"github.com/calvinalkan/tasksync/internal/mutation"
)

var (
	// ErrDuplicate is returned when a mutation id is already logged.
	ErrDuplicate = errors.New("mutation already queued")

	// ErrNotLogged is returned when an id is not in the log.
	ErrNotLogged = errors.New("mutation not queued")

	// ErrLogClosed is returned by operations on a closed log.
	ErrLogClosed = errors.New("mutation log closed")

	// ErrLogCorrupt reports a durable log that cannot be replayed safely.
	ErrLogCorrupt = errors.New("mutation log corrupt")
)

// Log is the durable ordered list of pending mutations, keyed by
// idempotency id. Every call is atomic at the granularity of one mutation:
// after a crash a mutation is either fully present or absent.
//
// Implementations must be safe for concurrent use.
type Log interface {
	// Append adds m at the tail. It returns [ErrDuplicate] if m.ID exists.
	Append(m mutation.Mutation) error
	// Update replaces the stored copy of m.ID in place, keeping its position.
	Update(m mutation.Mutation) error
	// Remove deletes id. It returns [ErrNotLogged] if id is absent.
	Remove(id string) error
	// List returns copies of all mutations in append order.
	List() ([]mutation.Mutation, error)
	// Clear removes everything.
	Clear() error
	Close() error
}

// Compacter is implemented by logs that can reclaim the space held by
// removed and superseded mutations. Compaction never changes what
// [Log.List] returns.
type Compacter interface {
	Compact() error
}
