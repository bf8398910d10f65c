// Package mutation defines the pending write record that flows from a local
// intent through the entity store into the durable queue.
package mutation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/calvinalkan/tasksync/internal/entity"
)

// Kind is the remote operation a mutation replays.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// DefaultMaxAttempts is the retry budget when none is configured.
const DefaultMaxAttempts = 3

var (
	ErrInvalidKind     = errors.New("invalid mutation kind")
	ErrMissingID       = errors.New("mutation id is empty")
	ErrMissingTarget   = errors.New("mutation target is empty")
	ErrMissingLocalID  = errors.New("create mutation has no local id")
	ErrEmptyPatch      = errors.New("update patch is empty")
	ErrInvalidAttempts = errors.New("invalid attempt counters")
)

// Mutation is a pending create, update, or delete keyed by a client-generated
// idempotency id. Field order here is the on-disk JSON order.
type Mutation struct {
	ID          string       `json:"id"`                  // ID is the idempotency key (UUIDv7).
	Kind        Kind         `json:"kind"`                // Kind selects the remote call.
	Collection  string       `json:"collection"`          // Collection is the remote collection name.
	Scope       string       `json:"scope"`               // Scope is the owner partition of the entity.
	TargetID    string       `json:"target_id,omitempty"` // TargetID is empty for creates until the remote assigns one.
	LocalID     string       `json:"local_id,omitempty"`  // LocalID is the provisional entity id of a create.
	Payload     entity.Patch `json:"payload"`             // Payload holds the partial entity fields.
	EnqueuedAt  time.Time    `json:"enqueued_at"`         // EnqueuedAt is when the intent was issued.
	Attempts    int          `json:"attempts"`            // Attempts counts failed remote calls.
	MaxAttempts int          `json:"max_attempts"`        // MaxAttempts is the retry budget.
	LastError   string       `json:"last_error,omitempty"`
}

// NewID returns a time-ordered idempotency key.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuidv7: %w", err)
	}

	return id.String(), nil
}

// NewCreate builds a create mutation with a fresh idempotency key and
// provisional entity id.
func NewCreate(collection, scope string, payload entity.Patch, now time.Time) (Mutation, error) {
	id, err := NewID()
	if err != nil {
		return Mutation{}, err
	}

	return Mutation{
		ID:          id,
		Kind:        KindCreate,
		Collection:  collection,
		Scope:       scope,
		LocalID:     entity.NewLocalID(),
		Payload:     payload,
		EnqueuedAt:  now,
		MaxAttempts: DefaultMaxAttempts,
	}, nil
}

// NewUpdate builds an update mutation for target.
func NewUpdate(collection, scope, target string, payload entity.Patch, now time.Time) (Mutation, error) {
	id, err := NewID()
	if err != nil {
		return Mutation{}, err
	}

	return Mutation{
		ID:          id,
		Kind:        KindUpdate,
		Collection:  collection,
		Scope:       scope,
		TargetID:    target,
		Payload:     payload,
		EnqueuedAt:  now,
		MaxAttempts: DefaultMaxAttempts,
	}, nil
}

// NewDelete builds a delete mutation for target.
func NewDelete(collection, scope, target string, now time.Time) (Mutation, error) {
	id, err := NewID()
	if err != nil {
		return Mutation{}, err
	}

	return Mutation{
		ID:          id,
		Kind:        KindDelete,
		Collection:  collection,
		Scope:       scope,
		TargetID:    target,
		EnqueuedAt:  now,
		MaxAttempts: DefaultMaxAttempts,
	}, nil
}

// Target returns the entity id the mutation is ordered against: the server
// id when known, otherwise the provisional id of a create.
func (m *Mutation) Target() string {
	if m.TargetID != "" {
		return m.TargetID
	}

	return m.LocalID
}

// Exhausted reports whether the retry budget is spent.
func (m *Mutation) Exhausted() bool {
	return m.Attempts >= m.MaxAttempts
}

// Validate enforces the shape every persisted mutation must have.
func (m *Mutation) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}

	if m.MaxAttempts <= 0 || m.Attempts < 0 {
		return fmt.Errorf("%w: attempts=%d max=%d", ErrInvalidAttempts, m.Attempts, m.MaxAttempts)
	}

	switch m.Kind {
	case KindCreate:
		if m.LocalID == "" {
			return ErrMissingLocalID
		}

		return m.Payload.ValidateCreate()
	case KindUpdate:
		if m.TargetID == "" {
			return ErrMissingTarget
		}

		if m.Payload.IsEmpty() {
			return ErrEmptyPatch
		}

		return m.Payload.Validate()
	case KindDelete:
		if m.TargetID == "" {
			return ErrMissingTarget
		}

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, m.Kind)
	}
}

// Clone returns a deep copy.
func (m Mutation) Clone() Mutation {
	out := m
	out.Payload = clonePatch(m.Payload)

	return out
}

func clonePatch(p entity.Patch) entity.Patch {
	if p.Due != nil {
		due := *p.Due
		p.Due = &due
	}

	if p.Tags != nil {
		tags := append([]string(nil), (*p.Tags)...)
		p.Tags = &tags
	}

	return p
}
