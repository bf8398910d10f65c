// Package remote models the remote document store the sync layer talks to.
//
// The store is an external collaborator: this package only fixes the shape
// of its API ([Store]), the classification of its failures ([Error], [Code]),
// and the tagged [Snapshot] variant its change feed delivers. [Memory] is an
// in-process implementation used by tests and local tooling.
package remote

import (
	"context"
	"fmt"

	"github.com/calvinalkan/tasksync/internal/entity"
)

// Op names a remote operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpListen Op = "listen"
)

// WriteOptions carries per-write metadata.
type WriteOptions struct {
	// IdempotencyKey makes a retried write safe: the store applies at most
	// one write per key and answers replays with the original result.
	IdempotencyKey string
}

// Mutator is the write half of the remote store.
type Mutator interface {
	// Create stores doc (its ID is ignored) and returns the server id.
	Create(ctx context.Context, collection string, doc entity.Entity, opts WriteOptions) (string, error)
	Update(ctx context.Context, collection, id string, patch entity.Patch, opts WriteOptions) error
	Delete(ctx context.Context, collection, id string, opts WriteOptions) error
}

// Subscriber is the change-feed half of the remote store.
type Subscriber interface {
	// Listen registers deliver for snapshots matching q. The first snapshot
	// arrives once the listener is established; later ones follow every
	// change. A [SubscriptionError] ends the stream: no further snapshots are
	// delivered after it. stop is idempotent.
	Listen(ctx context.Context, q Query, deliver func(Snapshot)) (stop func(), err error)
}

// Store is the full remote document store.
type Store interface {
	Mutator
	Subscriber
}

// Query describes what a subscription watches: either every document of a
// collection in a scope, or one document by id.
type Query struct {
	Collection string
	Scope      string
	DocumentID string
}

// IsDocument reports whether q watches a single document.
func (q Query) IsDocument() bool {
	return q.DocumentID != ""
}

func (q Query) String() string {
	if q.IsDocument() {
		return fmt.Sprintf("%s/%s", q.Collection, q.DocumentID)
	}

	return fmt.Sprintf("%s?scope=%s", q.Collection, q.Scope)
}

// Snapshot is one delivery from the change feed. It is exactly one of
// [CollectionSnapshot], [DocumentSnapshot], or [SubscriptionError].
type Snapshot interface {
	snapshot()
}

// CollectionSnapshot is the full ordered result of a collection query.
// An empty collection is delivered as an empty, non-nil slice.
type CollectionSnapshot struct {
	Entities []entity.Entity
}

// DocumentSnapshot is the current state of one document. Entity is nil when
// the document does not exist.
type DocumentSnapshot struct {
	ID     string
	Entity *entity.Entity
}

// SubscriptionError reports that the stream failed.
type SubscriptionError struct {
	Err error
}

func (CollectionSnapshot) snapshot() {}
func (DocumentSnapshot) snapshot()   {}
func (SubscriptionError) snapshot()  {}
