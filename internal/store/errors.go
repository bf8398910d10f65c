package store

import "errors"

// ErrNotFound reports a mutation against an id the store does not hold.
var ErrNotFound = errors.New("entity not found")

// ErrScopeMismatch reports an entity or mutation for a different scope.
var ErrScopeMismatch = errors.New("scope mismatch")

// ErrDuplicateID reports a create or snapshot that would hold one id twice.
var ErrDuplicateID = errors.New("duplicate entity id")

// ErrViewClosed reports use of a [View] after [View.Close].
var ErrViewClosed = errors.New("view closed")
