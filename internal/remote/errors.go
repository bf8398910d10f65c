package remote

import (
	"context"
	"errors"
	"strings"
)

// Code classifies a remote failure. The set mirrors what document-store SDKs
// report; only the retryable/terminal split matters to callers.
type Code int

const (
	CodeUnknown Code = iota
	CodeUnavailable
	CodeInternal
	CodeDeadlineExceeded
	CodeAborted
	CodeResourceExhausted
	CodePermissionDenied
	CodeInvalidArgument
	CodeNotFound
	CodeAlreadyExists
)

var codeNames = map[Code]string{
	CodeUnknown:           "unknown",
	CodeUnavailable:       "unavailable",
	CodeInternal:          "internal",
	CodeDeadlineExceeded:  "deadline-exceeded",
	CodeAborted:           "aborted",
	CodeResourceExhausted: "resource-exhausted",
	CodePermissionDenied:  "permission-denied",
	CodeInvalidArgument:   "invalid-argument",
	CodeNotFound:          "not-found",
	CodeAlreadyExists:     "already-exists",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}

	return "unknown"
}

// Retryable reports whether the code is one of the transient signatures:
// connection loss, internal store inconsistency, timeouts, contention.
func (c Code) Retryable() bool {
	switch c {
	case CodeUnavailable, CodeInternal, CodeDeadlineExceeded, CodeAborted, CodeResourceExhausted:
		return true
	default:
		return false
	}
}

// Error is returned by every [Store] operation.
//
// The underlying cause appears first, followed by request context:
//
//	connection reset (op=update collection=tasks id=01hq...)
//
// Use [errors.As] to extract fields, or [CodeOf] / [IsRetryable] to classify.
type Error struct {
	Op         string
	Collection string
	ID         string
	Code       Code
	Err        error
}

// Error formats as "<cause> (op=X collection=Y id=Z)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	cause := e.Code.String()
	if e.Err != nil {
		cause = e.Err.Error()
	}

	var parts []string

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}

	if e.Collection != "" {
		parts = append(parts, "collection="+e.Collection)
	}

	if e.ID != "" {
		parts = append(parts, "id="+e.ID)
	}

	if len(parts) == 0 {
		return cause
	}

	return cause + " (" + strings.Join(parts, " ") + ")"
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// NewError builds an [*Error] with the given code and cause.
func NewError(code Code, cause string) *Error {
	return &Error{Code: code, Err: errors.New(cause)}
}

// CodeOf extracts the classification from err. Context deadline errors are
// treated as [CodeDeadlineExceeded]; anything unrecognized is [CodeUnknown].
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnknown
	}

	var rErr *Error
	if errors.As(err, &rErr) {
		return rErr.Code
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CodeDeadlineExceeded
	}

	return CodeUnknown
}

// IsRetryable reports whether err is transient. Unknown errors are terminal.
func IsRetryable(err error) bool {
	return CodeOf(err).Retryable()
}

// withContext attaches request context at API boundaries.
// If err is already *Error, missing fields are filled in-place.
func withContext(err error, op, collection, id string) error {
	if err == nil {
		return nil
	}

	existing := &Error{}
	if errors.As(err, &existing) {
		if existing.Op == "" {
			existing.Op = op
		}

		if existing.Collection == "" {
			existing.Collection = collection
		}

		if existing.ID == "" {
			existing.ID = id
		}

		return existing
	}

	return &Error{Op: op, Collection: collection, ID: id, Code: CodeUnknown, Err: err}
}
