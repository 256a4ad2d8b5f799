// Package errs defines the exhaustive error-kind taxonomy used across every
// memcore layer, so callers can errors.Is/errors.As against a stable Kind
// instead of matching strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated in the specification.
type Kind string

const (
	// Validation
	InvalidImportance          Kind = "INVALID_IMPORTANCE"
	InvalidEnumValue           Kind = "INVALID_ENUM_VALUE"
	ConversationRefRequired    Kind = "CONVERSATION_REF_REQUIRED"
	SupersededReadWithoutFlag  Kind = "SUPERSEDED_READ_WITHOUT_FLAG"

	// Not found
	ConversationNotFound Kind = "CONVERSATION_NOT_FOUND"
	MemoryNotFound       Kind = "MEMORY_NOT_FOUND"
	FactNotFound         Kind = "FACT_NOT_FOUND"
	ContextNotFound      Kind = "CONTEXT_NOT_FOUND"
	MemorySpaceNotFound  Kind = "MEMORYSPACE_NOT_FOUND"
	UserNotFound         Kind = "USER_NOT_FOUND"

	// Consistency
	VersionConflict Kind = "VERSION_CONFLICT"

	// Cascade
	CascadeFailed Kind = "CASCADE_FAILED"

	// Backend
	BackendError      Kind = "CONVEX_ERROR"
	ArgValidationError Kind = "ARG_VALIDATION_ERROR"

	// Graph
	GraphConnectFailed Kind = "GRAPH_CONNECT_FAILED"
	GraphSyncFailed    Kind = "GRAPH_SYNC_FAILED"
)

// Error wraps a Kind with a message and optional cause, and optional
// structured detail used by cascade/backup reporting.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	// Detail carries kind-specific structured data, e.g. a per-layer residue
	// map for CascadeFailed, or a backup snapshot id for rollback.
	Detail any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports Kind equality so errors.Is(err, errs.New(SomeKind, "")) matches
// any *Error with the same Kind, regardless of message/cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetail attaches structured detail (e.g. a cascade residue map) to an
// error, for callers that need more than a message.
func WithDetail(kind Kind, message string, detail any) *Error {
	return &Error{Kind: kind, Message: message, Detail: detail}
}

// OfKind reports whether err is an *Error of the given kind, anywhere in its
// chain.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
