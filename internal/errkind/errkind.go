// Package errkind implements the error taxonomy of spec.md §7: a small
// set of kinds, not Go types, that every subsystem attaches to the errors
// it surfaces past its own boundary.
package errkind

import "fmt"

// Kind classifies an error for retry/propagation purposes.
type Kind string

// The taxonomy from spec.md §7.
const (
	Transient           Kind = "TRANSIENT"
	Application         Kind = "APPLICATION"
	ObjectLost          Kind = "OBJECT_LOST"
	OwnerDied           Kind = "OWNER_DIED"
	ActorDied           Kind = "ACTOR_DIED"
	ResourceInfeasible  Kind = "RESOURCE_INFEASIBLE"
	ResourceUnavailable Kind = "RESOURCE_UNAVAILABLE"
	Cancelled           Kind = "CANCELLED"
	InvalidArgument     Kind = "INVALID_ARGUMENT"
	OutOfMemory         Kind = "OUT_OF_MEMORY"
)

// Retryable reports whether the submitter should retry an error of this
// kind per spec.md §7's propagation policy.
func (k Kind) Retryable() bool {
	switch k {
	case Transient, ResourceUnavailable, OutOfMemory:
		return true
	default:
		return false
	}
}

// Error is a typed error carrying a Kind, a human message, and whether it
// should be retried. Application errors additionally carry the raw bytes
// of the user-level exception so they can be materialized as an error
// object (spec.md §4.6 step 6).
type Error struct {
	Kind    Kind
	Message string
	Detail  []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether this error's kind should be retried.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// As extracts an *Error from err, if any, mirroring errors.As ergonomics.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
