// Package errs provides the shared error-kind taxonomy used across the
// storage, consensus, and coordination layers (see spec §7).
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by its propagation policy.
type Kind int

const (
	// KindIOTransient covers failed disk or network I/O that the caller
	// should surface without mutating in-memory state past the failed step.
	KindIOTransient Kind = iota
	// KindNotLeader is returned when a write is routed to a non-leader node.
	KindNotLeader
	// KindNotFound marks a normal "key absent" result, not a failure.
	KindNotFound
	// KindConflict covers Raft log conflicts resolved via conflict hints.
	KindConflict
	// KindCorruption covers bad checksums, bad magic, or truncated frames.
	KindCorruption
	// KindCapacity covers memtable-over-threshold and similar backpressure.
	KindCapacity
	// KindProgramming marks violated internal invariants.
	KindProgramming
)

func (k Kind) String() string {
	switch k {
	case KindIOTransient:
		return "io-transient"
	case KindNotLeader:
		return "not-leader"
	case KindNotFound:
		return "not-found"
	case KindConflict:
		return "conflict"
	case KindCorruption:
		return "corruption"
	case KindCapacity:
		return "capacity"
	case KindProgramming:
		return "programming"
	default:
		return "unknown"
	}
}

// kindError wraps an underlying error with a Kind so callers can branch on
// propagation policy via errors.As.
type kindError struct {
	kind Kind
	msg  string
	err  error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *kindError) Unwrap() error { return e.err }

// New builds an error of the given kind.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Wrap builds an error of the given kind that wraps a lower-level cause.
func Wrap(kind Kind, msg string, cause error) error {
	return &kindError{kind: kind, msg: msg, err: cause}
}

// Is reports whether err (or something it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to KindProgramming when err
// was not produced by this package.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindProgramming
}

// Sentinel errors kept for direct comparison where a Kind isn't needed.
var (
	ErrNotFound        = errors.New("kvstorm: not found")
	ErrClosed          = errors.New("kvstorm: closed")
	ErrInvalidArgument = errors.New("kvstorm: invalid argument")
)
