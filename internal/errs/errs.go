// Package errs classifies failures the way the connection FSM and the
// multiplexer need to react to them: some are fatal to the whole process,
// some kill a single connection, and some are retried on the next iterate.
package errs

import "fmt"

// Kind classifies an error by the compensating action it requires.
type Kind int

const (
	// Permanent errors come from failed initialization (TAP or transport
	// hook) and propagate straight to the caller.
	Permanent Kind = iota
	// Critical errors are protocol invariant violations (malformed header,
	// unexpected packet in a state). They reset and delete the connection.
	Critical
	// Transient errors are a single failed send or read. The operation is
	// abandoned and retried on the next Iterate, except during
	// consistency-sensitive handshake steps where the connection resets.
	Transient
)

func (k Kind) String() string {
	switch k {
	case Permanent:
		return "permanent"
	case Critical:
		return "critical"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error wraps a cause with the Kind that determines how the caller must
// react to it.
type Error struct {
	Kind  Kind
	Cause error
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether err carries the given Kind. Non-*Error values are
// never of any Kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
