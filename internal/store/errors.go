package store

import "errors"

// Failure modes surfaced by every store operation. Callers branch with
// errors.Is; none of these are swallowed internally.
var (
	// ErrNotFound indicates the referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a unique-key violation or a write that would
	// break a state-machine invariant (e.g. reverting a terminal task).
	ErrConflict = errors.New("conflict")

	// ErrTransient indicates a retryable I/O failure.
	ErrTransient = errors.New("transient storage error")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
