// Package status declares the small error taxonomy shared by every
// component of the kernel core (pmm, ptable, addrspace, handle, topology).
package status

import "errors"

// The core's error taxonomy. Every operation returns nil or an error
// wrapping one of these sentinels, checked with errors.Is.
var (
	// ErrInvalidParameters means the caller passed a malformed request: a
	// nil pointer where a value is required, or an unknown flag
	// combination.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrOutOfMemory means an allocation failed. Callers must unwind
	// partial work.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrNotFound means a lookup failed, or the object has already been
	// destroyed.
	ErrNotFound = errors.New("not found")

	// ErrExists means a uniqueness violation: path already registered,
	// or a set member already present.
	ErrExists = errors.New("exists")

	// ErrTimeout is the only cancellation-style error, returned solely
	// from a handle-set Wait.
	ErrTimeout = errors.New("timeout")

	// ErrBusy means no element could be advanced this call: no candidate
	// matched, or there were no candidates at all.
	ErrBusy = errors.New("busy")

	// ErrFatal means an invariant was violated. Callers that observe this
	// are expected to halt.
	ErrFatal = errors.New("fatal: invariant violation")
)
