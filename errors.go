// Package pgas is a partitioned global address space runtime: personas and
// progress for cooperative scheduling, futures/promises for async results,
// global pointers and a shared heap for one-sided memory, and RPC/RMA/VIS/
// atomics/collectives built on top of a pluggable transport. See SPEC_FULL.md
// for the full component breakdown.
package pgas

import (
	"errors"
	"fmt"
)

// FatalConfigError reports a misconfiguration discovered during Init, such
// as an unparsable environment variable or a rank/team size mismatch. It is
// always fatal: the runtime has not reached a state where partial operation
// is meaningful.
type FatalConfigError struct {
	Setting string
	Cause   error
}

func (e *FatalConfigError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("pgas: fatal configuration error for %q", e.Setting)
	}
	return fmt.Sprintf("pgas: fatal configuration error for %q: %v", e.Setting, e.Cause)
}

func (e *FatalConfigError) Unwrap() error { return e.Cause }

// AssertionError reports a violated internal invariant: a persona-ownership
// check, a global pointer validity check, or similar. These indicate a bug
// either in caller code (API misuse) or in the runtime itself.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return "pgas: assertion failed: " + e.Message
}

// AllocationError reports shared-heap exhaustion: a Malloc-style request
// that could not be satisfied from the local rank's shared segment.
type AllocationError struct {
	Requested uintptr
	Available uintptr
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("pgas: allocation of %d bytes failed, %d available", e.Requested, e.Available)
}

// QuiescenceWarning reports that Finalize (or a Barrier) observed in-flight
// operations that had not drained within the expected window. Unlike the
// other error types here, code may reasonably choose to log and continue
// rather than abort, which is why it implements error but is never returned
// by a function whose signature promises only success.
type QuiescenceWarning struct {
	Outstanding int
}

func (e *QuiescenceWarning) Error() string {
	return fmt.Sprintf("pgas: quiescence check found %d outstanding operation(s)", e.Outstanding)
}

// Is reports whether target is any AssertionError, allowing callers to test
// for the category without caring about the message.
func (e *AssertionError) Is(target error) bool {
	var a *AssertionError
	return errors.As(target, &a)
}

// WrapError wraps err with additional context, preserving it for
// errors.Is/errors.As through the standard %w verb.
func WrapError(context string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
