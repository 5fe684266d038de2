package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

var (
	// ErrResourceLimitExceeded is returned when a governed operation would
	// push a counter past its configured ceiling. Always recoverable: the
	// caller may retry after a collection or reduce load.
	ErrResourceLimitExceeded = errors.New("vm: resource limit exceeded")

	// ErrCapabilityNotFound is returned when a context invokes a capability
	// it was never granted.
	ErrCapabilityNotFound = errors.New("vm: capability not found")

	// ErrCapabilityRevoked is returned when a context invokes a capability
	// that was granted and later revoked.
	ErrCapabilityRevoked = errors.New("vm: capability revoked")

	// ErrCyclicReference is returned when marshalling walks into a cycle.
	ErrCyclicReference = errors.New("vm: cyclic reference in marshalled value")

	// ErrContextNotFound is returned for operations on a terminated or
	// unknown context. Termination races are expected; this is a normal
	// error, never a panic.
	ErrContextNotFound = errors.New("vm: context not found")

	// ErrEntryNotFound is returned by RunEntry for an absent entry point.
	ErrEntryNotFound = errors.New("vm: entry point not found")

	// ErrTaskCancelled is reported by Await when the awaited task was
	// cancelled before producing a result.
	ErrTaskCancelled = errors.New("vm: task cancelled")

	// ErrContextDraining is returned when new work is submitted to a
	// context that is shutting down.
	ErrContextDraining = errors.New("vm: context draining")

	// ErrContextBusy is returned by operations that require a quiescent
	// context (such as freezing) while tasks are still live.
	ErrContextBusy = errors.New("vm: context has live tasks")

	// ErrForeignHandle is returned when a foreign handle is dereferenced
	// outside its owning context or after release.
	ErrForeignHandle = errors.New("vm: invalid foreign handle")

	// ErrNoModule is returned by RunEntry before any module was loaded.
	ErrNoModule = errors.New("vm: no module loaded")
)

// GuestError wraps a failure that happened inside guest execution. It is
// surfaced at cross-context await points so the outer context can read the
// message without mistaking it for one of its own native errors.
type GuestError struct {
	Context ContextID
	Task    TaskID
	Message string

	cause error
}

func (e *GuestError) Error() string {
	return fmt.Sprintf("vm: guest error in context %d (task %d): %s", e.Context, e.Task, e.Message)
}

// Unwrap exposes the underlying failure so sentinel checks (for example
// against ErrResourceLimitExceeded) keep working across the await boundary.
func (e *GuestError) Unwrap() error { return e.cause }

// AsGuestError unwraps err to a GuestError if one is in the chain.
func AsGuestError(err error) (*GuestError, bool) {
	var ge *GuestError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
