// Package privilege switches the process's effective identity and filesystem
// namespace to those of a target process for the duration of a single
// operation, and guarantees the original state is restored afterwards.
package privilege

import (
	"errors"
	"fmt"
	"time"
)

// Standard errors
var (
	// ErrNamespaceEntry is returned when the target's mount namespace could
	// not be entered even though its working directory was reachable.
	ErrNamespaceEntry = errors.New("failed to enter target mount namespace")
	// ErrRollbackAnchor is returned when the descriptors needed to reverse
	// a namespace change could not be opened.
	ErrRollbackAnchor = errors.New("failed to open rollback anchor descriptors")
	// ErrStateNotRestored is returned by the health check when a privilege
	// round trip did not land back on the original identity.
	ErrStateNotRestored = errors.New("process identity differs after privilege round trip")
)

// Error contains detailed information about a failed impersonation.
type Error struct {
	Operation   Operation
	PID         int
	OriginalUID int
	TargetUID   int
	SyscallErr  error
	Timestamp   time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("impersonation '%s' failed for pid %d (uid %d->%d): %v",
		e.Operation, e.PID, e.OriginalUID, e.TargetUID, e.SyscallErr)
}

func (e *Error) Unwrap() error {
	return e.SyscallErr
}
