package task

import "errors"

var (
	// ErrNoPID is returned when every slot of the PID table is in use.
	ErrNoPID = errors.New("task: no free pid")

	// ErrUnknownPID is returned for a PID that has no live entry.
	ErrUnknownPID = errors.New("task: unknown pid")

	// ErrAlreadyLeft is reported when a task leaves a group it already left.
	ErrAlreadyLeft = errors.New("task: group already left")

	// ErrAlreadyReleased is reported by a second release of the same TCB.
	ErrAlreadyReleased = errors.New("task: tcb already released")

	// ErrNoTimer is returned when deleting a timer that does not exist.
	ErrNoTimer = errors.New("task: no such timer")

	// ErrDestroyed is returned when using a group or address environment after its
	// last reference went away.
	ErrDestroyed = errors.New("task: destroyed")

	// ErrInvalidSpec is returned by Create for an unusable Spec.
	ErrInvalidSpec = errors.New("task: invalid spec")
)
