package mm

import (
	"errors"
	"fmt"

	"github.com/joshuapare/rtkern/internal/format"
)

var (
	// ErrOutOfMemory indicates no eligible arena had a free node large enough.
	ErrOutOfMemory = errors.New("mm: out of memory")

	// ErrInvalidSize indicates a zero or negative request, or a size computation overflow.
	ErrInvalidSize = errors.New("mm: invalid size")

	// ErrUnknownArena indicates an arena index outside the heap's arena list.
	ErrUnknownArena = errors.New("mm: unknown arena")

	// ErrInterruptContext indicates a blocking heap operation was attempted from interrupt context.
	ErrInterruptContext = errors.New("mm: not allowed in interrupt context")

	// ErrCorruptionDetected is the class of every *CorruptionError.
	ErrCorruptionDetected = errors.New("mm: corruption detected")

	// ErrBadPointer indicates a pointer that does not address a live allocation.
	ErrBadPointer = errors.New("mm: bad pointer")

	// ErrClosed indicates the heap or arena was torn down.
	ErrClosed = errors.New("mm: closed")
)

// CorruptionError describes a boundary-tag violation. It is never returned to the
// caller of Free: it is handed to the halt function and then panicked with.
type CorruptionError struct {
	Domain Domain
	Arena  int // -1 when the pointer is outside every arena
	Addr   Ptr
	Node   format.Node
	Reason string
}

func (e *CorruptionError) Error() string {
	if e.Arena < 0 {
		return fmt.Sprintf("mm: corruption detected in %s heap at %#x: %s", e.Domain, uint64(e.Addr), e.Reason)
	}
	return fmt.Sprintf("mm: corruption detected in %s arena %d at %#x (%s): %s",
		e.Domain, e.Arena, uint64(e.Addr), e.Node, e.Reason)
}

// Unwrap makes errors.Is(err, ErrCorruptionDetected) hold.
func (e *CorruptionError) Unwrap() error {
	return ErrCorruptionDetected
}

// HaltFunc receives a corruption report. It must not return normally; if it does the
// arena panics with the report anyway.
type HaltFunc func(*CorruptionError)
