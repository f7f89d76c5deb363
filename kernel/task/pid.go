package task

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
)

// PID identifies a task. PIDs are handed out in increasing order and hashed into
// the table by their low bits.
type PID int32

// PIDTable maps PIDs to TCBs. Its mutex is held only for the duration of a lookup
// or update and is unrelated to any arena lock.
type PIDTable struct {
	mu    sync.Mutex
	slots []pidSlot
	mask  PID
	next  PID
	live  int
}

type pidSlot struct {
	pid   PID
	tcb   *TCB
	ticks int64
}

// NewPIDTable returns a table of capacity slots, rounded up to a power of two.
func NewPIDTable(capacity int) (*PIDTable, error) {
	if capacity < 1 || capacity > 1<<20 {
		return nil, fmt.Errorf("task: pid table capacity %d: %w", capacity, ErrInvalidSpec)
	}
	size := 1 << bits.Len(uint(capacity-1))
	return &PIDTable{
		slots: make([]pidSlot, size),
		mask:  PID(size - 1),
		next:  1,
	}, nil
}

// Capacity returns the number of slots.
func (t *PIDTable) Capacity() int { return len(t.slots) }

// Allocate assigns the next free PID to tcb.
func (t *PIDTable) Allocate(tcb *TCB) (PID, error) {
	if tcb == nil {
		return 0, fmt.Errorf("task: allocate pid for nil tcb: %w", ErrInvalidSpec)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for range len(t.slots) {
		pid := t.next
		if t.next == math.MaxInt32 {
			t.next = 1
		} else {
			t.next++
		}
		s := &t.slots[pid&t.mask]
		if s.tcb != nil {
			continue
		}
		*s = pidSlot{pid: pid, tcb: tcb}
		t.live++
		tcb.pid = pid
		return pid, nil
	}
	return 0, fmt.Errorf("task: %d slots in use: %w", len(t.slots), ErrNoPID)
}

// Lookup returns the TCB currently owning pid, or nil.
func (t *PIDTable) Lookup(pid PID) *TCB {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.slot(pid); s != nil {
		return s.tcb
	}
	return nil
}

// Release clears pid's entry and resets its load accounting.
func (t *PIDTable) Release(pid PID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slot(pid)
	if s == nil {
		return fmt.Errorf("task: release pid %d: %w", pid, ErrUnknownPID)
	}
	*s = pidSlot{}
	t.live--
	return nil
}

// AddTicks charges n ticks of CPU load to pid.
func (t *PIDTable) AddTicks(pid PID, n int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slot(pid)
	if s == nil {
		return fmt.Errorf("task: pid %d: %w", pid, ErrUnknownPID)
	}
	s.ticks += n
	return nil
}

// Ticks returns the load charged to pid since it was allocated.
func (t *PIDTable) Ticks(pid PID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.slot(pid); s != nil {
		return s.ticks
	}
	return 0
}

// Live returns the number of allocated PIDs.
func (t *PIDTable) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *PIDTable) slot(pid PID) *pidSlot {
	if pid <= 0 {
		return nil
	}
	s := &t.slots[pid&t.mask]
	if s.tcb == nil || s.pid != pid {
		return nil
	}
	return s
}
