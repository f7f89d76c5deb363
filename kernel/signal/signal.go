// Package signal holds per-task signal state: the blocked mask, the pending set and
// the suspend/wake handshake.
//
// Only the part of delivery that races with suspension is modelled. Post either
// queues a signal (blocked), wakes a suspended task, or runs the task's action.
// Suspend checks for a deliverable pending signal and enters the blocked state in one
// critical section, so a signal posted concurrently is never lost.
package signal

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

// Signo is a signal number in [1, MaxSigno].
type Signo int

// MaxSigno is the highest signal number a SigSet can hold.
const MaxSigno Signo = 63

var (
	// ErrInvalidSigno is returned for signal numbers outside [1, MaxSigno].
	ErrInvalidSigno = errors.New("signal: invalid signal number")

	// ErrInterrupted is returned by Suspend together with the signal that ended it.
	ErrInterrupted = errors.New("signal: interrupted")

	// ErrSuspended is returned when a task that is already suspended suspends again.
	ErrSuspended = errors.New("signal: already suspended")
)

// Valid reports whether n is a deliverable signal number.
func (n Signo) Valid() bool {
	return n >= 1 && n <= MaxSigno
}

// SigSet is a bitmask of signal numbers; bit n-1 represents signal n.
type SigSet uint64

// Of returns the set holding the given signals. Invalid numbers are ignored.
func Of(signos ...Signo) SigSet {
	var s SigSet
	for _, n := range signos {
		s = s.Add(n)
	}
	return s
}

// Has reports whether n is in s.
func (s SigSet) Has(n Signo) bool {
	return n.Valid() && s&bit(n) != 0
}

// Add returns s with n added.
func (s SigSet) Add(n Signo) SigSet {
	if !n.Valid() {
		return s
	}
	return s | bit(n)
}

// Del returns s with n removed.
func (s SigSet) Del(n Signo) SigSet {
	if !n.Valid() {
		return s
	}
	return s &^ bit(n)
}

// Union returns s ∪ o.
func (s SigSet) Union(o SigSet) SigSet { return s | o }

// Without returns s minus o.
func (s SigSet) Without(o SigSet) SigSet { return s &^ o }

// Empty reports whether s holds no signals.
func (s SigSet) Empty() bool { return s == 0 }

// Lowest returns the lowest-numbered signal in s, or 0 when s is empty.
func (s SigSet) Lowest() Signo {
	if s == 0 {
		return 0
	}
	return Signo(bits.TrailingZeros64(uint64(s)) + 1)
}

// Signals returns the members of s in ascending order.
func (s SigSet) Signals() []Signo {
	out := make([]Signo, 0, bits.OnesCount64(uint64(s)))
	for s != 0 {
		n := s.Lowest()
		out = append(out, n)
		s = s.Del(n)
	}
	return out
}

func bit(n Signo) SigSet {
	return 1 << (uint(n) - 1)
}

// How selects the SetMask operation.
type How int

const (
	// Block adds the set to the blocked mask.
	Block How = iota
	// Unblock removes the set from the blocked mask.
	Unblock
	// SetMask replaces the blocked mask.
	SetMask
)

// Action runs when a signal is delivered. It is never called with State's lock held.
type Action func(Signo)

// State is the signal state of one task.
type State struct {
	mu        sync.Mutex
	blocked   SigSet
	pending   SigSet
	action    Action
	suspended bool
	wake      chan Signo // non-nil while suspended and not yet woken
	delivered int
}

// NewState returns a state with nothing blocked or pending.
func NewState(action Action) *State {
	return &State{action: action}
}

// SetAction replaces the delivery action.
func (s *State) SetAction(a Action) {
	s.mu.Lock()
	s.action = a
	s.mu.Unlock()
}

// Blocked returns the current blocked mask.
func (s *State) Blocked() SigSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// Pending returns the set of pending signals.
func (s *State) Pending() SigSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Suspended reports whether a Suspend call is in progress.
func (s *State) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Delivered returns the number of signals handed to the action or a suspender.
func (s *State) Delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Post sends signal n. A blocked signal becomes pending (at most once per number).
// An unblocked signal wakes a suspended task, or else runs the action.
func (s *State) Post(n Signo) error {
	if !n.Valid() {
		return fmt.Errorf("signal %d: %w", n, ErrInvalidSigno)
	}

	s.mu.Lock()
	switch {
	case s.blocked.Has(n):
		s.pending = s.pending.Add(n)
		s.mu.Unlock()
		return nil
	case s.wake != nil:
		s.wake <- n
		s.wake = nil
		s.delivered++
		s.mu.Unlock()
		return nil
	case s.suspended:
		// Woken but not yet back: reconciled when the old mask is restored.
		s.pending = s.pending.Add(n)
		s.mu.Unlock()
		return nil
	}
	s.delivered++
	act := s.action
	s.mu.Unlock()

	if act != nil {
		act(n)
	}
	return nil
}

// Suspend installs mask as the blocked set and waits for an unblocked signal.
//
// If a signal outside mask is already pending, exactly one such signal (the lowest)
// is consumed and delivered, and Suspend returns at once without touching the mask.
// Otherwise, on wake the previous mask is restored and any pending signals it no
// longer blocks are delivered. The result is the waking signal and ErrInterrupted.
// If ctx ends first the previous mask is restored and ctx.Err() is returned.
func (s *State) Suspend(ctx context.Context, mask SigSet) (Signo, error) {
	s.mu.Lock()
	if s.suspended {
		s.mu.Unlock()
		return 0, ErrSuspended
	}
	if n := s.pending.Without(mask).Lowest(); n != 0 {
		s.pending = s.pending.Del(n)
		s.delivered++
		act := s.action
		s.mu.Unlock()
		if act != nil {
			act(n)
		}
		return n, ErrInterrupted
	}

	old := s.blocked
	wake := make(chan Signo, 1)
	s.blocked = mask
	s.wake = wake
	s.suspended = true
	s.mu.Unlock()

	select {
	case n := <-wake:
		s.mu.Lock()
		act, extra := s.resumeLocked(old)
		s.mu.Unlock()
		if act != nil {
			act(n)
			for _, e := range extra {
				act(e)
			}
		}
		return n, ErrInterrupted

	case <-ctx.Done():
		s.mu.Lock()
		select {
		case n := <-wake:
			// Posted between cancellation and the lock.
			s.pending = s.pending.Add(n)
			s.delivered--
		default:
		}
		act, extra := s.resumeLocked(old)
		s.mu.Unlock()
		if act != nil {
			for _, e := range extra {
				act(e)
			}
		}
		return 0, ctx.Err()
	}
}

// resumeLocked restores old and takes the pending signals it no longer blocks.
func (s *State) resumeLocked(old SigSet) (Action, []Signo) {
	s.wake = nil
	s.suspended = false
	s.blocked = old
	return s.action, s.takeUnblocked()
}

// SetMask changes the blocked mask and delivers pending signals it unblocks. It
// returns the previous mask.
func (s *State) SetMask(how How, set SigSet) (SigSet, error) {
	s.mu.Lock()
	old := s.blocked
	switch how {
	case Block:
		s.blocked = old.Union(set)
	case Unblock:
		s.blocked = old.Without(set)
	case SetMask:
		s.blocked = set
	default:
		s.mu.Unlock()
		return old, fmt.Errorf("signal: unknown mask operation %d", how)
	}
	var extra []Signo
	if !s.suspended {
		extra = s.takeUnblocked()
	}
	act := s.action
	s.mu.Unlock()

	if act != nil {
		for _, n := range extra {
			act(n)
		}
	}
	return old, nil
}

// takeUnblocked removes and returns pending signals outside the blocked mask.
func (s *State) takeUnblocked() []Signo {
	ready := s.pending.Without(s.blocked)
	if ready.Empty() {
		return nil
	}
	s.pending = s.pending.Without(ready)
	s.delivered += len(ready.Signals())
	return ready.Signals()
}
