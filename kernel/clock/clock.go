// Package clock provides the kernel tick clock.
//
// Delays in the kernel are expressed in ticks. System maps ticks onto wall time with a
// fixed tick length; Manual only moves when a test advances it.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Ticks counts kernel clock ticks.
type Ticks int64

// DefaultTick is the tick length used when none is configured.
const DefaultTick = 10 * time.Millisecond

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call stopped it.
	Stop() bool
}

// Clock is the tick source used by work queues and task timers.
type Clock interface {
	// Now returns the current tick count since boot.
	Now() Ticks
	// AfterFunc runs f on its own goroutine once d ticks have elapsed.
	AfterFunc(d Ticks, f func()) Timer
	// Duration converts ticks to wall time.
	Duration(t Ticks) time.Duration
}

// System is a Clock driven by the monotonic wall clock.
type System struct {
	boot time.Time
	tick time.Duration
}

// NewSystem returns a wall-clock tick source. A non-positive tick uses DefaultTick.
func NewSystem(tick time.Duration) *System {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &System{boot: time.Now(), tick: tick}
}

// Now implements Clock.
func (s *System) Now() Ticks {
	return Ticks(time.Since(s.boot) / s.tick)
}

// AfterFunc implements Clock.
func (s *System) AfterFunc(d Ticks, f func()) Timer {
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(s.Duration(d), f)
}

// Duration implements Clock.
func (s *System) Duration(t Ticks) time.Duration {
	return time.Duration(t) * s.tick
}

// Manual is a Clock that advances only through Advance. Safe for concurrent use.
type Manual struct {
	mu      sync.Mutex
	now     Ticks
	pending []*manualTimer
	tick    time.Duration
}

// NewManual returns a manual clock at tick zero.
func NewManual() *Manual {
	return &Manual{tick: DefaultTick}
}

type manualTimer struct {
	m        *Manual
	deadline Ticks
	f        func()
	done     bool
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Now implements Clock.
func (m *Manual) Now() Ticks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc implements Clock. A non-positive delay fires immediately.
func (m *Manual) AfterFunc(d Ticks, f func()) Timer {
	m.mu.Lock()
	t := &manualTimer{m: m, deadline: m.now + d, f: f}
	if d <= 0 {
		t.done = true
		m.mu.Unlock()
		go f()
		return t
	}
	m.pending = append(m.pending, t)
	m.mu.Unlock()
	return t
}

// Duration implements Clock.
func (m *Manual) Duration(t Ticks) time.Duration {
	return time.Duration(t) * m.tick
}

// Advance moves the clock forward by d ticks and fires every timer that came due,
// in deadline order.
func (m *Manual) Advance(d Ticks) {
	m.mu.Lock()
	m.now += d
	var due, keep []*manualTimer
	for _, t := range m.pending {
		switch {
		case t.done:
		case t.deadline <= m.now:
			t.done = true
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	m.pending = keep
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })
	for _, t := range due {
		go t.f()
	}
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.pending {
		if !t.done {
			n++
		}
	}
	return n
}
