package task

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/joshuapare/rtkern/internal/logger"
	"github.com/joshuapare/rtkern/kernel/clock"
	"github.com/joshuapare/rtkern/kernel/signal"
)

// TimerID names a timer within a TimerSet.
type TimerID uint64

type ptimer struct {
	id    TimerID
	pid   PID
	signo signal.Signo
	t     clock.Timer
}

// TimerSet holds per-task one-shot timers. Expiry posts the timer's signal to whatever
// TCB owns the PID at that moment, so a task's timers must be deleted before its PID
// is released.
type TimerSet struct {
	mu     sync.Mutex
	clock  clock.Clock
	pids   *PIDTable
	next   TimerID
	timers map[TimerID]*ptimer
	byPID  map[PID]map[TimerID]struct{}
	fired  int
	log    *slog.Logger
}

// NewTimerSet returns a timer set driven by clk, resolving PIDs through pids.
func NewTimerSet(clk clock.Clock, pids *PIDTable, log *slog.Logger) *TimerSet {
	if log == nil {
		log = logger.L
	}
	return &TimerSet{
		clock:  clk,
		pids:   pids,
		timers: make(map[TimerID]*ptimer),
		byPID:  make(map[PID]map[TimerID]struct{}),
		log:    log,
	}
}

// Create arms a timer that posts signo to pid after delay ticks.
func (s *TimerSet) Create(pid PID, delay clock.Ticks, signo signal.Signo) (TimerID, error) {
	if !signo.Valid() {
		return 0, fmt.Errorf("task: timer for pid %d: %w", pid, signal.ErrInvalidSigno)
	}

	// Release marks the TCB released before DeleteAll takes mu.
	s.mu.Lock()
	defer s.mu.Unlock()
	if tcb := s.pids.Lookup(pid); tcb == nil || tcb.Released() {
		return 0, fmt.Errorf("task: timer for pid %d: %w", pid, ErrUnknownPID)
	}
	s.next++
	pt := &ptimer{id: s.next, pid: pid, signo: signo}
	s.timers[pt.id] = pt
	set := s.byPID[pid]
	if set == nil {
		set = make(map[TimerID]struct{})
		s.byPID[pid] = set
	}
	set[pt.id] = struct{}{}
	id := pt.id
	pt.t = s.clock.AfterFunc(delay, func() { s.expire(id) })
	return id, nil
}

// Delete disarms one timer.
func (s *TimerSet) Delete(id TimerID) error {
	s.mu.Lock()
	pt := s.timers[id]
	if pt == nil {
		s.mu.Unlock()
		return fmt.Errorf("task: timer %d: %w", id, ErrNoTimer)
	}
	s.unlink(pt)
	s.mu.Unlock()
	pt.t.Stop()
	return nil
}

// DeleteAll disarms every timer of pid and returns how many there were.
func (s *TimerSet) DeleteAll(pid PID) int {
	s.mu.Lock()
	var gone []*ptimer
	for id := range s.byPID[pid] {
		pt := s.timers[id]
		gone = append(gone, pt)
		s.unlink(pt)
	}
	s.mu.Unlock()

	for _, pt := range gone {
		pt.t.Stop()
	}
	return len(gone)
}

// Count returns the number of armed timers of pid.
func (s *TimerSet) Count(pid PID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPID[pid])
}

// Fired returns the number of timers that delivered their signal.
func (s *TimerSet) Fired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

func (s *TimerSet) expire(id TimerID) {
	s.mu.Lock()
	pt := s.timers[id]
	if pt == nil {
		// Deleted after the clock fired.
		s.mu.Unlock()
		return
	}
	s.unlink(pt)
	s.mu.Unlock()

	tcb := s.pids.Lookup(pt.pid)
	if tcb == nil {
		s.log.Debug("timer expired for exited task", "pid", pt.pid, "timer", pt.id)
		return
	}
	if err := tcb.Signals().Post(pt.signo); err != nil {
		s.log.Warn("timer signal", "pid", pt.pid, "signo", pt.signo, "err", err)
		return
	}
	s.mu.Lock()
	s.fired++
	s.mu.Unlock()
}

func (s *TimerSet) unlink(pt *ptimer) {
	delete(s.timers, pt.id)
	if set := s.byPID[pt.pid]; set != nil {
		delete(set, pt.id)
		if len(set) == 0 {
			delete(s.byPID, pt.pid)
		}
	}
}
