package wqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/rtkern/internal/logger"
	"github.com/joshuapare/rtkern/internal/tracing"
	"github.com/joshuapare/rtkern/kernel/clock"
	"github.com/joshuapare/rtkern/kernel/mm"
)

// QueueID names a queue within a dispatcher.
type QueueID uint8

const (
	// HighPriority is the kernel high-priority queue.
	HighPriority QueueID = iota
	// LowPriority is the kernel low-priority queue; its worker also runs the collector.
	LowPriority
	// UserQueue is the single queue of a user-mode dispatcher.
	UserQueue
)

func (id QueueID) String() string {
	switch id {
	case HighPriority:
		return "hpwork"
	case LowPriority:
		return "lpwork"
	case UserQueue:
		return "uswork"
	}
	return fmt.Sprintf("queue(%d)", uint8(id))
}

// Hook runs at the top of every worker iteration.
type Hook func(ctx context.Context)

// Queue is a FIFO of pending work served by one worker goroutine.
type Queue struct {
	id    QueueID
	clock clock.Clock
	log   *slog.Logger

	mu         sync.Mutex
	head, tail *Work
	n          int

	wake chan struct{}

	hook       Hook
	hookPeriod clock.Ticks

	executed atomic.Int64
	failed   atomic.Int64
}

func newQueue(id QueueID, clk clock.Clock, log *slog.Logger) *Queue {
	if log == nil {
		log = logger.L
	}
	return &Queue{
		id:    id,
		clock: clk,
		log:   log,
		wake:  make(chan struct{}, 1),
	}
}

// ID returns the queue's identifier.
func (q *Queue) ID() QueueID { return q.id }

// Submit links w at the tail with fn and arg. The worker will not run it until
// delay ticks have elapsed.
func (q *Queue) Submit(w *Work, fn Func, arg any, delay clock.Ticks) error {
	if w == nil || fn == nil {
		return ErrInvalidHandle
	}
	q.mu.Lock()
	if !w.owner.CompareAndSwap(nil, q) {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", q.id, ErrAlreadyQueued)
	}
	w.fn = fn
	w.arg = arg
	w.qtime = q.clock.Now()
	w.delay = max(delay, 0)
	q.pushBack(w)
	q.mu.Unlock()

	q.kick()
	return nil
}

// Cancel unlinks w if it is pending on this queue.
func (q *Queue) Cancel(w *Work) error {
	if w == nil {
		return ErrInvalidHandle
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.owner.Load() != q {
		return fmt.Errorf("%s: %w", q.id, ErrNotFound)
	}
	q.unlink(w)
	return nil
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Counts returns how many callbacks ran cleanly and how many failed.
func (q *Queue) Counts() (executed, failed int64) {
	return q.executed.Load(), q.failed.Load()
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) pushBack(w *Work) {
	w.next = nil
	w.prev = q.tail
	if q.tail != nil {
		q.tail.next = w
	} else {
		q.head = w
	}
	q.tail = w
	q.n++
}

func (q *Queue) unlink(w *Work) {
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		q.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		q.tail = w.prev
	}
	w.next, w.prev = nil, nil
	w.owner.Store(nil)
	q.n--
}

// pop unlinks the earliest-queued item whose delay has elapsed. Otherwise it returns
// the ticks until the next item comes due (0 when the queue is empty).
func (q *Queue) pop(now clock.Ticks) (fn Func, arg any, wait clock.Ticks, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for w := q.head; w != nil; w = w.next {
		elapsed := now - w.qtime
		if elapsed >= w.delay {
			fn, arg = w.fn, w.arg
			q.unlink(w)
			return fn, arg, 0, true
		}
		if rem := w.delay - elapsed; wait == 0 || rem < wait {
			wait = rem
		}
	}
	return nil, nil, wait, false
}

// run is the worker loop.
func (q *Queue) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if q.hook != nil {
			q.hook(ctx)
		}

		fn, arg, wait, ok := q.pop(q.clock.Now())
		if ok {
			q.execute(ctx, fn, arg)
			continue
		}

		if q.hook != nil && q.hookPeriod > 0 && (wait == 0 || q.hookPeriod < wait) {
			wait = q.hookPeriod
		}
		var t clock.Timer
		if wait > 0 {
			t = q.clock.AfterFunc(wait, q.kick)
		}
		select {
		case <-ctx.Done():
		case <-q.wake:
		}
		if t != nil {
			t.Stop()
		}
	}
}

// execute runs one callback in a span. Errors and panics are logged and the worker
// moves on; a heap corruption halt is not swallowed.
func (q *Queue) execute(ctx context.Context, fn Func, arg any) {
	ctx, span := tracing.StartSpan(ctx, "wqueue."+q.id.String())
	err := q.call(ctx, fn, arg)
	tracing.EndSpan(span, err)
	if err != nil {
		q.failed.Add(1)
		q.log.Warn("work failed", "queue", q.id.String(), "err", err)
		return
	}
	q.executed.Add(1)
}

func (q *Queue) call(ctx context.Context, fn Func, arg any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, halt := mm.IsCorruption(r); halt {
				panic(r)
			}
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return fn(ctx, arg)
}
