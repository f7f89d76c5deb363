// Package olock implements the ownership lock: a reentrant, holder-tracked mutual
// exclusion primitive built on a binary semaphore.
//
// The same holder may acquire the lock any number of times without waiting; each
// Acquire must be matched by a Release. Any other holder waits until the recursion
// count drops back to zero. The lock has no timeouts of its own; AcquireContext lets a
// caller bound the wait with its own deadline or cancellation.
//
// A holder identity stands for one task, and a task runs on one goroutine at a time.
// Sharing one identity between goroutines that contend for the same lock is a misuse.
package olock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/rtkern/kernel/kctx"
)

var (
	// ErrWouldBlock is returned by TryAcquire when another holder owns the lock.
	ErrWouldBlock = errors.New("olock: would block")
	// ErrNotHolder is returned by Release when the caller does not hold the lock.
	ErrNotHolder = errors.New("olock: caller is not the holder")
)

// Lock is the ownership lock. Create with New.
type Lock struct {
	sem chan struct{} // binary semaphore; a token present means free

	holder atomic.Int64 // meaningful iff count > 0
	count  atomic.Int32

	waits    atomic.Int64 // acquisitions that had to wait
	acquires atomic.Int64
}

// New returns an unheld lock.
func New() *Lock {
	l := &Lock{sem: make(chan struct{}, 1)}
	l.sem <- struct{}{}
	l.holder.Store(int64(kctx.None))
	return l
}

// Acquire takes the lock for self, nesting if self already holds it.
func (l *Lock) Acquire(self kctx.Holder) {
	if l.nest(self) {
		return
	}
	select {
	case <-l.sem:
	default:
		l.waits.Add(1)
		<-l.sem
	}
	l.own(self)
}

// AcquireContext is Acquire with a wait bounded by ctx.
func (l *Lock) AcquireContext(ctx context.Context, self kctx.Holder) error {
	if l.nest(self) {
		return nil
	}
	select {
	case <-l.sem:
	default:
		l.waits.Add(1)
		select {
		case <-l.sem:
		case <-ctx.Done():
			return fmt.Errorf("olock: acquire for %s: %w", self, ctx.Err())
		}
	}
	l.own(self)
	return nil
}

// TryAcquire takes the lock only if that needs no waiting.
func (l *Lock) TryAcquire(self kctx.Holder) error {
	if l.nest(self) {
		return nil
	}
	select {
	case <-l.sem:
		l.own(self)
		return nil
	default:
		return ErrWouldBlock
	}
}

// Release drops one level of recursion; the final Release frees the lock.
func (l *Lock) Release(self kctx.Holder) error {
	if l.count.Load() == 0 || kctx.Holder(l.holder.Load()) != self {
		return fmt.Errorf("olock: release by %s: %w", self, ErrNotHolder)
	}
	if l.count.Add(-1) == 0 {
		l.holder.Store(int64(kctx.None))
		l.sem <- struct{}{}
	}
	return nil
}

// Holder returns the current holder and recursion count. The holder is kctx.None when
// the count is zero. The snapshot may be stale by the time it is read.
func (l *Lock) Holder() (kctx.Holder, int) {
	c := l.count.Load()
	if c == 0 {
		return kctx.None, 0
	}
	return kctx.Holder(l.holder.Load()), int(c)
}

// HeldBy reports whether self currently holds the lock.
func (l *Lock) HeldBy(self kctx.Holder) bool {
	return l.count.Load() > 0 && kctx.Holder(l.holder.Load()) == self
}

// Stats reports total acquisitions and how many of them waited.
func (l *Lock) Stats() (acquires, waits int64) {
	return l.acquires.Load(), l.waits.Load()
}

// nest bumps the recursion count when self already holds the lock.
func (l *Lock) nest(self kctx.Holder) bool {
	if l.count.Load() > 0 && kctx.Holder(l.holder.Load()) == self {
		l.count.Add(1)
		l.acquires.Add(1)
		return true
	}
	return false
}

func (l *Lock) own(self kctx.Holder) {
	l.holder.Store(int64(self))
	l.count.Store(1)
	l.acquires.Add(1)
}
