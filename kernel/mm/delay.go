package mm

import (
	"sync"
	"sync/atomic"
)

// DelayQueue stages frees that could not take an arena lock. Push holds the queue
// mutex only long enough to append, so it is safe from interrupt context.
type DelayQueue struct {
	mu      sync.Mutex
	entries []Ptr

	staged    atomic.Int64
	collected atomic.Int64
}

// Push stages p for a later blocking free.
func (q *DelayQueue) Push(p Ptr) {
	q.mu.Lock()
	q.entries = append(q.entries, p)
	q.mu.Unlock()
	q.staged.Add(1)
}

// Drain removes and returns every staged entry in FIFO order.
func (q *DelayQueue) Drain() []Ptr {
	q.mu.Lock()
	out := q.entries
	q.entries = nil
	q.mu.Unlock()
	return out
}

// Requeue puts entries back ahead of anything staged since they were drained.
func (q *DelayQueue) Requeue(entries []Ptr) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	merged := make([]Ptr, 0, len(entries)+len(q.entries))
	merged = append(merged, entries...)
	q.entries = append(merged, q.entries...)
	q.mu.Unlock()
}

// Len returns the number of staged entries.
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Counts returns the totals staged and collected since creation.
func (q *DelayQueue) Counts() (staged, collected int64) {
	return q.staged.Load(), q.collected.Load()
}

func (q *DelayQueue) markCollected() {
	q.collected.Add(1)
}
