package wqueue

import (
	"context"
	"sync/atomic"

	"github.com/joshuapare/rtkern/kernel/clock"
)

// Func is a deferred work callback. A returned error is logged by the worker.
type Func func(ctx context.Context, arg any) error

// Work is a deferred work item. Its storage belongs to the submitter; a queue only
// links it while it is pending. The zero value is unlinked and ready to submit.
type Work struct {
	fn    Func
	arg   any
	qtime clock.Ticks
	delay clock.Ticks

	owner      atomic.Pointer[Queue] // nil while unlinked
	next, prev *Work
}

// Available reports whether w is unlinked and may be submitted.
func (w *Work) Available() bool {
	return w.owner.Load() == nil
}
