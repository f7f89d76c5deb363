package wqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joshuapare/rtkern/internal/logger"
	"github.com/joshuapare/rtkern/kernel/clock"
	"github.com/joshuapare/rtkern/kernel/kctx"
)

// Mode separates the privileged kernel dispatcher from the user one.
type Mode uint8

const (
	// ModeKernel owns HighPriority and, unless disabled, LowPriority.
	ModeKernel Mode = iota
	// ModeUser owns UserQueue.
	ModeUser
)

func (m Mode) String() string {
	if m == ModeKernel {
		return "kernel"
	}
	return "user"
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithoutLowPriority leaves a kernel dispatcher with only the high-priority queue.
func WithoutLowPriority() Option {
	return func(d *Dispatcher) {
		d.noLP = true
	}
}

// WithCollector installs hook on the low-priority kernel worker. The worker runs it
// every iteration and wakes at least every period ticks while idle.
func WithCollector(hook Hook, period clock.Ticks) Option {
	return func(d *Dispatcher) {
		d.collect = hook
		d.collectPeriod = period
	}
}

// Dispatcher owns the queues of one mode and their workers.
type Dispatcher struct {
	mode  Mode
	clock clock.Clock
	log   *slog.Logger

	noLP          bool
	collect       Hook
	collectPeriod clock.Ticks

	queues map[QueueID]*Queue
	order  []QueueID

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewDispatcher builds the queues for mode. Workers start with Start.
func NewDispatcher(mode Mode, clk clock.Clock, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		mode:   mode,
		clock:  clk,
		log:    logger.L,
		queues: make(map[QueueID]*Queue),
	}
	for _, opt := range opts {
		opt(d)
	}

	switch mode {
	case ModeKernel:
		d.order = []QueueID{HighPriority}
		if !d.noLP {
			d.order = append(d.order, LowPriority)
		}
	default:
		d.order = []QueueID{UserQueue}
	}
	for _, id := range d.order {
		q := newQueue(id, clk, d.log)
		if id == LowPriority {
			q.hook = d.collect
			q.hookPeriod = d.collectPeriod
		}
		d.queues[id] = q
	}
	return d
}

// Mode returns the dispatcher's mode.
func (d *Dispatcher) Mode() Mode { return d.mode }

// HasCollector reports whether a worker of this dispatcher runs the collector hook.
func (d *Dispatcher) HasCollector() bool {
	return d.collect != nil && d.queues[LowPriority] != nil
}

// Queue returns the queue with id.
func (d *Dispatcher) Queue(id QueueID) (*Queue, error) {
	q := d.queues[id]
	if q == nil {
		return nil, fmt.Errorf("%s dispatcher %s: %w", d.mode, id, ErrNoQueue)
	}
	return q, nil
}

// Submit queues w on queue id.
func (d *Dispatcher) Submit(id QueueID, w *Work, fn Func, arg any, delay clock.Ticks) error {
	q, err := d.Queue(id)
	if err != nil {
		return err
	}
	return q.Submit(w, fn, arg, delay)
}

// Cancel removes w from queue id.
func (d *Dispatcher) Cancel(id QueueID, w *Work) error {
	q, err := d.Queue(id)
	if err != nil {
		return err
	}
	return q.Cancel(w)
}

// Start launches one worker per queue. Each worker has its own lock-holder identity.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	for _, id := range d.order {
		q := d.queues[id]
		wctx := kctx.WithHolder(ctx, kctx.Anonymous())
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.log.Debug("worker started", "mode", d.mode.String(), "queue", q.id.String())
			q.run(wctx)
			d.log.Debug("worker stopped", "mode", d.mode.String(), "queue", q.id.String())
		}()
	}
	return nil
}

// Stop cancels the workers and waits for them. Pending work stays queued.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
}
