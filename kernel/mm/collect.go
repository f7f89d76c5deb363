package mm

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/joshuapare/rtkern/internal/tracing"
)

// Collector drains the delayed-free queues of a set of heaps. Heaps may join and
// leave while passes run.
type Collector struct {
	mu    sync.Mutex
	heaps []*Heap
}

// NewCollector returns a collector over heaps, collected in the given order.
func NewCollector(heaps ...*Heap) *Collector {
	return &Collector{heaps: slices.Clone(heaps)}
}

// Add registers h behind the heaps already collected. Adding a heap twice is a no-op.
func (c *Collector) Add(h *Heap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.heaps, h) {
		c.heaps = append(c.heaps, h)
	}
}

// Remove unregisters h and reports whether it was registered. A pass already
// running may still visit h once.
func (c *Collector) Remove(h *Heap) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.Index(c.heaps, h)
	if i < 0 {
		return false
	}
	c.heaps = slices.Delete(c.heaps, i, i+1)
	return true
}

// Heaps returns the registered heaps in collection order.
func (c *Collector) Heaps() []*Heap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.heaps)
}

// Pass collects each heap in turn and returns the number of entries freed. An error
// from one heap does not stop the others.
func (c *Collector) Pass(ctx context.Context) (total int, err error) {
	ctx, span := tracing.StartSpan(ctx, "mm.collect")
	defer func() {
		span.WithInt("freed", total)
		tracing.EndSpan(span, err)
	}()

	var errs []error
	for _, h := range c.Heaps() {
		n, err := h.Collect(ctx)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Pending returns the number of staged entries across every heap.
func (c *Collector) Pending() int {
	n := 0
	for _, h := range c.Heaps() {
		n += h.delayed.Len()
	}
	return n
}
