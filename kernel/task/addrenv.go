package task

import (
	"fmt"
	"sync"

	"github.com/joshuapare/rtkern/kernel/mm"
)

// AddrEnv is an isolated address environment: a private arena that belongs to the
// tasks attached to it. The arena's region is released when the last reference
// detaches.
type AddrEnv struct {
	mu        sync.Mutex
	heap      *mm.Heap
	refs      int
	destroyed bool
	collector *mm.Collector
}

// NewAddrEnv creates an environment with one private arena of size bytes placed in
// space. The caller holds the first reference.
func NewAddrEnv(space *mm.Space, size int, opts ...mm.HeapOption) (*AddrEnv, error) {
	h := mm.NewHeap(mm.DomainPrivate, space, opts...)
	if _, err := h.AddArena(size); err != nil {
		return nil, fmt.Errorf("task: address environment: %w", err)
	}
	return &AddrEnv{heap: h, refs: 1}, nil
}

// Heap returns the environment's private heap.
func (e *AddrEnv) Heap() *mm.Heap { return e.heap }

// Contains reports whether p lies inside the environment's arena.
func (e *AddrEnv) Contains(p mm.Ptr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return false
	}
	_, ok := e.heap.Owner(p)
	return ok
}

// CollectWith registers the environment's heap with c so frees staged on it are
// applied by c's passes. The heap leaves c when the environment is destroyed.
func (e *AddrEnv) CollectWith(c *mm.Collector) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return fmt.Errorf("task: collect address environment: %w", ErrDestroyed)
	}
	if e.collector == c {
		return nil
	}
	if e.collector != nil {
		e.collector.Remove(e.heap)
	}
	e.collector = c
	if c != nil {
		c.Add(e.heap)
	}
	return nil
}

// Attach takes a reference.
func (e *AddrEnv) Attach() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return fmt.Errorf("task: attach address environment: %w", ErrDestroyed)
	}
	e.refs++
	return nil
}

// Detach drops a reference; the last one destroys the environment.
func (e *AddrEnv) Detach() (destroyed bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return false, fmt.Errorf("task: detach address environment: %w", ErrDestroyed)
	}
	e.refs--
	if e.refs > 0 {
		return false, nil
	}
	e.destroyed = true
	if e.collector != nil {
		e.collector.Remove(e.heap)
		e.collector = nil
	}
	return true, e.heap.Close()
}

// Refs returns the reference count.
func (e *AddrEnv) Refs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}
