package mm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/rtkern/internal/buf"
	"github.com/joshuapare/rtkern/internal/logger"
	"github.com/joshuapare/rtkern/kernel/kctx"
	"github.com/joshuapare/rtkern/kernel/olock"
)

// Heap is the ordered set of arenas serving one domain.
type Heap struct {
	domain Domain
	space  *Space

	mu     sync.RWMutex
	arenas []*Arena // ordered by index; bases ascending
	closed atomic.Bool

	delayed *DelayQueue

	onFailure FailureHook
	halt      HaltFunc
	arenaOpts []ArenaOption
	log       *slog.Logger
}

// NewHeap returns an empty heap for domain. Arenas are placed in space.
func NewHeap(domain Domain, space *Space, opts ...HeapOption) *Heap {
	if space == nil {
		space = NewSpace(0)
	}
	h := &Heap{
		domain:  domain,
		space:   space,
		delayed: &DelayQueue{},
		log:     logger.L,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.onFailure == nil {
		h.onFailure = h.logFailure
	}
	return h
}

// Domain returns the heap's domain.
func (h *Heap) Domain() Domain { return h.domain }

// Delayed returns the heap's delayed-free queue.
func (h *Heap) Delayed() *DelayQueue { return h.delayed }

// AddArena creates an arena of size bytes and appends it to the heap, returning its index.
func (h *Heap) AddArena(size int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := len(h.arenas)
	opts := make([]ArenaOption, 0, len(h.arenaOpts)+2)
	opts = append(opts, WithArenaLogger(h.log), WithHalt(h.halt))
	opts = append(opts, h.arenaOpts...)

	a, err := NewArena(id, h.domain, h.space.Reserve(size), size, opts...)
	if err != nil {
		return -1, err
	}
	h.arenas = append(h.arenas, a)
	return id, nil
}

// Arena returns arena i.
func (h *Heap) Arena(i int) (*Arena, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if i < 0 || i >= len(h.arenas) {
		return nil, fmt.Errorf("%s heap arena %d: %w", h.domain, i, ErrUnknownArena)
	}
	return h.arenas[i], nil
}

// NumArenas returns the number of registered arenas.
func (h *Heap) NumArenas() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.arenas)
}

// Allocate tries each candidate arena in order and returns the first success. When
// every candidate is exhausted the failure hook runs before ErrOutOfMemory is returned.
func (h *Heap) Allocate(ctx context.Context, size int, opts ...AllocOption) (Ptr, error) {
	req := allocRequest{}
	for _, opt := range opts {
		opt(&req)
	}
	if req.caller == "" {
		req.caller = callerSite(2)
	}
	return h.allocate(ctx, size, req)
}

// ZeroAllocate is Allocate with the requested bytes zeroed.
func (h *Heap) ZeroAllocate(ctx context.Context, size int, opts ...AllocOption) (Ptr, error) {
	req := allocRequest{}
	for _, opt := range opts {
		opt(&req)
	}
	if req.caller == "" {
		req.caller = callerSite(2)
	}
	p, err := h.allocate(ctx, size, req)
	if err != nil {
		return 0, err
	}
	b, err := h.Bytes(p, size)
	if err != nil {
		return 0, err
	}
	clear(b)
	return p, nil
}

// Calloc allocates n zeroed elements of elem bytes each.
func (h *Heap) Calloc(ctx context.Context, n, elem int, opts ...AllocOption) (Ptr, error) {
	total, ok := buf.MulOverflowSafe(n, elem)
	if !ok {
		return 0, fmt.Errorf("mm: calloc %d x %d: %w", n, elem, ErrInvalidSize)
	}
	return h.ZeroAllocate(ctx, total, append(opts, WithCaller(callerSite(2)))...)
}

func (h *Heap) allocate(ctx context.Context, size int, req allocRequest) (Ptr, error) {
	candidates, err := h.candidates(req.arenas)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		h.onFailure(AllocFailure{Domain: h.domain, FirstArena: -1, LastArena: -1, Size: size, Caller: req.caller})
		return 0, fmt.Errorf("mm: %s heap has no arenas: %w", h.domain, ErrOutOfMemory)
	}

	for _, a := range candidates {
		p, err := a.Allocate(ctx, size)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrOutOfMemory) {
			return 0, err
		}
	}

	h.onFailure(AllocFailure{
		Domain:     h.domain,
		FirstArena: candidates[0].id,
		LastArena:  candidates[len(candidates)-1].id,
		Size:       size,
		Caller:     req.caller,
	})
	return 0, fmt.Errorf("mm: %s heap, %d bytes from %s: %w", h.domain, size, req.caller, ErrOutOfMemory)
}

func (h *Heap) candidates(idx []int) ([]*Arena, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if idx == nil {
		return append([]*Arena(nil), h.arenas...), nil
	}
	out := make([]*Arena, 0, len(idx))
	for _, i := range idx {
		if i < 0 || i >= len(h.arenas) {
			return nil, fmt.Errorf("%s heap arena %d: %w", h.domain, i, ErrUnknownArena)
		}
		out = append(out, h.arenas[i])
	}
	return out, nil
}

// Free returns p to its owning arena. Freeing the nil pointer is a no-op.
//
// From interrupt context the free is staged on the delayed queue. A non-suspendable
// caller tries the lock once and stages on contention. Otherwise the free blocks on
// the arena lock. An address outside every arena halts with a *CorruptionError.
func (h *Heap) Free(ctx context.Context, p Ptr) error {
	if p == 0 {
		return nil
	}
	if kctx.InInterrupt(ctx) {
		h.delayed.Push(p)
		return nil
	}

	a := h.owner(p)
	err := a.Free(ctx, p)
	if errors.Is(err, olock.ErrWouldBlock) {
		h.delayed.Push(p)
		return nil
	}
	return err
}

// Realloc resizes p inside its owning arena; a nil p allocates from the heap.
func (h *Heap) Realloc(ctx context.Context, p Ptr, size int) (Ptr, error) {
	if p == 0 {
		return h.allocate(ctx, size, allocRequest{caller: callerSite(2)})
	}
	return h.owner(p).Realloc(ctx, p, size)
}

// Owner returns the arena whose region contains p.
func (h *Heap) Owner(p Ptr) (*Arena, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	i := sort.Search(len(h.arenas), func(i int) bool {
		return h.arenas[i].base+Ptr(h.arenas[i].Size()) > p
	})
	if i < len(h.arenas) && h.arenas[i].Contains(p) {
		return h.arenas[i], true
	}
	return nil, false
}

// owner is Owner that halts on an address no arena contains.
func (h *Heap) owner(p Ptr) *Arena {
	a, ok := h.Owner(p)
	if !ok {
		h.corrupt(p, "pointer outside every arena")
	}
	return a
}

// Bytes returns n bytes of payload at p.
func (h *Heap) Bytes(p Ptr, n int) ([]byte, error) {
	a, ok := h.Owner(p)
	if !ok {
		return nil, fmt.Errorf("mm: %#x in %s heap: %w", uint64(p), h.domain, ErrBadPointer)
	}
	return a.Bytes(p, n)
}

// Collect performs a blocking free for every staged entry, in FIFO order. If a free
// halts, the entries not yet freed are re-staged ahead of newer ones before the halt
// propagates. It returns the number of entries freed. Entries of a heap closed
// during the pass are dropped with its regions.
func (h *Heap) Collect(ctx context.Context) (n int, err error) {
	pending := h.delayed.Drain()
	if len(pending) == 0 {
		return 0, nil
	}
	ctx, _ = kctx.Ensure(ctx)

	defer func() {
		if n < len(pending) && !h.closed.Load() {
			rest := pending[n:]
			if r := recover(); r != nil {
				// The halting entry is not retried.
				h.delayed.Requeue(rest[1:])
				panic(r)
			}
			h.delayed.Requeue(rest)
		}
	}()

	for _, p := range pending {
		a, ok := h.Owner(p)
		if !ok {
			if h.closed.Load() {
				return n, nil
			}
			a = h.owner(p)
		}
		if err := a.Free(ctx, p); err != nil {
			if errors.Is(err, ErrClosed) && h.closed.Load() {
				return n, nil
			}
			return n, fmt.Errorf("mm: collect %s heap: %w", h.domain, err)
		}
		h.delayed.markCollected()
		n++
	}
	return n, nil
}

// Info sums the usage of every arena.
func (h *Heap) Info() Info {
	h.mu.RLock()
	arenas := append([]*Arena(nil), h.arenas...)
	h.mu.RUnlock()

	var total Info
	for _, a := range arenas {
		total.add(a.Info())
	}
	return total
}

// Verify checks every arena.
func (h *Heap) Verify() error {
	h.mu.RLock()
	arenas := append([]*Arena(nil), h.arenas...)
	h.mu.RUnlock()

	var errs []error
	for _, a := range arenas {
		if err := a.Verify(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases every arena region. Staged frees are discarded with them.
func (h *Heap) Close() error {
	h.closed.Store(true)
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.delayed.Drain()); n > 0 {
		h.log.Debug("staged frees dropped on close", "domain", h.domain.String(), "count", n)
	}
	var errs []error
	for _, a := range h.arenas {
		if err := a.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	h.arenas = nil
	return errors.Join(errs...)
}

func (h *Heap) corrupt(p Ptr, reason string) {
	err := &CorruptionError{Domain: h.domain, Arena: -1, Addr: p, Reason: reason}
	h.log.Error("heap corruption", "domain", h.domain.String(), "ptr", fmt.Sprintf("%#x", uint64(p)), "reason", reason)
	if h.halt != nil {
		h.halt(err)
	}
	panic(err)
}

func (h *Heap) logFailure(f AllocFailure) {
	h.log.Warn("allocation failed",
		"domain", f.Domain.String(), "size", f.Size,
		"first_arena", f.FirstArena, "last_arena", f.LastArena, "caller", f.Caller)
}

// callerSite returns "file:line" for the frame skip levels above its caller.
func callerSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
