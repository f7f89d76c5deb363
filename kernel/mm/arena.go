package mm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/joshuapare/rtkern/internal/buf"
	"github.com/joshuapare/rtkern/internal/format"
	"github.com/joshuapare/rtkern/internal/logger"
	"github.com/joshuapare/rtkern/internal/region"
	"github.com/joshuapare/rtkern/kernel/kctx"
	"github.com/joshuapare/rtkern/kernel/olock"
)

const (
	// hdr is the boundary tag size as an int for offset arithmetic.
	hdr = format.NodeHeaderSize

	// MinArenaSize fits both guard nodes and one minimum free node.
	MinArenaSize = 2*format.NodeHeaderSize + format.MinNodeSize

	// GuardOverhead is the fixed per-arena cost of the start and end guard nodes.
	GuardOverhead = 2 * format.NodeHeaderSize
)

// Stats holds per-arena counters.
type Stats struct {
	AllocCalls       int   // Total Allocate() calls that reached the free index
	AllocFailures    int   // Allocations that found no fitting node
	FreeCalls        int   // Total successful frees
	ReallocCalls     int   // Total Realloc() calls on live pointers
	ReallocInPlace   int   // Reallocs that grew into the following free node
	SplitCount       int   // Nodes split on allocation
	CoalesceForward  int   // Forward merges
	CoalesceBackward int   // Backward merges
	BytesAllocated   int64 // Total node bytes handed out
	BytesFreed       int64 // Total node bytes returned
	Corruptions      int   // Corruption halts raised
}

// Arena is one boundary-tag heap instance over a private region.
type Arena struct {
	id     int
	domain Domain
	base   Ptr
	reg    *region.Region
	mem    []byte
	lock   *olock.Lock

	classes   SizeClassConfig
	free      *freeIndex
	live      map[int]struct{} // offsets of allocated nodes, guards excluded
	allocated int              // bytes in live nodes

	stats Stats

	log    *slog.Logger
	halt   HaltFunc
	onFree FreeHook
	closed atomic.Bool
}

// NewArena creates an arena of size bytes (rounded down to the granule) at base.
//
// Layout after creation:
//
//	[start guard 8][free node size-16][end guard 8]
func NewArena(id int, domain Domain, base Ptr, size int, opts ...ArenaOption) (*Arena, error) {
	size = format.AlignDown8(size)
	if size < MinArenaSize || size > format.MaxNodeSize {
		return nil, fmt.Errorf("mm: arena %d of %d bytes: %w", id, size, ErrInvalidSize)
	}

	reg, err := region.New(size)
	if err != nil {
		return nil, fmt.Errorf("mm: arena %d: %w", id, err)
	}

	a := &Arena{
		id:      id,
		domain:  domain,
		base:    base,
		reg:     reg,
		mem:     reg.Bytes(),
		lock:    olock.New(),
		classes: DefaultSizeClasses,
		live:    make(map[int]struct{}, 64),
		log:     logger.L,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.free = newFreeIndex(a.classes)

	freeSize := uint32(size - GuardOverhead)
	format.PutNode(a.mem, 0, hdr, true, 0)
	format.PutNode(a.mem, hdr, freeSize, false, hdr)
	format.PutNode(a.mem, size-hdr, hdr, true, freeSize)
	a.free.insert(hdr, freeSize)

	a.log.Debug("arena created",
		"domain", domain.String(), "arena", id, "base", fmt.Sprintf("%#x", uint64(base)),
		"size", size, "mapped", reg.Mapped())
	return a, nil
}

// ID returns the arena's index within its heap.
func (a *Arena) ID() int { return a.id }

// Domain returns the heap domain the arena serves.
func (a *Arena) Domain() Domain { return a.domain }

// Base returns the address of the first byte of the region.
func (a *Arena) Base() Ptr { return a.base }

// Size returns the region size in bytes.
func (a *Arena) Size() int { return len(a.mem) }

// Lock exposes the arena's ownership lock for diagnostics.
func (a *Arena) Lock() *olock.Lock { return a.lock }

// Contains reports whether p falls inside the arena's region.
func (a *Arena) Contains(p Ptr) bool {
	return p >= a.base && p < a.base+Ptr(len(a.mem))
}

// Allocate returns a pointer to at least size usable bytes.
func (a *Arena) Allocate(ctx context.Context, size int) (Ptr, error) {
	need, err := nodeSizeFor(size)
	if err != nil {
		return 0, err
	}
	_, self, err := a.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer a.leave(self)
	return a.allocateLocked(need)
}

// ZeroAllocate is Allocate followed by zero-filling the requested bytes.
func (a *Arena) ZeroAllocate(ctx context.Context, size int) (Ptr, error) {
	p, err := a.Allocate(ctx, size)
	if err != nil {
		return 0, err
	}
	payload, err := a.Bytes(p, size)
	if err != nil {
		return 0, err
	}
	clear(payload)
	return p, nil
}

// Free releases the allocation at p. Freeing the nil pointer is a no-op.
//
// A pointer that does not address a live allocation halts the arena with a
// *CorruptionError; Free never returns in that case. The only errors returned are
// lock-related: ErrInterruptContext, or olock.ErrWouldBlock for a non-suspendable
// caller that found the lock busy.
func (a *Arena) Free(ctx context.Context, p Ptr) error {
	if p == 0 {
		return nil
	}
	ctx, self, err := a.enter(ctx)
	if err != nil {
		return err
	}
	defer a.leave(self)
	a.freeLocked(ctx, p)
	return nil
}

// Realloc resizes the allocation at p, growing in place into a following free node
// when possible and moving otherwise. On failure the original allocation is intact.
func (a *Arena) Realloc(ctx context.Context, p Ptr, size int) (Ptr, error) {
	if p == 0 {
		return a.Allocate(ctx, size)
	}
	if size == 0 {
		return 0, a.Free(ctx, p)
	}
	need, err := nodeSizeFor(size)
	if err != nil {
		return 0, err
	}
	ctx, self, err := a.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer a.leave(self)

	off, node := a.liveNode(p)
	a.stats.ReallocCalls++
	cur := node.Size

	if need > cur {
		next := format.ReadNode(a.mem, off+int(cur))
		if next.Allocated || cur+next.Size < need {
			np, err := a.allocateLocked(need)
			if err != nil {
				return 0, err
			}
			noff := int(np-a.base) - hdr
			copy(a.mem[noff+hdr:noff+int(need)], a.mem[off+hdr:off+int(cur)])
			a.freeLocked(ctx, p)
			return np, nil
		}

		a.free.remove(next.Off)
		cur += next.Size
		format.PutSize(a.mem, off, cur, true)
		format.PutPreceding(a.mem, off+int(cur), cur)
		a.allocated += int(next.Size)
		a.stats.BytesAllocated += int64(next.Size)
		a.stats.ReallocInPlace++
	}

	a.trimLocked(off, cur, need)
	return p, nil
}

// UsableSize returns the payload capacity of the live allocation at p.
func (a *Arena) UsableSize(ctx context.Context, p Ptr) (int, error) {
	_, self, err := a.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer a.leave(self)
	_, node := a.liveNode(p)
	return int(node.Size) - hdr, nil
}

// Bytes returns n bytes of payload starting at p. It checks only that the range lies
// inside the arena's region; it does not verify p is a live allocation.
func (a *Arena) Bytes(p Ptr, n int) ([]byte, error) {
	if !a.Contains(p) || p < a.base+hdr {
		return nil, fmt.Errorf("mm: %#x not in arena %d: %w", uint64(p), a.id, ErrBadPointer)
	}
	off := int(p - a.base)
	if _, err := buf.CheckRange(len(a.mem)-hdr, off, n); err != nil {
		return nil, fmt.Errorf("mm: %#x+%d in arena %d: %w: %w", uint64(p), n, a.id, ErrBadPointer, err)
	}
	return a.mem[off : off+n], nil
}

// Stats returns a copy of the arena counters.
func (a *Arena) Stats() Stats {
	self := kctx.Anonymous()
	a.lock.Acquire(self)
	defer a.leave(self)
	return a.stats
}

// Close releases the arena's region. Pointers into the arena become invalid.
func (a *Arena) Close() error {
	if a.closed.Swap(true) {
		return ErrClosed
	}
	self := kctx.Anonymous()
	a.lock.Acquire(self)
	defer a.leave(self)
	a.mem = nil
	return a.reg.Close()
}

// enter takes the arena lock according to the caller's execution context.
func (a *Arena) enter(ctx context.Context) (context.Context, kctx.Holder, error) {
	if a.closed.Load() {
		return ctx, kctx.None, ErrClosed
	}
	ctx, self := kctx.Ensure(ctx)
	switch kctx.KindOf(ctx) {
	case kctx.KindInterrupt:
		return ctx, self, ErrInterruptContext
	case kctx.KindNoSuspend:
		if err := a.lock.TryAcquire(self); err != nil {
			return ctx, self, err
		}
	default:
		a.lock.Acquire(self)
	}
	if a.closed.Load() {
		a.leave(self)
		return ctx, self, ErrClosed
	}
	return ctx, self, nil
}

func (a *Arena) leave(self kctx.Holder) {
	if err := a.lock.Release(self); err != nil {
		a.log.Error("arena lock release", "arena", a.id, "holder", self.String(), "err", err)
	}
}

// allocateLocked takes a fitting free node, splitting off the remainder when it can
// stand as a node of its own.
func (a *Arena) allocateLocked(need uint32) (Ptr, error) {
	a.stats.AllocCalls++

	n := a.free.take(need)
	if n == nil {
		a.stats.AllocFailures++
		return 0, fmt.Errorf("mm: %s arena %d, node of %d bytes: %w", a.domain, a.id, need, ErrOutOfMemory)
	}

	off, size := n.off, n.size
	if rem := size - need; rem >= format.MinNodeSize {
		a.stats.SplitCount++
		tail := off + int(need)
		format.PutSize(a.mem, off, need, true)
		format.PutNode(a.mem, tail, rem, false, need)
		format.PutPreceding(a.mem, off+int(size), rem)
		a.free.insert(tail, rem)
		size = need
	} else {
		format.PutSize(a.mem, off, size, true)
	}

	a.live[off] = struct{}{}
	a.allocated += int(size)
	a.stats.BytesAllocated += int64(size)
	return a.base + Ptr(off+hdr), nil
}

// freeLocked clears the node at p and merges it with free neighbours: once forward,
// once backward.
func (a *Arena) freeLocked(ctx context.Context, p Ptr) {
	off, node := a.liveNode(p)
	size := node.Size

	delete(a.live, off)
	a.allocated -= int(size)
	a.stats.FreeCalls++
	a.stats.BytesFreed += int64(size)

	next := format.ReadNode(a.mem, off+int(size))
	if !next.Allocated {
		if !a.free.remove(next.Off) {
			a.corrupt(p, next, "free successor missing from free index")
		}
		size += next.Size
		a.stats.CoalesceForward++
	}

	if prevOff := off - int(node.Preceding); prevOff >= 0 {
		prev := format.ReadNode(a.mem, prevOff)
		if !prev.Allocated {
			if !a.free.remove(prevOff) {
				a.corrupt(p, prev, "free predecessor missing from free index")
			}
			size += prev.Size
			off = prevOff
			a.stats.CoalesceBackward++
		}
	}

	format.PutSize(a.mem, off, size, false)
	format.PutPreceding(a.mem, off+int(size), size)
	a.free.insert(off, size)

	if a.onFree != nil {
		a.onFree(ctx, a, p, int(node.Size)-hdr)
	}
}

// trimLocked shrinks the live node at off from cur to need bytes, returning the tail
// to the free index (merged with a free successor) when it is large enough.
func (a *Arena) trimLocked(off int, cur, need uint32) {
	rem := cur - need
	if rem < format.MinNodeSize {
		return
	}
	tail := off + int(need)
	next := format.ReadNode(a.mem, off+int(cur))
	if !next.Allocated {
		a.free.remove(next.Off)
		rem += next.Size
	}
	format.PutSize(a.mem, off, need, true)
	format.PutNode(a.mem, tail, rem, false, need)
	format.PutPreceding(a.mem, tail+int(rem), rem)
	a.free.insert(tail, rem)
	a.allocated -= int(cur - need)
	a.stats.BytesFreed += int64(cur - need)
}

// liveNode validates that p addresses a live allocation and returns its node.
// Any violation halts the arena.
func (a *Arena) liveNode(p Ptr) (int, format.Node) {
	if !a.Contains(p) || p < a.base+hdr {
		a.corrupt(p, format.Node{}, "pointer outside arena")
	}
	off := int(p-a.base) - hdr
	if !format.IsAligned8(off) {
		a.corrupt(p, format.Node{Off: off}, "misaligned pointer")
	}
	node, err := format.CheckNode(a.mem, off)
	if err != nil {
		a.corrupt(p, node, err.Error())
	}
	if _, ok := a.live[off]; !ok {
		if !node.Allocated {
			a.corrupt(p, node, "double free or free of unallocated node")
		}
		a.corrupt(p, node, "pointer does not address an allocation")
	}
	if !node.Allocated {
		a.corrupt(p, node, "allocation flag cleared on live node")
	}
	if next := format.ReadNode(a.mem, node.End()); next.Preceding != node.Size {
		a.corrupt(p, node, fmt.Sprintf("successor preceding tag %d != size", next.Preceding))
	}
	prevOff := off - int(node.Preceding)
	if prevOff < 0 || !format.IsAligned8(prevOff) || format.ReadNode(a.mem, prevOff).Size != node.Preceding {
		a.corrupt(p, node, "predecessor size does not match preceding tag")
	}
	return off, node
}

// corrupt reports a boundary-tag violation and halts. It never returns.
func (a *Arena) corrupt(p Ptr, n format.Node, reason string) {
	err := &CorruptionError{Domain: a.domain, Arena: a.id, Addr: p, Node: n, Reason: reason}
	a.stats.Corruptions++
	a.log.Error("heap corruption",
		"domain", a.domain.String(), "arena", a.id, "ptr", fmt.Sprintf("%#x", uint64(p)), "reason", reason)
	if a.halt != nil {
		a.halt(err)
	}
	panic(err)
}

// nodeSizeFor converts a payload request into a node size.
func nodeSizeFor(size int) (uint32, error) {
	if size <= 0 {
		return 0, fmt.Errorf("mm: request of %d bytes: %w", size, ErrInvalidSize)
	}
	total, ok := buf.AddOverflowSafe(size, hdr)
	if !ok || total > format.MaxNodeSize {
		return 0, fmt.Errorf("mm: request of %d bytes exceeds the largest node: %w", size, ErrInvalidSize)
	}
	return uint32(max(format.Align8(total), format.MinNodeSize)), nil
}

// IsCorruption reports whether a recovered panic value is a corruption halt.
func IsCorruption(v any) (*CorruptionError, bool) {
	err, ok := v.(error)
	if !ok {
		return nil, false
	}
	var ce *CorruptionError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
