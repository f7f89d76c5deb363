// Package mm provides the kernel heap: a boundary-tag allocator over one or more
// arenas, multi-arena routing per heap domain, and the delayed-free collector.
//
// # Overview
//
// An Arena is a bounded region partitioned, with no gaps or overlaps, into a
// contiguous sequence of nodes. Every node carries an 8-byte boundary tag (see
// internal/format): its size with an allocation flag, and the size of the node
// immediately before it. The first and last nodes are permanently allocated guards,
// so forward and backward coalescing never run off the region.
//
// Free nodes are tracked in segregated size classes, each a min-heap keyed on node
// size, plus an offset index. Nothing is linked through the region itself, so a
// stray write into a payload cannot corrupt the free index.
//
// # Allocation
//
//	ptr, err := heap.Allocate(ctx, 200)
//	if err != nil {
//	    return err // wraps ErrOutOfMemory
//	}
//	buf, _ := heap.Bytes(ptr, 200)
//	copy(buf, payload)
//	_ = heap.Free(ctx, ptr)
//
// Allocate tries the heap's arenas in order (or the subset chosen with OnArena /
// OnArenas); the first success wins. When every candidate is exhausted the heap's
// failure hook receives the arena range, the requested size and the caller site
// before ErrOutOfMemory is returned.
//
// # Freeing
//
// Free verifies the node in front of the pointer is a live allocation. Anything else
// (double free, interior pointer, pointer outside every arena) means the arena can no
// longer be trusted: the heap halts with a *CorruptionError instead of returning.
//
// A freed node merges once forward and once backward. Because no two free nodes are
// ever adjacent, one pass in each direction restores the invariant.
//
// # Locking and delayed frees
//
// Every arena operation holds the arena's ownership lock (kernel/olock) for its
// duration, with the holder identity taken from the context (kernel/kctx). The lock
// is reentrant, so a free hook may allocate from the same arena on the same context.
//
// Frees issued from interrupt context, or from a non-suspendable context that finds
// the lock busy, are staged on the heap's DelayQueue. A Collector pass later drains
// each domain's queue under the normal lock. Every staged address is freed exactly
// once; order is FIFO within a domain and unspecified across domains.
//
// # Related Packages
//
//   - github.com/joshuapare/rtkern/kernel/olock: ownership lock
//   - github.com/joshuapare/rtkern/kernel/kctx: holder identity and context kind
//   - github.com/joshuapare/rtkern/internal/region: arena backing memory
//   - github.com/joshuapare/rtkern/internal/format: node header layout
package mm
