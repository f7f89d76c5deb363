package mm

import (
	"errors"
	"fmt"

	"github.com/joshuapare/rtkern/internal/format"
	"github.com/joshuapare/rtkern/kernel/kctx"
)

// ErrInconsistent is wrapped by every error Verify returns.
var ErrInconsistent = errors.New("mm: arena inconsistent")

// Walk calls fn for every node between the guards in address order until fn returns
// false. fn runs under the arena lock and must not call back into the arena.
func (a *Arena) Walk(fn func(format.Node) bool) error {
	if a.closed.Load() {
		return ErrClosed
	}
	self := kctx.Anonymous()
	a.lock.Acquire(self)
	defer a.leave(self)

	end := len(a.mem) - hdr
	for off := hdr; off < end; {
		n := format.ReadNode(a.mem, off)
		if n.Size < format.MinNodeSize {
			return fmt.Errorf("node at %#x size %d: %w", off, n.Size, ErrInconsistent)
		}
		if !fn(n) {
			return nil
		}
		off = n.End()
	}
	return nil
}

// Info returns a usage snapshot of the arena.
func (a *Arena) Info() Info {
	info := Info{Size: a.Size()}
	_ = a.Walk(func(n format.Node) bool {
		if n.Allocated {
			info.Allocated += int(n.Size)
			info.AllocNodes++
			return true
		}
		info.Free += int(n.Size)
		info.FreeNodes++
		info.LargestFree = max(info.LargestFree, int(n.Size))
		return true
	})
	return info
}

// Verify walks the arena checking every structural invariant:
//
//   - nodes tile the region exactly between the guards
//   - each node's preceding tag equals its predecessor's size
//   - no two free nodes are adjacent
//   - the free index holds exactly the free nodes
//   - the live set holds exactly the allocated nodes
//   - the allocated-bytes counter matches the walk
func (a *Arena) Verify() error {
	if a.closed.Load() {
		return ErrClosed
	}
	self := kctx.Anonymous()
	a.lock.Acquire(self)
	defer a.leave(self)
	return a.verifyLocked()
}

func (a *Arena) verifyLocked() error {
	size := len(a.mem)
	bad := func(msg string, args ...any) error {
		return fmt.Errorf("%s arena %d: %s: %w", a.domain, a.id, fmt.Sprintf(msg, args...), ErrInconsistent)
	}

	start := format.ReadNode(a.mem, 0)
	if !start.Allocated || start.Size != hdr {
		return bad("start guard %s", start)
	}
	last := size - hdr
	endGuard := format.ReadNode(a.mem, last)
	if !endGuard.Allocated || endGuard.Size != hdr {
		return bad("end guard %s", endGuard)
	}

	var (
		prevSize  = start.Size
		prevFree  bool
		freeSeen  int
		liveSeen  int
		allocated int
	)
	off := hdr
	for off < last {
		n, err := format.CheckNode(a.mem, off)
		if err != nil {
			return bad("%v", err)
		}
		if n.Size < format.MinNodeSize {
			return bad("%s below minimum node size", n)
		}
		if n.End() > last {
			return bad("%s overruns end guard", n)
		}
		if n.Preceding != prevSize {
			return bad("%s preceding tag, predecessor size %d", n, prevSize)
		}
		_, indexed := a.free.lookup(off)
		_, live := a.live[off]
		if n.Allocated {
			if indexed {
				return bad("%s allocated but in free index", n)
			}
			if !live {
				return bad("%s allocated but not live", n)
			}
			liveSeen++
			allocated += int(n.Size)
		} else {
			if prevFree {
				return bad("%s adjacent to free predecessor", n)
			}
			fn, _ := a.free.lookup(off)
			if !indexed || fn.size != n.Size {
				return bad("%s free but not indexed with its size", n)
			}
			if live {
				return bad("%s free but still live", n)
			}
			freeSeen++
		}
		prevFree = !n.Allocated
		prevSize = n.Size
		off = n.End()
	}
	if off != last {
		return bad("nodes end at %#x, end guard at %#x", off, last)
	}
	if endGuard.Preceding != prevSize {
		return bad("end guard preceding %d, last node size %d", endGuard.Preceding, prevSize)
	}
	if freeSeen != a.free.count {
		return bad("free index holds %d nodes, walk found %d", a.free.count, freeSeen)
	}
	if liveSeen != len(a.live) {
		return bad("live set holds %d nodes, walk found %d", len(a.live), liveSeen)
	}
	if allocated != a.allocated {
		return bad("allocated counter %d, walk found %d", a.allocated, allocated)
	}
	return nil
}
