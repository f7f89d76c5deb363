package mm

import (
	"context"
	"fmt"
	"sync"
)

// Ptr is an address in the kernel's simulated address space. Zero is the nil pointer.
type Ptr uint64

// Domain separates the privileged kernel heap from the unprivileged user heap.
type Domain uint8

const (
	// DomainKernel is the kernel-private heap.
	DomainKernel Domain = iota
	// DomainUser is the user-shared heap.
	DomainUser
	// DomainPrivate is an arena owned by an isolated address environment.
	DomainPrivate
)

func (d Domain) String() string {
	switch d {
	case DomainKernel:
		return "kernel"
	case DomainUser:
		return "user"
	case DomainPrivate:
		return "private"
	}
	return fmt.Sprintf("domain(%d)", uint8(d))
}

// Info is a mallinfo-style snapshot of an arena or a whole heap.
type Info struct {
	Size        int // total region bytes
	Allocated   int // bytes in allocated nodes, headers included, guards excluded
	Free        int // bytes in free nodes, headers included
	FreeNodes   int
	AllocNodes  int
	LargestFree int // largest free node, header included
}

// Overhead returns the bytes consumed by guard nodes.
func (i Info) Overhead() int {
	return i.Size - i.Allocated - i.Free
}

func (i *Info) add(o Info) {
	i.Size += o.Size
	i.Allocated += o.Allocated
	i.Free += o.Free
	i.FreeNodes += o.FreeNodes
	i.AllocNodes += o.AllocNodes
	i.LargestFree = max(i.LargestFree, o.LargestFree)
}

// AllocFailure is handed to the failure hook before ErrOutOfMemory is returned.
type AllocFailure struct {
	Domain     Domain
	FirstArena int
	LastArena  int
	Size       int
	Caller     string // file:line of the allocating call
}

// FailureHook observes allocation failures (logging, heap dumps).
type FailureHook func(AllocFailure)

// FreeHook runs under the arena lock after a node has been freed and coalesced.
// size is the payload size the caller had. The hook may call back into the same
// arena with ctx; the lock nests for the same holder.
type FreeHook func(ctx context.Context, a *Arena, ptr Ptr, size int)

// Space hands out non-overlapping base addresses for arenas so a pointer identifies
// exactly one arena across every heap of a kernel instance.
type Space struct {
	mu   sync.Mutex
	next Ptr
}

// spaceAlign is the alignment of arena bases; one unused alignment unit separates
// consecutive arenas so an address just past an arena belongs to nobody.
const spaceAlign = 64 << 10

// DefaultSpaceBase is where the first arena of a fresh Space is placed.
const DefaultSpaceBase Ptr = 0x1000_0000

// NewSpace returns an address space starting at base (DefaultSpaceBase when zero).
func NewSpace(base Ptr) *Space {
	if base == 0 {
		base = DefaultSpaceBase
	}
	base = (base + spaceAlign - 1) &^ (spaceAlign - 1)
	return &Space{next: base}
}

// Reserve returns the base address for a region of size bytes.
func (s *Space) Reserve(size int) Ptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.next
	span := (Ptr(size) + spaceAlign - 1) &^ (spaceAlign - 1)
	s.next += span + spaceAlign
	return base
}
