package mm

import (
	"container/heap"
	"math"
)

// SizeClassConfig defines the free-list size class strategy.
type SizeClassConfig struct {
	// Name for this configuration (for reports)
	Name string

	// Small node settings (linear increments)
	SmallMin       uint32 // Smallest node size class boundary
	SmallMax       uint32 // Max for linear increments
	SmallIncrement uint32 // Increment between small classes

	// Medium node settings (logarithmic growth)
	MediumMax    uint32  // Max before the large list
	GrowthFactor float64 // Exponential growth factor
}

// Predefined configurations.
var (
	// ConfigFineGrained: many small buckets, tight best-fit for varied request sizes.
	ConfigFineGrained = SizeClassConfig{
		Name:           "FineGrained",
		SmallMin:       16,
		SmallMax:       256,
		SmallIncrement: 8,
		MediumMax:      16384,
		GrowthFactor:   1.5,
	}

	// ConfigBalanced: good balance between class count and granularity.
	ConfigBalanced = SizeClassConfig{
		Name:           "Balanced",
		SmallMin:       16,
		SmallMax:       512,
		SmallIncrement: 16,
		MediumMax:      16384,
		GrowthFactor:   1.5,
	}

	// ConfigCoarse: few buckets, suited to small arenas with few distinct sizes.
	ConfigCoarse = SizeClassConfig{
		Name:           "Coarse",
		SmallMin:       16,
		SmallMax:       256,
		SmallIncrement: 32,
		MediumMax:      8192,
		GrowthFactor:   2.0,
	}

	// DefaultSizeClasses is used when an arena is created without an explicit config.
	DefaultSizeClasses = ConfigBalanced
)

// sizeClassTable holds the computed size class boundaries.
type sizeClassTable struct {
	config     SizeClassConfig
	boundaries []uint32 // Upper bound for each size class
	numClasses int
}

// newSizeClassTable computes size class boundaries from config.
func newSizeClassTable(config SizeClassConfig) *sizeClassTable {
	table := &sizeClassTable{
		config:     config,
		boundaries: make([]uint32, 0, 64),
	}

	// Phase 1: small sizes (linear increments)
	for size := config.SmallMin; size < config.SmallMax; size += config.SmallIncrement {
		table.boundaries = append(table.boundaries, size+config.SmallIncrement-1)
	}

	// Phase 2: medium sizes (logarithmic growth)
	if config.SmallMax < config.MediumMax {
		size := config.SmallMax
		for size < config.MediumMax {
			nextSize := uint32(math.Ceil(float64(size) * config.GrowthFactor))
			if nextSize <= size {
				nextSize = size + 1 // Ensure progress
			}
			table.boundaries = append(table.boundaries, nextSize-1)
			size = nextSize
		}
	}

	table.numClasses = len(table.boundaries)
	return table
}

// getSizeClass returns the size class index for a node size.
// Returns t.numClasses for sizes above every boundary (the large list).
func (t *sizeClassTable) getSizeClass(size uint32) int {
	lo, hi := 0, t.numClasses-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if size <= t.boundaries[mid] {
			if mid == 0 || size > t.boundaries[mid-1] {
				return mid
			}
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	return t.numClasses
}

// freeNode is the index entry for one free node in the region.
type freeNode struct {
	off       int    // offset of the node header in the region
	size      uint32 // node size including header
	sc        int    // size class (which heap this belongs to)
	heapIndex int    // position in heap (for heap.Remove)
}

// freeNodeHeap implements heap.Interface as a min-heap keyed on node size,
// with ties broken by lower offset so placement is deterministic.
type freeNodeHeap []*freeNode

func (h *freeNodeHeap) Len() int { return len(*h) }

func (h *freeNodeHeap) Less(i, j int) bool {
	a, b := (*h)[i], (*h)[j]
	if a.size != b.size {
		return a.size < b.size
	}
	return a.off < b.off
}

func (h *freeNodeHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
	(*h)[i].heapIndex = i
	(*h)[j].heapIndex = j
}

func (h *freeNodeHeap) Push(x any) {
	n := x.(*freeNode) //nolint:errcheck // heap.Interface contract guarantees type
	n.heapIndex = len(*h)
	*h = append(*h, n)
}

func (h *freeNodeHeap) Pop() any {
	old := *h
	last := len(old) - 1
	n := old[last]
	n.heapIndex = -1
	old[last] = nil
	*h = old[:last]
	return n
}

// freeIndex is the segregated free structure of one arena. The last list holds
// nodes above every size class boundary.
type freeIndex struct {
	table *sizeClassTable
	lists []freeNodeHeap
	byOff map[int]*freeNode

	count int
	bytes int

	heapPushes  int
	heapRemoves int
}

func newFreeIndex(config SizeClassConfig) *freeIndex {
	table := newSizeClassTable(config)
	return &freeIndex{
		table: table,
		lists: make([]freeNodeHeap, table.numClasses+1),
		byOff: make(map[int]*freeNode, 64),
	}
}

// insert records a free node.
func (fi *freeIndex) insert(off int, size uint32) {
	sc := fi.table.getSizeClass(size)
	n := &freeNode{off: off, size: size, sc: sc}
	heap.Push(&fi.lists[sc], n)
	fi.byOff[off] = n
	fi.count++
	fi.bytes += int(size)
	fi.heapPushes++
}

// remove drops the free node at off. Reports false if no such node is indexed.
func (fi *freeIndex) remove(off int) bool {
	n := fi.byOff[off]
	if n == nil {
		return false
	}
	fi.detach(n)
	return true
}

// lookup returns the indexed free node at off.
func (fi *freeIndex) lookup(off int) (*freeNode, bool) {
	n, ok := fi.byOff[off]
	return n, ok
}

func (fi *freeIndex) detach(n *freeNode) {
	heap.Remove(&fi.lists[n.sc], n.heapIndex)
	delete(fi.byOff, n.off)
	fi.count--
	fi.bytes -= int(n.size)
	fi.heapRemoves++
}

// take removes and returns a free node of at least need bytes, or nil.
//
// The search starts at need's size class. Within a class heap[0] is the smallest
// node, so if it fits it is the best fit in that class; otherwise a bounded scan
// looks for the smallest fitting node. Only if every bounded search misses does a
// full scan run, so a fitting node is never overlooked.
func (fi *freeIndex) take(need uint32) *freeNode {
	const maxSlowPathScan = 32

	for sc := fi.table.getSizeClass(need); sc < len(fi.lists); sc++ {
		list := fi.lists[sc]
		if len(list) == 0 {
			continue
		}
		if list[0].size >= need {
			n := list[0]
			fi.detach(n)
			return n
		}
		if n := bestFit(list, need, maxSlowPathScan); n != nil {
			fi.detach(n)
			return n
		}
	}

	// Slow path: bounded scans missed. Consider every node.
	var best *freeNode
	for sc := range fi.lists {
		if n := bestFit(fi.lists[sc], need, len(fi.lists[sc])); n != nil {
			if best == nil || n.size < best.size || (n.size == best.size && n.off < best.off) {
				best = n
			}
		}
	}
	if best != nil {
		fi.detach(best)
	}
	return best
}

// largest returns the size of the largest indexed free node.
func (fi *freeIndex) largest() uint32 {
	var top uint32
	for _, list := range fi.lists {
		for _, n := range list {
			if n.size > top {
				top = n.size
			}
		}
	}
	return top
}

// bestFit returns the smallest node of at least need among the first limit entries.
func bestFit(list freeNodeHeap, need uint32, limit int) *freeNode {
	limit = min(limit, len(list))
	var best *freeNode
	for i := range limit {
		n := list[i]
		if n.size < need {
			continue
		}
		if best == nil || n.size < best.size || (n.size == best.size && n.off < best.off) {
			best = n
		}
	}
	return best
}
