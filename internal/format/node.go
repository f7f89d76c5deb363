// Package format defines the boundary-tag node layout used inside arena regions.
//
// Every node begins with an 8-byte header:
//
//	0x00  uint32  size | AllocBit   total node size including this header
//	0x04  uint32  preceding size    size of the node immediately before this one
//
// The preceding size gives O(1) backward traversal, the size gives O(1) forward
// traversal. The payload handed to callers starts right after the header.
package format

import "fmt"

const (
	// Granule is the allocation granularity in bytes.
	Granule = 8
	// GranuleMask masks the sub-granule bits.
	GranuleMask = Granule - 1

	// NodeHeaderSize is the size of the boundary tag in front of every node.
	NodeHeaderSize = 8

	// MinNodeSize is the smallest node the allocator will create. A remainder smaller
	// than this is absorbed into the allocation instead of being split off.
	MinNodeSize = 16

	// AllocBit marks a node as allocated in the size field.
	AllocBit uint32 = 0x80000000
	// SizeMask extracts the node size from the size field.
	SizeMask uint32 = ^AllocBit

	// MaxNodeSize is the largest encodable node.
	MaxNodeSize = int(SizeMask) &^ GranuleMask

	sizeFieldOffset = 0
	precFieldOffset = 4
)

// Node is a decoded boundary tag.
type Node struct {
	Off       int    // offset of the header inside the region
	Size      uint32 // total size including header
	Allocated bool
	Preceding uint32 // size of the previous node (0 for the first node)
}

// End returns the offset just past this node.
func (n Node) End() int {
	return n.Off + int(n.Size)
}

// Payload returns the offset of the first payload byte.
func (n Node) Payload() int {
	return n.Off + NodeHeaderSize
}

func (n Node) String() string {
	state := "free"
	if n.Allocated {
		state = "alloc"
	}
	return fmt.Sprintf("node@%#x size=%d prev=%d %s", n.Off, n.Size, n.Preceding, state)
}

// PutNode writes a full header at off.
func PutNode(b []byte, off int, size uint32, allocated bool, preceding uint32) {
	v := size & SizeMask
	if allocated {
		v |= AllocBit
	}
	PutU32(b, off+sizeFieldOffset, v)
	PutU32(b, off+precFieldOffset, preceding)
}

// PutSize rewrites the size and allocation flag at off, leaving the preceding tag alone.
func PutSize(b []byte, off int, size uint32, allocated bool) {
	v := size & SizeMask
	if allocated {
		v |= AllocBit
	}
	PutU32(b, off+sizeFieldOffset, v)
}

// PutPreceding rewrites only the preceding-size tag at off.
func PutPreceding(b []byte, off int, preceding uint32) {
	PutU32(b, off+precFieldOffset, preceding)
}

// ReadNode decodes the header at off without validation.
func ReadNode(b []byte, off int) Node {
	v := ReadU32(b, off+sizeFieldOffset)
	return Node{
		Off:       off,
		Size:      v & SizeMask,
		Allocated: v&AllocBit != 0,
		Preceding: ReadU32(b, off+precFieldOffset),
	}
}

// CheckNode decodes the header at off and validates it against the buffer.
func CheckNode(b []byte, off int) (Node, error) {
	if off < 0 || off+NodeHeaderSize > len(b) {
		return Node{}, fmt.Errorf("node at %#x: %w", off, ErrTruncated)
	}
	if !IsAligned8(off) {
		return Node{}, fmt.Errorf("node at %#x: %w", off, ErrMisaligned)
	}
	n := ReadNode(b, off)
	if n.Size < NodeHeaderSize || n.Size&GranuleMask != 0 {
		return n, fmt.Errorf("node at %#x size %d: %w", off, n.Size, ErrBadSize)
	}
	if n.End() > len(b) {
		return n, fmt.Errorf("node at %#x size %d: %w", off, n.Size, ErrTruncated)
	}
	return n, nil
}
