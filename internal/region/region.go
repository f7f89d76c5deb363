// Package region provides the backing memory for arenas.
//
// On unix a region is an anonymous private mapping, so an arena's pages are only
// committed when touched and are returned to the OS as a unit when the region is
// closed. Elsewhere a region is an ordinary Go byte slice.
package region

import (
	"errors"
	"fmt"
	"sync"
)

// PageSize is the granularity regions are rounded up to.
const PageSize = 4096

var (
	// ErrClosed indicates the region was already released.
	ErrClosed = errors.New("region: closed")
	// ErrSize indicates a non-positive or oversized request.
	ErrSize = errors.New("region: invalid size")
)

// Region is a fixed-size block of memory owned by one arena.
type Region struct {
	mu     sync.Mutex
	data   []byte
	size   int
	mapped bool
	closed bool
}

// New returns a zeroed region of at least size bytes, rounded up to PageSize.
// The usable length reported by Len is exactly size.
func New(size int) (*Region, error) {
	if size <= 0 || size > maxRegion {
		return nil, fmt.Errorf("region: %d bytes: %w", size, ErrSize)
	}
	length := (size + PageSize - 1) &^ (PageSize - 1)
	data, mapped, err := mapAnon(length)
	if err != nil {
		return nil, fmt.Errorf("region: map %d bytes: %w", length, err)
	}
	return &Region{data: data, size: size, mapped: mapped}, nil
}

// Bytes returns the usable memory. The slice is invalid after Close.
func (r *Region) Bytes() []byte {
	return r.data[:r.size]
}

// Len returns the usable size in bytes.
func (r *Region) Len() int {
	return r.size
}

// Mapped reports whether the region is an OS mapping rather than a Go slice.
func (r *Region) Mapped() bool {
	return r.mapped
}

// Close releases the region. Calling Close twice returns ErrClosed.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	data := r.data
	r.data = nil
	if r.mapped {
		return unmapAnon(data)
	}
	return nil
}
