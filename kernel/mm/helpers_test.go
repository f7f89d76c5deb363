package mm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testBase Ptr = 0x10000

// newTestArena creates an arena closed at test cleanup.
func newTestArena(t testing.TB, size int, opts ...ArenaOption) *Arena {
	t.Helper()
	a, err := NewArena(0, DomainKernel, testBase, size, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// newTestHeap creates a heap with one arena per size, closed at test cleanup.
func newTestHeap(t testing.TB, domain Domain, sizes []int, opts ...HeapOption) *Heap {
	t.Helper()
	h := NewHeap(domain, NewSpace(0), opts...)
	for _, size := range sizes {
		_, err := h.AddArena(size)
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// requireConsistent fails the test if any arena invariant is broken.
func requireConsistent(t testing.TB, a *Arena) {
	t.Helper()
	require.NoError(t, a.Verify())
}

// requireCorruption runs fn and returns the corruption report it halted with.
func requireCorruption(t testing.TB, fn func()) *CorruptionError {
	t.Helper()
	var got *CorruptionError
	func() {
		defer func() {
			r := recover()
			ce, ok := IsCorruption(r)
			require.True(t, ok, "expected corruption halt, got %v", r)
			got = ce
		}()
		fn()
	}()
	return got
}

// fill writes tag into every requested byte of p.
func fill(t testing.TB, a *Arena, p Ptr, n int, tag byte) {
	t.Helper()
	b, err := a.Bytes(p, n)
	require.NoError(t, err)
	for i := range b {
		b[i] = tag
	}
}

// requireFilled checks every byte of p still holds tag.
func requireFilled(t testing.TB, a *Arena, p Ptr, n int, tag byte) {
	t.Helper()
	b, err := a.Bytes(p, n)
	require.NoError(t, err)
	for i, v := range b {
		require.Equal(t, tag, v, "byte %d of %#x", i, uint64(p))
	}
}
