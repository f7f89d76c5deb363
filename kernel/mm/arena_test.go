package mm

import (
	"context"
	"errors"
	"maps"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/rtkern/internal/format"
	"github.com/joshuapare/rtkern/kernel/kctx"
	"github.com/joshuapare/rtkern/kernel/olock"
)

func TestNewArena_Layout(t *testing.T) {
	a := newTestArena(t, 4096)
	requireConsistent(t, a)

	var nodes []format.Node
	require.NoError(t, a.Walk(func(n format.Node) bool {
		nodes = append(nodes, n)
		return true
	}))
	require.Len(t, nodes, 1)
	assert.Equal(t, format.Node{Off: 8, Size: 4080, Allocated: false, Preceding: 8}, nodes[0])

	info := a.Info()
	assert.Equal(t, 4096, info.Size)
	assert.Equal(t, 4080, info.Free)
	assert.Equal(t, 4080, info.LargestFree)
	assert.Equal(t, GuardOverhead, info.Overhead())
}

func TestNewArena_RejectsTinyRegion(t *testing.T) {
	_, err := NewArena(0, DomainKernel, testBase, MinArenaSize-8)
	require.ErrorIs(t, err, ErrInvalidSize)
}

// The 4096-byte walkthrough: reuse of a freed hole and full coalescing at the end.
func TestArena_Scenario4096(t *testing.T) {
	ctx := context.Background()
	a := newTestArena(t, 4096)

	pa, err := a.Allocate(ctx, 100)
	require.NoError(t, err)
	requireConsistent(t, a)
	pb, err := a.Allocate(ctx, 200)
	require.NoError(t, err)
	requireConsistent(t, a)

	require.NoError(t, a.Free(ctx, pa))
	requireConsistent(t, a)

	pc, err := a.Allocate(ctx, 50)
	require.NoError(t, err)
	requireConsistent(t, a)
	assert.Equal(t, pa, pc, "best fit should reuse the hole left by A")

	require.NoError(t, a.Free(ctx, pb))
	requireConsistent(t, a)
	require.NoError(t, a.Free(ctx, pc))
	requireConsistent(t, a)

	info := a.Info()
	assert.Equal(t, 1, info.FreeNodes)
	assert.Equal(t, 0, info.AllocNodes)
	assert.Equal(t, 4080, info.Free)
	assert.Equal(t, 4080, info.LargestFree)
}

func TestArena_PointersAligned(t *testing.T) {
	ctx := context.Background()
	a := newTestArena(t, 8192)
	for _, n := range []int{1, 3, 7, 8, 9, 15, 16, 17, 33, 100, 255} {
		p, err := a.Allocate(ctx, n)
		require.NoError(t, err)
		assert.Zero(t, uint64(p)%format.Granule, "size %d", n)
		usable, err := a.UsableSize(ctx, p)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, usable, n)
	}
	requireConsistent(t, a)
}

func TestArena_MinimumNode(t *testing.T) {
	ctx := context.Background()
	a := newTestArena(t, 4096)
	p, err := a.Allocate(ctx, 1)
	require.NoError(t, err)
	usable, err := a.UsableSize(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, format.MinNodeSize-format.NodeHeaderSize, usable)
}

func TestArena_AbsorbsSmallRemainder(t *testing.T) {
	ctx := context.Background()
	a := newTestArena(t, 4096)

	// 4064 bytes need a 4072-byte node, leaving 8 bytes: too small to split off.
	p, err := a.Allocate(ctx, 4064)
	require.NoError(t, err)
	usable, err := a.UsableSize(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 4072, usable)
	assert.Zero(t, a.Stats().SplitCount)
	requireConsistent(t, a)

	_, err = a.Allocate(ctx, 1)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, 1, a.Stats().AllocFailures)
}

func TestArena_InvalidSizes(t *testing.T) {
	ctx := context.Background()
	a := newTestArena(t, 4096)

	_, err := a.Allocate(ctx, 0)
	require.ErrorIs(t, err, ErrInvalidSize)
	_, err = a.Allocate(ctx, -5)
	require.ErrorIs(t, err, ErrInvalidSize)
	_, err = a.Allocate(ctx, format.MaxNodeSize)
	require.ErrorIs(t, err, ErrInvalidSize)
	_, err = a.Allocate(ctx, math.MaxInt)
	require.ErrorIs(t, err, ErrInvalidSize)
	_, err = a.Allocate(ctx, 4096)
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestArena_Coalescing(t *testing.T) {
	ctx := context.Background()
	a := newTestArena(t, 4096)

	p1, err := a.Allocate(ctx, 64)
	require.NoError(t, err)
	p2, err := a.Allocate(ctx, 64)
	require.NoError(t, err)
	p3, err := a.Allocate(ctx, 64)
	require.NoError(t, err)

	require.NoError(t, a.Free(ctx, p1))
	requireConsistent(t, a)
	require.NoError(t, a.Free(ctx, p3))
	requireConsistent(t, a)

	st := a.Stats()
	assert.Equal(t, 1, st.CoalesceForward)
	assert.Equal(t, 0, st.CoalesceBackward)
	assert.Equal(t, 2, a.Info().FreeNodes)

	require.NoError(t, a.Free(ctx, p2))
	requireConsistent(t, a)

	st = a.Stats()
	assert.Equal(t, 2, st.CoalesceForward)
	assert.Equal(t, 1, st.CoalesceBackward)
	info := a.Info()
	assert.Equal(t, 1, info.FreeNodes)
	assert.Equal(t, 4080, info.Free)
}

func TestArena_FreeNilIsNoop(t *testing.T) {
	a := newTestArena(t, 4096)
	require.NoError(t, a.Free(context.Background(), 0))
	assert.Zero(t, a.Stats().FreeCalls)
}

func TestArena_ZeroAllocate(t *testing.T) {
	ctx := context.Background()
	a := newTestArena(t, 4096)

	p, err := a.Allocate(ctx, 64)
	require.NoError(t, err)
	fill(t, a, p, 64, 0xAA)
	require.NoError(t, a.Free(ctx, p))

	z, err := a.ZeroAllocate(ctx, 64)
	require.NoError(t, err)
	require.Equal(t, p, z)
	requireFilled(t, a, z, 64, 0)
}

func TestArena_Realloc(t *testing.T) {
	ctx := context.Background()

	t.Run("grows in place", func(t *testing.T) {
		a := newTestArena(t, 4096)
		p, err := a.Allocate(ctx, 32)
		require.NoError(t, err)
		fill(t, a, p, 32, 0x11)

		q, err := a.Realloc(ctx, p, 100)
		require.NoError(t, err)
		assert.Equal(t, p, q)
		assert.Equal(t, 1, a.Stats().ReallocInPlace)
		requireFilled(t, a, q, 32, 0x11)
		requireConsistent(t, a)
	})

	t.Run("moves when blocked", func(t *testing.T) {
		a := newTestArena(t, 4096)
		p1, err := a.Allocate(ctx, 32)
		require.NoError(t, err)
		_, err = a.Allocate(ctx, 32)
		require.NoError(t, err)
		fill(t, a, p1, 32, 0x22)

		q, err := a.Realloc(ctx, p1, 200)
		require.NoError(t, err)
		assert.NotEqual(t, p1, q)
		requireFilled(t, a, q, 32, 0x22)
		assert.Equal(t, 2, a.Info().AllocNodes)
		requireConsistent(t, a)
	})

	t.Run("shrinks and returns the tail", func(t *testing.T) {
		a := newTestArena(t, 4096)
		p, err := a.Allocate(ctx, 200)
		require.NoError(t, err)

		q, err := a.Realloc(ctx, p, 16)
		require.NoError(t, err)
		assert.Equal(t, p, q)
		usable, err := a.UsableSize(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, 16, usable)
		assert.Equal(t, 1, a.Info().FreeNodes)
		requireConsistent(t, a)
	})

	t.Run("failure leaves original intact", func(t *testing.T) {
		a := newTestArena(t, 4096)
		p, err := a.Allocate(ctx, 32)
		require.NoError(t, err)
		_, err = a.Allocate(ctx, 32)
		require.NoError(t, err)
		fill(t, a, p, 32, 0x33)

		_, err = a.Realloc(ctx, p, 8000)
		require.ErrorIs(t, err, ErrOutOfMemory)
		requireFilled(t, a, p, 32, 0x33)
		requireConsistent(t, a)
	})

	t.Run("nil and zero", func(t *testing.T) {
		a := newTestArena(t, 4096)
		p, err := a.Realloc(ctx, 0, 40)
		require.NoError(t, err)
		require.NotZero(t, p)

		q, err := a.Realloc(ctx, p, 0)
		require.NoError(t, err)
		assert.Zero(t, q)
		assert.Equal(t, 0, a.Info().AllocNodes)
	})
}

func TestArena_DoubleFreeHalts(t *testing.T) {
	ctx := context.Background()
	var halted *CorruptionError
	a := newTestArena(t, 4096, WithHalt(func(ce *CorruptionError) { halted = ce }))

	p, err := a.Allocate(ctx, 64)
	require.NoError(t, err)
	require.NoError(t, a.Free(ctx, p))

	ce := requireCorruption(t, func() { _ = a.Free(ctx, p) })
	assert.Same(t, ce, halted)
	assert.Contains(t, ce.Reason, "double free")
	assert.Equal(t, p, ce.Addr)
	assert.True(t, errors.Is(ce, ErrCorruptionDetected))
	assert.Equal(t, 1, a.Stats().Corruptions)

	// The lock was released and the arena left untouched.
	_, count := a.Lock().Holder()
	assert.Zero(t, count)
	requireConsistent(t, a)
}

func TestArena_BadPointersHalt(t *testing.T) {
	ctx := context.Background()
	a := newTestArena(t, 4096)

	p, err := a.Allocate(ctx, 64)
	require.NoError(t, err)
	_, err = a.Allocate(ctx, 64)
	require.NoError(t, err)

	tests := []struct {
		name   string
		ptr    Ptr
		reason string
	}{
		{"misaligned", p + 4, "misaligned"},
		{"outside", testBase + 1<<20, "outside arena"},
		{"start guard", testBase, "outside arena"},
		{"interior", p + 16, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := requireCorruption(t, func() { _ = a.Free(ctx, tt.ptr) })
			if tt.reason != "" {
				assert.Contains(t, ce.Reason, tt.reason)
			}
			requireConsistent(t, a)
		})
	}
}

func TestArena_CorruptedTagHalts(t *testing.T) {
	ctx := context.Background()
	a := newTestArena(t, 4096)

	p, err := a.Allocate(ctx, 64)
	require.NoError(t, err)
	_, err = a.Allocate(ctx, 64)
	require.NoError(t, err)

	off := int(p-testBase) - format.NodeHeaderSize
	format.PutSize(a.mem, off, 24, true)

	ce := requireCorruption(t, func() { _ = a.Free(ctx, p) })
	assert.Contains(t, ce.Reason, "successor preceding tag")
	require.ErrorIs(t, a.Verify(), ErrInconsistent)
}

func TestArena_InterruptContextRejected(t *testing.T) {
	a := newTestArena(t, 4096)
	ctx := kctx.WithInterrupt(context.Background())

	_, err := a.Allocate(ctx, 16)
	require.ErrorIs(t, err, ErrInterruptContext)
	require.ErrorIs(t, a.Free(ctx, testBase+16), ErrInterruptContext)
}

func TestArena_NoSuspendDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	a := newTestArena(t, 4096)
	p, err := a.Allocate(ctx, 64)
	require.NoError(t, err)

	other := kctx.Anonymous()
	a.Lock().Acquire(other)

	err = a.Free(kctx.WithNoSuspend(ctx), p)
	require.ErrorIs(t, err, olock.ErrWouldBlock)

	require.NoError(t, a.Lock().Release(other))
	require.NoError(t, a.Free(kctx.WithNoSuspend(ctx), p))
	requireConsistent(t, a)
}

func TestArena_FreeHookReentersSameArena(t *testing.T) {
	ctx := context.Background()
	var inner Ptr
	hook := func(ctx context.Context, ar *Arena, p Ptr, size int) {
		if inner != 0 {
			return
		}
		assert.Equal(t, 64, size)
		q, err := ar.Allocate(ctx, 32)
		assert.NoError(t, err)
		inner = q
	}
	a := newTestArena(t, 4096, WithFreeHook(hook))

	p, err := a.Allocate(ctx, 64)
	require.NoError(t, err)
	require.NoError(t, a.Free(ctx, p))

	require.NotZero(t, inner)
	_, count := a.Lock().Holder()
	assert.Zero(t, count)
	assert.Equal(t, 1, a.Info().AllocNodes)
	requireConsistent(t, a)
}

func TestArena_BytesBounds(t *testing.T) {
	a := newTestArena(t, 4096)
	_, err := a.Bytes(testBase+4088, 16)
	require.ErrorIs(t, err, ErrBadPointer)
	_, err = a.Bytes(testBase+8192, 1)
	require.ErrorIs(t, err, ErrBadPointer)
	b, err := a.Bytes(testBase+16, 8)
	require.NoError(t, err)
	assert.Len(t, b, 8)
}

func TestArena_Close(t *testing.T) {
	a, err := NewArena(0, DomainUser, testBase, 4096)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Close(), ErrClosed)
	_, err = a.Allocate(context.Background(), 8)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, a.Verify(), ErrClosed)
}

// arenaState is everything allocate-then-free must leave untouched.
type arenaState struct {
	info      Info
	nodes     []format.Node
	free      map[int][2]int // offset -> size, size class
	freeCount int
	freeBytes int
	live      map[int]struct{}
	allocated int
}

func captureState(t *testing.T, a *Arena) arenaState {
	t.Helper()
	st := arenaState{info: a.Info(), free: make(map[int][2]int)}
	require.NoError(t, a.Walk(func(n format.Node) bool {
		st.nodes = append(st.nodes, n)
		return true
	}))
	for off, n := range a.free.byOff {
		st.free[off] = [2]int{int(n.size), n.sc}
	}
	st.freeCount, st.freeBytes = a.free.count, a.free.bytes
	st.live = maps.Clone(a.live)
	st.allocated = a.allocated
	return st
}

func TestArena_AllocateFreeRestoresState(t *testing.T) {
	ctx := context.Background()
	a := newTestArena(t, 8192)

	// Fragment the arena: free nodes of 48, 112, 200-ish and the tail, separated by
	// live ones.
	var held []Ptr
	for _, size := range []int{40, 24, 104, 24, 192, 24, 64} {
		p, err := a.Allocate(ctx, size)
		require.NoError(t, err)
		held = append(held, p)
	}
	for _, i := range []int{0, 2, 4} {
		require.NoError(t, a.Free(ctx, held[i]))
	}
	requireConsistent(t, a)

	// Exact fit, split, absorbed remainder, tail node and a size larger than every hole.
	for _, n := range []int{40, 8, 96, 100, 192, 1000, 6000} {
		before := captureState(t, a)
		p, err := a.Allocate(ctx, n)
		require.NoError(t, err, "allocate %d", n)
		require.NoError(t, a.Free(ctx, p))
		requireConsistent(t, a)
		assert.Equal(t, before, captureState(t, a), "allocate(%d) then free", n)
	}
}

func TestArena_CloseWhileWaiting(t *testing.T) {
	a, err := NewArena(0, DomainUser, testBase, 4096)
	require.NoError(t, err)

	owner := kctx.Anonymous()
	a.Lock().Acquire(owner)

	result := make(chan error, 1)
	go func() {
		_, err := a.Allocate(context.Background(), 32)
		result <- err
	}()
	require.Eventually(t, func() bool {
		_, waits := a.Lock().Stats()
		return waits == 1
	}, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- a.Close() }()
	require.Eventually(t, func() bool {
		_, waits := a.Lock().Stats()
		return waits == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, a.Lock().Release(owner))
	require.ErrorIs(t, <-result, ErrClosed)
	require.NoError(t, <-closed)
}
