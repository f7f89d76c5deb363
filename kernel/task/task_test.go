package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/rtkern/kernel/clock"
	"github.com/joshuapare/rtkern/kernel/kctx"
	"github.com/joshuapare/rtkern/kernel/mm"
	"github.com/joshuapare/rtkern/kernel/signal"
)

type fixture struct {
	space *mm.Space
	kheap *mm.Heap
	uheap *mm.Heap
	pids  *PIDTable
	clk   *clock.Manual
	coll  *mm.Collector
	mgr   *Manager
}

func newFixture(t *testing.T, pidCap int) *fixture {
	t.Helper()
	f := &fixture{space: mm.NewSpace(0), clk: clock.NewManual()}
	f.kheap = mm.NewHeap(mm.DomainKernel, f.space)
	f.uheap = mm.NewHeap(mm.DomainUser, f.space)
	_, err := f.kheap.AddArena(64 << 10)
	require.NoError(t, err)
	_, err = f.uheap.AddArena(64 << 10)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.kheap.Close()
		_ = f.uheap.Close()
	})

	f.pids, err = NewPIDTable(pidCap)
	require.NoError(t, err)
	f.coll = mm.NewCollector(f.kheap, f.uheap)
	f.mgr = NewManager(f.kheap, f.uheap, f.pids, NewTimerSet(f.clk, f.pids, nil), nil, WithCollector(f.coll))
	return f
}

func (f *fixture) requireNoAllocations(t *testing.T) {
	t.Helper()
	require.NoError(t, f.kheap.Verify())
	require.NoError(t, f.uheap.Verify())
	assert.Zero(t, f.kheap.Info().AllocNodes, "kernel heap")
	assert.Zero(t, f.uheap.Info().AllocNodes, "user heap")
}

func TestPIDTable_AllocateLookupRelease(t *testing.T) {
	pt, err := NewPIDTable(3)
	require.NoError(t, err)
	assert.Equal(t, 4, pt.Capacity())

	var tcbs []*TCB
	for range 4 {
		tcb := &TCB{}
		pid, err := pt.Allocate(tcb)
		require.NoError(t, err)
		assert.Equal(t, pid, tcb.PID())
		tcbs = append(tcbs, tcb)
	}
	_, err = pt.Allocate(&TCB{})
	require.ErrorIs(t, err, ErrNoPID)

	require.NoError(t, pt.AddTicks(tcbs[1].pid, 7))
	assert.Equal(t, int64(7), pt.Ticks(tcbs[1].pid))
	require.NoError(t, pt.Release(tcbs[1].pid))
	require.ErrorIs(t, pt.Release(tcbs[1].pid), ErrUnknownPID)
	assert.Nil(t, pt.Lookup(tcbs[1].pid))
	assert.Equal(t, 3, pt.Live())

	reuse := &TCB{}
	pid, err := pt.Allocate(reuse)
	require.NoError(t, err)
	assert.NotEqual(t, tcbs[1].pid, pid, "pids are not recycled immediately")
	assert.Same(t, reuse, pt.Lookup(pid))
	assert.Zero(t, pt.Ticks(pid), "load accounting restarts")
	assert.Nil(t, pt.Lookup(tcbs[1].pid))
}

func TestTimerSet_DeliversToCurrentOwner(t *testing.T) {
	f := newFixture(t, 8)
	var got []signal.Signo
	var mu sync.Mutex
	tcb, err := f.mgr.Create(context.Background(), Spec{Name: "t", Action: func(n signal.Signo) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	}})
	require.NoError(t, err)

	_, err = f.mgr.Timers().Create(tcb.PID(), 5, 14)
	require.NoError(t, err)
	id, err := f.mgr.Timers().Create(tcb.PID(), 5, 15)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Timers().Delete(id))
	require.ErrorIs(t, f.mgr.Timers().Delete(id), ErrNoTimer)

	f.clk.Advance(5)
	require.Eventually(t, func() bool { return f.mgr.Timers().Fired() == 1 }, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []signal.Signo{14}, got)
	mu.Unlock()

	require.NoError(t, f.mgr.Release(context.Background(), tcb, KindTask))
}

// Timers are deleted before the PID is released, so nothing fires into a task
// that later owns the same slot.
func TestRelease_TimersGoneBeforePIDReuse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	old, err := f.mgr.Create(ctx, Spec{Name: "old"})
	require.NoError(t, err)
	for i := range 3 {
		_, err := f.mgr.Timers().Create(old.PID(), clock.Ticks(10+i), 10)
		require.NoError(t, err)
	}
	require.NoError(t, f.mgr.Release(ctx, old, KindTask))
	assert.Zero(t, f.mgr.Timers().Count(old.PID()))

	var hits int
	var mu sync.Mutex
	fresh, err := f.mgr.Create(ctx, Spec{Name: "fresh", Action: func(signal.Signo) {
		mu.Lock()
		hits++
		mu.Unlock()
	}})
	require.NoError(t, err)

	f.clk.Advance(100)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, hits)
	mu.Unlock()
	assert.Zero(t, f.mgr.Timers().Fired())

	require.NoError(t, f.mgr.Release(ctx, fresh, KindTask))
	f.requireNoAllocations(t)
}

func TestCreate_StackHeapByKind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)

	kt, err := f.mgr.Create(ctx, Spec{Name: "kworker", Kind: KindKernel})
	require.NoError(t, err)
	assert.Equal(t, mm.DomainKernel, kt.Stack().Domain)
	_, ok := f.kheap.Owner(kt.Stack().Ptr)
	assert.True(t, ok)

	ut, err := f.mgr.Create(ctx, Spec{Name: "app", Kind: KindTask, StackSize: 1024})
	require.NoError(t, err)
	assert.Equal(t, mm.DomainUser, ut.Stack().Domain)
	assert.Equal(t, 1024, ut.Stack().Size)
	_, ok = f.uheap.Owner(ut.Stack().Ptr)
	assert.True(t, ok)

	_, ok = f.kheap.Owner(ut.Storage())
	assert.True(t, ok, "tcb records always live in the kernel heap")

	require.NoError(t, f.mgr.Release(ctx, kt, KindKernel))
	require.NoError(t, f.mgr.Release(ctx, ut, KindTask))
	f.requireNoAllocations(t)
	assert.Zero(t, f.pids.Live())
}

func TestCreate_InvalidSpecs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)
	_, err := f.mgr.Create(ctx, Spec{Name: "orphan", Kind: KindPthread})
	require.ErrorIs(t, err, ErrInvalidSpec)

	env, err := NewAddrEnv(f.space, 8192)
	require.NoError(t, err)
	_, err = f.mgr.Create(ctx, Spec{Name: "k", Kind: KindKernel, AddrEnv: env})
	require.ErrorIs(t, err, ErrInvalidSpec)
}

func TestCreate_UndoesOnPIDExhaustion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	first, err := f.mgr.Create(ctx, Spec{Name: "a"})
	require.NoError(t, err)
	before := f.kheap.Info().AllocNodes + f.uheap.Info().AllocNodes

	_, err = f.mgr.Create(ctx, Spec{Name: "b"})
	require.ErrorIs(t, err, ErrNoPID)
	assert.Equal(t, before, f.kheap.Info().AllocNodes+f.uheap.Info().AllocNodes)

	require.NoError(t, f.mgr.Release(ctx, first, KindTask))
	f.requireNoAllocations(t)
}

func TestRelease_Twice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)
	tcb, err := f.mgr.Create(ctx, Spec{Name: "once"})
	require.NoError(t, err)

	require.NoError(t, f.mgr.Release(ctx, tcb, KindTask))
	assert.True(t, tcb.Released())
	require.ErrorIs(t, f.mgr.Release(ctx, tcb, KindTask), ErrAlreadyReleased)
	f.requireNoAllocations(t)

	created, released := f.mgr.Counts()
	assert.Equal(t, int64(1), created)
	assert.Equal(t, int64(1), released)
}

func TestRelease_GroupLifetime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)

	leader, err := f.mgr.Create(ctx, Spec{Name: "main"})
	require.NoError(t, err)
	g := leader.Group()
	worker, err := f.mgr.Create(ctx, Spec{Name: "worker", Kind: KindPthread, Group: g})
	require.NoError(t, err)
	assert.ElementsMatch(t, []PID{leader.PID(), worker.PID()}, g.Members())

	// An exit hook already took the worker out of the group.
	require.NoError(t, f.mgr.LeaveGroup(ctx, worker))
	require.ErrorIs(t, f.mgr.LeaveGroup(ctx, worker), ErrAlreadyLeft)
	require.NoError(t, f.mgr.Release(ctx, worker, KindPthread))
	assert.False(t, g.Destroyed())

	storage := g.Storage()
	require.NotZero(t, storage)
	require.NoError(t, f.mgr.Release(ctx, leader, KindTask))
	assert.True(t, g.Destroyed())
	assert.Zero(t, g.Storage())
	require.ErrorIs(t, g.Join(99), ErrDestroyed)
	f.requireNoAllocations(t)
}

// A stack inside the task's own address environment goes away with the environment
// and is not freed through the user heap.
func TestRelease_AddrEnvStack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)

	env, err := NewAddrEnv(f.space, 16<<10)
	require.NoError(t, err)
	tcb, err := f.mgr.Create(ctx, Spec{Name: "isolated", AddrEnv: env})
	require.NoError(t, err)
	assert.Equal(t, mm.DomainPrivate, tcb.Stack().Domain)
	assert.True(t, env.Contains(tcb.Stack().Ptr))
	assert.Equal(t, 2, env.Refs())

	destroyed, err := env.Detach()
	require.NoError(t, err)
	assert.False(t, destroyed)

	require.NoError(t, f.mgr.Release(ctx, tcb, KindTask))
	assert.Zero(t, env.Refs())
	assert.False(t, env.Contains(tcb.Stack().Ptr))
	require.ErrorIs(t, env.Attach(), ErrDestroyed)
	f.requireNoAllocations(t)
}

func TestCreate_AddrEnvHeapCollected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)

	env, err := NewAddrEnv(f.space, 16<<10)
	require.NoError(t, err)
	tcb, err := f.mgr.Create(ctx, Spec{Name: "isolated", AddrEnv: env})
	require.NoError(t, err)
	assert.Contains(t, f.coll.Heaps(), env.Heap())

	p, err := env.Heap().Allocate(ctx, 128)
	require.NoError(t, err)
	require.NoError(t, env.Heap().Free(kctx.WithInterrupt(ctx), p))
	assert.Equal(t, 1, f.coll.Pending())

	n, err := f.coll.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, env.Heap().Info().AllocNodes, "only the stack is left")

	require.NoError(t, f.mgr.Release(ctx, tcb, KindTask))
	destroyed, err := env.Detach()
	require.NoError(t, err)
	assert.True(t, destroyed)
	assert.NotContains(t, f.coll.Heaps(), env.Heap())
	f.requireNoAllocations(t)
}

func TestRelease_KindDoesNotMatchStack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)

	user, err := f.mgr.Create(ctx, Spec{Name: "user", Kind: KindTask})
	require.NoError(t, err)
	kthread, err := f.mgr.Create(ctx, Spec{Name: "kthread", Kind: KindKernel})
	require.NoError(t, err)

	require.NoError(t, f.mgr.Release(ctx, user, KindKernel))
	require.NoError(t, f.mgr.Release(ctx, kthread, KindTask))
	f.requireNoAllocations(t)
}

func TestTimerSet_NoTimerOutlivesRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)
	timers := f.mgr.Timers()

	for range 50 {
		tcb, err := f.mgr.Create(ctx, Spec{Name: "t"})
		require.NoError(t, err)

		armed := make(chan int)
		go func() {
			n := 0
			for {
				if _, err := timers.Create(tcb.PID(), 1000, 3); err != nil {
					armed <- n
					return
				}
				n++
			}
		}()
		require.NoError(t, f.mgr.Release(ctx, tcb, KindTask))
		<-armed
		assert.Zero(t, timers.Count(tcb.PID()))
	}
	f.requireNoAllocations(t)
}

func TestRelease_ConcurrentTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 64)

	tcbs := make([]*TCB, 40)
	for i := range tcbs {
		kind := KindTask
		if i%3 == 0 {
			kind = KindKernel
		}
		var err error
		tcbs[i], err = f.mgr.Create(ctx, Spec{Name: "t", Kind: kind, StackSize: 512 + i*8})
		require.NoError(t, err)
		_, err = f.mgr.Timers().Create(tcbs[i].PID(), 1000, 3)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, tcb := range tcbs {
		wg.Add(1)
		go func(tcb *TCB) {
			defer wg.Done()
			assert.NoError(t, f.mgr.Release(ctx, tcb, tcb.Kind()))
		}(tcb)
	}
	wg.Wait()

	assert.Zero(t, f.pids.Live())
	f.requireNoAllocations(t)
}
