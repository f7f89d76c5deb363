package kernel

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/rtkern/kernel/clock"
	"github.com/joshuapare/rtkern/kernel/kctx"
	"github.com/joshuapare/rtkern/kernel/mm"
	"github.com/joshuapare/rtkern/kernel/task"
	"github.com/joshuapare/rtkern/kernel/wqueue"
)

func newTestKernel(t *testing.T, cfg *Config, opts ...Option) (*Kernel, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual()
	k, err := New(cfg, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })
	return k, clk
}

func TestNew_BuildsHeaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heap.KernelArenas = []int{8192, 4096}
	k, _ := newTestKernel(t, cfg)

	assert.Equal(t, 2, k.KHeap().NumArenas())
	assert.Equal(t, 1, k.UHeap().NumArenas())
	assert.Equal(t, mm.DomainKernel, k.KHeap().Domain())
	assert.NotEqual(t, [16]byte{}, [16]byte(k.BootID()))
	assert.NotNil(t, k.Work(wqueue.ModeUser))

	ctx := context.Background()
	p, err := k.KHeap().Allocate(ctx, 64)
	require.NoError(t, err)
	_, owned := k.UHeap().Owner(p)
	assert.False(t, owned, "heaps never share address ranges")
	require.NoError(t, k.KHeap().Free(ctx, p))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tasks.MaxPIDs = 0
	_, err := New(cfg)
	require.Error(t, err)
}

func TestKernel_LowPriorityWorkerCollects(t *testing.T) {
	k, _ := newTestKernel(t, DefaultConfig())
	ctx := context.Background()
	require.True(t, k.Work(wqueue.ModeKernel).HasCollector())

	p, err := k.UHeap().Allocate(ctx, 128)
	require.NoError(t, err)
	require.NoError(t, k.UHeap().Free(kctx.WithInterrupt(ctx), p))
	assert.Equal(t, 1, k.Collector().Pending())

	// Any low-priority work wakes the worker, which collects first.
	var w wqueue.Work
	require.NoError(t, k.Work(wqueue.ModeKernel).Submit(wqueue.LowPriority, &w,
		func(context.Context, any) error { return nil }, nil, 0))

	require.Eventually(t, func() bool { return k.Collector().Pending() == 0 }, time.Second, time.Millisecond)
	assert.Zero(t, k.UHeap().Info().AllocNodes)
}

func TestKernel_IdleFallbackCollects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Work.LowPriority = false
	k, clk := newTestKernel(t, cfg)
	ctx := context.Background()
	require.False(t, k.Work(wqueue.ModeKernel).HasCollector())
	_, err := k.Work(wqueue.ModeKernel).Queue(wqueue.LowPriority)
	require.ErrorIs(t, err, wqueue.ErrNoQueue)

	p, err := k.KHeap().Allocate(ctx, 32)
	require.NoError(t, err)
	require.NoError(t, k.KHeap().Free(kctx.WithInterrupt(ctx), p))

	require.Eventually(t, func() bool {
		clk.Advance(clock.Ticks(cfg.Work.CollectInterval))
		return k.Collector().Pending() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, k.KHeap().Info().AllocNodes)
}

func TestKernel_TaskLifecycle(t *testing.T) {
	k, _ := newTestKernel(t, DefaultConfig())
	ctx := context.Background()

	base := k.KHeap().Info().AllocNodes
	tcb, err := k.CreateTask(ctx, task.Spec{Name: "init", Kind: task.KindKernel})
	require.NoError(t, err)
	assert.Greater(t, k.KHeap().Info().AllocNodes, base)

	require.NoError(t, k.ReleaseTask(ctx, tcb, task.KindKernel))
	assert.Equal(t, base, k.KHeap().Info().AllocNodes)
	require.ErrorIs(t, k.ReleaseTask(ctx, tcb, task.KindKernel), task.ErrAlreadyReleased)
}

func TestKernel_AddrEnvStagedFreesCollected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Work.LowPriority = false
	k, _ := newTestKernel(t, cfg)
	ctx := context.Background()

	env, err := k.NewAddrEnv(16 << 10)
	require.NoError(t, err)
	tcb, err := k.CreateTask(ctx, task.Spec{Name: "isolated", AddrEnv: env})
	require.NoError(t, err)

	p, err := env.Heap().Allocate(ctx, 256)
	require.NoError(t, err)
	require.NoError(t, env.Heap().Free(kctx.WithInterrupt(ctx), p))
	require.Equal(t, 1, env.Heap().Delayed().Len())

	n, err := k.CollectDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, env.Heap().Delayed().Len())
	assert.Equal(t, 1, env.Heap().Info().AllocNodes, "only the stack is left")

	require.NoError(t, k.ReleaseTask(ctx, tcb, task.KindTask))
	destroyed, err := env.Detach()
	require.NoError(t, err)
	assert.True(t, destroyed)
	assert.NotContains(t, k.Collector().Heaps(), env.Heap())
}

func TestKernel_TracersAreIndependent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Work.LowPriority = false
	cfg.Tracing.Enabled = true
	var spansA, spansB bytes.Buffer
	ctx := context.Background()

	a, err := New(cfg, WithClock(clock.NewManual()), WithTraceWriter(&spansA))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	b, err := New(cfg, WithClock(clock.NewManual()), WithTraceWriter(&spansB))
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))

	require.NoError(t, b.Shutdown(ctx))
	spansB.Reset()

	p, err := a.KHeap().Allocate(ctx, 48)
	require.NoError(t, err)
	require.NoError(t, a.KHeap().Free(kctx.WithInterrupt(ctx), p))
	_, err = a.CollectDelayed(ctx)
	require.NoError(t, err)
	assert.Contains(t, spansA.String(), "mm.collect")
	assert.Contains(t, spansA.String(), a.BootID().String())
	assert.Empty(t, spansB.String())

	require.NoError(t, a.Shutdown(ctx))
}

func TestKernel_FailureHookWired(t *testing.T) {
	var failures atomic.Int32
	k, _ := newTestKernel(t, DefaultConfig(), WithFailureHook(func(mm.AllocFailure) { failures.Add(1) }))
	_, err := k.KHeap().Allocate(context.Background(), 1<<20)
	require.ErrorIs(t, err, mm.ErrOutOfMemory)
	assert.Equal(t, int32(1), failures.Load())
}

func TestKernel_ShutdownDrainsAndTraces(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Work.LowPriority = false
	cfg.Tracing.Enabled = true
	var spans bytes.Buffer

	k, err := New(cfg, WithClock(clock.NewManual()), WithTraceWriter(&spans))
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))

	ctx := context.Background()
	p, err := k.KHeap().Allocate(ctx, 48)
	require.NoError(t, err)
	require.NoError(t, k.KHeap().Free(kctx.WithInterrupt(ctx), p))

	require.NoError(t, k.Shutdown(ctx))
	staged, collected := k.KHeap().Delayed().Counts()
	assert.Equal(t, staged, collected)
	assert.Contains(t, spans.String(), "mm.collect")
	require.ErrorIs(t, k.Shutdown(ctx), ErrNotRunning)
}

func TestKernel_StartTwice(t *testing.T) {
	k, _ := newTestKernel(t, DefaultConfig())
	require.ErrorIs(t, k.Start(context.Background()), wqueue.ErrStarted)
}
