// Package kernel wires the heaps, the task manager and the deferred-work dispatchers
// of one kernel instance. Everything that would be global state in a firmware image
// hangs off a Kernel value, so several instances can coexist in one process.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/joshuapare/rtkern/internal/logger"
	"github.com/joshuapare/rtkern/internal/tracing"
	"github.com/joshuapare/rtkern/kernel/clock"
	"github.com/joshuapare/rtkern/kernel/kctx"
	"github.com/joshuapare/rtkern/kernel/mm"
	"github.com/joshuapare/rtkern/kernel/task"
	"github.com/joshuapare/rtkern/kernel/wqueue"
)

// Version is reported to the tracing resource.
const Version = "0.1.0"

// ErrNotRunning is returned by Shutdown on a kernel that was never started.
var ErrNotRunning = errors.New("kernel: not running")

// Kernel is one kernel instance.
type Kernel struct {
	cfg    Config
	bootID uuid.UUID

	log       *slog.Logger
	clock     clock.Clock
	halt      mm.HaltFunc
	onFailure mm.FailureHook
	traceOut  io.Writer
	tracer    atomic.Pointer[tracing.Provider]

	space     *mm.Space
	heapOpts  []mm.HeapOption
	kheap     *mm.Heap
	uheap     *mm.Heap
	collector *mm.Collector

	pids   *task.PIDTable
	timers *task.TimerSet
	tasks  *task.Manager

	kwork *wqueue.Dispatcher
	uwork *wqueue.Dispatcher

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	idle    sync.WaitGroup
}

// New builds a kernel from cfg. Nothing runs until Start.
func New(cfg *Config, opts ...Option) (*Kernel, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	classes, _ := cfg.sizeClasses()

	k := &Kernel{
		cfg:    *cfg,
		bootID: uuid.New(),
		log:    logger.L,
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.clock == nil {
		k.clock = clock.NewSystem(cfg.Work.Tick)
	}
	k.log = k.log.With("boot", k.bootID.String())

	k.space = mm.NewSpace(mm.Ptr(cfg.Heap.SpaceBase))
	heapOpts := []mm.HeapOption{
		mm.WithLogger(k.log),
		mm.WithHeapHalt(k.halt),
		mm.WithArenaOptions(mm.WithSizeClasses(classes)),
	}
	if k.onFailure != nil {
		heapOpts = append(heapOpts, mm.WithFailureHook(k.onFailure))
	}
	k.heapOpts = heapOpts
	k.kheap = mm.NewHeap(mm.DomainKernel, k.space, heapOpts...)
	k.uheap = mm.NewHeap(mm.DomainUser, k.space, heapOpts...)
	if err := addArenas(k.kheap, cfg.Heap.KernelArenas); err != nil {
		_ = k.kheap.Close()
		return nil, err
	}
	if err := addArenas(k.uheap, cfg.Heap.UserArenas); err != nil {
		_ = k.closeHeaps()
		return nil, err
	}
	k.collector = mm.NewCollector(k.kheap, k.uheap)

	pids, err := task.NewPIDTable(cfg.Tasks.MaxPIDs)
	if err != nil {
		_ = k.closeHeaps()
		return nil, err
	}
	k.pids = pids
	k.timers = task.NewTimerSet(k.clock, pids, k.log)
	k.tasks = task.NewManager(k.kheap, k.uheap, pids, k.timers, k.log, task.WithCollector(k.collector))

	kopts := []wqueue.Option{wqueue.WithLogger(k.log)}
	if cfg.Work.LowPriority {
		kopts = append(kopts, wqueue.WithCollector(k.collectHook, clock.Ticks(cfg.Work.CollectInterval)))
	} else {
		kopts = append(kopts, wqueue.WithoutLowPriority())
	}
	k.kwork = wqueue.NewDispatcher(wqueue.ModeKernel, k.clock, kopts...)
	if cfg.Work.User {
		k.uwork = wqueue.NewDispatcher(wqueue.ModeUser, k.clock, wqueue.WithLogger(k.log))
	}

	k.log.Info("kernel initialised",
		"kernel_arenas", len(cfg.Heap.KernelArenas), "user_arenas", len(cfg.Heap.UserArenas),
		"max_pids", pids.Capacity(), "size_classes", classes.Name)
	return k, nil
}

func addArenas(h *mm.Heap, sizes []int) error {
	for _, size := range sizes {
		if _, err := h.AddArena(size); err != nil {
			return fmt.Errorf("kernel: %s heap: %w", h.Domain(), err)
		}
	}
	return nil
}

// BootID identifies this instance in logs and traces.
func (k *Kernel) BootID() uuid.UUID { return k.bootID }

// Config returns a copy of the configuration the kernel was built with.
func (k *Kernel) Config() Config { return k.cfg }

// Clock returns the tick clock.
func (k *Kernel) Clock() clock.Clock { return k.clock }

// KHeap returns the kernel heap.
func (k *Kernel) KHeap() *mm.Heap { return k.kheap }

// UHeap returns the user heap.
func (k *Kernel) UHeap() *mm.Heap { return k.uheap }

// Collector returns the delayed-free collector over both heaps.
func (k *Kernel) Collector() *mm.Collector { return k.collector }

// Tasks returns the task manager.
func (k *Kernel) Tasks() *task.Manager { return k.tasks }

// Work returns the dispatcher for mode, or nil when the user dispatcher is disabled.
func (k *Kernel) Work(mode wqueue.Mode) *wqueue.Dispatcher {
	if mode == wqueue.ModeKernel {
		return k.kwork
	}
	return k.uwork
}

// CreateTask creates a task.
func (k *Kernel) CreateTask(ctx context.Context, spec task.Spec) (*task.TCB, error) {
	return k.tasks.Create(k.traced(ctx), spec)
}

// ReleaseTask tears down tcb once its task has exited.
func (k *Kernel) ReleaseTask(ctx context.Context, tcb *task.TCB, kind task.ThreadKind) error {
	return k.tasks.Release(k.traced(ctx), tcb, kind)
}

// NewAddrEnv creates an isolated address environment with a private arena of size
// bytes. Its staged frees are collected with the kernel's heaps until it is destroyed.
func (k *Kernel) NewAddrEnv(size int) (*task.AddrEnv, error) {
	env, err := task.NewAddrEnv(k.space, size, k.heapOpts...)
	if err != nil {
		return nil, err
	}
	if err := env.CollectWith(k.collector); err != nil {
		_, _ = env.Detach()
		return nil, err
	}
	return env, nil
}

// CollectDelayed runs one collection pass over every registered heap.
func (k *Kernel) CollectDelayed(ctx context.Context) (int, error) {
	return k.collector.Pass(k.traced(ctx))
}

// traced routes spans started from ctx to the kernel's tracer, when it has one.
func (k *Kernel) traced(ctx context.Context) context.Context {
	if _, ok := tracing.ProviderFrom(ctx); ok {
		return ctx
	}
	return tracing.WithProvider(ctx, k.tracer.Load())
}

// Start launches the dispatchers, and the idle collector when no low-priority
// worker exists.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return fmt.Errorf("kernel: %w", wqueue.ErrStarted)
	}

	if k.cfg.Tracing.Enabled && k.traceOut != nil {
		p, err := tracing.NewProvider(k.cfg.Tracing.Service, Version, k.bootID.String(), k.traceOut)
		if err != nil {
			return fmt.Errorf("kernel: tracing: %w", err)
		}
		k.tracer.Store(p)
	}

	ctx, cancel := context.WithCancel(k.traced(ctx))
	k.cancel = cancel

	if err := k.kwork.Start(ctx); err != nil {
		cancel()
		return err
	}
	if k.uwork != nil {
		if err := k.uwork.Start(ctx); err != nil {
			k.kwork.Stop()
			cancel()
			return err
		}
	}
	if !k.kwork.HasCollector() {
		k.idle.Add(1)
		go k.idleCollect(kctx.WithNoSuspend(kctx.WithHolder(ctx, kctx.Anonymous())))
	}

	k.running = true
	k.log.Info("kernel started", "collector", collectorSite(k.kwork.HasCollector()))
	return nil
}

// Shutdown stops every worker, drains the delayed-free queues and releases the
// heaps. The kernel cannot be restarted.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return ErrNotRunning
	}
	k.running = false
	k.mu.Unlock()

	k.cancel()
	k.kwork.Stop()
	if k.uwork != nil {
		k.uwork.Stop()
	}
	k.idle.Wait()

	var errs []error
	if _, err := k.collector.Pass(k.traced(ctx)); err != nil {
		errs = append(errs, err)
	}
	if err := k.closeHeaps(); err != nil {
		errs = append(errs, err)
	}
	if p := k.tracer.Swap(nil); p != nil {
		if err := p.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	k.log.Info("kernel stopped")
	return errors.Join(errs...)
}

func (k *Kernel) closeHeaps() error {
	return errors.Join(k.kheap.Close(), k.uheap.Close())
}

// collectHook runs on the low-priority kernel worker.
func (k *Kernel) collectHook(ctx context.Context) {
	if k.collector.Pending() == 0 {
		return
	}
	n, err := k.collector.Pass(ctx)
	if err != nil {
		k.log.Warn("delayed free collection", "freed", n, "err", err)
		return
	}
	k.log.Debug("delayed frees collected", "freed", n)
}

// idleCollect is the fallback collector. It runs non-suspendable, so an entry whose
// arena is busy stays staged until a later pass.
func (k *Kernel) idleCollect(ctx context.Context) {
	defer k.idle.Done()
	wake := make(chan struct{}, 1)
	for {
		t := k.clock.AfterFunc(clock.Ticks(k.cfg.Work.CollectInterval), func() {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-wake:
		}
		if k.collector.Pending() == 0 {
			continue
		}
		if n, err := k.collector.Pass(ctx); err != nil {
			k.log.Debug("idle collection deferred", "freed", n, "err", err)
		}
	}
}

func collectorSite(lp bool) string {
	if lp {
		return "lpwork"
	}
	return "idle"
}
