package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/joshuapare/rtkern/internal/logger"
	"github.com/joshuapare/rtkern/internal/tracing"
	"github.com/joshuapare/rtkern/kernel/kctx"
	"github.com/joshuapare/rtkern/kernel/mm"
	"github.com/joshuapare/rtkern/kernel/signal"
)

const (
	// tcbRecordSize is the kernel-heap footprint of a TCB record.
	tcbRecordSize = 256

	// DefaultStackSize is used when a Spec leaves StackSize zero.
	DefaultStackSize = 2048
)

// Spec describes a task to create.
type Spec struct {
	Name      string
	Kind      ThreadKind
	StackSize int

	// Group to join. Nil creates a new group led by the task; a KindPthread must
	// name the group of the task that spawned it.
	Group *Group

	// AddrEnv to attach. User stacks are then carved from its private arena.
	AddrEnv *AddrEnv

	// Action handles signals delivered to the task.
	Action signal.Action
}

// Manager creates and tears down tasks.
type Manager struct {
	kheap  *mm.Heap
	uheap  *mm.Heap
	pids   *PIDTable
	timers *TimerSet
	log    *slog.Logger

	collector *mm.Collector

	created  atomic.Int64
	released atomic.Int64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCollector registers the heap of every address environment a created task
// attaches to with c.
func WithCollector(c *mm.Collector) ManagerOption {
	return func(m *Manager) {
		m.collector = c
	}
}

// NewManager returns a manager allocating through kheap and uheap.
func NewManager(kheap, uheap *mm.Heap, pids *PIDTable, timers *TimerSet, log *slog.Logger, opts ...ManagerOption) *Manager {
	if log == nil {
		log = logger.L
	}
	m := &Manager{kheap: kheap, uheap: uheap, pids: pids, timers: timers, log: log}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PIDs returns the manager's PID table.
func (m *Manager) PIDs() *PIDTable { return m.pids }

// Timers returns the manager's timer set.
func (m *Manager) Timers() *TimerSet { return m.timers }

// Counts returns the number of tasks created and released.
func (m *Manager) Counts() (created, released int64) {
	return m.created.Load(), m.released.Load()
}

// Create allocates a TCB record and a stack, assigns a PID and joins or creates the
// task's group. On failure everything already taken is given back.
func (m *Manager) Create(ctx context.Context, spec Spec) (tcb *TCB, err error) {
	if spec.Kind == KindPthread && spec.Group == nil {
		return nil, fmt.Errorf("task: pthread %q without a group: %w", spec.Name, ErrInvalidSpec)
	}
	if spec.Kind == KindKernel && spec.AddrEnv != nil {
		return nil, fmt.Errorf("task: kernel thread %q with an address environment: %w", spec.Name, ErrInvalidSpec)
	}
	if spec.StackSize <= 0 {
		spec.StackSize = DefaultStackSize
	}

	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	storage, err := m.kheap.ZeroAllocate(ctx, tcbRecordSize)
	if err != nil {
		return nil, fmt.Errorf("task: tcb for %q: %w", spec.Name, err)
	}
	undo = append(undo, func() { _ = m.kheap.Free(ctx, storage) })

	stackHeap := m.stackHeap(spec.Kind)
	if spec.AddrEnv != nil {
		stackHeap = spec.AddrEnv.Heap()
	}
	sp, err := stackHeap.Allocate(ctx, spec.StackSize)
	if err != nil {
		return nil, fmt.Errorf("task: stack for %q: %w", spec.Name, err)
	}
	undo = append(undo, func() { _ = stackHeap.Free(ctx, sp) })
	arena, _ := stackHeap.Owner(sp)

	tcb = &TCB{
		name:    spec.Name,
		kind:    spec.Kind,
		storage: storage,
		stack:   Stack{Ptr: sp, Size: spec.StackSize, Domain: stackHeap.Domain(), Arena: arena.ID()},
		signals: signal.NewState(spec.Action),
	}

	pid, err := m.pids.Allocate(tcb)
	if err != nil {
		return nil, err
	}
	undo = append(undo, func() { _ = m.pids.Release(pid) })

	if spec.AddrEnv != nil {
		if err := spec.AddrEnv.Attach(); err != nil {
			return nil, err
		}
		tcb.addrEnv = spec.AddrEnv
		undo = append(undo, func() { _, _ = spec.AddrEnv.Detach() })
		if m.collector != nil {
			if err := spec.AddrEnv.CollectWith(m.collector); err != nil {
				return nil, err
			}
		}
	}

	if spec.Group != nil {
		if err := spec.Group.Join(pid); err != nil {
			return nil, err
		}
		tcb.group = spec.Group
	} else {
		g, err := NewGroup(ctx, m.kheap, pid)
		if err != nil {
			return nil, err
		}
		tcb.group = g
	}

	m.created.Add(1)
	m.log.Debug("task created", "pid", pid, "name", spec.Name, "kind", spec.Kind.String(),
		"stack", fmt.Sprintf("%#x", uint64(sp)), "stack_domain", tcb.stack.Domain.String())
	return tcb, nil
}

// LeaveGroup removes tcb from its group ahead of Release, as an exit hook would.
func (m *Manager) LeaveGroup(ctx context.Context, tcb *TCB) error {
	tcb.mu.Lock()
	if tcb.leftGroup {
		tcb.mu.Unlock()
		return fmt.Errorf("task: %s: %w", tcb, ErrAlreadyLeft)
	}
	tcb.leftGroup = true
	tcb.mu.Unlock()

	if _, err := tcb.group.Leave(ctx, tcb.pid); err != nil {
		return err
	}
	return nil
}

// Release tears down tcb. kind selects the heap its stack is returned to. The steps
// run in a fixed order:
//
//  1. delete the task's timers, so none fires into a reused PID
//  2. release the PID
//  3. free the stack (unless it lives in the task's own address environment)
//  4. detach the address environment
//  5. leave the thread group, unless an exit hook already did
//  6. free the TCB record
//
// Releasing a TCB twice, or leaving a group twice, is logged and otherwise ignored;
// the second Release returns ErrAlreadyReleased.
func (m *Manager) Release(ctx context.Context, tcb *TCB, kind ThreadKind) (err error) {
	tcb.mu.Lock()
	if tcb.released {
		tcb.mu.Unlock()
		m.log.Warn("tcb released twice", "pid", tcb.pid, "name", tcb.name)
		return fmt.Errorf("task: %s: %w", tcb, ErrAlreadyReleased)
	}
	tcb.released = true
	skipGroup := tcb.leftGroup
	tcb.leftGroup = true
	tcb.mu.Unlock()

	pid := tcb.pid
	ctx, _ = kctx.Ensure(ctx)
	ctx, span := tracing.StartSpan(ctx, "task.release")
	span.WithInt("pid", int(pid)).WithAttributes(map[string]string{"kind": kind.String(), "name": tcb.name})
	defer func() { tracing.EndSpan(span, err) }()

	var errs []error

	// 1
	timers := m.timers.DeleteAll(pid)

	// 2
	if err := m.pids.Release(pid); err != nil {
		m.log.Warn("release pid", "pid", pid, "err", err)
	}

	// 3
	switch {
	case tcb.stack.Ptr == 0:
	case tcb.stack.Domain == mm.DomainPrivate:
		// Freed with the environment's arena.
	default:
		if kind.Domain() != tcb.stack.Domain {
			m.log.Warn("release kind does not match stack", "pid", pid,
				"kind", kind.String(), "stack_domain", tcb.stack.Domain.String())
		}
		if err := m.heapFor(tcb.stack.Domain).Free(ctx, tcb.stack.Ptr); err != nil {
			errs = append(errs, fmt.Errorf("free stack: %w", err))
		}
	}

	// 4
	envDestroyed := false
	if tcb.addrEnv != nil {
		destroyed, err := tcb.addrEnv.Detach()
		if err != nil {
			errs = append(errs, fmt.Errorf("detach address environment: %w", err))
		}
		envDestroyed = destroyed
	}

	// 5
	groupGone := false
	if skipGroup {
		m.log.Debug("group already left", "pid", pid, "err", ErrAlreadyLeft)
	} else if last, err := tcb.group.Leave(ctx, pid); err != nil {
		if errors.Is(err, ErrAlreadyLeft) {
			m.log.Debug("group already left", "pid", pid, "err", err)
		} else {
			errs = append(errs, fmt.Errorf("leave group: %w", err))
		}
	} else {
		groupGone = last
	}

	// 6
	tcb.mu.Lock()
	storage := tcb.storage
	tcb.storage = 0
	tcb.mu.Unlock()
	if err := m.kheap.Free(ctx, storage); err != nil {
		errs = append(errs, fmt.Errorf("free tcb: %w", err))
	}

	m.released.Add(1)
	m.log.Info("task released",
		"pid", pid, "name", tcb.name, "kind", kind.String(), "timers", timers,
		"addrenv_destroyed", envDestroyed, "group_destroyed", groupGone)

	if len(errs) > 0 {
		return fmt.Errorf("task: release %s: %w", tcb, errors.Join(errs...))
	}
	return nil
}

func (m *Manager) stackHeap(kind ThreadKind) *mm.Heap {
	return m.heapFor(kind.Domain())
}

// heapFor returns the shared heap serving d.
func (m *Manager) heapFor(d mm.Domain) *mm.Heap {
	if d == mm.DomainKernel {
		return m.kheap
	}
	return m.uheap
}
