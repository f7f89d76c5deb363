package task

import (
	"fmt"
	"sync"

	"github.com/joshuapare/rtkern/kernel/mm"
	"github.com/joshuapare/rtkern/kernel/signal"
)

// ThreadKind selects which heap backs a task's stack.
type ThreadKind uint8

const (
	// KindTask is a user task; its stack comes from the user heap.
	KindTask ThreadKind = iota
	// KindPthread is a user thread inside an existing group.
	KindPthread
	// KindKernel is a kernel thread; its stack comes from the kernel heap.
	KindKernel
)

func (k ThreadKind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindPthread:
		return "pthread"
	case KindKernel:
		return "kthread"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Domain returns the heap domain serving stacks of this kind.
func (k ThreadKind) Domain() mm.Domain {
	if k == KindKernel {
		return mm.DomainKernel
	}
	return mm.DomainUser
}

// Stack describes a task's stack allocation.
type Stack struct {
	Ptr    mm.Ptr
	Size   int
	Domain mm.Domain
	Arena  int
}

// TCB is the control block of one task. It is created by Manager.Create and torn
// down exactly once by Manager.Release.
type TCB struct {
	pid     PID
	name    string
	kind    ThreadKind
	stack   Stack
	storage mm.Ptr
	addrEnv *AddrEnv
	group   *Group
	signals *signal.State

	mu        sync.Mutex
	leftGroup bool
	released  bool
}

// PID returns the task's PID.
func (t *TCB) PID() PID { return t.pid }

// Name returns the task name.
func (t *TCB) Name() string { return t.name }

// Kind returns the thread kind the task was created with.
func (t *TCB) Kind() ThreadKind { return t.kind }

// Stack returns the stack descriptor.
func (t *TCB) Stack() Stack { return t.stack }

// Storage returns the address of the TCB record in the kernel heap.
func (t *TCB) Storage() mm.Ptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.storage
}

// AddrEnv returns the task's address environment, or nil.
func (t *TCB) AddrEnv() *AddrEnv { return t.addrEnv }

// Group returns the task's thread group.
func (t *TCB) Group() *Group { return t.group }

// Signals returns the task's signal state.
func (t *TCB) Signals() *signal.State { return t.signals }

// Released reports whether the TCB has been torn down.
func (t *TCB) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

func (t *TCB) String() string {
	return fmt.Sprintf("%s[%d %s]", t.name, t.pid, t.kind)
}
