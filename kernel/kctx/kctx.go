// Package kctx carries the caller's execution context on a context.Context.
//
// Two facts travel with every kernel call: who is calling (the holder identity used by
// the ownership lock) and what kind of context the call runs in. Interrupt context may
// never block; a non-suspendable task context (the idle task) may only try-lock.
package kctx

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
)

// Holder identifies the owner of an ownership lock. Task identities are non-negative
// (the task's PID); anonymous callers get negative identities.
type Holder int64

// None is never handed out to a caller.
const None Holder = math.MinInt64

func (h Holder) String() string {
	switch {
	case h == None:
		return "none"
	case h < 0:
		return fmt.Sprintf("anon%d", -h)
	}
	return fmt.Sprintf("pid%d", int64(h))
}

// Kind is the execution context taxonomy the kernel core distinguishes.
type Kind uint8

const (
	// KindTask is ordinary task context: may block.
	KindTask Kind = iota
	// KindNoSuspend is task context that must not suspend (idle task).
	KindNoSuspend
	// KindInterrupt is interrupt/exception context.
	KindInterrupt
)

func (k Kind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindNoSuspend:
		return "nosuspend"
	case KindInterrupt:
		return "interrupt"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type holderKey struct{}
type kindKey struct{}

var anon atomic.Int64

// Anonymous returns a fresh identity not shared with any task.
func Anonymous() Holder {
	return Holder(-anon.Add(1))
}

// WithTask marks ctx as running on behalf of task pid.
func WithTask(ctx context.Context, pid int32) context.Context {
	return context.WithValue(ctx, holderKey{}, Holder(pid))
}

// WithHolder attaches an explicit holder identity.
func WithHolder(ctx context.Context, h Holder) context.Context {
	return context.WithValue(ctx, holderKey{}, h)
}

// HolderOf returns the identity carried by ctx and whether one was set.
func HolderOf(ctx context.Context) (Holder, bool) {
	h, ok := ctx.Value(holderKey{}).(Holder)
	return h, ok
}

// Ensure returns ctx with a holder identity attached, minting an anonymous one if
// ctx carries none. Nested calls that reuse the returned ctx share the identity.
func Ensure(ctx context.Context) (context.Context, Holder) {
	if h, ok := HolderOf(ctx); ok {
		return ctx, h
	}
	h := Anonymous()
	return WithHolder(ctx, h), h
}

// WithInterrupt marks ctx as interrupt context.
func WithInterrupt(ctx context.Context) context.Context {
	return context.WithValue(ctx, kindKey{}, KindInterrupt)
}

// WithNoSuspend marks ctx as task context that must not suspend.
func WithNoSuspend(ctx context.Context) context.Context {
	return context.WithValue(ctx, kindKey{}, KindNoSuspend)
}

// KindOf returns the execution kind of ctx; KindTask when unset.
func KindOf(ctx context.Context) Kind {
	if k, ok := ctx.Value(kindKey{}).(Kind); ok {
		return k
	}
	return KindTask
}

// InInterrupt reports whether ctx is interrupt context.
func InInterrupt(ctx context.Context) bool {
	return KindOf(ctx) == KindInterrupt
}

// CanSuspend reports whether a call on ctx may block.
func CanSuspend(ctx context.Context) bool {
	return KindOf(ctx) == KindTask
}
