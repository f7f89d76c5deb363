package kernel

import (
	"io"
	"log/slog"

	"github.com/joshuapare/rtkern/kernel/clock"
	"github.com/joshuapare/rtkern/kernel/mm"
)

// Option configures a Kernel.
type Option func(k *Kernel)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) {
		if l != nil {
			k.log = l
		}
	}
}

// WithClock replaces the system tick clock.
func WithClock(c clock.Clock) Option {
	return func(k *Kernel) {
		k.clock = c
	}
}

// WithHalt replaces the heap corruption halt function.
func WithHalt(h mm.HaltFunc) Option {
	return func(k *Kernel) {
		k.halt = h
	}
}

// WithFailureHook installs the allocation-failure hook on both heaps.
func WithFailureHook(h mm.FailureHook) Option {
	return func(k *Kernel) {
		k.onFailure = h
	}
}

// WithTraceWriter exports spans to w when tracing is enabled in the config.
func WithTraceWriter(w io.Writer) Option {
	return func(k *Kernel) {
		k.traceOut = w
	}
}
