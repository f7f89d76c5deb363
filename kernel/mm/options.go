package mm

import "log/slog"

// ArenaOption configures an Arena.
type ArenaOption func(*Arena)

// WithSizeClasses selects the free-list size class layout.
func WithSizeClasses(cfg SizeClassConfig) ArenaOption {
	return func(a *Arena) {
		a.classes = cfg
	}
}

// WithFreeHook installs a hook that runs under the arena lock after every free.
func WithFreeHook(h FreeHook) ArenaOption {
	return func(a *Arena) {
		a.onFree = h
	}
}

// WithHalt replaces the corruption halt function.
func WithHalt(h HaltFunc) ArenaOption {
	return func(a *Arena) {
		a.halt = h
	}
}

// WithArenaLogger sets the arena logger.
func WithArenaLogger(l *slog.Logger) ArenaOption {
	return func(a *Arena) {
		if l != nil {
			a.log = l
		}
	}
}

// HeapOption configures a Heap.
type HeapOption func(*Heap)

// WithFailureHook installs the allocation-failure diagnostic hook.
func WithFailureHook(h FailureHook) HeapOption {
	return func(hp *Heap) {
		hp.onFailure = h
	}
}

// WithLogger sets the heap logger; arenas created by the heap inherit it.
func WithLogger(l *slog.Logger) HeapOption {
	return func(hp *Heap) {
		if l != nil {
			hp.log = l
		}
	}
}

// WithArenaOptions applies opts to every arena the heap creates.
func WithArenaOptions(opts ...ArenaOption) HeapOption {
	return func(hp *Heap) {
		hp.arenaOpts = append(hp.arenaOpts, opts...)
	}
}

// WithHeapHalt sets the halt function used for pointers outside every arena and,
// unless overridden by WithArenaOptions, by the heap's arenas.
func WithHeapHalt(h HaltFunc) HeapOption {
	return func(hp *Heap) {
		hp.halt = h
	}
}

// AllocOption narrows the arenas an allocation may use.
type AllocOption func(*allocRequest)

type allocRequest struct {
	arenas []int
	caller string
}

// OnArena restricts the allocation to arena i.
func OnArena(i int) AllocOption {
	return func(r *allocRequest) {
		r.arenas = []int{i}
	}
}

// OnArenas tries the listed arenas in the given order.
func OnArenas(idx ...int) AllocOption {
	return func(r *allocRequest) {
		r.arenas = append([]int(nil), idx...)
	}
}

// WithCaller overrides the caller site reported to the failure hook.
func WithCaller(site string) AllocOption {
	return func(r *allocRequest) {
		r.caller = site
	}
}
