package task

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/joshuapare/rtkern/kernel/mm"
	"github.com/joshuapare/rtkern/kernel/signal"
)

// groupRecordSize is the kernel-heap footprint of a group record.
const groupRecordSize = 128

// Group is a thread group: member PIDs plus the signal and exit state they share.
// Its record lives in the kernel heap and is freed when the last member leaves.
type Group struct {
	mu         sync.Mutex
	leader     PID
	members    []PID
	exitStatus int
	signals    *signal.State

	heap      *mm.Heap
	storage   mm.Ptr
	destroyed bool
}

// NewGroup allocates a group record in heap with leader as its first member.
func NewGroup(ctx context.Context, heap *mm.Heap, leader PID) (*Group, error) {
	p, err := heap.ZeroAllocate(ctx, groupRecordSize)
	if err != nil {
		return nil, fmt.Errorf("task: group for pid %d: %w", leader, err)
	}
	return &Group{
		leader:  leader,
		members: []PID{leader},
		signals: signal.NewState(nil),
		heap:    heap,
		storage: p,
	}, nil
}

// Leader returns the PID that created the group.
func (g *Group) Leader() PID { return g.leader }

// Signals returns the group-wide signal state.
func (g *Group) Signals() *signal.State { return g.signals }

// Storage returns the address of the group record.
func (g *Group) Storage() mm.Ptr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.storage
}

// Join adds pid to the group.
func (g *Group) Join(pid PID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return fmt.Errorf("task: join group %d: %w", g.leader, ErrDestroyed)
	}
	if !slices.Contains(g.members, pid) {
		g.members = append(g.members, pid)
	}
	return nil
}

// Leave removes pid. The last member to leave frees the group record and reports
// last == true. Leaving twice returns ErrAlreadyLeft.
func (g *Group) Leave(ctx context.Context, pid PID) (last bool, err error) {
	g.mu.Lock()
	i := slices.Index(g.members, pid)
	if i < 0 {
		g.mu.Unlock()
		return false, fmt.Errorf("task: pid %d leaving group %d: %w", pid, g.leader, ErrAlreadyLeft)
	}
	g.members = slices.Delete(g.members, i, i+1)
	if len(g.members) > 0 {
		g.mu.Unlock()
		return false, nil
	}
	g.destroyed = true
	storage := g.storage
	g.storage = 0
	g.mu.Unlock()

	if err := g.heap.Free(ctx, storage); err != nil {
		return true, fmt.Errorf("task: free group %d: %w", g.leader, err)
	}
	return true, nil
}

// Members returns the current member PIDs.
func (g *Group) Members() []PID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.members)
}

// SetExitStatus records the status reported when the group exits.
func (g *Group) SetExitStatus(status int) {
	g.mu.Lock()
	g.exitStatus = status
	g.mu.Unlock()
}

// ExitStatus returns the recorded exit status.
func (g *Group) ExitStatus() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exitStatus
}

// Destroyed reports whether the last member has left.
func (g *Group) Destroyed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.destroyed
}
