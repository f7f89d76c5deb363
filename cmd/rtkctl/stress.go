package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/rtkern/internal/logger"
	"github.com/joshuapare/rtkern/kernel"
	"github.com/joshuapare/rtkern/kernel/kctx"
	"github.com/joshuapare/rtkern/kernel/mm"
	"github.com/joshuapare/rtkern/kernel/task"
	"github.com/joshuapare/rtkern/kernel/wqueue"
)

type stressOptions struct {
	tasks   int
	ops     int
	maxSize int
	seed    uint64
	dump    bool
}

func init() {
	rootCmd.AddCommand(newStressCmd())
}

func newStressCmd() *cobra.Command {
	var opts stressOptions
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent tasks allocating and freeing against a kernel",
		Long: `Start a kernel from the configuration and run a number of tasks in
parallel. Each task allocates, reallocates and frees random blocks on the user
heap. Some frees are issued from interrupt context and staged on the
delayed-free queue, others are handed to the high-priority work queue. Every
task is released at the end and the heaps are verified.

Example:
  rtkctl stress --tasks 16 --ops 1000
  rtkctl stress --config board.yaml --seed 7 --dump`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStress(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.tasks, "tasks", 8, "Number of concurrent tasks")
	cmd.Flags().IntVar(&opts.ops, "ops", 200, "Operations per task")
	cmd.Flags().IntVar(&opts.maxSize, "max-size", 256, "Largest allocation in bytes")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 1, "Random seed")
	cmd.Flags().BoolVar(&opts.dump, "dump", false, "Print heap dumps after the run")
	return cmd
}

type stressReport struct {
	BootID        string  `json:"boot_id"`
	Tasks         int     `json:"tasks"`
	Allocations   int64   `json:"allocations"`
	Failures      int64   `json:"failures"`
	Reallocs      int64   `json:"reallocs"`
	Frees         int64   `json:"frees"`
	InterruptFree int64   `json:"interrupt_frees"`
	WorkFrees     int64   `json:"work_frees"`
	Collected     int     `json:"collected"`
	Created       int64   `json:"tasks_created"`
	Released      int64   `json:"tasks_released"`
	Kernel        mm.Info `json:"kernel_heap"`
	User          mm.Info `json:"user_heap"`
}

type stressCounters struct {
	allocs, failures, reallocs, frees, irqFrees, workFrees atomic.Int64
}

func runStress(ctx context.Context, w io.Writer, opts stressOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.tasks <= 0 || opts.ops <= 0 || opts.maxSize <= 0 {
		return errors.New("tasks, ops and max-size must be positive")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	k, err := newKernel(cfg)
	if err != nil {
		return err
	}
	if err := k.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = k.Shutdown(context.Background()) }()

	var (
		c    stressCounters
		wg   sync.WaitGroup
		errs = make(chan error, opts.tasks)
	)
	for i := range opts.tasks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := stressTask(ctx, k, i, opts, &c); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	var all []error
	for err := range errs {
		all = append(all, err)
	}
	if err := errors.Join(all...); err != nil {
		return err
	}

	collected, err := settle(ctx, k)
	if err != nil {
		return err
	}
	for _, h := range []*mm.Heap{k.KHeap(), k.UHeap()} {
		if err := h.Verify(); err != nil {
			return fmt.Errorf("%s heap: %w", h.Domain(), err)
		}
	}

	created, released := k.Tasks().Counts()
	report := stressReport{
		BootID:        k.BootID().String(),
		Tasks:         opts.tasks,
		Allocations:   c.allocs.Load(),
		Failures:      c.failures.Load(),
		Reallocs:      c.reallocs.Load(),
		Frees:         c.frees.Load(),
		InterruptFree: c.irqFrees.Load(),
		WorkFrees:     c.workFrees.Load(),
		Collected:     collected,
		Created:       created,
		Released:      released,
		Kernel:        k.KHeap().Info(),
		User:          k.UHeap().Info(),
	}
	if report.User.AllocNodes != 0 {
		return fmt.Errorf("user heap leaked %d nodes", report.User.AllocNodes)
	}

	if jsonOut {
		return printJSON(w, report)
	}
	printStressReport(w, &report)
	if opts.dump && !quiet {
		if err := k.KHeap().Dump(w, 0); err != nil {
			return err
		}
		return k.UHeap().Dump(w, 0)
	}
	return nil
}

// settle drains the delayed-free queues until nothing is staged and no user
// block is live. A collector pass on the low-priority worker may still be
// freeing entries it drained before ours ran.
func settle(ctx context.Context, k *kernel.Kernel) (int, error) {
	total := 0
	for range 200 {
		n, err := k.CollectDelayed(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if k.Collector().Pending() == 0 && k.UHeap().Info().AllocNodes == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return total, nil
}

// stressTask runs one task's workload and releases it.
func stressTask(ctx context.Context, k *kernel.Kernel, i int, opts stressOptions, c *stressCounters) error {
	tcb, err := k.CreateTask(ctx, task.Spec{Name: fmt.Sprintf("stress-%d", i), Kind: task.KindTask})
	if err != nil {
		return fmt.Errorf("task %d: %w", i, err)
	}
	tctx := kctx.WithTask(ctx, int32(tcb.PID()))
	uheap := k.UHeap()
	rng := rand.New(rand.NewPCG(opts.seed, uint64(i)))
	log := logger.L.With("task", tcb.String())

	var live []mm.Ptr
	for range opts.ops {
		switch op := rng.IntN(10); {
		case op < 5 || len(live) == 0:
			p, err := uheap.Allocate(tctx, 1+rng.IntN(opts.maxSize))
			if errors.Is(err, mm.ErrOutOfMemory) {
				c.failures.Add(1)
				continue
			}
			if err != nil {
				return err
			}
			c.allocs.Add(1)
			live = append(live, p)
		case op < 6:
			j := rng.IntN(len(live))
			p, err := uheap.Realloc(tctx, live[j], 1+rng.IntN(opts.maxSize))
			if errors.Is(err, mm.ErrOutOfMemory) {
				c.failures.Add(1)
				continue
			}
			if err != nil {
				return err
			}
			c.reallocs.Add(1)
			live[j] = p
		default:
			j := rng.IntN(len(live))
			p := live[j]
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			fctx := tctx
			if op == 9 {
				fctx = kctx.WithInterrupt(ctx)
				c.irqFrees.Add(1)
			}
			if err := uheap.Free(fctx, p); err != nil {
				return err
			}
			c.frees.Add(1)
		}
	}

	if err := freeViaWork(ctx, k, live, c); err != nil {
		return err
	}
	log.Debug("stress task done", "live", len(live))
	return k.ReleaseTask(ctx, tcb, task.KindTask)
}

// freeViaWork hands the task's remaining blocks to the high-priority queue and
// waits for the worker to free them.
func freeViaWork(ctx context.Context, k *kernel.Kernel, live []mm.Ptr, c *stressCounters) error {
	if len(live) == 0 {
		return nil
	}
	var (
		work wqueue.Work
		done = make(chan error, 1)
	)
	fn := func(wctx context.Context, arg any) error {
		var err error
		for _, p := range arg.([]mm.Ptr) {
			if err = k.UHeap().Free(wctx, p); err != nil {
				break
			}
			c.workFrees.Add(1)
		}
		done <- err
		return err
	}
	if err := k.Work(wqueue.ModeKernel).Submit(wqueue.HighPriority, &work, fn, live, 0); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func printStressReport(w io.Writer, r *stressReport) {
	if quiet {
		return
	}
	p := message.NewPrinter(language.English)
	p.Fprintf(w, "boot %s: %d tasks (%d created, %d released)\n", r.BootID, r.Tasks, r.Created, r.Released)
	p.Fprintf(w, "  allocations: %d (%d failed), reallocs: %d\n", r.Allocations, r.Failures, r.Reallocs)
	p.Fprintf(w, "  frees: %d direct, %d from interrupt context, %d by work queue\n",
		r.Frees-r.InterruptFree, r.InterruptFree, r.WorkFrees)
	p.Fprintf(w, "  delayed frees collected at end: %d\n", r.Collected)
	for _, h := range []struct {
		name string
		info mm.Info
	}{{"kernel", r.Kernel}, {"user", r.User}} {
		p.Fprintf(w, "  %s heap: size=%d alloc=%d free=%d largest=%d\n",
			h.name, h.info.Size, h.info.Allocated, h.info.Free, h.info.LargestFree)
	}
}
