package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/joshuapare/rtkern/internal/logger"
	"github.com/joshuapare/rtkern/kernel/mm"
)

var scenarioArena int

func init() {
	rootCmd.AddCommand(newScenarioCmd())
}

func newScenarioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Walk through the split/reuse/coalesce scenario on a single arena",
		Long: `Build a heap with one arena and run:

  A = allocate(100), B = allocate(200), free(A),
  C = allocate(50)   (reuses A's node),
  free(B), free(C)   (coalesces back to one free node)

printing the node map after every step and checking the arena's invariants.

Example:
  rtkctl scenario
  rtkctl scenario --arena 8192 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScenario(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&scenarioArena, "arena", 4096, "Arena size in bytes")
	return cmd
}

type scenarioStep struct {
	Op          string `json:"op"`
	Size        int    `json:"size,omitempty"`
	Ptr         string `json:"ptr"`
	FreeNodes   int    `json:"free_nodes"`
	AllocNodes  int    `json:"alloc_nodes"`
	LargestFree int    `json:"largest_free"`
}

type scenarioReport struct {
	ArenaSize int            `json:"arena_size"`
	Steps     []scenarioStep `json:"steps"`
	Reused    bool           `json:"reused"`
	Final     mm.Info        `json:"final"`
}

func runScenario(ctx context.Context, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	heap := mm.NewHeap(mm.DomainUser, mm.NewSpace(0), mm.WithLogger(logger.L))
	defer heap.Close()
	if _, err := heap.AddArena(scenarioArena); err != nil {
		return err
	}

	report := &scenarioReport{ArenaSize: scenarioArena}
	record := func(op string, size int, p mm.Ptr) error {
		info := heap.Info()
		report.Steps = append(report.Steps, scenarioStep{
			Op:          op,
			Size:        size,
			Ptr:         fmt.Sprintf("%#x", uint64(p)),
			FreeNodes:   info.FreeNodes,
			AllocNodes:  info.AllocNodes,
			LargestFree: info.LargestFree,
		})
		if err := heap.Verify(); err != nil {
			return fmt.Errorf("after %s: %w", op, err)
		}
		if jsonOut {
			return nil
		}
		printInfo(w, "%s\n", op)
		if !quiet {
			return heap.Dump(w, 16)
		}
		return nil
	}

	alloc := func(name string, size int) (mm.Ptr, error) {
		p, err := heap.Allocate(ctx, size)
		if err != nil {
			return 0, fmt.Errorf("allocate %s: %w", name, err)
		}
		return p, record(fmt.Sprintf("%s = allocate(%d)", name, size), size, p)
	}
	free := func(name string, p mm.Ptr) error {
		if err := heap.Free(ctx, p); err != nil {
			return fmt.Errorf("free %s: %w", name, err)
		}
		return record(fmt.Sprintf("free(%s)", name), 0, p)
	}

	a, err := alloc("A", 100)
	if err != nil {
		return err
	}
	b, err := alloc("B", 200)
	if err != nil {
		return err
	}
	if err := free("A", a); err != nil {
		return err
	}
	c, err := alloc("C", 50)
	if err != nil {
		return err
	}
	report.Reused = c == a
	if err := free("B", b); err != nil {
		return err
	}
	if err := free("C", c); err != nil {
		return err
	}

	report.Final = heap.Info()
	if report.Final.FreeNodes != 1 || report.Final.LargestFree != scenarioArena-mm.GuardOverhead {
		return fmt.Errorf("arena did not coalesce: %d free nodes, largest %d",
			report.Final.FreeNodes, report.Final.LargestFree)
	}

	if jsonOut {
		return printJSON(w, report)
	}
	printInfo(w, "C reused A's node: %t\n", report.Reused)
	printVerbose(w, "final: %d free node of %d bytes\n", report.Final.FreeNodes, report.Final.LargestFree)
	return nil
}
