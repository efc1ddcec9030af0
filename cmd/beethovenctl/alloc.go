package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Composer-Team/beethoven-runtime/device/alloc"
	"github.com/Composer-Team/beethoven-runtime/internal/config"
	"github.com/Composer-Team/beethoven-runtime/pkg/fpga"
)

var (
	allocCheck bool
)

func init() {
	cmd := newAllocCmd()
	cmd.Flags().BoolVar(&allocCheck, "check", false, "Validate allocator invariants after the sequence")
	rootCmd.AddCommand(cmd)
}

func newAllocCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alloc <op>...",
		Short: "Run an allocate/free sequence and show the resulting layout",
		Long: `The alloc command runs a sequence of operations against a fresh allocator
and prints every allocation, per-slab occupancy and the allocator counters.

An operation is either a size to allocate (4096, 0x1000, 10K, 2MiB) or
free:N to release the N-th allocation of the sequence (0-based).

Example:
  beethovenctl alloc 100 10K 2MiB
  beethovenctl alloc 3K 3K free:0 1K --check
  beethovenctl alloc 1M 1M 1M --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlloc(args)
		},
	}
	return cmd
}

type allocRow struct {
	Index      int    `json:"index"`
	Requested  uint64 `json:"requested"`
	Reserved   uint64 `json:"reserved"`
	DeviceAddr uint64 `json:"device_addr"`
	Slab       int    `json:"slab"`
	FirstBlock int    `json:"first_block"`
	Freed      bool   `json:"freed"`
}

type allocReport struct {
	Allocations []allocRow       `json:"allocations"`
	Slabs       []alloc.SlabInfo `json:"slabs"`
	Stats       alloc.Stats      `json:"stats"`
	Invariants  string           `json:"invariants,omitempty"`
}

// allocOp is one parsed operation: a size to allocate or an index to free.
type allocOp struct {
	size uint64
	free int // -1 for allocations
}

func parseAllocOps(args []string) ([]allocOp, error) {
	ops := make([]allocOp, 0, len(args))
	for _, a := range args {
		if rest, ok := strings.CutPrefix(a, "free:"); ok {
			i, err := strconv.Atoi(rest)
			if err != nil || i < 0 {
				return nil, fmt.Errorf("bad free operation %q", a)
			}
			ops = append(ops, allocOp{free: i})
			continue
		}
		n, err := config.ParseSize(a)
		if err != nil {
			return nil, err
		}
		ops = append(ops, allocOp{size: n, free: -1})
	}
	return ops, nil
}

func runAlloc(args []string) error {
	ops, err := parseAllocOps(args)
	if err != nil {
		return err
	}

	h, err := openRuntime()
	if err != nil {
		return err
	}
	defer h.Close(context.Background())

	var (
		ptrs []*fpga.RemotePtr
		rows []allocRow
	)
	for _, op := range ops {
		if op.free >= 0 {
			if op.free >= len(ptrs) {
				return fmt.Errorf("free:%d: only %d allocations so far", op.free, len(ptrs))
			}
			if err := h.Free(ptrs[op.free]); err != nil {
				return fmt.Errorf("free:%d: %w", op.free, err)
			}
			rows[op.free].Freed = true
			printVerbose("free:%d released 0x%X\n", op.free, rows[op.free].DeviceAddr)
			continue
		}

		p, err := h.Malloc(op.size)
		if err != nil {
			return fmt.Errorf("allocate %d: %w", op.size, err)
		}
		ah, _, _ := h.Allocator().Lookup(p.DeviceAddr())
		ptrs = append(ptrs, p)
		rows = append(rows, allocRow{
			Index:      len(rows),
			Requested:  p.Len(),
			Reserved:   p.Reserved(),
			DeviceAddr: p.DeviceAddr(),
			Slab:       ah.SlabIndex(),
			FirstBlock: ah.FirstBlock(),
		})
	}

	report := allocReport{
		Allocations: rows,
		Slabs:       h.Allocator().Slabs(),
		Stats:       h.Allocator().Stats(),
	}
	if allocCheck {
		report.Invariants = "ok"
		if err := h.Allocator().CheckInvariants(); err != nil {
			report.Invariants = err.Error()
		}
	}

	if jsonOut {
		return printJSON(report)
	}
	printAllocReport(report)
	if allocCheck && report.Invariants != "ok" {
		return fmt.Errorf("%s", report.Invariants)
	}
	return nil
}

func printAllocReport(r allocReport) {
	printInfo("%-4s  %12s  %12s  %-18s  %4s  %5s\n", "#", "REQUESTED", "RESERVED", "DEVICE ADDR", "SLAB", "BLOCK")
	for _, row := range r.Allocations {
		state := ""
		if row.Freed {
			state = "  (freed)"
		}
		printInfo("%-4d  %12s  %12s  0x%016X  %4d  %5d%s\n",
			row.Index, num.Sprint(row.Requested), num.Sprint(row.Reserved),
			row.DeviceAddr, row.Slab, row.FirstBlock, state)
	}

	printInfo("\nSlabs:\n")
	for _, s := range r.Slabs {
		printInfo("  [%d] 0x%016X  used %3d  free %3d  largest run %3d  allocations %d\n",
			s.Index, s.Addr, s.BlocksUsed, s.BlocksFree, s.LargestFreeRun, s.LiveAllocations)
	}

	st := r.Stats
	printInfo("\nLive allocations: %d\n", st.LiveAllocations)
	printInfo("Bytes requested:  %s\n", num.Sprint(st.BytesRequested))
	printInfo("Bytes reserved:   %s (%.1f%% internal fragmentation)\n",
		num.Sprint(st.BytesReserved), st.Fragmentation()*100)
	printInfo("High water:       %s\n", num.Sprint(st.HighWater))
	if r.Invariants != "" {
		printInfo("Invariants:       %s\n", r.Invariants)
	}
}
