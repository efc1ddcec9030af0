package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/cobra"

	"github.com/Composer-Team/beethoven-runtime/device/dma"
	"github.com/Composer-Team/beethoven-runtime/pkg/fpga"
)

var (
	benchRequests    int
	benchMaxSize     string
	benchConcurrency int
	benchSeed        int64
)

func init() {
	cmd := newBenchCmd()
	cmd.Flags().IntVarP(&benchRequests, "requests", "n", 64, "Number of buffers to round-trip")
	cmd.Flags().StringVar(&benchMaxSize, "max-size", "64K", "Largest buffer size")
	cmd.Flags().IntVar(&benchConcurrency, "concurrency", 8, "Concurrent workers")
	cmd.Flags().Int64Var(&benchSeed, "seed", 1, "Payload and size seed")
	rootCmd.AddCommand(cmd)
}

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Round-trip random buffers through the DMA engine and verify them",
		Long: `The bench command allocates random-sized buffers, writes random payloads
to device memory, reads them back and compares xxhash digests of what was
written and what came back. Workers run concurrently so segments from
different requests interleave across tags.

Example:
  beethovenctl bench
  beethovenctl bench -n 1000 --max-size 1M --concurrency 32
  beethovenctl bench --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context())
		},
	}
	return cmd
}

type benchReport struct {
	Requests    int       `json:"requests"`
	Bytes       int64     `json:"bytes"`
	Elapsed     string    `json:"elapsed"`
	MBPerSecond float64   `json:"mb_per_second"`
	Mismatches  int64     `json:"mismatches"`
	DMA         dma.Stats `json:"dma"`
}

func runBench(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if benchRequests <= 0 || benchConcurrency <= 0 {
		return fmt.Errorf("--requests and --concurrency must be positive")
	}
	sizes, err := parseSizes([]string{benchMaxSize})
	if err != nil {
		return fmt.Errorf("--max-size: %w", err)
	}
	maxSize := sizes[0]
	if maxSize == 0 {
		return fmt.Errorf("--max-size must be positive")
	}

	h, err := openRuntime()
	if err != nil {
		return err
	}
	defer h.Close(context.Background())

	rng := rand.New(rand.NewSource(benchSeed))
	jobs := make(chan benchJob)
	go func() {
		defer close(jobs)
		for i := 0; i < benchRequests; i++ {
			jobs <- benchJob{index: i, size: 1 + uint64(rng.Int63n(int64(maxSize))), seed: rng.Int63()}
		}
	}()

	var (
		wg         sync.WaitGroup
		bytes      atomic.Int64
		mismatches atomic.Int64
		errOnce    sync.Once
		firstErr   error
	)
	start := time.Now()
	for w := 0; w < benchConcurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				ok, err := roundTrip(ctx, h, job)
				if err != nil {
					errOnce.Do(func() { firstErr = err })
					continue
				}
				bytes.Add(int64(2 * job.size))
				if !ok {
					mismatches.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	if firstErr != nil {
		return firstErr
	}

	report := benchReport{
		Requests:    benchRequests,
		Bytes:       bytes.Load(),
		Elapsed:     elapsed.Round(time.Microsecond).String(),
		MBPerSecond: float64(bytes.Load()) / (1 << 20) / elapsed.Seconds(),
		Mismatches:  mismatches.Load(),
		DMA:         h.Stats().DMA,
	}
	if jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printBenchReport(report)
	}
	if report.Mismatches > 0 {
		return fmt.Errorf("%d buffer(s) came back corrupted", report.Mismatches)
	}
	return nil
}

type benchJob struct {
	index int
	size  uint64
	seed  int64
}

// roundTrip writes a random payload, clears the mirror, reads it back and
// reports whether the digests match.
func roundTrip(ctx context.Context, h *fpga.Handle, job benchJob) (bool, error) {
	p, err := h.Malloc(job.size)
	if err != nil {
		return false, fmt.Errorf("buffer %d: %w", job.index, err)
	}
	defer h.Free(p)

	rand.New(rand.NewSource(job.seed)).Read(p.Host())
	want := xxhash.Sum64(p.Host())

	if err := h.CopyToFPGA(ctx, p); err != nil {
		return false, fmt.Errorf("buffer %d write: %w", job.index, err)
	}
	clear(p.Host())
	if err := h.CopyFromFPGA(ctx, p); err != nil {
		return false, fmt.Errorf("buffer %d read: %w", job.index, err)
	}
	got := xxhash.Sum64(p.Host())
	printVerbose("buffer %d: %s bytes at 0x%X digest %016x\n", job.index, num.Sprint(job.size), p.DeviceAddr(), got)
	return got == want, nil
}

func printBenchReport(r benchReport) {
	printInfo("Requests:          %s\n", num.Sprint(r.Requests))
	printInfo("Bytes moved:       %s\n", num.Sprint(r.Bytes))
	printInfo("Elapsed:           %s\n", r.Elapsed)
	printInfo("Throughput:        %s MiB/s\n", num.Sprintf("%.1f", r.MBPerSecond))
	printInfo("Segments issued:   %s\n", num.Sprint(r.DMA.SegmentsIssued))
	printInfo("Held completions:  %s\n", num.Sprint(r.DMA.HeldCompletions))
	printInfo("Tag waits:         %s\n", num.Sprint(r.DMA.TagWaits))
	printInfo("Mismatches:        %d\n", r.Mismatches)
}
