package main

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unsafe"

	"github.com/spf13/cobra"
	"github.com/vkngwrapper/tieralloc/tiered"
)

var (
	runSizes    string
	runRounds   int
	runDetailed bool
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().StringVar(&runSizes, "sizes", "16,512,2M", "Comma separated request sizes. K and M suffixes are binary multiples")
	cmd.Flags().IntVar(&runRounds, "rounds", 1, "Number of alloc/free rounds")
	cmd.Flags().BoolVar(&runDetailed, "detailed", false, "Include the detailed arena map in JSON output")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a synthetic workload and print statistics",
		Long: `The run command allocates every requested size once per round. Every round but
the last frees its allocations again, so the reported statistics describe the
allocations of the final round.

Example:
  tierstat run --sizes 16,512,2097152 --rounds 10
  tierstat run --sizes 1K,64K,16M --json --detailed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sizes, err := parseSizes(runSizes)
			if err != nil {
				return err
			}
			if runRounds < 1 {
				return fmt.Errorf("--rounds must be at least 1, got %d", runRounds)
			}

			allocator, err := newAllocator()
			if err != nil {
				return err
			}

			return runWorkload(cmd.OutOrStdout(), allocator, sizes, runRounds)
		},
	}
}

// parseSizes parses a comma separated list of byte counts
func parseSizes(list string) ([]int, error) {
	var sizes []int
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		size, err := parseSize(field)
		if err != nil {
			return nil, err
		}
		sizes = append(sizes, size)
	}

	if len(sizes) == 0 {
		return nil, fmt.Errorf("no sizes provided")
	}

	return sizes, nil
}

func parseSize(field string) (int, error) {
	multiplier := 1
	number := strings.ToUpper(field)
	number = strings.TrimSuffix(number, "IB")
	number = strings.TrimSuffix(number, "B")

	switch {
	case strings.HasSuffix(number, "K"):
		multiplier = 1 << 10
	case strings.HasSuffix(number, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(number, "G"):
		multiplier = 1 << 30
	}
	if multiplier > 1 {
		number = number[:len(number)-1]
	}

	value, err := strconv.Atoi(number)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", field, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid size %q: must not be negative", field)
	}
	if value > math.MaxInt/multiplier {
		return 0, fmt.Errorf("invalid size %q: too large", field)
	}

	return value * multiplier, nil
}

type workloadResult struct {
	exhausted int
	live      []unsafe.Pointer
}

func runRound(allocator *tiered.Allocator, sizes []int) (workloadResult, error) {
	var result workloadResult
	for _, size := range sizes {
		ptr, err := allocator.Alloc(size)
		if err != nil {
			return result, fmt.Errorf("failed to allocate %d bytes: %w", size, err)
		}
		if ptr == nil {
			if size > 0 {
				result.exhausted++
			}
			continue
		}

		result.live = append(result.live, ptr)
	}

	return result, nil
}

func freeAll(allocator *tiered.Allocator, ptrs []unsafe.Pointer) error {
	for i := len(ptrs) - 1; i >= 0; i-- {
		if err := allocator.Free(ptrs[i]); err != nil {
			return err
		}
	}

	return nil
}

func runWorkload(out io.Writer, allocator *tiered.Allocator, sizes []int, rounds int) (err error) {
	defer func() {
		if destroyErr := allocator.Destroy(); err == nil {
			err = destroyErr
		}
	}()

	var result workloadResult
	exhausted := 0
	for round := 0; round < rounds; round++ {
		if err := freeAll(allocator, result.live); err != nil {
			return err
		}

		result, err = runRound(allocator, sizes)
		if err != nil {
			freeErr := freeAll(allocator, result.live)
			if freeErr != nil {
				return freeErr
			}
			return err
		}
		exhausted += result.exhausted
	}

	if err := allocator.Validate(); err != nil {
		return err
	}

	if jsonOut {
		fmt.Fprintln(out, allocator.BuildStatsString(runDetailed))
	} else {
		printSummary(out, allocator, rounds, exhausted)
	}

	return freeAll(allocator, result.live)
}

func printSummary(out io.Writer, allocator *tiered.Allocator, rounds, exhausted int) {
	var stats tiered.Statistics
	allocator.CalculateStatistics(&stats)
	counters := allocator.Counters()

	fmt.Fprintf(out, "Rounds:              %d\n", rounds)
	fmt.Fprintf(out, "Allocations:         %d\n", counters.AllocationCount)
	fmt.Fprintf(out, "Frees:               %d\n", counters.FreeCount)
	fmt.Fprintf(out, "Exhausted requests:  %d\n", exhausted)
	fmt.Fprintf(out, "Live bytes:          %d\n", counters.LiveBytes())
	fmt.Fprintf(out, "Peak bytes:          %d\n", counters.PeakUsage)
	fmt.Fprintf(out, "Free-list arenas:    %d\n", allocator.FreeListCount())
	fmt.Fprintln(out)

	fmt.Fprintf(out, "%-10s %8s %14s %12s %14s\n", "TIER", "BLOCKS", "BLOCK BYTES", "ALLOCATIONS", "ALLOC BYTES")
	for i := range stats.Tiers {
		tierStats := &stats.Tiers[i]
		fmt.Fprintf(out, "%-10s %8d %14d %12d %14d\n", tiered.Tier(i), tierStats.BlockCount, tierStats.BlockBytes,
			tierStats.AllocationCount, tierStats.AllocationBytes)
	}
	fmt.Fprintf(out, "%-10s %8d %14d %12d %14d\n", "Total", stats.Total.BlockCount, stats.Total.BlockBytes,
		stats.Total.AllocationCount, stats.Total.AllocationBytes)
}
