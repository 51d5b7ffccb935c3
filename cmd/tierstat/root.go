package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vkngwrapper/tieralloc/memutils/arena"
	"github.com/vkngwrapper/tieralloc/tiered"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	verbose bool
	jsonOut bool

	// Allocator configuration, mirroring tiered.CreateOptions
	minChunk     int
	maxChunk     int
	chunkCount   int
	arenaSize    int
	threshold    int
	useMmap      bool
	synchronized bool
)

var rootCmd = &cobra.Command{
	Use:   "tierstat",
	Short: "Inspect the behavior of a tiered memory allocator",
	Long: `tierstat builds a tiered allocator from the provided configuration and
reports how it routes requests between its pool, free-list and large allocation
tiers. It can also run synthetic alloc/free workloads and print the resulting
statistics.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log arena growth and large allocations")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")

	rootCmd.PersistentFlags().IntVar(&minChunk, "min-chunk", 0, "Smallest pool chunk size (default 16)")
	rootCmd.PersistentFlags().IntVar(&maxChunk, "max-chunk", 0, "Largest pool chunk size (default 512)")
	rootCmd.PersistentFlags().IntVar(&chunkCount, "chunks", 0, "Number of chunks in every pool (default 1024)")
	rootCmd.PersistentFlags().IntVar(&arenaSize, "arena-size", 0, "Size of every free-list arena in bytes (default 10MiB+4KiB)")
	rootCmd.PersistentFlags().IntVar(&threshold, "threshold", 0, "Large allocation threshold in bytes (default 10MiB)")
	rootCmd.PersistentFlags().BoolVar(&useMmap, "mmap", false, "Back arenas with anonymous memory mappings instead of the Go heap")
	rootCmd.PersistentFlags().BoolVar(&synchronized, "synchronized", false, "Create the allocator with CreateSynchronized")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func createOptions() tiered.CreateOptions {
	options := tiered.CreateOptions{
		Flags:                    tiered.CreateDiagnostics,
		MinPoolChunkSize:         minChunk,
		MaxPoolChunkSize:         maxChunk,
		PoolChunkCount:           chunkCount,
		FreeListArenaSize:        arenaSize,
		LargeAllocationThreshold: threshold,
	}

	if synchronized {
		options.Flags |= tiered.CreateSynchronized
	}
	if useMmap {
		options.Backing = arena.MappedBacking{}
	}

	return options
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(os.Stderr))
}

// newAllocator builds an allocator from the global flags
func newAllocator() (*tiered.Allocator, error) {
	allocator, err := tiered.New(newLogger(), createOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create allocator: %w", err)
	}

	return allocator, nil
}
