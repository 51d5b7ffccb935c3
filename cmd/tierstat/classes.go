package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/vkngwrapper/tieralloc/tiered"
)

func init() {
	rootCmd.AddCommand(newClassesCmd())
}

func newClassesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "Print the size-class routing table",
		Long: `The classes command prints which tier serves each range of request sizes
under the current configuration.

Example:
  tierstat classes
  tierstat classes --min-chunk 8 --max-chunk 4096 --threshold 1048576
  tierstat classes --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			allocator, err := newAllocator()
			if err != nil {
				return err
			}
			defer func() {
				if destroyErr := allocator.Destroy(); err == nil {
					err = destroyErr
				}
			}()

			return printClasses(cmd.OutOrStdout(), allocator.SizeClasses(), jsonOut)
		},
	}
}

type classJSON struct {
	Tier       string `json:"tier"`
	MinSize    int    `json:"minSize"`
	MaxSize    int    `json:"maxSize"`
	ChunkSize  int    `json:"chunkSize,omitempty"`
	ChunkCount int    `json:"chunkCount,omitempty"`
}

func printClasses(out io.Writer, classes []tiered.SizeClass, asJSON bool) error {
	if asJSON {
		rows := make([]classJSON, 0, len(classes))
		for _, class := range classes {
			rows = append(rows, classJSON{
				Tier:       class.Tier.String(),
				MinSize:    class.MinSize,
				MaxSize:    class.MaxSize,
				ChunkSize:  class.ChunkSize,
				ChunkCount: class.ChunkCount,
			})
		}

		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rows)
	}

	fmt.Fprintf(out, "%-10s %12s %12s %10s %8s\n", "TIER", "MIN", "MAX", "CHUNK", "CHUNKS")
	for _, class := range classes {
		maxSize := strconv.Itoa(class.MaxSize)
		if class.MaxSize == math.MaxInt {
			maxSize = "-"
		}

		chunkSize, chunks := "-", "-"
		if class.Tier == tiered.TierPool {
			chunkSize = strconv.Itoa(class.ChunkSize)
			chunks = strconv.Itoa(class.ChunkCount)
		}

		fmt.Fprintf(out, "%-10s %12d %12s %10s %8s\n", class.Tier, class.MinSize, maxSize, chunkSize, chunks)
	}

	return nil
}
