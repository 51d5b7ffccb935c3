package main

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/tieralloc/tiered"
)

func TestParseSizes(t *testing.T) {
	tests := []struct {
		name    string
		list    string
		want    []int
		wantErr bool
	}{
		{name: "plain", list: "16,512,2097152", want: []int{16, 512, 2097152}},
		{name: "suffixes", list: "1K, 64KiB,2M,1GB", want: []int{1024, 65536, 2097152, 1 << 30}},
		{name: "bytes suffix", list: "16b", want: []int{16}},
		{name: "zero", list: "0,8", want: []int{0, 8}},
		{name: "trailing comma", list: "16,", want: []int{16}},
		{name: "empty", list: " , ", wantErr: true},
		{name: "negative", list: "-16", wantErr: true},
		{name: "garbage", list: "16,lots", wantErr: true},
		{name: "overflow", list: "9999999999G", wantErr: true},
		{name: "largest", list: "9223372036854775807", want: []int{math.MaxInt}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sizes, err := parseSizes(tt.list)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want, sizes)
		})
	}
}

func testAllocator(t *testing.T) *tiered.Allocator {
	t.Helper()

	allocator, err := tiered.New(nil, tiered.CreateOptions{
		Flags:                    tiered.CreateDiagnostics,
		PoolChunkCount:           2,
		LargeAllocationThreshold: 64 * 1024,
		FreeListArenaSize:        128 * 1024,
	})
	require.NoError(t, err)
	return allocator
}

func TestPrintClasses(t *testing.T) {
	allocator := testAllocator(t)
	defer allocator.Destroy()

	var out bytes.Buffer
	require.NoError(t, printClasses(&out, allocator.SizeClasses(), false))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	// Header, six pools, the free-list tier and the large tier
	require.Len(t, lines, 9)
	require.Contains(t, lines[0], "TIER")
	require.Contains(t, lines[1], "Pool")
	require.Contains(t, lines[7], "FreeList")
	require.Contains(t, lines[7], "65536")
	require.Contains(t, lines[8], "Large")
	require.Contains(t, lines[8], "65537")

	out.Reset()
	require.NoError(t, printClasses(&out, allocator.SizeClasses(), true))

	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &rows))
	require.Len(t, rows, 8)
	require.Equal(t, "Pool", rows[0]["tier"])
	require.Equal(t, float64(16), rows[0]["chunkSize"])
	require.NotContains(t, rows[7], "chunkSize")
}

func TestRunWorkload(t *testing.T) {
	var out bytes.Buffer
	err := runWorkload(&out, testAllocator(t), []int{0, 16, 16, 16, 1000, 100000}, 3)
	require.NoError(t, err)

	output := out.String()
	require.Contains(t, output, "Rounds:              3")
	// Only two 16 byte chunks exist, so the third request fails in every round
	require.Contains(t, output, "Exhausted requests:  3")
	require.Contains(t, output, "Allocations:         12")
	require.Contains(t, output, "Frees:               8")
	require.Contains(t, output, "Large")
}

func TestRunWorkloadJSON(t *testing.T) {
	jsonOut = true
	runDetailed = true
	defer func() {
		jsonOut = false
		runDetailed = false
	}()

	var out bytes.Buffer
	require.NoError(t, runWorkload(&out, testAllocator(t), []int{32, 4096}, 2))

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &stats))
	require.Contains(t, stats, "DetailedMap")
	require.Equal(t, float64(2), stats["Total"].(map[string]interface{})["AllocationCount"])
}
