package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBenchCommand(t *testing.T) {
	resetFlags(t)
	jsonOut = true
	configPath = writeConfig(t, "device:\n  capacity: 16777216\nmemsim:\n  max_latency: 20us\n")

	output, err := captureOutput(t, func() error {
		return runBench(context.Background())
	})
	require.NoError(t, err)

	var report benchReport
	require.NoError(t, json.Unmarshal([]byte(output), &report))
	assert.Equal(t, 16, report.Requests)
	assert.Zero(t, report.Mismatches)
	assert.Positive(t, report.Bytes)
	assert.Equal(t, report.DMA.SegmentsIssued, report.DMA.SegmentsRetired)
	assert.Equal(t, int64(32), report.DMA.RequestsComplete)
}

func TestBenchCommand_BadFlags(t *testing.T) {
	resetFlags(t)
	benchRequests = 0
	require.Error(t, runBench(context.Background()))

	resetFlags(t)
	benchMaxSize = "0"
	require.Error(t, runBench(context.Background()))
}
