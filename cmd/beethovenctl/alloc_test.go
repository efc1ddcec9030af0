package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocCommand(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		check       bool
		wantJSON    bool
		wantErr     bool
		wantContain []string
	}{
		{
			name:        "single allocation",
			args:        []string{"100"},
			wantContain: []string{"100", "4,096", "Live allocations: 1"},
		},
		{
			name:        "free and reuse",
			args:        []string{"3K", "3K", "free:0", "1K"},
			check:       true,
			wantContain: []string{"(freed)", "Invariants:       ok", "Live allocations: 2"},
		},
		{
			name:        "second slab",
			args:        []string{"2MiB", "1"},
			wantContain: []string{"[1] 0x"},
		},
		{
			name:     "json",
			args:     []string{"10K", "free:0"},
			wantJSON: true,
		},
		{name: "too large", args: []string{"3MiB"}, wantErr: true},
		{name: "zero", args: []string{"0"}, wantErr: true},
		{name: "bad size", args: []string{"lots"}, wantErr: true},
		{name: "free unknown", args: []string{"1K", "free:3"}, wantErr: true},
		{name: "double free", args: []string{"1K", "free:0", "free:0"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFlags(t)
			jsonOut = tt.wantJSON
			allocCheck = tt.check

			output, err := captureOutput(t, func() error {
				return runAlloc(tt.args)
			})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantJSON {
				assertJSON(t, output)
			}
			assertContains(t, output, tt.wantContain)
		})
	}
}

func TestAllocCommand_JSONLayout(t *testing.T) {
	resetFlags(t)
	jsonOut = true
	allocCheck = true

	output, err := captureOutput(t, func() error {
		return runAlloc([]string{"4096", "4097", "1"})
	})
	require.NoError(t, err)

	var report allocReport
	require.NoError(t, json.Unmarshal([]byte(output), &report))
	require.Len(t, report.Allocations, 3)
	assert.Equal(t, "ok", report.Invariants)

	a := report.Allocations
	assert.Equal(t, uint64(4096), a[0].Reserved)
	assert.Equal(t, uint64(8192), a[1].Reserved)
	assert.Equal(t, a[0].DeviceAddr+4096, a[1].DeviceAddr, "first fit packs allocations")
	assert.Equal(t, 3, a[2].FirstBlock)
	assert.Equal(t, 4, report.Stats.BlocksUsed)
}

func TestParseAllocOps(t *testing.T) {
	ops, err := parseAllocOps([]string{"1K", "free:0", "0x2000"})
	require.NoError(t, err)
	assert.Equal(t, []allocOp{{size: 1024, free: -1}, {free: 0}, {size: 0x2000, free: -1}}, ops)

	_, err = parseAllocOps([]string{"free:-1"})
	require.Error(t, err)
	_, err = parseAllocOps([]string{"free:x"})
	require.Error(t, err)
}
