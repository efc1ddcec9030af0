package dirty

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSize = 64 * 1024

func Test_DirtyTracker_PageAlignment(t *testing.T) {
	tracker := NewTracker(testSize)
	require.NoError(t, tracker.Add(100, 200))

	// Start 100 rounds down to 0, end 300 rounds up to 4096
	assert.Equal(t, []Range{{Off: 0, Len: 4096}}, tracker.Ranges())
}

func Test_DirtyTracker_Coalesce(t *testing.T) {
	tests := []struct {
		name string
		add  []Range
		want []Range
	}{
		{
			name: "adjacent",
			add:  []Range{{4096, 4096}, {8192, 4096}},
			want: []Range{{4096, 8192}},
		},
		{
			name: "overlapping",
			add:  []Range{{0, 6000}, {5000, 100}},
			want: []Range{{0, 8192}},
		},
		{
			name: "same page",
			add:  []Range{{10, 1}, {4000, 50}},
			want: []Range{{0, 4096}},
		},
		{
			name: "separate",
			add:  []Range{{0, 1}, {3 * 4096, 1}},
			want: []Range{{0, 4096}, {3 * 4096, 4096}},
		},
		{
			name: "unsorted input",
			add:  []Range{{5 * 4096, 8192}, {0, 3 * 4096}},
			want: []Range{{0, 3 * 4096}, {5 * 4096, 2 * 4096}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(testSize)
			for _, r := range tt.add {
				require.NoError(t, tracker.Add(r.Off, r.Len))
			}
			assert.Equal(t, tt.want, tracker.Ranges())
		})
	}
}

func Test_DirtyTracker_Coalesce_ManyRanges(t *testing.T) {
	tracker := NewTracker(testSize)
	// Dirty pages 0, 1, 2, 5, 6 one byte at a time
	for _, page := range []uint64{6, 0, 2, 5, 1} {
		require.NoError(t, tracker.Add(page*4096+17, 1))
	}
	assert.Equal(t, []Range{{0, 0x3000}, {0x5000, 0x2000}}, tracker.Ranges())
	assert.Equal(t, uint64(5*4096), tracker.DirtyBytes())
	assert.Len(t, tracker.Pending(), 5, "raw ranges are kept until flush")
}

func Test_DirtyTracker_ClampsToSize(t *testing.T) {
	tracker := NewTracker(10000)
	require.NoError(t, tracker.Add(9000, 1000))
	assert.Equal(t, []Range{{8192, 10000 - 8192}}, tracker.Ranges())

	require.ErrorIs(t, tracker.Add(9000, 1001), ErrOutOfBounds)
	require.ErrorIs(t, tracker.Add(^uint64(0), 2), ErrOutOfBounds)
	require.NoError(t, tracker.Add(50, 0), "zero length is ignored")
	assert.Len(t, tracker.Pending(), 1)
}

func Test_DirtyTracker_Flush(t *testing.T) {
	tracker := NewTracker(testSize)
	require.NoError(t, tracker.Add(0x5000, 10))
	require.NoError(t, tracker.Add(0x100, 10))

	var got []Range
	err := tracker.Flush(context.Background(), func(_ context.Context, r Range) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []Range{{0, 0x1000}, {0x5000, 0x1000}}, got)
	assert.True(t, tracker.Empty())
}

func Test_DirtyTracker_Flush_Empty(t *testing.T) {
	tracker := NewTracker(testSize)
	called := false
	require.NoError(t, tracker.Flush(context.Background(), func(context.Context, Range) error {
		called = true
		return nil
	}))
	assert.False(t, called)
}

func Test_DirtyTracker_Flush_ErrorKeepsRemainder(t *testing.T) {
	tracker := NewTracker(testSize)
	for _, off := range []uint64{0, 0x3000, 0x8000} {
		require.NoError(t, tracker.Add(off, 1))
	}

	errBus := errors.New("bus error")
	err := tracker.Flush(context.Background(), func(_ context.Context, r Range) error {
		if r.Off == 0x3000 {
			return errBus
		}
		return nil
	})
	require.ErrorIs(t, err, errBus)
	assert.Equal(t, []Range{{0x3000, 0x1000}, {0x8000, 0x1000}}, tracker.Ranges(),
		"the failed range and later ones stay pending")
}

func Test_DirtyTracker_Flush_Cancelled(t *testing.T) {
	tracker := NewTracker(testSize)
	require.NoError(t, tracker.Add(0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tracker.Flush(ctx, func(context.Context, Range) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, tracker.Empty())
}

func Test_DirtyTracker_Reset(t *testing.T) {
	tracker := NewTracker(testSize)
	tracker.AddAll()
	assert.Equal(t, []Range{{0, testSize}}, tracker.Ranges())

	tracker.Reset()
	assert.True(t, tracker.Empty())
	assert.Nil(t, tracker.Ranges())
}
