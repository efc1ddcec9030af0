package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Composer-Team/beethoven-runtime/device"
	"github.com/Composer-Team/beethoven-runtime/internal/format"
)

// ============================================================================
// Test Helpers
// ============================================================================

// testBaseAddr is a non-zero device base so a zero address is never valid.
const testBaseAddr = 0x4000_0000

// newTestAllocator creates an allocator over a device holding the given number of slabs.
func newTestAllocator(t testing.TB, slabs int) (*Allocator, *device.Device) {
	t.Helper()
	return newTestAllocatorWithOptions(t, slabs, nil)
}

func newTestAllocatorWithOptions(t testing.TB, slabs int, opts *Options) (*Allocator, *device.Device) {
	t.Helper()
	slabSize := uint64(format.SlabSize)
	if opts != nil && opts.SlabSize != 0 {
		slabSize = opts.SlabSize
	}
	dev, err := device.Open(device.Config{
		Capacity: uint64(slabs) * slabSize,
		BaseAddr: testBaseAddr,
	})
	require.NoError(t, err)

	a, err := New(dev, opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = a.Close()
		_ = dev.Close()
	})
	return a, dev
}

// countGrows installs the grow hook and returns a pointer to the counter.
func countGrows(a *Allocator) *int {
	n := 0
	a.onGrow = func(int) { n++ }
	return &n
}

// assertInvariants fails the test if the allocator bookkeeping is inconsistent.
func assertInvariants(t testing.TB, a *Allocator) {
	t.Helper()
	require.NoError(t, a.CheckInvariants())
}

// mustAllocate allocates size bytes or fails the test.
func mustAllocate(t testing.TB, a *Allocator, size uint64) *Handle {
	t.Helper()
	h, err := a.Allocate(size)
	require.NoError(t, err, "Allocate(%d)", size)
	return h
}
