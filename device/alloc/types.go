package alloc

import (
	"log/slog"

	"github.com/Composer-Team/beethoven-runtime/internal/telemetry"
)

// Options tunes an Allocator. The zero value (or nil) selects 2 MiB slabs of
// 4 KiB blocks with a host mirror per slab.
type Options struct {
	// SlabSize is the size of each slab. Must be a multiple of BlockSize and of the page size.
	SlabSize uint64

	// BlockSize is the allocation granularity. Must be a power of two.
	BlockSize uint64

	// NoHostMirror skips mapping host memory for each slab. Handles then
	// return nil from Host.
	NoHostMirror bool

	// Telemetry receives allocation counters. Nil disables metrics.
	Telemetry telemetry.Telemetry

	// Logger receives slab growth and failure events. Nil uses the global logger.
	Logger *slog.Logger
}

// Handle is a live allocation. It is returned by Allocate and stays valid
// until its last reference is released.
type Handle struct {
	owner     *Allocator
	slab      *slab
	first     int    // first block index within the slab
	blocks    int    // number of blocks
	requested uint64 // bytes asked for
	addr      uint64 // device address of the first block

	// guarded by owner.mu
	refs  int
	freed bool
}

// DeviceAddr returns the device-space base address of the allocation.
func (h *Handle) DeviceAddr() uint64 { return h.addr }

// Size returns the reserved size in bytes (a whole number of blocks).
func (h *Handle) Size() uint64 { return uint64(h.blocks) * h.owner.blockSize }

// Requested returns the size originally asked for.
func (h *Handle) Requested() uint64 { return h.requested }

// End returns the first device address past the reserved region.
func (h *Handle) End() uint64 { return h.addr + h.Size() }

// SlabIndex returns the index of the slab holding the allocation.
func (h *Handle) SlabIndex() int { return h.slab.index }

// FirstBlock returns the first block index within the slab.
func (h *Handle) FirstBlock() int { return h.first }

// Blocks returns the number of blocks reserved.
func (h *Handle) Blocks() int { return h.blocks }

// Host returns the host-mirror view of the requested bytes, or nil when the
// allocator runs without host mirrors.
func (h *Handle) Host() []byte {
	if h.slab.mirror == nil {
		return nil
	}
	off := uint64(h.first) * h.owner.blockSize
	return h.slab.mirror[off : off+h.requested : off+h.Size()]
}

// Contains reports whether the device address falls inside the reserved region.
func (h *Handle) Contains(addr uint64) bool { return addr >= h.addr && addr < h.End() }

// Retain adds a reference to the allocation.
func (h *Handle) Retain() error {
	if h == nil || h.owner == nil {
		return ErrBadHandle
	}
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	if h.freed {
		return ErrDoubleFree
	}
	h.refs++
	return nil
}

// Refs returns the current reference count (0 once released).
func (h *Handle) Refs() int {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	return h.refs
}

// Stats is a snapshot of allocator state and counters.
type Stats struct {
	Slabs           int    // Slabs grown so far
	BlocksTotal     int    // Blocks across all slabs
	BlocksUsed      int    // Blocks held by live allocations
	LiveAllocations int    // Handles with a non-zero reference count
	BytesRequested  uint64 // Sum of requested sizes of live allocations
	BytesReserved   uint64 // Sum of reserved (block-rounded) sizes of live allocations
	HighWater       uint64 // Maximum BytesReserved ever observed

	AllocCalls   int64 // Allocate calls, successful or not
	AllocFailed  int64 // Allocate calls that returned an error
	ReleaseCalls int64 // Release calls that dropped a reference
	FreeCalls    int64 // Releases that actually freed blocks
	GrowCalls    int64 // Slabs mapped from the device
}

// Fragmentation returns the fraction of reserved bytes not asked for.
func (s Stats) Fragmentation() float64 {
	if s.BytesReserved == 0 {
		return 0
	}
	return 1 - float64(s.BytesRequested)/float64(s.BytesReserved)
}

// SlabInfo describes one slab for diagnostics.
type SlabInfo struct {
	Index           int
	Addr            uint64
	Size            uint64
	BlocksUsed      int
	BlocksFree      int
	LargestFreeRun  int
	LiveAllocations int
}
