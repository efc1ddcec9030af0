package alloc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Composer-Team/beethoven-runtime/device"
	"github.com/Composer-Team/beethoven-runtime/internal/format"
	"github.com/Composer-Team/beethoven-runtime/internal/logger"
	"github.com/Composer-Team/beethoven-runtime/internal/mmfile"
	"github.com/Composer-Team/beethoven-runtime/internal/telemetry"
)

// Allocator is a slab allocator over a device's discrete address space.
// - Per-slab bitmaps track free blocks; first-fit search across slabs
// - Allocation records live only in host memory
// - One mutex serializes all bookkeeping.
type Allocator struct {
	dev *device.Device

	slabSize      uint64
	blockSize     uint64
	blocksPerSlab int
	hostMirror    bool

	mu    sync.Mutex
	slabs []*slab
	live  map[uint64]*Handle // device address -> handle
	stats Stats

	// spare holds device regions mapped for a slab whose host mirror could
	// not be created; the next grow reuses them before mapping more.
	spare []device.Region

	tel telemetry.Telemetry
	log *slog.Logger

	mapMirror func(size int) ([]byte, func() error, error)

	// Test hook: called after a slab is grown (nil in production)
	onGrow func(index int)
}

// New creates an allocator over dev. No slab is mapped until the first Allocate.
//
// Parameters:
//   - dev: The device whose address space is managed
//   - opts: Geometry and instrumentation (nil for defaults)
func New(dev *device.Device, opts *Options) (*Allocator, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrBadOptions)
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.SlabSize == 0 {
		o.SlabSize = format.SlabSize
	}
	if o.BlockSize == 0 {
		o.BlockSize = format.BlockSize
	}
	if !format.IsPowerOfTwo(o.BlockSize) {
		return nil, fmt.Errorf("%w: block size %d is not a power of two", ErrBadOptions, o.BlockSize)
	}
	if o.SlabSize%o.BlockSize != 0 || o.SlabSize%format.PageSize != 0 {
		return nil, fmt.Errorf("%w: slab size %d must be a multiple of block size %d and page size",
			ErrBadOptions, o.SlabSize, o.BlockSize)
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.NewNoop()
	}
	if o.Logger == nil {
		o.Logger = logger.With("alloc")
	}

	return &Allocator{
		dev:           dev,
		slabSize:      o.SlabSize,
		blockSize:     o.BlockSize,
		blocksPerSlab: int(o.SlabSize / o.BlockSize),
		hostMirror:    !o.NoHostMirror,
		live:          make(map[uint64]*Handle),
		mapMirror:     mmfile.Anon,
		tel:           o.Telemetry,
		log:           o.Logger,
	}, nil
}

// SlabSize returns the configured slab size in bytes.
func (a *Allocator) SlabSize() uint64 { return a.slabSize }

// BlockSize returns the configured block size in bytes.
func (a *Allocator) BlockSize() uint64 { return a.blockSize }

// Allocate reserves ceil(size/BlockSize) contiguous blocks in one slab.
//
// Existing slabs are searched first-fit. When none has a fitting run, one new
// slab is mapped from the device and the request is served from it.
//
// Errors:
//   - ErrZeroSize: size is 0
//   - ErrAllocationTooLarge: size exceeds one slab
//   - ErrOutOfSpace: no fitting run and the device cannot fit another slab
func (a *Allocator) Allocate(size uint64) (*Handle, error) {
	h, grew, err := a.allocate(size)

	ctx := context.Background()
	if err != nil {
		a.tel.RecordCounter(ctx, telemetry.MetricAllocFailures, 1,
			attribute.String(telemetry.AttrReason, failureReason(err)))
		return nil, err
	}
	a.tel.RecordCounter(ctx, telemetry.MetricAllocCalls, 1)
	a.tel.RecordCounter(ctx, telemetry.MetricAllocBytes, int64(h.Size()))
	if grew {
		a.tel.RecordCounter(ctx, telemetry.MetricSlabGrowth, 1)
	}
	return h, nil
}

func (a *Allocator) allocate(size uint64) (*Handle, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.AllocCalls++

	if size == 0 {
		a.stats.AllocFailed++
		return nil, false, ErrZeroSize
	}
	if size > a.slabSize {
		a.stats.AllocFailed++
		return nil, false, fmt.Errorf("%w: %d > %d", ErrAllocationTooLarge, size, a.slabSize)
	}

	n := int(format.BlocksFor(size, a.blockSize))

	// Fast path: first fit in an existing slab
	for _, s := range a.slabs {
		if first, ok := s.findRun(n); ok {
			return a.take(s, first, n, size), false, nil
		}
	}

	// Slow path: grow by one slab
	s, err := a.grow()
	if err != nil {
		a.stats.AllocFailed++
		return nil, false, err
	}
	first, ok := s.findRun(n)
	if !ok {
		// Unreachable: n <= blocksPerSlab and the slab is empty.
		a.stats.AllocFailed++
		return nil, true, fmt.Errorf("%w: fresh slab cannot fit %d blocks", ErrOutOfSpace, n)
	}
	return a.take(s, first, n, size), true, nil
}

// take marks the run used and records the handle. Caller holds a.mu.
func (a *Allocator) take(s *slab, first, n int, size uint64) *Handle {
	h := &Handle{
		owner:     a,
		slab:      s,
		first:     first,
		blocks:    n,
		requested: size,
		addr:      s.region.Addr + uint64(first)*a.blockSize,
		refs:      1,
	}
	s.mark(first, n, h)
	a.live[h.addr] = h

	a.stats.LiveAllocations++
	a.stats.BlocksUsed += n
	a.stats.BytesRequested += size
	a.stats.BytesReserved += h.Size()
	if a.stats.BytesReserved > a.stats.HighWater {
		a.stats.HighWater = a.stats.BytesReserved
	}
	return h
}

// grow maps one more slab from the device. Caller holds a.mu.
func (a *Allocator) grow() (*slab, error) {
	region, err := a.nextRegion()
	if err != nil {
		return nil, err
	}

	s := newSlab(len(a.slabs), region, a.blocksPerSlab)
	if a.hostMirror {
		mirror, unmap, mapErr := a.mapMirror(int(a.slabSize))
		if mapErr != nil {
			a.spare = append(a.spare, region)
			return nil, fmt.Errorf("alloc: map host mirror: %w", mapErr)
		}
		s.mirror, s.unmap = mirror, unmap
	}
	a.slabs = append(a.slabs, s)

	a.stats.Slabs++
	a.stats.BlocksTotal += a.blocksPerSlab
	a.stats.GrowCalls++

	a.log.Debug("slab grown", "slab", s.index, "addr", region.Addr, "size", a.slabSize)
	if a.onGrow != nil {
		a.onGrow(s.index)
	}
	return s, nil
}

// nextRegion returns a spare region or maps a new one. Caller holds a.mu.
func (a *Allocator) nextRegion() (device.Region, error) {
	if n := len(a.spare); n > 0 {
		region := a.spare[n-1]
		a.spare = a.spare[:n-1]
		return region, nil
	}
	region, err := a.dev.MapRegion(a.slabSize)
	if err != nil {
		if errors.Is(err, device.ErrCapacity) {
			a.log.Warn("device capacity exhausted",
				"slabs", len(a.slabs), "capacity", a.dev.Capacity())
			return device.Region{}, fmt.Errorf("%w: %w", ErrOutOfSpace, err)
		}
		return device.Region{}, fmt.Errorf("alloc: grow: %w", err)
	}
	return region, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrOutOfSpace):
		return "out_of_space"
	case errors.Is(err, ErrAllocationTooLarge):
		return "too_large"
	case errors.Is(err, ErrZeroSize):
		return "zero_size"
	default:
		return "other"
	}
}

// Release drops one reference to h. When the count reaches zero its blocks
// become free for reuse. Releasing an already freed handle returns
// ErrDoubleFree; a handle from another allocator returns ErrBadHandle.
func (a *Allocator) Release(h *Handle) error {
	if h == nil || h.owner != a {
		return ErrBadHandle
	}

	a.mu.Lock()
	if h.freed {
		a.mu.Unlock()
		return fmt.Errorf("%w: 0x%X", ErrDoubleFree, h.addr)
	}
	a.stats.ReleaseCalls++
	h.refs--
	if h.refs > 0 {
		a.mu.Unlock()
		return nil
	}

	h.slab.clear(h.first, h.blocks)
	h.freed = true
	delete(a.live, h.addr)

	a.stats.FreeCalls++
	a.stats.LiveAllocations--
	a.stats.BlocksUsed -= h.blocks
	a.stats.BytesRequested -= h.requested
	a.stats.BytesReserved -= h.Size()
	a.mu.Unlock()

	a.tel.RecordCounter(context.Background(), telemetry.MetricReleaseCalls, 1)
	return nil
}

// Lookup returns the live allocation containing the device address addr and
// the offset of addr within it.
func (a *Allocator) Lookup(addr uint64) (*Handle, uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := sort.Search(len(a.slabs), func(i int) bool {
		return a.slabs[i].region.End() > addr
	})
	if i == len(a.slabs) || !a.slabs[i].region.Contains(addr) {
		return nil, 0, false
	}
	s := a.slabs[i]
	h := s.owners[(addr-s.region.Addr)/a.blockSize]
	if h == nil {
		return nil, 0, false
	}
	return h, addr - h.addr, true
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Slabs returns per-slab occupancy in address order.
func (a *Allocator) Slabs() []SlabInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]SlabInfo, 0, len(a.slabs))
	for _, s := range a.slabs {
		info := SlabInfo{
			Index:          s.index,
			Addr:           s.region.Addr,
			Size:           s.region.Size,
			BlocksUsed:     s.nused,
			BlocksFree:     s.free(),
			LargestFreeRun: s.largestFreeRun(),
		}
		var prev *Handle
		for _, h := range s.owners {
			if h != nil && h != prev {
				info.LiveAllocations++
			}
			prev = h
		}
		out = append(out, info)
	}
	return out
}

// Live returns the live handles ordered by device address.
func (a *Allocator) Live() []*Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Handle, 0, len(a.live))
	for _, h := range a.live {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// Close unmaps the host mirrors. Handles must not be used afterwards. The
// device itself is owned by the caller and is not closed.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, s := range a.slabs {
		if s.unmap == nil {
			continue
		}
		if err := s.unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mirror, s.unmap = nil, nil
	}
	return firstErr
}
