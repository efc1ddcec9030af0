package fpga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/Composer-Team/beethoven-runtime/device"
	"github.com/Composer-Team/beethoven-runtime/device/alloc"
	"github.com/Composer-Team/beethoven-runtime/device/dirty"
	"github.com/Composer-Team/beethoven-runtime/device/dma"
	"github.com/Composer-Team/beethoven-runtime/device/memsim"
	"github.com/Composer-Team/beethoven-runtime/internal/config"
	"github.com/Composer-Team/beethoven-runtime/internal/logger"
	"github.com/Composer-Team/beethoven-runtime/internal/telemetry"
)

var (
	// ErrClosed indicates the handle was closed.
	ErrClosed = errors.New("fpga: handle closed")

	// ErrBadPointer indicates a pointer that is nil, freed, or from another handle.
	ErrBadPointer = errors.New("fpga: bad remote pointer")

	// ErrNoHostMirror indicates a host-mirror operation on a runtime opened without mirrors.
	ErrNoHostMirror = errors.New("fpga: host mirror disabled")
)

// Options configures Open. A nil *Options uses config.Default().
type Options struct {
	// Config is the runtime configuration. Nil uses config.Default().
	Config *config.Config

	// Channel replaces the simulated memory channel. The handle does not own it.
	Channel dma.Channel

	// Telemetry overrides the provider built from Config.Telemetry.
	Telemetry telemetry.Telemetry

	Logger *slog.Logger
}

// Handle is an open runtime over one device.
type Handle struct {
	cfg config.Config
	log *slog.Logger

	dev   *device.Device
	alloc *alloc.Allocator
	sim   *memsim.Channel // nil when Options.Channel was supplied
	eng   *dma.Engine

	tel    telemetry.Telemetry
	ownTel bool

	mu       sync.Mutex
	ptrs     map[*alloc.Handle]*RemotePtr
	closed   bool
	released bool // teardown done
}

// Open builds a runtime: device memory, allocator, memory channel and DMA engine.
func Open(opts *Options) (*Handle, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	cfg := config.Default()
	if o.Config != nil {
		cfg = *o.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.Logger == nil {
		o.Logger = logger.With("fpga")
	}

	h := &Handle{
		cfg:  cfg,
		log:  o.Logger,
		tel:  o.Telemetry,
		ptrs: make(map[*alloc.Handle]*RemotePtr),
	}
	if h.tel == nil {
		tel, err := telemetry.New(cfg.Telemetry, os.Stdout)
		if err != nil {
			return nil, fmt.Errorf("fpga: telemetry: %w", err)
		}
		h.tel, h.ownTel = tel, true
	}

	var err error
	if h.dev, err = device.Open(cfg.Device); err != nil {
		h.teardown()
		return nil, fmt.Errorf("fpga: open device: %w", err)
	}

	h.alloc, err = alloc.New(h.dev, &alloc.Options{
		SlabSize:     cfg.Alloc.SlabSize,
		BlockSize:    cfg.Alloc.BlockSize,
		NoHostMirror: !cfg.Alloc.HostMirror,
		Telemetry:    h.tel,
	})
	if err != nil {
		h.teardown()
		return nil, fmt.Errorf("fpga: allocator: %w", err)
	}

	ch := o.Channel
	if ch == nil {
		if h.sim, err = memsim.New(h.dev, cfg.Sim); err != nil {
			h.teardown()
			return nil, fmt.Errorf("fpga: memory channel: %w", err)
		}
		ch = h.sim
	}

	if h.eng, err = dma.NewEngine(ch, cfg.DMA, &dma.Options{Telemetry: h.tel}); err != nil {
		h.teardown()
		return nil, fmt.Errorf("fpga: dma engine: %w", err)
	}

	h.log.Info("runtime opened",
		"capacity", cfg.Device.Capacity,
		"base", cfg.Device.BaseAddr,
		"tags", cfg.DMA.MaxTags,
		"in_flight_per_tag", cfg.DMA.MaxInFlightPerTag)
	return h, nil
}

// Config returns the configuration the handle was opened with.
func (h *Handle) Config() config.Config { return h.cfg }

// Device returns the underlying device memory.
func (h *Handle) Device() *device.Device { return h.dev }

// Allocator returns the slab allocator.
func (h *Handle) Allocator() *alloc.Allocator { return h.alloc }

// Engine returns the DMA engine.
func (h *Handle) Engine() *dma.Engine { return h.eng }

// Malloc reserves size bytes of device memory with a host mirror.
func (h *Handle) Malloc(size uint64) (*RemotePtr, error) {
	if h.isClosed() {
		return nil, ErrClosed
	}
	ah, err := h.alloc.Allocate(size)
	if err != nil {
		return nil, err
	}
	p := &RemotePtr{
		owner: h,
		h:     ah,
		dirty: dirty.NewTracker(ah.Requested()),
	}
	h.mu.Lock()
	h.ptrs[ah] = p
	h.mu.Unlock()
	return p, nil
}

// Free releases p's device memory. The pointer must not be used afterwards
// unless it was retained with Share.
func (h *Handle) Free(p *RemotePtr) error {
	if err := h.check(p); err != nil {
		return err
	}
	if err := h.alloc.Release(p.h); err != nil {
		return fmt.Errorf("%w: %w", ErrBadPointer, err)
	}
	if p.h.Refs() == 0 {
		h.mu.Lock()
		delete(h.ptrs, p.h)
		h.mu.Unlock()
	}
	return nil
}

// Share adds a reference to p so that it survives one additional Free.
func (h *Handle) Share(p *RemotePtr) error {
	if err := h.check(p); err != nil {
		return err
	}
	if err := p.h.Retain(); err != nil {
		return fmt.Errorf("%w: %w", ErrBadPointer, err)
	}
	return nil
}

// Resolve maps a device address inside a live allocation back to its pointer
// and the offset of addr within it.
func (h *Handle) Resolve(addr uint64) (*RemotePtr, uint64, bool) {
	ah, off, ok := h.alloc.Lookup(addr)
	if !ok {
		return nil, 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.ptrs[ah]
	return p, off, ok
}

// CopyToFPGA writes p's whole host mirror to the device and clears its dirty set.
func (h *Handle) CopyToFPGA(ctx context.Context, p *RemotePtr) error {
	if err := h.checkMirror(p); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := h.eng.Do(ctx, p.descriptor(dma.Write, 0, p.Len())); err != nil {
		return err
	}
	p.dirty.Reset()
	return nil
}

// CopyFromFPGA reads p's device memory into its host mirror.
func (h *Handle) CopyFromFPGA(ctx context.Context, p *RemotePtr) error {
	if err := h.checkMirror(p); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return h.eng.Do(ctx, p.descriptor(dma.Read, 0, p.Len()))
}

// MarkDirty records that n bytes of p's host mirror at off were modified.
func (h *Handle) MarkDirty(p *RemotePtr, off, n uint64) error {
	if err := h.checkMirror(p); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty.Add(off, n)
}

// Sync writes the dirty pages of p's host mirror to the device. Each coalesced
// range becomes one DMA write; ranges not written stay dirty on error.
func (h *Handle) Sync(ctx context.Context, p *RemotePtr) error {
	if err := h.checkMirror(p); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.dirty.Ranges())
	err := p.dirty.Flush(ctx, func(ctx context.Context, r dirty.Range) error {
		return h.eng.Do(ctx, p.descriptor(dma.Write, r.Off, r.Len))
	})
	if err != nil {
		return err
	}
	h.log.Debug("synced", "addr", p.DeviceAddr(), "ranges", n)
	return nil
}

// Write copies data to device memory at addr without touching any host mirror.
func (h *Handle) Write(ctx context.Context, addr uint64, data []byte) error {
	if h.isClosed() {
		return ErrClosed
	}
	return h.eng.Do(ctx, dma.Descriptor{Dir: dma.Write, Addr: addr, Len: uint64(len(data)), Data: data})
}

// Read copies device memory at addr into buf.
func (h *Handle) Read(ctx context.Context, addr uint64, buf []byte) error {
	if h.isClosed() {
		return ErrClosed
	}
	return h.eng.Do(ctx, dma.Descriptor{Dir: dma.Read, Addr: addr, Len: uint64(len(buf)), Data: buf})
}

// Stats combines the component counters.
type Stats struct {
	Alloc alloc.Stats
	DMA   dma.Stats
	Sim   memsim.Stats
}

// Stats returns a snapshot of allocator, engine and channel counters.
func (h *Handle) Stats() Stats {
	st := Stats{
		Alloc: h.alloc.Stats(),
		DMA:   h.eng.Stats(),
	}
	if h.sim != nil {
		st.Sim = h.sim.Stats()
	}
	return st
}

// Close drains outstanding requests and releases device memory. Pointers
// become invalid. If ctx ends before the drain completes, Close returns the
// error and leaves host mirrors and device memory mapped, since the channel
// may still be writing into them; call Close again to finish.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if err := h.eng.Close(ctx); err != nil {
		h.log.Warn("close: drain incomplete, memory left mapped", "err", err)
		return fmt.Errorf("fpga: close: %w", err)
	}

	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	err := h.teardown()
	h.log.Info("runtime closed")
	return err
}

// teardown releases whatever Open managed to build.
func (h *Handle) teardown() error {
	var errs []error
	if h.sim != nil {
		errs = append(errs, h.sim.Close())
	}
	if h.alloc != nil {
		errs = append(errs, h.alloc.Close())
	}
	if h.dev != nil {
		errs = append(errs, h.dev.Sync(), h.dev.Close())
	}
	if h.ownTel && h.tel != nil {
		errs = append(errs, h.tel.Shutdown(context.Background()))
	}
	return errors.Join(errs...)
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) check(p *RemotePtr) error {
	if h.isClosed() {
		return ErrClosed
	}
	if p == nil || p.owner != h {
		return ErrBadPointer
	}
	return nil
}

func (h *Handle) checkMirror(p *RemotePtr) error {
	if err := h.check(p); err != nil {
		return err
	}
	if !h.cfg.Alloc.HostMirror {
		return ErrNoHostMirror
	}
	if p.h.Refs() == 0 {
		return fmt.Errorf("%w: freed", ErrBadPointer)
	}
	return nil
}
