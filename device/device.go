package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Composer-Team/beethoven-runtime/internal/format"
	"github.com/Composer-Team/beethoven-runtime/internal/mmfile"
)

var (
	// ErrCapacity indicates the device has no physical memory left for another region.
	ErrCapacity = errors.New("device: capacity exhausted")

	// ErrOutOfRange indicates an access outside every mapped region.
	ErrOutOfRange = errors.New("device: address not mapped")

	// ErrClosed indicates the device was closed.
	ErrClosed = errors.New("device: closed")

	// ErrBadConfig indicates an invalid device configuration.
	ErrBadConfig = errors.New("device: bad config")
)

// Config describes the physical memory of a discrete device.
type Config struct {
	// Capacity is the total physical memory in bytes.
	Capacity uint64 `yaml:"capacity"`

	// BaseAddr is the device address of the first mapped region. Must be
	// page-aligned.
	BaseAddr uint64 `yaml:"base_addr"`

	// ImagePath optionally backs device memory with a file so contents survive
	// between runs. Empty uses anonymous memory.
	ImagePath string `yaml:"image_path"`
}

// Region is a contiguous span of device address space handed out by MapRegion.
type Region struct {
	Index int    // Order in which the region was mapped
	Addr  uint64 // Device address of the first byte
	Size  uint64 // Length in bytes
}

// End returns the first address past the region.
func (r Region) End() uint64 { return r.Addr + r.Size }

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint64) bool { return addr >= r.Addr && addr < r.End() }

type region struct {
	Region
	data    []byte
	cleanup func() error
}

// Device models a discrete accelerator's memory. Address space is handed out
// in regions, front to back, until Capacity is reached. Regions are never
// returned. Region backing storage is what the memory channel reads and writes.
//
// Device is safe for concurrent use.
type Device struct {
	cfg Config

	mu      sync.RWMutex
	mapped  uint64
	regions []*region
	closed  bool
}

// Open creates a device with the given configuration. No memory is mapped
// until the first MapRegion call.
func Open(cfg Config) (*Device, error) {
	if cfg.Capacity == 0 {
		return nil, fmt.Errorf("%w: zero capacity", ErrBadConfig)
	}
	if cfg.BaseAddr%format.PageSize != 0 {
		return nil, fmt.Errorf("%w: base address 0x%X not page aligned", ErrBadConfig, cfg.BaseAddr)
	}
	if cfg.BaseAddr+cfg.Capacity < cfg.BaseAddr {
		return nil, fmt.Errorf("%w: address space overflow", ErrBadConfig)
	}
	return &Device{cfg: cfg}, nil
}

// Capacity returns the total physical memory in bytes.
func (d *Device) Capacity() uint64 { return d.cfg.Capacity }

// BaseAddr returns the device address of the first region.
func (d *Device) BaseAddr() uint64 { return d.cfg.BaseAddr }

// Mapped returns the number of bytes handed out so far.
func (d *Device) Mapped() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mapped
}

// Remaining returns the number of bytes still available for MapRegion.
func (d *Device) Remaining() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Capacity - d.mapped
}

// Regions returns a snapshot of the mapped regions in address order.
func (d *Device) Regions() []Region {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Region, len(d.regions))
	for i, r := range d.regions {
		out[i] = r.Region
	}
	return out
}

// MapRegion reserves the next size bytes of device memory.
// size must be a positive multiple of the page size.
// Returns ErrCapacity when the remaining capacity cannot fit size.
func (d *Device) MapRegion(size uint64) (Region, error) {
	if size == 0 || size%format.PageSize != 0 {
		return Region{}, fmt.Errorf("%w: region size %d not a page multiple", ErrBadConfig, size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Region{}, ErrClosed
	}
	if size > d.cfg.Capacity-d.mapped {
		return Region{}, fmt.Errorf("%w: need %d bytes, %d remaining", ErrCapacity, size, d.cfg.Capacity-d.mapped)
	}

	var (
		data    []byte
		cleanup func() error
		err     error
	)
	if d.cfg.ImagePath != "" {
		data, cleanup, err = mmfile.MapFile(d.cfg.ImagePath, int64(d.mapped), int(size))
	} else {
		data, cleanup, err = mmfile.Anon(int(size))
	}
	if err != nil {
		return Region{}, fmt.Errorf("device: back region: %w", err)
	}

	r := &region{
		Region: Region{
			Index: len(d.regions),
			Addr:  d.cfg.BaseAddr + d.mapped,
			Size:  size,
		},
		data:    data,
		cleanup: cleanup,
	}
	d.regions = append(d.regions, r)
	d.mapped += size
	return r.Region, nil
}

// ReadAt copies len(p) bytes of device memory starting at addr into p.
func (d *Device) ReadAt(p []byte, addr uint64) error {
	return d.access(p, addr, false)
}

// WriteAt copies p into device memory starting at addr.
func (d *Device) WriteAt(p []byte, addr uint64) error {
	return d.access(p, addr, true)
}

func (d *Device) access(p []byte, addr uint64, write bool) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}

	for len(p) > 0 {
		r := d.find(addr)
		if r == nil {
			return fmt.Errorf("%w: 0x%X", ErrOutOfRange, addr)
		}
		off := addr - r.Addr
		var n int
		if write {
			n = copy(r.data[off:], p)
		} else {
			n = copy(p, r.data[off:])
		}
		p = p[n:]
		addr += uint64(n)
	}
	return nil
}

// Covers reports whether [addr, addr+n) lies entirely inside mapped regions.
func (d *Device) Covers(addr, n uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || addr+n < addr {
		return false
	}
	end := addr + n
	for addr < end {
		r := d.find(addr)
		if r == nil {
			return false
		}
		addr = r.End()
	}
	return true
}

// find returns the region containing addr. Caller holds d.mu.
func (d *Device) find(addr uint64) *region {
	i := sort.Search(len(d.regions), func(i int) bool {
		return d.regions[i].End() > addr
	})
	if i < len(d.regions) && d.regions[i].Contains(addr) {
		return d.regions[i]
	}
	return nil
}

// Sync flushes file-backed device memory to disk. It is a no-op for
// anonymous memory.
func (d *Device) Sync() error {
	if d.cfg.ImagePath == "" {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.regions {
		if err := mmfile.Sync(r.data); err != nil {
			return fmt.Errorf("device: sync region %d: %w", r.Index, err)
		}
	}
	return nil
}

// Close releases all backing storage. Further accesses return ErrClosed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	for _, r := range d.regions {
		if r.cleanup == nil {
			continue
		}
		if err := r.cleanup(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.data = nil
	}
	return firstErr
}
