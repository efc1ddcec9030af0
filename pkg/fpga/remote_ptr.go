package fpga

import (
	"fmt"
	"sync"

	"github.com/Composer-Team/beethoven-runtime/device/alloc"
	"github.com/Composer-Team/beethoven-runtime/device/dirty"
	"github.com/Composer-Team/beethoven-runtime/device/dma"
	"github.com/Composer-Team/beethoven-runtime/internal/format"
)

// RemotePtr is a device allocation paired with its host mirror.
type RemotePtr struct {
	owner *Handle
	h     *alloc.Handle

	mu    sync.Mutex // serializes transfers and dirty tracking
	dirty *dirty.Tracker
}

// DeviceAddr returns the device address of the first byte.
func (p *RemotePtr) DeviceAddr() uint64 { return p.h.DeviceAddr() }

// Len returns the requested size in bytes.
func (p *RemotePtr) Len() uint64 { return p.h.Requested() }

// Reserved returns the block-rounded size held in device memory.
func (p *RemotePtr) Reserved() uint64 { return p.h.Size() }

// Host returns the host mirror, nil when mirrors are disabled.
func (p *RemotePtr) Host() []byte { return p.h.Host() }

// At returns the device address of byte off.
func (p *RemotePtr) At(off uint64) (uint64, error) {
	if off >= p.Len() {
		return 0, fmt.Errorf("%w: offset %d past length %d", ErrBadPointer, off, p.Len())
	}
	return p.DeviceAddr() + off, nil
}

// Dirty returns the page ranges a Sync would write.
func (p *RemotePtr) Dirty() []dirty.Range {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty.Ranges()
}

// descriptor describes a transfer of [off, off+n) between the mirror and the
// device, widened to bus-width alignment. The widening stays inside the
// reserved blocks, which the mirror covers up to its capacity.
func (p *RemotePtr) descriptor(dir dma.Direction, off, n uint64) dma.Descriptor {
	bus := p.owner.cfg.DMA.BusWidth
	start := format.AlignDown(off, bus)
	end := min(format.AlignUp(off+n, bus), p.Reserved())
	return dma.Descriptor{
		Dir:  dir,
		Addr: p.DeviceAddr() + start,
		Len:  end - start,
		Data: p.Host()[start:end:end],
	}
}
