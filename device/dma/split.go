package dma

import (
	"fmt"

	"github.com/Composer-Team/beethoven-runtime/internal/format"
)

// MaxRequestLen is the largest logical request Split accepts.
const MaxRequestLen = 1 << 40

// maxSegmentHint caps the preallocated segment slice.
const maxSegmentHint = 1024

// Split decomposes a logical request into maximal segments such that no segment
// crosses a page boundary and none exceeds cfg.MaxBurstBytes. Segments come back
// in address order with Tag -1; tags are assigned at issue time.
//
// Example (page 4096, burst 4096):
//
//	{Addr: 100, Len: 10000} -> [100,4096) [4096,8192) [8192,10100)
func Split(d Descriptor, cfg Config) ([]Segment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkDescriptor(d, cfg); err != nil {
		return nil, err
	}

	burst := cfg.burst()
	n := format.BlocksFor(d.Len+(d.Addr&format.PageMask), format.PageSize) // lower bound, pages touched
	segs := make([]Segment, 0, min(n, maxSegmentHint))

	addr, end := d.Addr, d.End()
	for addr < end {
		segEnd := end
		// Both bounds wrap to a small value in the last page of the address space.
		if pe := format.NextPageBoundary(addr); pe > addr && pe < segEnd {
			segEnd = pe
		}
		if be := addr + burst; be > addr && be < segEnd {
			segEnd = be
		}
		s := Segment{
			Tag:  -1,
			Dir:  d.Dir,
			Addr: addr,
			Len:  segEnd - addr,
		}
		if d.Data != nil {
			off := addr - d.Addr
			s.Data = d.Data[off : off+s.Len : off+s.Len]
		}
		segs = append(segs, s)
		addr = segEnd
	}
	return segs, nil
}

func checkDescriptor(d Descriptor, cfg Config) error {
	if d.Len == 0 {
		return ErrEmptyRequest
	}
	if d.Len > MaxRequestLen {
		return fmt.Errorf("%w: len=%d max=%d", ErrRequestTooLarge, d.Len, uint64(MaxRequestLen))
	}
	if d.Addr+d.Len < d.Addr {
		return fmt.Errorf("%w: addr=0x%X len=%d", ErrAddressOverflow, d.Addr, d.Len)
	}
	if !format.IsAligned(d.Addr, cfg.BusWidth) || !format.IsAligned(d.Len, cfg.BusWidth) {
		return fmt.Errorf("%w: addr=0x%X len=%d bus=%d", ErrMisaligned, d.Addr, d.Len, cfg.BusWidth)
	}
	if d.Data != nil && uint64(len(d.Data)) != d.Len {
		return fmt.Errorf("%w: have %d, want %d", ErrBufferSize, len(d.Data), d.Len)
	}
	return nil
}
