// Package dirty tracks which pages of an allocation's host mirror were
// modified since the last sync, so that only those pages travel to the device.
//
// # Usage
//
//	tracker := dirty.NewTracker(h.Size())
//
//	// After modifying 128 bytes at offset 0x5000 of the host mirror
//	tracker.Add(0x5000, 128)
//
//	err := tracker.Flush(ctx, func(ctx context.Context, r dirty.Range) error {
//	    return engine.Do(ctx, dma.Descriptor{Dir: dma.Write, Addr: base + r.Off, ...})
//	})
//
// # Page-Level Granularity
//
// Ranges are rounded to 4KB page boundaries at flush time and clamped to the
// tracked size:
//   - A 1-byte change marks the entire page dirty
//   - Page-aligned flush ranges split into whole-page DMA segments
//
// # Range Coalescing
//
// Overlapping and adjacent pages merge into single ranges:
//
//	Dirty pages: [0, 1, 2, 5, 6] -> Ranges: [0x0-0x3000, 0x5000-0x7000]
//
// # Thread Safety
//
// Tracker instances are not thread-safe. Callers must synchronize access
// externally.
package dirty
