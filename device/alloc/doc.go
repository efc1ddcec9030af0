// Package alloc provides a slab allocator for the discrete memory of an
// accelerator device.
//
// # Overview
//
// The allocator manages device address space without storing any metadata in
// device memory. All bookkeeping (slab bitmaps, allocation records, reference
// counts) lives in the host process, so it never competes with the device for
// memory bandwidth.
//
// # Geometry
//
//	Slab:  2 MiB contiguous region of device address space
//	Block: 4 KiB, the minimum allocation unit (512 blocks per slab)
//
// Every request is rounded up to whole blocks and placed in a single run of
// contiguous free blocks inside one slab. A 100-byte request consumes a full
// 4 KiB block; that internal fragmentation is accepted in exchange for having
// no sub-block metadata. Requests larger than a slab fail with
// ErrAllocationTooLarge.
//
// # Growth
//
// Allocate searches existing slabs first-fit. When no slab has a fitting run,
// a new slab is mapped from the device and the request is served from it. If
// the device cannot fit another slab the call fails with ErrOutOfSpace. Slabs
// are never returned to the device; freed blocks simply become reusable runs.
// No compaction is performed.
//
// # Usage Example
//
//	dev, _ := device.Open(device.Config{Capacity: 1 << 30})
//	a, err := alloc.New(dev, nil)
//	if err != nil {
//	    return err
//	}
//
//	h, err := a.Allocate(10000) // three blocks, 12288 bytes
//	if err != nil {
//	    return err
//	}
//	copy(h.Host(), payload)      // host mirror
//	addr := h.DeviceAddr()       // 4 KiB aligned device address
//
//	err = a.Release(h)
//
// # Reference Counting
//
// A handle starts with one reference. Retain adds one; Release drops one and
// frees the blocks when the count reaches zero. Releasing a handle that was
// already freed returns ErrDoubleFree.
//
// # Thread Safety
//
// Allocator is safe for concurrent use. One mutex serializes every bitmap and
// record mutation. It is held only for bookkeeping, never while data moves.
//
// Releasing a handle while DMA transfers still target its region is the
// caller's responsibility; the allocator does not track in-flight transfers.
//
// # Related Packages
//
//   - github.com/Composer-Team/beethoven-runtime/device: device address space and backing memory
//   - github.com/Composer-Team/beethoven-runtime/device/dma: splits transfers to allocated regions
package alloc
