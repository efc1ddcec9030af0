// Package device models the discrete memory of an accelerator.
//
// # Overview
//
// A Device owns a flat address space of Capacity bytes starting at BaseAddr.
// Space is handed out front to back in regions through MapRegion; the
// allocator maps one region per slab. Regions are never unmapped before Close,
// matching a runtime that keeps every slab it ever grew.
//
// Each region is backed by host memory (anonymous mmap on unix, heap memory
// elsewhere, or a shared file mapping when ImagePath is set). That backing is
// what the simulated memory channel in device/memsim reads and writes; it is
// NOT the host mirror the allocator hands to callers.
//
// # Usage Example
//
//	dev, err := device.Open(device.Config{Capacity: 64 << 20})
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//
//	r, err := dev.MapRegion(format.SlabSize)
//	if err != nil {
//	    return err
//	}
//	err = dev.WriteAt(payload, r.Addr)
//
// # Related Packages
//
//   - github.com/Composer-Team/beethoven-runtime/device/alloc: slab allocator over a Device
//   - github.com/Composer-Team/beethoven-runtime/device/memsim: memory channel backed by a Device
package device
