/*
Package fpga is the host-side runtime handle for a discrete accelerator.

It ties together the device memory model, the slab allocator, the DMA engine
and its memory channel. Buffers are allocated in device memory and mirrored in
host memory; data moves between the two through DMA requests that are split
into page-bounded transactions.

# Quick Start

	h, err := fpga.Open(nil)
	if err != nil {
	    log.Fatal(err)
	}
	defer h.Close(context.Background())

	ptr, err := h.Malloc(10000)
	if err != nil {
	    log.Fatal(err)
	}
	copy(ptr.Host(), payload)
	if err := h.CopyToFPGA(ctx, ptr); err != nil {
	    log.Fatal(err)
	}

# Partial Updates

Mark the bytes you changed and sync only the dirty pages:

	ptr.Host()[5000] = 1
	h.MarkDirty(ptr, 5000, 1)
	err := h.Sync(ctx, ptr) // one page-sized write

# Concurrency

A Handle is safe for concurrent use. Transfers on different pointers run in
parallel across the engine's tags. Freeing a pointer while a transfer on it is
in flight is the caller's bug; the runtime does not guard against it.
*/
package fpga
