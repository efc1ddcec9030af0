// Package format houses the address-space constants and alignment helpers
// shared by the allocator, the transaction splitter and the device model.
// The goal is to keep the arithmetic in one place so the higher-level packages
// agree on what a page, a block and a slab are.
package format

const (
	// PageSize is the transaction boundary of the memory channel. A single
	// physical transaction must never cross a PageSize-aligned address.
	PageSize = 0x1000

	// PageMask is the bitmask used for aligning to 4KB boundaries (PageSize - 1).
	PageMask = PageSize - 1

	// BlockSize is the minimum allocation granularity within a slab. It matches
	// PageSize so that every allocation starts on a transaction boundary.
	BlockSize = 0x1000

	// SlabSize is the unit of device address space handed to the allocator.
	// A slab holds SlabSize / BlockSize = 512 blocks.
	SlabSize = 0x200000

	// BlocksPerSlab is the number of blocks in a default-sized slab.
	BlocksPerSlab = SlabSize / BlockSize

	// DefaultBusWidth is the data-bus width in bytes. Addresses and lengths
	// need no alignment beyond this. A width of 1 disables the check.
	DefaultBusWidth = 1

	// DefaultMaxBurstBytes caps the length of a single segment. It is a
	// performance knob; PageSize remains the hard limit.
	DefaultMaxBurstBytes = PageSize

	// DefaultMaxTags is the number of distinct transaction IDs a channel exposes.
	DefaultMaxTags = 4

	// DefaultMaxInFlightPerTag bounds outstanding segments per ID.
	DefaultMaxInFlightPerTag = 4
)
